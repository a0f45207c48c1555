package contracts

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of outbound message types
type MessageType string

const (
	MessageTaskProgress     MessageType = "TASK_PROGRESS"
	MessageBatchProgress    MessageType = "BATCH_PROGRESS"
	MessageStatusChange     MessageType = "STATUS_CHANGE"
	MessageNotification     MessageType = "NOTIFICATION"
	MessageAlert            MessageType = "ALERT"
	MessageSystem           MessageType = "SYSTEM_MESSAGE"
	MessageConnectionStatus MessageType = "CONNECTION_STATUS"
	MessageCommandFeedback  MessageType = "COMMAND_FEEDBACK"
)

// Priority orders envelopes by urgency
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityUrgent:   "URGENT",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "NORMAL"
}

// MarshalText renders the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority name, defaulting to normal
func (p *Priority) UnmarshalText(text []byte) error {
	*p = ParsePriority(string(text))
	return nil
}

// ParsePriority parses a producer supplied priority tag
func ParsePriority(s string) Priority {
	name := strings.ToUpper(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == name {
			return p
		}
	}
	return PriorityNormal
}

// TargetKind describes how a route is addressed
type TargetKind string

const (
	TargetUser         TargetKind = "USER"
	TargetUsers        TargetKind = "USERS"
	TargetOrganization TargetKind = "ORGANIZATION"
	TargetTopic        TargetKind = "TOPIC"
	TargetGlobal       TargetKind = "GLOBAL"
)

// Route is one resolved destination of a target
type Route struct {
	Kind        TargetKind `json:"kind"`
	UserID      int64      `json:"userId,omitempty"`
	OrgID       int64      `json:"orgId,omitempty"`
	Destination string     `json:"destination"`
}

// Target is the addressing descriptor of an envelope
type Target struct {
	Kind   TargetKind `json:"kind"`
	Routes []Route    `json:"routes"`
}

// Destinations returns the concrete destination strings
func (t Target) Destinations() []string {
	out := make([]string, 0, len(t.Routes))
	for _, r := range t.Routes {
		if r.Destination != "" {
			out = append(out, r.Destination)
		}
	}
	return out
}

// Empty reports whether no route resolves to a destination
func (t Target) Empty() bool {
	return len(t.Destinations()) == 0
}

// Source describes where an envelope originated
type Source struct {
	Service      string `json:"service,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	ExecutionID  string `json:"executionId,omitempty"`
}

// Delivery carries delivery policy for an envelope
type Delivery struct {
	Priority      Priority      `json:"priority"`
	Persistent    bool          `json:"persistent"`
	TTL           time.Duration `json:"-"`
	RequireAck    bool          `json:"requireAck"`
	CorrelationID string        `json:"correlationId,omitempty"`
	SequenceID    int64         `json:"sequenceId,omitempty"`
}

// MarshalJSON writes the TTL in milliseconds
func (d Delivery) MarshalJSON() ([]byte, error) {
	type alias Delivery
	return json.Marshal(&struct {
		alias
		TTLMillis int64 `json:"ttlMs"`
	}{
		alias:     alias(d),
		TTLMillis: d.TTL.Milliseconds(),
	})
}

// UnmarshalJSON reads the TTL from milliseconds
func (d *Delivery) UnmarshalJSON(data []byte) error {
	type alias Delivery
	aux := &struct {
		*alias
		TTLMillis int64 `json:"ttlMs"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	d.TTL = time.Duration(aux.TTLMillis) * time.Millisecond
	return nil
}

// Envelope is the canonical outbound message
type Envelope struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	SubType   string                 `json:"subType,omitempty"`
	Category  string                 `json:"category,omitempty"`
	Source    Source                 `json:"source"`
	Target    Target                 `json:"target"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Delivery  Delivery               `json:"delivery"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEnvelope creates an envelope with a generated id and normal priority
func NewEnvelope(messageType MessageType) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      messageType,
		Payload:   make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
		Delivery: Delivery{
			Priority:   PriorityNormal,
			Persistent: true,
		},
	}
}

// Validate checks the envelope is dispatchable
func (e *Envelope) Validate() error {
	if e.Target.Empty() {
		return ErrEmptyTarget
	}
	return nil
}

// Expired reports whether the envelope outlived its TTL
func (e *Envelope) Expired(now time.Time) bool {
	if e.Delivery.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.Delivery.TTL))
}
