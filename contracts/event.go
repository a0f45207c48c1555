package contracts

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultMaxRetry is applied to events that do not carry their own bound
const DefaultMaxRetry = 3

// Event is a domain event as published by the platform services
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	SenderID    *int64                 `json:"senderId,omitempty"`
	ReceiverID  *int64                 `json:"receiverId,omitempty"`
	OrgID       *int64                 `json:"orgId,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	RetryCount  int                    `json:"retryCount"`
	MaxRetry    int                    `json:"maxRetry"`
	LastError   string                 `json:"lastError,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	ProcessedAt *time.Time             `json:"processedAt,omitempty"`
}

// DecodeEvent parses a broker message body into an Event
func DecodeEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, &MalformedError{Field: "body", Reason: fmt.Sprintf("is not valid JSON: %v", err)}
	}
	if event.ID == "" {
		return nil, MissingField("", "id")
	}
	if event.Type == "" {
		return nil, MissingField(event.ID, "type")
	}
	if event.MaxRetry <= 0 {
		event.MaxRetry = DefaultMaxRetry
	}
	return &event, nil
}

// Kind returns the parsed event kind
func (e *Event) Kind() EventKind {
	return ParseEventKind(e.Type)
}

// Clone returns a copy that does not share the metadata map
func (e *Event) Clone() *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Org resolves the organization id from the event or its metadata
func (e *Event) Org() (int64, bool) {
	if e.OrgID != nil {
		return *e.OrgID, true
	}
	for _, key := range []string{"orgId", "organizationId"} {
		if id, ok := e.MetaInt64(key); ok {
			return id, true
		}
	}
	return 0, false
}

// Receiver resolves the receiving user from the event or its metadata
func (e *Event) Receiver() (int64, bool) {
	if e.ReceiverID != nil {
		return *e.ReceiverID, true
	}
	for _, key := range []string{"receiverId", "userId"} {
		if id, ok := e.MetaInt64(key); ok {
			return id, true
		}
	}
	return 0, false
}

// Sender resolves the sending user
func (e *Event) Sender() (int64, bool) {
	if e.SenderID != nil {
		return *e.SenderID, true
	}
	return e.MetaInt64("senderId")
}

// Meta returns a raw metadata value
func (e *Event) Meta(key string) (interface{}, bool) {
	if e.Metadata == nil {
		return nil, false
	}
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// MetaString returns a metadata value rendered as a string
func (e *Event) MetaString(key string) (string, bool) {
	v, ok := e.Meta(key)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return fmt.Sprint(v), true
}

// MetaInt64 returns a metadata value as an integer
func (e *Event) MetaInt64(key string) (int64, bool) {
	v, ok := e.Meta(key)
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// MetaFloat returns a metadata value as a float
func (e *Event) MetaFloat(key string) (float64, bool) {
	v, ok := e.Meta(key)
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}

// MetaBool returns a metadata value as a bool
func (e *Event) MetaBool(key string) (bool, bool) {
	v, ok := e.Meta(key)
	if !ok {
		return false, false
	}
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	}
	return false, false
}

// MetaList returns a metadata value as a list of objects
func (e *Event) MetaList(key string) ([]map[string]interface{}, bool) {
	v, ok := e.Meta(key)
	if !ok {
		return nil, false
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	items := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items, true
}

// RequireString returns a metadata string or a MalformedError
func (e *Event) RequireString(key string) (string, error) {
	if v, ok := e.MetaString(key); ok {
		return v, nil
	}
	return "", MissingField(e.ID, key)
}

// RequireInt64 returns a metadata integer or a MalformedError
func (e *Event) RequireInt64(key string) (int64, error) {
	if v, ok := e.MetaInt64(key); ok {
		return v, nil
	}
	return 0, MissingField(e.ID, key)
}

// Int64 is a helper for building optional id fields
func Int64(v int64) *int64 {
	return &v
}
