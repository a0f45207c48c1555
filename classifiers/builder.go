package classifiers

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/routing"
)

const (
	// DefaultService is the source service stamped on envelopes
	DefaultService = "eventcore"

	// NoSubject fills the subject segment of routing keys for events that
	// are not about a single resource
	NoSubject = "-"
)

// Builder creates envelopes from events. It hands out a monotonic
// sequence id per envelope and is safe for concurrent use.
type Builder struct {
	service  string
	sequence atomic.Int64
	now      func() time.Time
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithService sets the service name used as envelope source
func WithService(service string) BuilderOption {
	return func(b *Builder) {
		b.service = service
	}
}

// WithBuilderClock replaces the clock used for timestamps
func WithBuilderClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a builder
func NewBuilder(options ...BuilderOption) *Builder {
	b := &Builder{
		service: DefaultService,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Build creates an envelope carrying the common fields of event. The payload
// starts as a copy of the event metadata plus the event identity.
func (b *Builder) Build(messageType contracts.MessageType, event *contracts.Event) *contracts.Envelope {
	env := contracts.NewEnvelope(messageType)
	env.Timestamp = b.now().UTC()
	env.SubType = strings.ToUpper(strings.TrimSpace(event.Type))
	env.Category = string(event.Kind().Family())
	env.Source = contracts.Source{Service: b.service}

	for k, v := range event.Metadata {
		env.Payload[k] = v
	}
	env.Payload["eventId"] = event.ID
	env.Payload["eventType"] = event.Type
	if event.Title != "" {
		env.Payload["title"] = event.Title
	}
	if org, ok := event.Org(); ok {
		env.Payload["orgId"] = org
	}

	env.Message = messageText(event)

	env.Delivery.Priority = contracts.PriorityNormal
	if event.Priority != "" {
		env.Delivery.Priority = contracts.ParsePriority(event.Priority)
	}
	env.Delivery.Persistent = true
	env.Delivery.SequenceID = b.sequence.Add(1)
	if id, ok := event.MetaString("correlationId"); ok {
		env.Delivery.CorrelationID = id
	} else {
		env.Delivery.CorrelationID = event.ID
	}
	return env
}

// Sequence returns the last sequence id handed out
func (b *Builder) Sequence() int64 {
	return b.sequence.Load()
}

func messageText(event *contracts.Event) string {
	switch {
	case event.Content != "":
		return event.Content
	case event.Title != "":
		return event.Title
	}
	return humanize(event.Type)
}

// humanize turns DEVICE_OFFLINE into "Device offline"
func humanize(eventType string) string {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(eventType, "_", " ")))
	if len(words) == 0 {
		return ""
	}
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	return strings.Join(words, " ")
}

// alert marks an envelope as an alert needing client acknowledgment
func alert(env *contracts.Envelope, priority contracts.Priority) {
	env.Type = contracts.MessageAlert
	env.Delivery.RequireAck = true
	env.Delivery.Persistent = true
	if env.Delivery.Priority < priority {
		env.Delivery.Priority = priority
	}
}

// ephemeral marks an envelope as worthless once stale
func ephemeral(env *contracts.Envelope, ttl time.Duration) {
	env.Delivery.Persistent = false
	env.Delivery.TTL = ttl
}

// longLived gives broadcast style envelopes a long retention
func longLived(env *contracts.Envelope, ttl time.Duration) {
	env.Delivery.Persistent = true
	env.Delivery.TTL = ttl
}

// recipient resolves the user target of an event, falling back to its
// organization
func recipient(event *contracts.Event) (contracts.Target, error) {
	if user, ok := event.Receiver(); ok {
		return routing.ToUser(user), nil
	}
	if org, ok := event.Org(); ok {
		return routing.ToOrganization(org), nil
	}
	return contracts.Target{}, contracts.MissingField(event.ID, "receiverId")
}

// organization resolves the organization target of an event
func organization(event *contracts.Event) (contracts.Target, int64, error) {
	org, ok := event.Org()
	if !ok {
		return contracts.Target{}, 0, contracts.MissingField(event.ID, "orgId")
	}
	return routing.ToOrganization(org), org, nil
}

// withResource adds the resource topic to organization-wide targets.
// Personal envelopes stay on the user queue so that a resource subscriber
// never sees more than the organization topic already carries.
func withResource(target contracts.Target, resourceType, resourceID string) contracts.Target {
	if target.Kind != contracts.TargetOrganization || len(target.Routes) == 0 {
		return target
	}
	return routing.Combine(target, routing.ToResource(target.Routes[0].OrgID, resourceType, resourceID))
}

// field reads a required identifier from metadata, falling back to a
// segment of the routing key such as "device.D1.offline"
func field(event *contracts.Event, key, routingKey string, segment int) (string, error) {
	if v, ok := event.MetaString(key); ok {
		return v, nil
	}
	if segment > 0 {
		parts := strings.Split(routingKey, ".")
		if len(parts) > segment && parts[segment] != "" && parts[segment] != NoSubject {
			return parts[segment], nil
		}
	}
	return "", contracts.MissingField(event.ID, key)
}

func kindSet(kinds ...contracts.EventKind) map[contracts.EventKind]struct{} {
	set := make(map[contracts.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

func unsupported(name string, kind contracts.EventKind) error {
	return fmt.Errorf("%s classifier does not handle %s", name, kind)
}
