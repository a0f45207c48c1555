package classifiers

import (
	"context"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
)

const (
	heartbeatTTL    = 30 * time.Second
	statusChangeTTL = 5 * time.Minute
)

// Status handles online state, heartbeats and resource status changes.
// Its envelopes are not persisted: a stale status is worse than none.
type Status struct {
	base
}

// NewStatus creates the status classifier
func NewStatus(builder *Builder) *Status {
	return &Status{base: newBase("status", contracts.FamilyStatus, builder)}
}

// Process implements messaging.Classifier
func (c *Status) Process(_ context.Context, event *contracts.Event, routingKey string) messaging.Result {
	var resource, key string
	switch kind := event.Kind(); kind {
	case contracts.KindDeviceStatusChanged, contracts.KindDeviceHeartbeat:
		resource, key = "device", "deviceId"
	case contracts.KindProgramStatusChanged:
		resource, key = "program", "programId"
	case contracts.KindMaterialStatusChanged:
		resource, key = "material", "materialId"
	default:
		return messaging.Failed(unsupported(c.name, kind))
	}

	id, err := field(event, key, routingKey, 1)
	if err != nil {
		return messaging.Failed(err)
	}
	orgTarget, _, err := organization(event)
	if err != nil {
		return messaging.Failed(err)
	}

	env := c.builder.Build(contracts.MessageStatusChange, event)
	env.Source.ResourceType = resource
	env.Source.ResourceID = id
	env.Payload[key] = id
	env.Target = withResource(orgTarget, resource, id)

	ttl := statusChangeTTL
	if event.Kind() == contracts.KindDeviceHeartbeat {
		ttl = heartbeatTTL
		env.Delivery.Priority = contracts.PriorityLow
	}
	ephemeral(env, ttl)
	return messaging.Processed(env)
}
