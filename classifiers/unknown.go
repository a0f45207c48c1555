package classifiers

import (
	"context"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/routing"
)

// Unknown is the fallback for event types without a dedicated classifier.
// It emits a low priority notification carrying the original type string.
type Unknown struct {
	base
}

// NewUnknown creates the fallback classifier
func NewUnknown(builder *Builder) *Unknown {
	c := &Unknown{base: newBase("unknown", contracts.FamilyUnknown, builder)}
	c.priority = 1000
	return c
}

// Supports accepts everything
func (c *Unknown) Supports(contracts.EventKind, string) bool {
	return true
}

// Process implements messaging.Classifier
func (c *Unknown) Process(_ context.Context, event *contracts.Event, routingKey string) messaging.Result {
	env := c.builder.Build(contracts.MessageNotification, event)
	env.SubType = string(contracts.KindUnknown)
	env.Category = string(contracts.FamilyUnknown)
	env.Delivery.Priority = contracts.PriorityLow
	env.Payload["originalType"] = event.Type
	if routingKey != "" {
		env.Payload["routingKey"] = routingKey
	}

	target, err := recipient(event)
	if err != nil {
		// nobody to tell but the operators
		target = routing.ToTopic(routing.OpsAlerts)
	}
	env.Target = target
	return messaging.Processed(env)
}
