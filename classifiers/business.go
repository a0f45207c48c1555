package classifiers

import (
	"context"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
)

// Business handles program review, material and payment events. Review
// submissions and material changes go to the organization; decisions and
// payments go to the user who triggered them.
type Business struct {
	base
}

// NewBusiness creates the business classifier
func NewBusiness(builder *Builder) *Business {
	return &Business{base: newBase("business", contracts.FamilyBusiness, builder)}
}

// Process implements messaging.Classifier
func (c *Business) Process(_ context.Context, event *contracts.Event, routingKey string) messaging.Result {
	var resource, key string
	personal := false

	switch kind := event.Kind(); kind {
	case contracts.KindProgramSubmitted, contracts.KindProgramPublished:
		resource, key = "program", "programId"
	case contracts.KindProgramApproved, contracts.KindProgramRejected:
		resource, key, personal = "program", "programId", true
	case contracts.KindMaterialUploaded, contracts.KindMaterialDeleted:
		resource, key = "material", "materialId"
	case contracts.KindPaymentSucceeded, contracts.KindPaymentFailed:
		resource, key, personal = "order", "orderId", true
	default:
		return messaging.Failed(unsupported(c.name, kind))
	}

	id, err := field(event, key, routingKey, 1)
	if err != nil {
		return messaging.Failed(err)
	}

	env := c.builder.Build(contracts.MessageNotification, event)
	env.Source.ResourceType = resource
	env.Source.ResourceID = id
	env.Payload[key] = id

	var target contracts.Target
	if personal {
		target, err = recipient(event)
	} else {
		target, _, err = organization(event)
	}
	if err != nil {
		return messaging.Failed(err)
	}
	env.Target = withResource(target, resource, id)

	switch event.Kind() {
	case contracts.KindProgramRejected:
		if env.Delivery.Priority < contracts.PriorityHigh {
			env.Delivery.Priority = contracts.PriorityHigh
		}
	case contracts.KindPaymentFailed:
		alert(env, contracts.PriorityUrgent)
	case contracts.KindPaymentSucceeded:
		env.Delivery.RequireAck = true
	}
	return messaging.Processed(env)
}
