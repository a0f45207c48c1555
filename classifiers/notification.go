package classifiers

import (
	"context"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/routing"
)

const broadcastTTL = 24 * time.Hour

// Notification handles user, organization and broadcast notifications
type Notification struct {
	base
}

// NewNotification creates the notification classifier
func NewNotification(builder *Builder) *Notification {
	return &Notification{base: newBase("notification", contracts.FamilyNotification, builder)}
}

// Process implements messaging.Classifier
func (c *Notification) Process(_ context.Context, event *contracts.Event, _ string) messaging.Result {
	env := c.builder.Build(contracts.MessageNotification, event)

	switch kind := event.Kind(); kind {
	case contracts.KindNotification, contracts.KindUserNotification:
		target, err := recipient(event)
		if err != nil {
			return messaging.Failed(err)
		}
		env.Target = target
	case contracts.KindOrgNotification:
		target, _, err := organization(event)
		if err != nil {
			return messaging.Failed(err)
		}
		env.Target = target
	case contracts.KindBroadcastNotification:
		env.Target = routing.ToGlobal(routing.ChannelBroadcast)
		longLived(env, broadcastTTL)
	default:
		return messaging.Failed(unsupported(c.name, kind))
	}

	if senderID, ok := event.Sender(); ok {
		env.Payload["senderId"] = senderID
	}
	return messaging.Processed(env)
}
