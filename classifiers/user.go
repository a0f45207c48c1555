package classifiers

import (
	"context"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/routing"
)

var accountAlerts = map[contracts.EventKind]contracts.Priority{
	contracts.KindForceLogout:       contracts.PriorityCritical,
	contracts.KindAccountLocked:     contracts.PriorityCritical,
	contracts.KindPermissionChanged: contracts.PriorityHigh,
	contracts.KindPasswordChanged:   contracts.PriorityHigh,
}

// User handles account events. Security relevant ones go straight to the
// affected user as acknowledged alerts.
type User struct {
	base
}

// NewUser creates the user classifier
func NewUser(builder *Builder) *User {
	return &User{base: newBase("user", contracts.FamilyUser, builder)}
}

// Process implements messaging.Classifier
func (c *User) Process(_ context.Context, event *contracts.Event, _ string) messaging.Result {
	kind := event.Kind()
	if kind.Family() != contracts.FamilyUser {
		return messaging.Failed(unsupported(c.name, kind))
	}

	env := c.builder.Build(contracts.MessageNotification, event)

	if kind == contracts.KindUserCreated {
		// new accounts are announced to the organization admins
		target, _, err := organization(event)
		if err != nil {
			return messaging.Failed(err)
		}
		env.Target = target
		return messaging.Processed(env)
	}

	userID, ok := event.Receiver()
	if !ok {
		return messaging.Failed(contracts.MissingField(event.ID, "userId"))
	}
	env.Target = routing.ToUser(userID)
	env.Source.ResourceType = "user"
	env.Payload["userId"] = userID

	switch kind {
	case contracts.KindUserLogin, contracts.KindUserLogout:
		env.Type = contracts.MessageConnectionStatus
		ephemeral(env, statusChangeTTL)
	default:
		if p, ok := accountAlerts[kind]; ok {
			alert(env, p)
		}
	}
	return messaging.Processed(env)
}
