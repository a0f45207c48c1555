package classifiers

import (
	"context"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/routing"
)

const (
	announcementTTL = 72 * time.Hour
	maintenanceTTL  = 24 * time.Hour
	emergencyTTL    = 6 * time.Hour
)

// System handles platform wide messages. Announcements scoped to an
// organization stay inside it, everything else goes to a global channel.
type System struct {
	base
}

// NewSystem creates the system classifier
func NewSystem(builder *Builder) *System {
	return &System{base: newBase("system", contracts.FamilySystem, builder)}
}

// Process implements messaging.Classifier
func (c *System) Process(_ context.Context, event *contracts.Event, _ string) messaging.Result {
	env := c.builder.Build(contracts.MessageSystem, event)
	env.Source.ResourceType = "system"

	scoped := func(channel routing.GlobalChannel) contracts.Target {
		if org, ok := event.Org(); ok {
			return routing.ToOrganization(org)
		}
		return routing.ToGlobal(channel)
	}

	switch kind := event.Kind(); kind {
	case contracts.KindSystemAnnouncement:
		env.Target = scoped(routing.ChannelAnnouncement)
		longLived(env, announcementTTL)
	case contracts.KindSystemMaintenance:
		env.Target = scoped(routing.ChannelMaintenance)
		longLived(env, maintenanceTTL)
		if env.Delivery.Priority < contracts.PriorityHigh {
			env.Delivery.Priority = contracts.PriorityHigh
		}
	case contracts.KindSystemEmergency:
		env.Target = routing.ToGlobal(routing.ChannelEmergency)
		longLived(env, emergencyTTL)
		alert(env, contracts.PriorityCritical)
		env.Type = contracts.MessageSystem
	case contracts.KindSystemFault:
		env.Target = routing.ToTopic(routing.OpsAlerts)
		if org, ok := event.Org(); ok {
			env.Target = routing.Combine(env.Target, routing.ToOrganization(org))
		}
		alert(env, contracts.PriorityCritical)
	case contracts.KindSystemConfigChanged:
		env.Target = routing.ToTopic(routing.OpsAlerts)
	default:
		return messaging.Failed(unsupported(c.name, kind))
	}
	return messaging.Processed(env)
}
