package classifiers

import (
	"context"
	"strings"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
)

// Device handles device domain events. Offline, fault and alert events are
// raised to the whole organization and must be acknowledged.
type Device struct {
	base
}

// NewDevice creates the device classifier
func NewDevice(builder *Builder) *Device {
	return &Device{base: newBase("device", contracts.FamilyDevice, builder)}
}

// Process implements messaging.Classifier
func (c *Device) Process(_ context.Context, event *contracts.Event, routingKey string) messaging.Result {
	kind := event.Kind()
	if kind.Family() != contracts.FamilyDevice {
		return messaging.Failed(unsupported(c.name, kind))
	}

	deviceID, err := field(event, "deviceId", routingKey, 1)
	if err != nil {
		return messaging.Failed(err)
	}
	orgTarget, _, err := organization(event)
	if err != nil {
		return messaging.Failed(err)
	}

	env := c.builder.Build(contracts.MessageNotification, event)
	env.Source.ResourceType = "device"
	env.Source.ResourceID = deviceID
	env.Payload["deviceId"] = deviceID
	if name, ok := event.MetaString("deviceName"); ok {
		env.Payload["deviceName"] = name
	}
	env.Target = withResource(orgTarget, "device", deviceID)

	switch kind {
	case contracts.KindDeviceOffline:
		alert(env, contracts.PriorityHigh)
	case contracts.KindDeviceFault:
		alert(env, contracts.PriorityCritical)
	case contracts.KindDeviceAlert:
		alert(env, severity(event))
	case contracts.KindDeviceOnline:
		env.Type = contracts.MessageStatusChange
	}
	return messaging.Processed(env)
}

// severity maps the producer's alert level onto an envelope priority
func severity(event *contracts.Event) contracts.Priority {
	level, _ := event.MetaString("severity")
	switch strings.ToUpper(level) {
	case "CRITICAL", "FATAL":
		return contracts.PriorityCritical
	case "URGENT", "ERROR":
		return contracts.PriorityUrgent
	}
	return contracts.PriorityHigh
}
