package rabbitmq

import (
	"testing"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/stretchr/testify/assert"
)

func TestEventTopology(t *testing.T) {
	topology := EventTopology()

	assert.Len(t, topology.Exchanges, 2)
	assert.Equal(t, EventsExchange, topology.Exchanges[0].Name)
	assert.Equal(t, "topic", topology.Exchanges[0].Type)

	queues := make(map[string]QueueDeclaration)
	for _, q := range topology.Queues {
		queues[q.Name] = q
	}
	assert.Len(t, queues, 2*len(ConsumedFamilies))

	device, ok := queues["led.device"]
	if assert.True(t, ok) {
		assert.True(t, device.Durable)
		assert.Equal(t, DeadLetterExchange, device.Arguments["x-dead-letter-exchange"])
		assert.Equal(t, "led.device.dlq", device.Arguments["x-dead-letter-routing-key"])
	}
	assert.Contains(t, queues, "led.device.dlq")

	assert.Contains(t, topology.Bindings, Binding{Queue: "led.device", Exchange: EventsExchange, RoutingKey: "device.#"})
	assert.Contains(t, topology.Bindings, Binding{Queue: "led.device.dlq", Exchange: DeadLetterExchange, RoutingKey: "led.device.dlq"})
	assert.Contains(t, topology.Bindings, Binding{Queue: "led.notification", Exchange: EventsExchange, RoutingKey: "unknown.#"})
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		name  string
		event *contracts.Event
		want  string
	}{
		{
			"device subject",
			&contracts.Event{Type: "DEVICE_OFFLINE", Metadata: map[string]interface{}{"deviceId": "D1"}},
			"device.D1.device_offline",
		},
		{
			"no subject",
			&contracts.Event{Type: "SYSTEM_ANNOUNCEMENT"},
			"system.-.system_announcement",
		},
		{
			"subject is sanitized",
			&contracts.Event{Type: "TASK_PROGRESS", Metadata: map[string]interface{}{"taskId": "a.b#c"}},
			"progress.a_b_c.task_progress",
		},
		{
			"unknown type",
			&contracts.Event{Type: "FOO_BAR"},
			"unknown.-.foo_bar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoutingKey(tt.event))
		})
	}
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "led.progress", QueueName(contracts.FamilyProgress))
	assert.Equal(t, "led.progress.dlq", DeadLetterQueue(QueueName(contracts.FamilyProgress)))
}
