package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// EventsExchange receives every domain event
	EventsExchange = "led.events"
	// DeadLetterExchange receives events the engine gave up on
	DeadLetterExchange = "led.events.dlx"

	queuePrefix = "led."
	dlqSuffix   = ".dlq"
	noSubject   = "-"
)

// ConsumedFamilies are the families with a queue of their own
var ConsumedFamilies = []contracts.Family{
	contracts.FamilyTask,
	contracts.FamilyStatus,
	contracts.FamilyNotification,
	contracts.FamilyDevice,
	contracts.FamilyUser,
	contracts.FamilyBusiness,
	contracts.FamilySystem,
	contracts.FamilyProgress,
}

// subjectKeys name the metadata fields that identify what an event is about
var subjectKeys = []string{"deviceId", "taskId", "batchId", "programId", "materialId", "orderId", "fileId", "userId"}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Durable   bool
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is a set of declarations applied in order
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// QueueName returns the queue consuming a family
func QueueName(family contracts.Family) string {
	return queuePrefix + string(family)
}

// DeadLetterQueue returns the dead-letter queue of a queue
func DeadLetterQueue(queue string) string {
	return queue + dlqSuffix
}

// RoutingKey builds "<family>.<subject>.<type>" for an event, e.g.
// "device.D1.device_offline". The subject is "-" when the event is not
// about a single resource.
func RoutingKey(event *contracts.Event) string {
	subject := noSubject
	for _, key := range subjectKeys {
		if v, ok := event.MetaString(key); ok {
			subject = strings.NewReplacer(".", "_", "#", "_", "*", "_").Replace(v)
			break
		}
	}
	return fmt.Sprintf("%s.%s.%s", event.Kind().Family(), subject, strings.ToLower(strings.TrimSpace(event.Type)))
}

// EventTopology returns the exchanges, queues and bindings of the delivery
// core. Events of unknown families are bound to the notification queue so
// they still reach the fallback classifier.
func EventTopology() Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: EventsExchange, Type: amqp.ExchangeTopic, Durable: true},
			{Name: DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
	}

	for _, family := range ConsumedFamilies {
		queue := QueueName(family)
		dlq := DeadLetterQueue(queue)

		t.Queues = append(t.Queues,
			QueueDeclaration{Name: dlq, Durable: true},
			QueueDeclaration{
				Name:    queue,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    DeadLetterExchange,
					"x-dead-letter-routing-key": dlq,
				},
			},
		)
		t.Bindings = append(t.Bindings,
			Binding{Queue: queue, Exchange: EventsExchange, RoutingKey: string(family) + ".#"},
			Binding{Queue: dlq, Exchange: DeadLetterExchange, RoutingKey: dlq},
		)
	}

	t.Bindings = append(t.Bindings, Binding{
		Queue:      QueueName(contracts.FamilyNotification),
		Exchange:   EventsExchange,
		RoutingKey: string(contracts.FamilyUnknown) + ".#",
	})
	return t
}

// Declare applies a topology through the pool
func Declare(ctx context.Context, pool *ChannelPool, topology Topology) error {
	return pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, false, false, false, ex.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue + "<-" + b.RoutingKey, Op: "bind", Err: err, Timestamp: time.Now()}
			}
		}
		return nil
	})
}

// QueueDepth returns the number of ready messages in a queue
func QueueDepth(ctx context.Context, pool *ChannelPool, queue string) (int, error) {
	var depth int
	err := pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}
