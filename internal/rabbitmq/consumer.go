package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ledfleet/eventcore/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice
var ErrAlreadySettled = errors.New("rabbitmq: delivery already settled")

// Acknowledgement settles one delivery exactly once. It satisfies
// messaging.AckHandle.
type Acknowledgement struct {
	delivery amqp.Delivery
	settled  atomic.Bool
}

// NewAcknowledgement wraps a delivery
func NewAcknowledgement(d amqp.Delivery) *Acknowledgement {
	return &Acknowledgement{delivery: d}
}

// Ack removes the message from the queue
func (a *Acknowledgement) Ack() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return a.delivery.Ack(false)
}

// NackRequeue hands the message back to the broker for redelivery
func (a *Acknowledgement) NackRequeue() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return a.delivery.Nack(false, true)
}

// NackDrop rejects the message; the broker routes it to the queue's
// dead-letter exchange
func (a *Acknowledgement) NackDrop() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return a.delivery.Nack(false, false)
}

// Settled reports whether the delivery has been settled
func (a *Acknowledgement) Settled() bool {
	return a.settled.Load()
}

// Delivery is one consumed message
type Delivery struct {
	Queue       string
	RoutingKey  string
	MessageID   string
	Body        []byte
	Redelivered bool
	Ack         *Acknowledgement
}

// Handler processes a delivery and settles it through d.Ack
type Handler func(ctx context.Context, d Delivery)

// Consumer consumes one queue with an elastic worker pool
type Consumer struct {
	conn        channelSource
	queue       string
	handler     Handler
	tag         string
	minWorkers  int
	maxWorkers  int
	prefetch    int
	idleTimeout time.Duration
	backoff     *reliability.ExponentialBackoff
	metrics     WorkerMetrics
	logger      *slog.Logger

	pool     *workerPool
	received atomic.Int64
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithWorkers sets the pool bounds
func WithWorkers(min, max int) ConsumerOption {
	return func(c *Consumer) {
		c.minWorkers = min
		c.maxWorkers = max
	}
}

// WithPrefetchCount sets the broker prefetch; it defaults to twice the
// maximum worker count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithWorkerIdleTimeout sets how long an extra worker may stay idle
func WithWorkerIdleTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.idleTimeout = timeout
	}
}

// WithWorkerMetrics sets the pool observer
func WithWorkerMetrics(metrics WorkerMetrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue
func NewConsumer(conn *Connection, queue string, handler Handler, options ...ConsumerOption) (*Consumer, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection cannot be nil", ErrInvalidConfiguration)
	}
	return newConsumer(conn, queue, handler, options...)
}

func newConsumer(conn channelSource, queue string, handler Handler, options ...ConsumerOption) (*Consumer, error) {
	if queue == "" || handler == nil {
		return nil, fmt.Errorf("%w: queue and handler are required", ErrInvalidConfiguration)
	}

	c := &Consumer{
		conn:        conn,
		queue:       queue,
		handler:     handler,
		tag:         queue + "-" + uuid.New().String()[:8],
		minWorkers:  2,
		maxWorkers:  8,
		idleTimeout: 30 * time.Second,
		backoff:     reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, 0),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.minWorkers < 1 || c.maxWorkers < c.minWorkers {
		return nil, fmt.Errorf("%w: workers must satisfy 1 <= min <= max", ErrInvalidConfiguration)
	}
	if c.prefetch <= 0 {
		c.prefetch = 2 * c.maxWorkers
	}
	c.pool = newWorkerPool(queue, c.minWorkers, c.maxWorkers, c.idleTimeout, c.metrics)
	return c, nil
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string {
	return c.queue
}

// Stats returns the current worker count, busy workers and received total
func (c *Consumer) Stats() (workers, busy int, received int64) {
	workers, busy = c.pool.stats()
	return workers, busy, c.received.Load()
}

// Run consumes until ctx is cancelled. Lost channels are re-opened with
// backoff. In-flight messages finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.pool.start()
	defer c.pool.stop()

	for attempt := 0; ; attempt++ {
		subscribed, err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempt = 0
		}

		delay := c.backoff.NextDelay(attempt)
		c.logger.Warn("consumer interrupted, resubscribing",
			"queue", c.queue,
			"error", err,
			"retryIn", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// consume runs one subscription. It reports whether the subscription was
// established before it ended.
func (c *Consumer) consume(ctx context.Context) (bool, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return false, &ConsumerError{Queue: c.queue, Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return false, &ConsumerError{Queue: c.queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return false, &ConsumerError{Queue: c.queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("consuming queue",
		"queue", c.queue,
		"consumerTag", c.tag,
		"prefetchCount", c.prefetch,
		"minWorkers", c.minWorkers,
		"maxWorkers", c.maxWorkers,
	)

	// handlers outlive ctx so in-flight messages settle on shutdown
	work := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(c.tag, false)
			c.pool.stop()
			c.logger.Info("consumer stopped", "queue", c.queue)
			return true, nil
		case d, ok := <-deliveries:
			if !ok {
				return true, &ConsumerError{Queue: c.queue, Op: "receive", Err: ErrDeliveryClosed, Timestamp: time.Now()}
			}
			c.received.Add(1)
			delivery := Delivery{
				Queue:       c.queue,
				RoutingKey:  d.RoutingKey,
				MessageID:   d.MessageId,
				Body:        d.Body,
				Redelivered: d.Redelivered,
				Ack:         NewAcknowledgement(d),
			}
			if err := c.pool.submit(ctx, func() { c.handler(work, delivery) }); err != nil {
				// shutting down; the broker redelivers unacked messages
				_ = delivery.Ack.NackRequeue()
			}
		}
	}
}
