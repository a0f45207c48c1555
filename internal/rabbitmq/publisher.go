package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes domain events with publisher confirms. The core
// itself only consumes; the publisher serves replay and test tooling.
type Publisher struct {
	pool           *ChannelPool
	exchange       string
	publishTimeout time.Duration
	retry          reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithExchange overrides the target exchange
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithPublishTimeout bounds one publish including its confirm
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetry sets the retry policy for failed publishes
func WithPublishRetry(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retry = policy
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		exchange:       EventsExchange,
		publishTimeout: 10 * time.Second,
		retry:          reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2, 3),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishEvent publishes event under its routing key and returns the key
func (p *Publisher) PublishEvent(ctx context.Context, event *contracts.Event) (string, error) {
	if event == nil || event.ID == "" || event.Type == "" {
		return "", fmt.Errorf("%w: event needs an id and a type", ErrInvalidConfiguration)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.MaxRetry <= 0 {
		event.MaxRetry = contracts.DefaultMaxRetry
	}

	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	key := RoutingKey(event)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.CreatedAt,
		Type:         event.Type,
		Body:         body,
	}

	if err := p.Publish(ctx, key, msg); err != nil {
		return key, err
	}
	p.logger.Debug("published event", "eventId", event.ID, "eventType", event.Type, "routingKey", key)
	return key, nil
}

// Publish publishes a raw message and waits for the broker confirm
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	err := reliability.Retry(ctx, p.retry, func() error {
		return p.publishOnce(ctx, routingKey, msg)
	})
	if err != nil {
		return &PublishError{Exchange: p.exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if !ch.confirm {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("enable confirms: %w", err)
		}
		ch.confirm = true
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
