package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/reliability"
)

// Outcome is how the engine settled a message
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeMalformed    Outcome = "malformed"
)

const maxRawBody = 2048

// Engine runs classification and dispatch for consumed events and owns the
// requeue versus dead-letter decision
type Engine struct {
	classifiers *ClassifierRegistry
	dispatcher  *Dispatcher
	attempts    *reliability.AttemptTracker
	deadLetters DeadLetterSink
	metrics     Metrics
	logger      *slog.Logger
	timeout     time.Duration
}

// EngineOption configures the Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics sets the metrics sink
func WithEngineMetrics(metrics Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithAttemptTracker replaces the attempt side-table
func WithAttemptTracker(attempts *reliability.AttemptTracker) EngineOption {
	return func(e *Engine) {
		e.attempts = attempts
	}
}

// WithMessageTimeout bounds the processing of one event
func WithMessageTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		e.timeout = timeout
	}
}

// NewEngine creates an engine
func NewEngine(classifiers *ClassifierRegistry, dispatcher *Dispatcher, deadLetters DeadLetterSink, options ...EngineOption) *Engine {
	e := &Engine{
		classifiers: classifiers,
		dispatcher:  dispatcher,
		deadLetters: deadLetters,
		logger:      slog.Default(),
		timeout:     30 * time.Second,
	}

	for _, opt := range options {
		opt(e)
	}

	if e.attempts == nil {
		e.attempts = reliability.NewAttemptTracker()
	}

	return e
}

// Attempts exposes the attempt side-table
func (e *Engine) Attempts() *reliability.AttemptTracker {
	return e.attempts
}

// ConsumeBody decodes a raw broker body and consumes it. Bodies that do
// not decode are acked and dead-lettered as malformed.
func (e *Engine) ConsumeBody(ctx context.Context, queue, routingKey string, body []byte, ack AckHandle) Outcome {
	event, err := contracts.DecodeEvent(body)
	if err != nil {
		start := time.Now()
		placeholder := malformedPlaceholder(body)
		e.settle(ack.Ack, placeholder, queue, "ack")
		e.recordDeadLetter(ctx, queue, placeholder, err)
		e.observe(queue, OutcomeMalformed, start)
		return OutcomeMalformed
	}
	return e.Consume(ctx, queue, routingKey, event, ack)
}

// Consume processes one event and settles it through ack
func (e *Engine) Consume(ctx context.Context, queue, routingKey string, event *contracts.Event, ack AckHandle) Outcome {
	start := time.Now()

	msgCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outcome, err := e.process(msgCtx, event, routingKey)
	if err == nil {
		e.attempts.Clear(event.ID)
		e.settle(ack.Ack, event, queue, "ack")
		e.observe(queue, outcome, start)
		return outcome
	}

	if contracts.IsMalformed(err) {
		e.attempts.Clear(event.ID)
		e.settle(ack.Ack, event, queue, "ack")
		e.logger.Warn("rejected malformed event",
			"eventId", event.ID,
			"eventType", event.Type,
			"queue", queue,
			"error", err,
		)
		e.recordDeadLetter(ctx, queue, event, err)
		e.observe(queue, OutcomeMalformed, start)
		return OutcomeMalformed
	}

	count := e.attempts.Fail(event.ID, event.RetryCount, err)
	maxRetry := event.MaxRetry
	if maxRetry <= 0 {
		maxRetry = contracts.DefaultMaxRetry
	}

	if reliability.IsRetryable(err) && count < maxRetry {
		e.settle(ack.NackRequeue, event, queue, "nack-requeue")
		e.logger.Warn("event processing failed, requeued",
			"eventId", event.ID,
			"eventType", event.Type,
			"queue", queue,
			"attempt", count,
			"maxRetry", maxRetry,
			"error", err,
		)
		e.observe(queue, OutcomeRequeued, start)
		return OutcomeRequeued
	}

	e.settle(ack.NackDrop, event, queue, "nack-drop")

	failed := event.Clone()
	failed.RetryCount = count
	failed.LastError = err.Error()
	e.recordDeadLetter(ctx, queue, failed, err)
	e.attempts.Clear(event.ID)

	e.observe(queue, OutcomeDeadLettered, start)
	return OutcomeDeadLettered
}

// process classifies and dispatches one event. Panics are turned into
// processing errors so one poisoned event never kills a worker.
func (e *Engine) process(ctx context.Context, event *contracts.Event, routingKey string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while processing event",
				"eventId", event.ID,
				"eventType", event.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic processing event %s: %v", event.ID, r)
		}
	}()

	kind := event.Kind()
	classifier := e.classifiers.Select(kind, routingKey)
	if classifier == nil {
		return "", reliability.Permanent(fmt.Errorf("no classifier for event type %q", event.Type))
	}

	result := classifier.Process(ctx, event, routingKey)
	switch result.Status {
	case StatusSkipped:
		e.logger.Debug("event skipped",
			"eventId", event.ID,
			"classifier", classifier.SupportedType(),
			"reason", result.Reason,
		)
		return OutcomeSkipped, nil
	case StatusFailed:
		if result.Err == nil {
			result.Err = errors.New("classifier failed without error")
		}
		return "", fmt.Errorf("%s classifier: %w", classifier.SupportedType(), result.Err)
	}

	if result.Envelope == nil {
		return "", reliability.Permanent(fmt.Errorf("%s classifier returned no envelope", classifier.SupportedType()))
	}
	if err := result.Envelope.Validate(); err != nil {
		// classifier bug: retrying cannot fix it
		return "", reliability.Permanent(fmt.Errorf("%s classifier: %w", classifier.SupportedType(), err))
	}

	dispatched, err := e.dispatcher.Dispatch(ctx, result.Envelope)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}

	e.logger.Debug("event delivered",
		"eventId", event.ID,
		"eventType", event.Type,
		"envelopeId", result.Envelope.ID,
		"destinations", dispatched.DestinationsAttempted,
		"delivered", dispatched.Delivered,
	)
	return OutcomeAcked, nil
}

func (e *Engine) settle(fn func() error, event *contracts.Event, queue, op string) {
	if err := fn(); err != nil {
		e.logger.Error("failed to settle message",
			"op", op,
			"eventId", event.ID,
			"queue", queue,
			"error", err,
		)
	}
}

func (e *Engine) recordDeadLetter(ctx context.Context, queue string, event *contracts.Event, cause error) {
	if e.deadLetters == nil {
		return
	}
	// the message context may already be spent
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := e.deadLetters.Record(recCtx, queue, event, cause); err != nil {
		e.logger.Error("failed to record dead letter",
			"eventId", event.ID,
			"eventType", event.Type,
			"queue", queue,
			"error", err,
		)
	}
}

func (e *Engine) observe(queue string, outcome Outcome, start time.Time) {
	if e.metrics != nil {
		e.metrics.EventProcessed(queue, string(outcome), time.Since(start).Seconds())
	}
}

func malformedPlaceholder(body []byte) *contracts.Event {
	raw := string(body)
	if len(raw) > maxRawBody {
		raw = raw[:maxRawBody]
	}
	return &contracts.Event{
		ID:        "malformed-" + uuid.New().String(),
		Type:      string(contracts.KindUnknown),
		Metadata:  map[string]interface{}{"rawBody": raw},
		MaxRetry:  contracts.DefaultMaxRetry,
		CreatedAt: time.Now().UTC(),
	}
}
