package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
)

// DispatchResult sums one dispatch over all destinations of an envelope
type DispatchResult struct {
	DestinationsAttempted int `json:"destinationsAttempted"`
	Delivered             int `json:"delivered"`
}

// Dispatcher resolves envelope targets against the connection registry
type Dispatcher struct {
	registry Deliverer
	acks     *AckTracker
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics sink
func WithDispatcherMetrics(metrics Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithAckTracker tracks delivered envelopes that require a client ack
func WithAckTracker(acks *AckTracker) DispatcherOption {
	return func(d *Dispatcher) {
		d.acks = acks
	}
}

// WithDispatcherClock overrides the time source used for TTL checks
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher over a registry
func NewDispatcher(registry Deliverer, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Dispatch sends env to every destination of its target. Offline recipients
// are not an error; an envelope without destinations is.
func (d *Dispatcher) Dispatch(ctx context.Context, env *contracts.Envelope) (DispatchResult, error) {
	var result DispatchResult

	if env == nil {
		return result, fmt.Errorf("envelope cannot be nil")
	}
	if err := env.Validate(); err != nil {
		return result, fmt.Errorf("envelope %s (%s): %w", env.ID, env.Type, err)
	}
	if env.Expired(d.now()) {
		d.logger.Debug("dropping expired envelope", "envelopeId", env.ID, "messageType", env.Type)
		if d.metrics != nil {
			d.metrics.EnvelopeExpired(string(env.Type))
		}
		return result, nil
	}

	seen := make(map[string]struct{}, len(env.Target.Routes))
	var audience Audience
	for _, route := range env.Target.Routes {
		if route.Destination == "" {
			continue
		}
		if _, dup := seen[route.Destination]; dup {
			continue
		}
		seen[route.Destination] = struct{}{}

		frame := connections.Frame{Destination: route.Destination, Envelope: env}
		result.DestinationsAttempted++
		result.Delivered += d.deliver(ctx, route, frame)

		switch route.Kind {
		case contracts.TargetUser, contracts.TargetUsers:
			audience.Users = append(audience.Users, route.UserID)
		case contracts.TargetOrganization:
			audience.Organizations = append(audience.Organizations, route.OrgID)
		}
	}

	if env.Delivery.RequireAck && d.acks != nil && result.Delivered > 0 {
		d.acks.Track(env, audience)
	}

	if d.metrics != nil {
		d.metrics.EnvelopeDispatched(string(env.Type), result.DestinationsAttempted, result.Delivered)
	}

	d.logger.Debug("dispatched envelope",
		"envelopeId", env.ID,
		"messageType", env.Type,
		"targetKind", env.Target.Kind,
		"destinations", result.DestinationsAttempted,
		"delivered", result.Delivered,
	)

	return result, nil
}

func (d *Dispatcher) deliver(ctx context.Context, route contracts.Route, frame connections.Frame) int {
	switch route.Kind {
	case contracts.TargetUser, contracts.TargetUsers:
		return d.registry.SendToUser(ctx, route.UserID, frame)
	case contracts.TargetOrganization:
		return d.registry.BroadcastToOrganization(ctx, route.OrgID, frame)
	case contracts.TargetGlobal:
		return d.registry.BroadcastToAll(ctx, frame)
	default:
		return d.registry.PublishToTopic(ctx, route.Destination, frame)
	}
}
