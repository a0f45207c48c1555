package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ledfleet/eventcore/contracts"
)

// PendingAck is an envelope waiting for a client acknowledgment
type PendingAck struct {
	EnvelopeID    string
	MessageType   contracts.MessageType
	Recipients    []int64
	Organizations []int64
	SentAt        time.Time
	Deadline      time.Time
}

// Audience is who may acknowledge a tracked envelope: the addressed users
// and the members of the addressed organizations. An empty audience, as for
// global broadcasts, accepts any user.
type Audience struct {
	Users         []int64
	Organizations []int64
}

func (p *PendingAck) acceptedFrom(userID, orgID int64) bool {
	if len(p.Recipients) == 0 && len(p.Organizations) == 0 {
		return true
	}
	for _, id := range p.Recipients {
		if id == userID {
			return true
		}
	}
	if orgID == 0 {
		return false
	}
	for _, id := range p.Organizations {
		if id == orgID {
			return true
		}
	}
	return false
}

// AckMetrics receives acknowledgment events
type AckMetrics interface {
	AckReceived()
	AckExpired(n int)
}

// AckTracker follows envelopes delivered with RequireAck set
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]*PendingAck

	timeout         time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	metrics         AckMetrics
	logger          *slog.Logger
}

// AckTrackerOption configures the tracker
type AckTrackerOption func(*AckTracker)

// WithAckTimeout sets how long a client has to acknowledge
func WithAckTimeout(timeout time.Duration) AckTrackerOption {
	return func(t *AckTracker) {
		t.timeout = timeout
	}
}

// WithAckCleanupInterval sets how often expired entries are collected by Run
func WithAckCleanupInterval(interval time.Duration) AckTrackerOption {
	return func(t *AckTracker) {
		t.cleanupInterval = interval
	}
}

// WithAckClock overrides the time source
func WithAckClock(now func() time.Time) AckTrackerOption {
	return func(t *AckTracker) {
		t.now = now
	}
}

// WithAckMetrics sets the metrics sink
func WithAckMetrics(metrics AckMetrics) AckTrackerOption {
	return func(t *AckTracker) {
		t.metrics = metrics
	}
}

// WithAckLogger sets the logger
func WithAckLogger(logger *slog.Logger) AckTrackerOption {
	return func(t *AckTracker) {
		t.logger = logger
	}
}

// NewAckTracker creates an empty tracker
func NewAckTracker(options ...AckTrackerOption) *AckTracker {
	t := &AckTracker{
		pending:         make(map[string]*PendingAck),
		timeout:         5 * time.Minute,
		cleanupInterval: time.Minute,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Track registers an envelope as awaiting acknowledgment from audience
func (t *AckTracker) Track(env *contracts.Envelope, audience Audience) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[env.ID]; exists {
		return
	}
	t.pending[env.ID] = &PendingAck{
		EnvelopeID:    env.ID,
		MessageType:   env.Type,
		Recipients:    audience.Users,
		Organizations: audience.Organizations,
		SentAt:        now,
		Deadline:      now.Add(t.timeout),
	}
}

// Acknowledge completes a pending envelope for a user of an organization
// (0 for none). It returns false for unknown or already acknowledged ids and
// for users outside the envelope's audience.
func (t *AckTracker) Acknowledge(envelopeID string, userID, orgID int64) bool {
	t.mu.Lock()
	p, ok := t.pending[envelopeID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if !p.acceptedFrom(userID, orgID) {
		t.mu.Unlock()
		t.logger.Warn("acknowledgment from outside the audience ignored",
			"envelopeId", envelopeID,
			"userId", userID,
			"orgId", orgID,
		)
		return false
	}
	delete(t.pending, envelopeID)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.AckReceived()
	}
	t.logger.Debug("envelope acknowledged",
		"envelopeId", envelopeID,
		"userId", userID,
		"latency", t.now().Sub(p.SentAt),
	)
	return true
}

// Pending returns the number of envelopes awaiting acknowledgment
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Expire drops entries past their deadline and returns them
func (t *AckTracker) Expire() []PendingAck {
	now := t.now()

	t.mu.Lock()
	var expired []PendingAck
	for id, p := range t.pending {
		if now.After(p.Deadline) {
			expired = append(expired, *p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	if len(expired) > 0 {
		if t.metrics != nil {
			t.metrics.AckExpired(len(expired))
		}
		for _, p := range expired {
			t.logger.Warn("envelope not acknowledged in time",
				"envelopeId", p.EnvelopeID,
				"messageType", p.MessageType,
				"recipients", p.Recipients,
				"organizations", p.Organizations,
			)
		}
	}
	return expired
}

// Run expires pending acknowledgments until ctx is done
func (t *AckTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Expire()
		}
	}
}
