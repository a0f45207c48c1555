package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ledfleet/eventcore/contracts"
)

// Status is the outcome of a classifier
type Status int

const (
	// StatusProcessed means the result carries an envelope to dispatch
	StatusProcessed Status = iota
	// StatusSkipped means nothing should be sent, e.g. a throttled update
	StatusSkipped
	// StatusFailed means the event could not be classified
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a classifier returns. Classifiers report failures here
// instead of panicking or returning bare errors.
type Result struct {
	Status   Status
	Envelope *contracts.Envelope
	Reason   string
	Err      error
}

// Processed wraps an envelope into a result
func Processed(env *contracts.Envelope) Result {
	return Result{Status: StatusProcessed, Envelope: env}
}

// Skipped returns a no-op result
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

// Failed returns a failure result
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// Classifier converts one family of events into envelopes
type Classifier interface {
	// SupportedType names the family or kind handled, for logs
	SupportedType() string
	// Supports reports whether the classifier accepts the event
	Supports(kind contracts.EventKind, routingKey string) bool
	// Priority orders candidates; lower values are asked first
	Priority() int
	// Process builds the envelope for an event
	Process(ctx context.Context, event *contracts.Event, routingKey string) Result
}

// ClassifierRegistry selects classifiers by event family and priority
type ClassifierRegistry struct {
	mu       sync.RWMutex
	byFamily map[contracts.Family][]Classifier
	fallback Classifier
	logger   *slog.Logger
}

// NewClassifierRegistry creates a registry. fallback handles every event no
// registered classifier supports.
func NewClassifierRegistry(fallback Classifier, logger *slog.Logger) *ClassifierRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassifierRegistry{
		byFamily: make(map[contracts.Family][]Classifier),
		fallback: fallback,
		logger:   logger,
	}
}

// Register adds a classifier for the given families
func (r *ClassifierRegistry) Register(c Classifier, families ...contracts.Family) error {
	if c == nil {
		return fmt.Errorf("classifier cannot be nil")
	}
	if len(families) == 0 {
		return fmt.Errorf("classifier %s registered without families", c.SupportedType())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range families {
		list := append(r.byFamily[f], c)
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority() < list[j].Priority() })
		r.byFamily[f] = list
	}

	r.logger.Debug("registered classifier",
		"classifier", c.SupportedType(),
		"families", families,
		"priority", c.Priority(),
	)
	return nil
}

// Select returns the classifier for an event. It never returns nil when a
// fallback is configured.
func (r *ClassifierRegistry) Select(kind contracts.EventKind, routingKey string) Classifier {
	r.mu.RLock()
	candidates := r.byFamily[kind.Family()]
	r.mu.RUnlock()

	for _, c := range candidates {
		if c.Supports(kind, routingKey) {
			return c
		}
	}
	return r.fallback
}

// Len returns the number of registrations
func (r *ClassifierRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.byFamily {
		n += len(list)
	}
	return n
}
