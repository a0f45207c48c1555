package classifiers

import (
	"context"
	"sync"
	"testing"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/progress"
	"github.com/stretchr/testify/require"
)

type collectingSender struct {
	mu     sync.Mutex
	frames []connections.Frame
}

func (s *collectingSender) Send(frame connections.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *collectingSender) Close() error { return nil }

func (s *collectingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestRegistry(t *testing.T, aggregator *progress.Aggregator) *messaging.ClassifierRegistry {
	t.Helper()
	registry, err := NewRegistry(NewBuilder(), aggregator, nil)
	require.NoError(t, err)
	return registry
}

func classify(t *testing.T, registry *messaging.ClassifierRegistry, event *contracts.Event) messaging.Result {
	t.Helper()
	c := registry.Select(event.Kind(), "")
	require.NotNil(t, c)
	return c.Process(context.Background(), event, "")
}

func processed(t *testing.T, result messaging.Result) *contracts.Envelope {
	t.Helper()
	require.Equal(t, messaging.StatusProcessed, result.Status, "unexpected result: %v %s", result.Err, result.Reason)
	require.NotNil(t, result.Envelope)
	require.NoError(t, result.Envelope.Validate())
	return result.Envelope
}

func meta(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}
