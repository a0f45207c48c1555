package messaging

import (
	"context"
	"sync"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/stretchr/testify/mock"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockAcknowledger) NackRequeue() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockAcknowledger) NackDrop() error {
	args := m.Called()
	return args.Error(0)
}

type recordingSender struct {
	mu     sync.Mutex
	frames []connections.Frame
}

func (s *recordingSender) Send(frame connections.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) Close() error { return nil }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// funcClassifier adapts a function into a Classifier
type funcClassifier struct {
	name     string
	priority int
	supports func(kind contracts.EventKind) bool
	process  func(ctx context.Context, event *contracts.Event) Result
}

func (c *funcClassifier) SupportedType() string { return c.name }

func (c *funcClassifier) Priority() int { return c.priority }

func (c *funcClassifier) Supports(kind contracts.EventKind, _ string) bool {
	if c.supports == nil {
		return true
	}
	return c.supports(kind)
}

func (c *funcClassifier) Process(ctx context.Context, event *contracts.Event, _ string) Result {
	return c.process(ctx, event)
}
