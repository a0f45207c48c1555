package eventcore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/config"
	"github.com/ledfleet/eventcore/internal/kvstore"
	"github.com/ledfleet/eventcore/internal/reliability"
	"github.com/ledfleet/eventcore/messaging"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack() error {
	return m.Called().Error(0)
}

func (m *mockAcknowledger) NackRequeue() error {
	return m.Called().Error(0)
}

func (m *mockAcknowledger) NackDrop() error {
	return m.Called().Error(0)
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

func (s *recordingSender) snapshot() []connections.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]connections.Frame(nil), s.frames...)
}

func newTestCore(t *testing.T, options ...Option) *Core {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Addr = ""

	core, err := New(context.Background(), cfg, append([]Option{WithStore(kvstore.NewMemoryStore())}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func encode(t *testing.T, event *contracts.Event) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestCore_DeliversClassifiedEvent(t *testing.T) {
	core := newTestCore(t)
	sender := &recordingSender{}
	core.Registry().Connect(1, 7, sender)

	event := &contracts.Event{
		ID:        "evt-offline",
		Type:      "DEVICE_OFFLINE",
		OrgID:     contracts.Int64(7),
		Metadata:  map[string]interface{}{"deviceId": "D1"},
		CreatedAt: time.Now(),
	}

	ack := &mockAcknowledger{}
	ack.On("Ack").Return(nil).Once()

	outcome := core.Engine().ConsumeBody(context.Background(), "led.device", "device.D1.device_offline", encode(t, event), ack)

	assert.Equal(t, messaging.OutcomeAcked, outcome)
	ack.AssertExpectations(t)

	frames := sender.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, contracts.MessageAlert, frames[0].Envelope.Type)
}

func TestCore_MalformedEventIsDeadLettered(t *testing.T) {
	core := newTestCore(t)
	handler := core.Handler()

	event := &contracts.Event{ID: "evt-bad", Type: "DEVICE_ONLINE", CreatedAt: time.Now()}
	ack := &mockAcknowledger{}
	ack.On("Ack").Return(nil).Once()

	outcome := core.Engine().ConsumeBody(context.Background(), "led.device", "", encode(t, event), ack)
	assert.Equal(t, messaging.OutcomeMalformed, outcome)
	ack.AssertExpectations(t)

	t.Run("record is readable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deadletters/evt-bad", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var got reliability.DeadLetterRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, reliability.CategoryMalformed, got.Category)
		assert.Equal(t, "led.device", got.Queue)
	})

	t.Run("stats count it", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deadletters/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var stats reliability.Stats
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
		assert.Equal(t, int64(1), stats.Total)
		assert.Equal(t, int64(1), stats.ByCategory[reliability.CategoryMalformed])
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deadletters/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad day", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deadletters/stats?day=yesterday", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCore_OperationalEndpoints(t *testing.T) {
	core := newTestCore(t)
	handler := core.Handler()

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/health", http.StatusOK, `"deadletters"`},
		{"/health/ready", http.StatusOK, "ready"},
		{"/health/live", http.StatusOK, "alive"},
		{"/metrics", http.StatusOK, "eventcore_connections_active"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}

	t.Run("websocket requires identity", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
	})
}

func TestCore_Broker(t *testing.T) {
	t.Run("publish before connect", func(t *testing.T) {
		core := newTestCore(t)
		_, err := core.Publish(context.Background(), &contracts.Event{ID: "e", Type: "DEVICE_ONLINE"})
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("connect surfaces dial failure", func(t *testing.T) {
		dialErr := errors.New("connection refused")
		core := newTestCore(t, WithDialer(func(string) (*amqp.Connection, error) {
			return nil, dialErr
		}))
		err := core.Connect(context.Background())
		assert.ErrorIs(t, err, dialErr)
	})

	t.Run("unknown family", func(t *testing.T) {
		core := newTestCore(t)
		core.cfg.RabbitMQ.Families = []string{"device", "weather"}
		_, err := core.families()
		assert.ErrorContains(t, err, "weather")
	})
}

func TestCore_RunStopsOnCancel(t *testing.T) {
	core := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
