package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) RecordDeadLetter(queue, category string) {
	m.Called(queue, category)
}

func (m *mockMetricsCollector) RecordStoreOperation(operation string, success bool) {
	m.Called(operation, success)
}

type capturingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *capturingAlerter) Alert(_ context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

// failingStore fails every write
type failingStore struct {
	*kvstore.MemoryStore
}

func (s *failingStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}

var fixedNow = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, options ...DeadLetterOption) (*DeadLetterHandler, *kvstore.MemoryStore, *capturingAlerter) {
	t.Helper()
	store := kvstore.NewMemoryStore(kvstore.WithClock(func() time.Time { return fixedNow }))
	alerter := &capturingAlerter{}
	opts := append([]DeadLetterOption{
		WithAlerter(alerter),
		WithDeadLetterClock(func() time.Time { return fixedNow }),
	}, options...)
	return NewDeadLetterHandler(store, opts...), store, alerter
}

func deviceOfflineEvent() *contracts.Event {
	return &contracts.Event{
		ID:         "evt-1",
		Type:       "DEVICE_OFFLINE",
		OrgID:      contracts.Int64(7),
		Title:      "Device offline",
		Metadata:   map[string]interface{}{"deviceId": "D1"},
		RetryCount: 3,
		MaxRetry:   3,
		CreatedAt:  fixedNow.Add(-time.Minute),
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		eventType string
		cause     error
		expected  string
	}{
		{"PAYMENT_FAILED", errors.New("x"), CategoryPayment},
		{"DEVICE_OFFLINE", errors.New("x"), CategoryDeviceAlert},
		{"DEVICE_FAULT", nil, CategoryDeviceAlert},
		{"DEVICE_ONLINE", nil, "device"},
		{"TASK_COMPLETED", nil, "task"},
		{"FOO_BAR", nil, "unknown"},
		{"TASK_COMPLETED", contracts.MissingField("e", "taskId"), CategoryMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+"/"+tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(&contracts.Event{Type: tt.eventType}, tt.cause))
		})
	}
}

func TestRecordTTL(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, RecordTTL(CategoryPayment))
	assert.Equal(t, 30*24*time.Hour, RecordTTL(CategoryDeviceAlert))
	assert.Equal(t, 7*24*time.Hour, RecordTTL("task"))
	assert.Equal(t, 7*24*time.Hour, RecordTTL(CategoryMalformed))
}

func TestDeadLetterHandler_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip reproduces the event", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		event := deviceOfflineEvent()

		_, err := h.Record(ctx, "led.device", event, errors.New("dispatch failed"))
		require.NoError(t, err)

		rec, found, err := h.Get(ctx, "evt-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, event.ID, rec.EventID)
		assert.Equal(t, event.Type, rec.EventType)
		assert.Equal(t, event.RetryCount, rec.RetryCount)
		assert.Equal(t, "dispatch failed", rec.LastError)
		assert.Equal(t, "led.device", rec.Queue)
		assert.Equal(t, CategoryDeviceAlert, rec.Category)
		assert.Equal(t, "D1", rec.Metadata["deviceId"])
		assert.Equal(t, int64(7), *rec.OrgID)
		assert.True(t, event.CreatedAt.Equal(rec.CreatedAt))
	})

	t.Run("last error of the event is kept when no cause is given", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		event := deviceOfflineEvent()
		event.LastError = "timeout"

		_, err := h.Record(ctx, "led.device", event, nil)
		require.NoError(t, err)

		rec, _, err := h.Get(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, "timeout", rec.LastError)
	})

	t.Run("missing record is absence not error", func(t *testing.T) {
		h, _, _ := newTestHandler(t)

		rec, found, err := h.Get(ctx, "nope")
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, rec)
	})

	t.Run("sensitive categories are retained longer", func(t *testing.T) {
		h, store, _ := newTestHandler(t)

		_, err := h.Record(ctx, "led.device", deviceOfflineEvent(), errors.New("x"))
		require.NoError(t, err)
		_, err = h.Record(ctx, "led.task", &contracts.Event{ID: "evt-2", Type: "TASK_FAILED"}, errors.New("x"))
		require.NoError(t, err)

		ttl, err := store.TTL(ctx, RecordKey("evt-1"))
		require.NoError(t, err)
		assert.Equal(t, SensitiveRecordTTL, ttl)

		ttl, err = store.TTL(ctx, RecordKey("evt-2"))
		require.NoError(t, err)
		assert.Equal(t, DefaultRecordTTL, ttl)
	})

	t.Run("statistics are counted per day category type and org", func(t *testing.T) {
		h, store, _ := newTestHandler(t)

		_, err := h.Record(ctx, "led.device", deviceOfflineEvent(), errors.New("x"))
		require.NoError(t, err)
		second := deviceOfflineEvent()
		second.ID = "evt-3"
		_, err = h.Record(ctx, "led.device", second, errors.New("x"))
		require.NoError(t, err)

		stats, err := h.Stats(ctx, fixedNow)
		require.NoError(t, err)
		assert.Equal(t, "2024-03-05", stats.Date)
		assert.Equal(t, int64(2), stats.Total)
		assert.Equal(t, map[string]int64{CategoryDeviceAlert: 2}, stats.ByCategory)

		n, err := h.TypeCount(ctx, "DEVICE_OFFLINE")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		org, found, err := store.Get(ctx, "dlq:stats:org:7:2024-03-05")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "2", org)
	})

	t.Run("alerts are stored and raised with severity", func(t *testing.T) {
		h, store, alerter := newTestHandler(t)

		_, err := h.Record(ctx, "led.device", deviceOfflineEvent(), errors.New("x"))
		require.NoError(t, err)
		_, err = h.Record(ctx, "led.task", &contracts.Event{ID: "evt-2", Type: "TASK_FAILED"}, errors.New("x"))
		require.NoError(t, err)

		require.Len(t, alerter.alerts, 2)
		assert.Equal(t, SeverityCritical, alerter.alerts[0].Severity)
		assert.Equal(t, SeverityWarning, alerter.alerts[1].Severity)

		_, found, err := store.Get(ctx, "dlq:alert:device_alert:evt-1")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("metrics are reported", func(t *testing.T) {
		metrics := &mockMetricsCollector{}
		metrics.On("RecordDeadLetter", "led.task", "task").Once()
		metrics.On("RecordStoreOperation", mock.Anything, true)
		h, _, _ := newTestHandler(t, WithDeadLetterMetrics(metrics))

		_, err := h.Record(ctx, "led.task", &contracts.Event{ID: "evt-2", Type: "TASK_FAILED"}, errors.New("x"))
		require.NoError(t, err)

		metrics.AssertExpectations(t)
	})

	t.Run("store failures surface and open the breaker", func(t *testing.T) {
		store := &failingStore{MemoryStore: kvstore.NewMemoryStore()}
		h := NewDeadLetterHandler(store,
			WithStoreBreaker(NewCircuitBreaker(WithFailureThreshold(2), WithTimeout(time.Hour))),
			WithAlerter(&capturingAlerter{}),
		)

		for i := 0; i < 2; i++ {
			_, err := h.Record(ctx, "led.task", &contracts.Event{ID: "evt", Type: "TASK_FAILED"}, errors.New("x"))
			var dlErr *DeadLetterError
			require.ErrorAs(t, err, &dlErr)
			assert.Equal(t, "record", dlErr.Op)
		}

		_, err := h.Record(ctx, "led.task", &contracts.Event{ID: "evt", Type: "TASK_FAILED"}, errors.New("x"))
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})
}
