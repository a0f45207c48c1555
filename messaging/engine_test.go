package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/kvstore"
	"github.com/ledfleet/eventcore/internal/reliability"
	"github.com/ledfleet/eventcore/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine      *Engine
	registry    *connections.Registry
	deadLetters *reliability.DeadLetterHandler
	store       *kvstore.MemoryStore
}

func newEngineFixture(t *testing.T, classifier Classifier) *engineFixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	deadLetters := reliability.NewDeadLetterHandler(store, reliability.WithAlerter(reliability.LogAlerter{}))
	registry := connections.NewRegistry()
	classifiers := NewClassifierRegistry(classifier, nil)
	return &engineFixture{
		engine:      NewEngine(classifiers, NewDispatcher(registry), deadLetters),
		registry:    registry,
		deadLetters: deadLetters,
		store:       store,
	}
}

func failingClassifier(err error) *funcClassifier {
	return &funcClassifier{
		name: "failing",
		process: func(context.Context, *contracts.Event) Result {
			return Failed(err)
		},
	}
}

func userClassifier() *funcClassifier {
	return &funcClassifier{
		name: "user",
		process: func(_ context.Context, event *contracts.Event) Result {
			env := contracts.NewEnvelope(contracts.MessageNotification)
			env.Target = routing.ToUser(*event.ReceiverID)
			return Processed(env)
		},
	}
}

func testEvent() *contracts.Event {
	return &contracts.Event{
		ID:         "evt-1",
		Type:       "TASK_COMPLETED",
		ReceiverID: contracts.Int64(1),
		MaxRetry:   3,
	}
}

func TestEngine_Success(t *testing.T) {
	f := newEngineFixture(t, userClassifier())
	sender := &recordingSender{}
	f.registry.Connect(1, 7, sender)

	ack := &mockAcknowledger{}
	ack.On("Ack").Return(nil).Once()

	outcome := f.engine.Consume(context.Background(), "led.task", "", testEvent(), ack)

	assert.Equal(t, OutcomeAcked, outcome)
	assert.Equal(t, 1, sender.count())
	ack.AssertExpectations(t)
}

func TestEngine_OfflineRecipientStillAcks(t *testing.T) {
	f := newEngineFixture(t, userClassifier())
	ack := &mockAcknowledger{}
	ack.On("Ack").Return(nil).Once()

	assert.Equal(t, OutcomeAcked, f.engine.Consume(context.Background(), "led.task", "", testEvent(), ack))
	ack.AssertExpectations(t)
}

func TestEngine_RetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, failingClassifier(errors.New("downstream unavailable")))
	event := testEvent()

	for attempt := 1; attempt < event.MaxRetry; attempt++ {
		ack := &mockAcknowledger{}
		ack.On("NackRequeue").Return(nil).Once()

		outcome := f.engine.Consume(ctx, "led.task", "", event, ack)

		assert.Equal(t, OutcomeRequeued, outcome)
		assert.Equal(t, attempt, f.engine.Attempts().Count(event.ID))
		ack.AssertExpectations(t)

		_, found, err := f.deadLetters.Get(ctx, event.ID)
		require.NoError(t, err)
		assert.False(t, found)
	}

	ack := &mockAcknowledger{}
	ack.On("NackDrop").Return(nil).Once()

	outcome := f.engine.Consume(ctx, "led.task", "", event, ack)

	assert.Equal(t, OutcomeDeadLettered, outcome)
	ack.AssertExpectations(t)
	ack.AssertNotCalled(t, "NackRequeue")

	rec, found, err := f.deadLetters.Get(ctx, event.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Contains(t, rec.LastError, "downstream unavailable")
	assert.Equal(t, "led.task", rec.Queue)

	stats, err := f.deadLetters.Stats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	// the event itself is never mutated
	assert.Equal(t, 0, event.RetryCount)
	assert.Empty(t, event.LastError)
	assert.Equal(t, 0, f.engine.Attempts().Count(event.ID))
}

func TestEngine_ProducerRetryCountIsHonoured(t *testing.T) {
	f := newEngineFixture(t, failingClassifier(errors.New("boom")))
	event := testEvent()
	event.RetryCount = 2

	ack := &mockAcknowledger{}
	ack.On("NackDrop").Return(nil).Once()

	assert.Equal(t, OutcomeDeadLettered, f.engine.Consume(context.Background(), "led.task", "", event, ack))
	ack.AssertExpectations(t)
}

func TestEngine_EmptyTargetDeadLettersImmediately(t *testing.T) {
	f := newEngineFixture(t, &funcClassifier{
		name: "buggy",
		process: func(context.Context, *contracts.Event) Result {
			return Processed(contracts.NewEnvelope(contracts.MessageNotification))
		},
	})
	ack := &mockAcknowledger{}
	ack.On("NackDrop").Return(nil).Once()

	outcome := f.engine.Consume(context.Background(), "led.task", "", testEvent(), ack)

	assert.Equal(t, OutcomeDeadLettered, outcome)
	ack.AssertExpectations(t)

	rec, found, err := f.deadLetters.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestEngine_MalformedEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("classifier validation failure is acked and recorded", func(t *testing.T) {
		f := newEngineFixture(t, failingClassifier(contracts.MissingField("evt-1", "taskId")))
		ack := &mockAcknowledger{}
		ack.On("Ack").Return(nil).Once()

		outcome := f.engine.Consume(ctx, "led.task", "", testEvent(), ack)

		assert.Equal(t, OutcomeMalformed, outcome)
		ack.AssertExpectations(t)
		assert.Equal(t, 0, f.engine.Attempts().Count("evt-1"))

		rec, found, err := f.deadLetters.Get(ctx, "evt-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, reliability.CategoryMalformed, rec.Category)
	})

	t.Run("undecodable body is acked and recorded", func(t *testing.T) {
		f := newEngineFixture(t, userClassifier())
		ack := &mockAcknowledger{}
		ack.On("Ack").Return(nil).Once()

		outcome := f.engine.ConsumeBody(ctx, "led.task", "", []byte("{not json"), ack)

		assert.Equal(t, OutcomeMalformed, outcome)
		ack.AssertExpectations(t)

		stats, err := f.deadLetters.Stats(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.ByCategory[reliability.CategoryMalformed])
	})

	t.Run("valid body is consumed", func(t *testing.T) {
		f := newEngineFixture(t, userClassifier())
		body, err := json.Marshal(testEvent())
		require.NoError(t, err)
		ack := &mockAcknowledger{}
		ack.On("Ack").Return(nil).Once()

		assert.Equal(t, OutcomeAcked, f.engine.ConsumeBody(ctx, "led.task", "", body, ack))
	})
}

func TestEngine_PanicIsRecovered(t *testing.T) {
	f := newEngineFixture(t, &funcClassifier{
		name: "panicking",
		process: func(context.Context, *contracts.Event) Result {
			panic("nil map")
		},
	})
	ack := &mockAcknowledger{}
	ack.On("NackRequeue").Return(nil).Once()

	assert.Equal(t, OutcomeRequeued, f.engine.Consume(context.Background(), "led.task", "", testEvent(), ack))
	assert.Contains(t, f.engine.Attempts().LastError("evt-1"), "nil map")
}

func TestEngine_SkippedIsAcked(t *testing.T) {
	f := newEngineFixture(t, &funcClassifier{
		name: "throttled",
		process: func(context.Context, *contracts.Event) Result {
			return Skipped("throttled")
		},
	})
	ack := &mockAcknowledger{}
	ack.On("Ack").Return(nil).Once()

	assert.Equal(t, OutcomeSkipped, f.engine.Consume(context.Background(), "led.progress", "", testEvent(), ack))
	ack.AssertExpectations(t)
}

func TestEngine_AckErrorsDoNotChangeOutcome(t *testing.T) {
	f := newEngineFixture(t, userClassifier())
	ack := &mockAcknowledger{}
	ack.On("Ack").Return(errors.New("channel closed")).Once()

	assert.Equal(t, OutcomeAcked, f.engine.Consume(context.Background(), "led.task", "", testEvent(), ack))
}
