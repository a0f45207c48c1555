package reliability

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptTracker(t *testing.T) {
	t.Run("counts failures per event", func(t *testing.T) {
		tracker := NewAttemptTracker()

		assert.Equal(t, 1, tracker.Fail("e1", 0, errors.New("first")))
		assert.Equal(t, 2, tracker.Fail("e1", 0, errors.New("second")))
		assert.Equal(t, 1, tracker.Fail("e2", 0, nil))

		assert.Equal(t, 2, tracker.Count("e1"))
		assert.Equal(t, "second", tracker.LastError("e1"))
	})

	t.Run("never goes below the producer count", func(t *testing.T) {
		tracker := NewAttemptTracker()

		assert.Equal(t, 3, tracker.Fail("e1", 2, nil))
	})

	t.Run("clear forgets the event", func(t *testing.T) {
		tracker := NewAttemptTracker()
		tracker.Fail("e1", 0, nil)
		tracker.Clear("e1")

		assert.Equal(t, 0, tracker.Count("e1"))
		assert.Equal(t, 0, tracker.Len())
	})

	t.Run("sweep drops idle counters", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		tracker := NewAttemptTracker(
			WithAttemptTTL(time.Hour),
			WithAttemptClock(func() time.Time { return now }),
		)
		tracker.Fail("old", 0, nil)
		now = now.Add(2 * time.Hour)
		tracker.Fail("fresh", 0, nil)

		assert.Equal(t, 1, tracker.Sweep())
		assert.Equal(t, 0, tracker.Count("old"))
		assert.Equal(t, 1, tracker.Count("fresh"))
	})

	t.Run("concurrent failures are all counted", func(t *testing.T) {
		tracker := NewAttemptTracker()
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tracker.Fail("e1", 0, nil)
			}()
		}
		wg.Wait()

		assert.Equal(t, 100, tracker.Count("e1"))
	})
}
