package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func threeFiles() []Item {
	return []Item{
		{ID: "file-1", Label: "a.mp4", BytesTotal: 10},
		{ID: "file-2", Label: "b.mp4", BytesTotal: 20},
		{ID: "file-3", Label: "c.mp4", BytesTotal: 30},
	}
}

func TestAggregator_ThreeFileBatch(t *testing.T) {
	clock := newTestClock()
	agg := NewAggregator(WithClock(clock.Now))
	agg.Register("batch-1", 5, 7, threeFiles())

	summary, emit := agg.Update(Update{BatchID: "batch-1", ItemID: "file-1", BytesDone: 10, BytesTotal: 10})

	assert.True(t, emit)
	assert.Equal(t, 16, summary.Percent)
	assert.InDelta(t, 100.0*10/60, summary.OverallProgress, 0.0001)
	assert.Equal(t, 1, summary.CompletedFiles)
	assert.Equal(t, 0, summary.FailedFiles)
	assert.Equal(t, 3, summary.TotalFiles)
	assert.Equal(t, int64(10), summary.BytesDone)
	assert.Equal(t, int64(60), summary.BytesTotal)
	assert.False(t, summary.Finished)
	require.Len(t, summary.Items, 3)
	assert.Equal(t, ItemCompleted, summary.Items[0].Status)
	assert.Equal(t, ItemPending, summary.Items[1].Status)
}

func TestAggregator_SummaryInvariants(t *testing.T) {
	t.Run("zero totals give zero progress", func(t *testing.T) {
		agg := NewAggregator()

		summary, _ := agg.Update(Update{BatchID: "b", ItemID: "i", Progress: 50})

		assert.Equal(t, 0.0, summary.OverallProgress)
		assert.Equal(t, 0, summary.Percent)
	})

	t.Run("progress is byte weighted", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))
		agg.Register("b", 1, 0, []Item{{ID: "small", BytesTotal: 10}, {ID: "big", BytesTotal: 90}})

		// small finished, big at half: item average would be 75
		agg.Update(Update{BatchID: "b", ItemID: "small", Progress: 100})
		summary, _ := agg.Update(Update{BatchID: "b", ItemID: "big", Progress: 50})

		assert.Equal(t, int64(10+45), summary.BytesDone)
		assert.InDelta(t, 55.0, summary.OverallProgress, 0.0001)
	})

	t.Run("counts never exceed total", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))
		agg.Register("b", 1, 0, threeFiles())

		updates := []Update{
			{ItemID: "file-1", Progress: 100},
			{ItemID: "file-1", Progress: 100},
			{ItemID: "file-2", Progress: -1},
			{ItemID: "file-2", Status: ItemFailed},
			{ItemID: "file-3", Progress: 40},
		}
		for _, u := range updates {
			u.BatchID = "b"
			clock.Advance(2 * time.Second)
			summary, _ := agg.Update(u)

			assert.LessOrEqual(t, summary.CompletedFiles+summary.FailedFiles, summary.TotalFiles)
			if summary.BytesTotal > 0 {
				assert.InDelta(t, 100*float64(summary.BytesDone)/float64(summary.BytesTotal), summary.OverallProgress, 0.0001)
			}
		}

		summary, ok := agg.Summary("b")
		require.True(t, ok)
		assert.Equal(t, 1, summary.CompletedFiles)
		assert.Equal(t, 1, summary.FailedFiles)
	})

	t.Run("progress derives from bytes and is clamped", func(t *testing.T) {
		agg := NewAggregator()

		summary, _ := agg.Update(Update{BatchID: "b", ItemID: "i", BytesDone: 50, BytesTotal: 40})

		assert.Equal(t, 100.0, summary.Items[0].Progress)
		assert.Equal(t, int64(40), summary.Items[0].BytesDone)
	})
}

func TestAggregator_Throttle(t *testing.T) {
	t.Run("same percentage within the window emits once", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))
		agg.Register("b", 1, 0, []Item{{ID: "i", BytesTotal: 1000}})

		_, first := agg.Update(Update{BatchID: "b", ItemID: "i", BytesDone: 420})
		clock.Advance(300 * time.Millisecond)
		_, second := agg.Update(Update{BatchID: "b", ItemID: "i", BytesDone: 425})

		assert.True(t, first)
		assert.False(t, second)

		clock.Advance(time.Second)
		_, third := agg.Update(Update{BatchID: "b", ItemID: "i", BytesDone: 428})
		assert.True(t, third)
	})

	t.Run("a new percentage is emitted immediately", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))
		agg.Register("b", 1, 0, []Item{{ID: "i", BytesTotal: 100}})

		_, first := agg.Update(Update{BatchID: "b", ItemID: "i", BytesDone: 10})
		_, second := agg.Update(Update{BatchID: "b", ItemID: "i", BytesDone: 20})

		assert.True(t, first)
		assert.True(t, second)
	})

	t.Run("single items use their own keys", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))

		assert.True(t, agg.AllowItem("task-1", 30.2))
		assert.False(t, agg.AllowItem("task-1", 30.9))
		assert.True(t, agg.AllowItem("task-2", 30.5))

		clock.Advance(1000 * time.Millisecond)
		assert.True(t, agg.AllowItem("task-1", 30.9))
	})

	t.Run("terminal item reports are deduplicated too", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))

		assert.True(t, agg.AllowItem("task-1", 100))
		assert.False(t, agg.AllowItem("task-1", 100))

		assert.True(t, agg.AllowItem("task-1", -1))
		assert.False(t, agg.AllowItem("task-1", -1))

		// a failure is not hidden by an earlier 0% report
		assert.True(t, agg.AllowItem("task-2", 0))
		assert.True(t, agg.AllowItem("task-2", -1))

		clock.Advance(DefaultThrottleWindow)
		assert.True(t, agg.AllowItem("task-1", 100))
	})
}

func TestAggregator_Completion(t *testing.T) {
	t.Run("all items terminal finishes the batch", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))
		agg.Register("b", 1, 0, []Item{{ID: "x", BytesTotal: 5}, {ID: "y", BytesTotal: 5}})

		_, emit := agg.Update(Update{BatchID: "b", ItemID: "x", Progress: 100})
		assert.True(t, emit)

		summary, emit := agg.Update(Update{BatchID: "b", ItemID: "y", Status: ItemFailed})
		assert.True(t, emit)
		assert.True(t, summary.Finished)
		assert.Equal(t, 1, summary.CompletedFiles)
		assert.Equal(t, 1, summary.FailedFiles)
		assert.False(t, agg.Registered("b"))
	})

	t.Run("final summary bypasses the throttle", func(t *testing.T) {
		clock := newTestClock()
		agg := NewAggregator(WithClock(clock.Now))
		agg.Register("b", 1, 0, []Item{{ID: "x", BytesTotal: 100}})

		_, first := agg.Update(Update{BatchID: "b", ItemID: "x", Progress: 99.5})
		require.True(t, first)
		clock.Advance(10 * time.Millisecond)

		summary, emit := agg.Update(Update{BatchID: "b", ItemID: "x", Progress: 100})
		assert.True(t, emit)
		assert.True(t, summary.Finished)
	})

	t.Run("announced total prevents early completion", func(t *testing.T) {
		agg := NewAggregator()

		summary, _ := agg.Update(Update{BatchID: "b", ItemID: "x", Progress: 100, TotalItems: 2})

		assert.False(t, summary.Finished)
		assert.Equal(t, 2, summary.TotalFiles)
	})

	t.Run("explicit completion", func(t *testing.T) {
		agg := NewAggregator()
		agg.Update(Update{BatchID: "b", ItemID: "x", Progress: 40})

		summary, ok := agg.Complete("b")
		require.True(t, ok)
		assert.True(t, summary.Finished)
		assert.False(t, agg.Registered("b"))

		_, ok = agg.Complete("b")
		assert.False(t, ok)
	})

	t.Run("updates never land on a retired tracker", func(t *testing.T) {
		agg := NewAggregator()
		agg.Register("b", 1, 0, []Item{{ID: "x"}, {ID: "y"}})
		old := agg.trackers["b"]

		// hold the tracker while the update is in flight, then retire it the
		// way a concurrent sweep does
		old.mu.Lock()
		done := make(chan BatchSummary, 1)
		go func() {
			summary, _ := agg.Update(Update{BatchID: "b", ItemID: "y", Progress: 100})
			done <- summary
		}()
		time.Sleep(20 * time.Millisecond)
		agg.mu.Lock()
		old.retired = true
		delete(agg.trackers, "b")
		agg.mu.Unlock()
		old.mu.Unlock()

		select {
		case summary := <-done:
			assert.Equal(t, 1, summary.TotalFiles)
			assert.False(t, summary.Finished)
		case <-time.After(2 * time.Second):
			t.Fatal("update did not return")
		}
		assert.Equal(t, ItemPending, old.items["y"].Status)
		assert.True(t, agg.Registered("b"))
		assert.NotSame(t, old, agg.trackers["b"])
	})

	t.Run("concurrent completion emits one final summary", func(t *testing.T) {
		agg := NewAggregator()
		agg.Register("b", 1, 0, []Item{{ID: "x"}, {ID: "y"}})
		agg.Update(Update{BatchID: "b", ItemID: "x", Progress: 100})

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			finals int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := agg.Complete("b"); ok {
					mu.Lock()
					finals++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, finals)
		assert.False(t, agg.Registered("b"))
	})
}

func TestAggregator_Sweep(t *testing.T) {
	clock := newTestClock()
	agg := NewAggregator(WithClock(clock.Now))

	agg.Update(Update{BatchID: "old", ItemID: "x", Progress: 10})
	agg.AllowItem("task-1", 10)
	clock.Advance(DefaultIdleTimeout + time.Minute)
	agg.Update(Update{BatchID: "fresh", ItemID: "x", Progress: 10})

	batches, dedup := agg.Sweep()

	assert.Equal(t, 1, batches)
	assert.Equal(t, 2, dedup)
	assert.False(t, agg.Registered("old"))
	assert.True(t, agg.Registered("fresh"))
}

func TestAggregator_DedupCap(t *testing.T) {
	clock := newTestClock()
	agg := NewAggregator(WithClock(clock.Now), WithMaxDedupEntries(10))

	for i := 0; i < 10; i++ {
		agg.AllowItem(fmt.Sprintf("task-%d", i), 10)
	}
	clock.Advance(2 * time.Second)
	agg.AllowItem("task-new", 10)

	_, dedup := agg.Stats()
	assert.Equal(t, 1, dedup)
}

func TestAggregator_ConcurrentItems(t *testing.T) {
	agg := NewAggregator(WithThrottleWindow(0))
	items := make([]Item, 50)
	for i := range items {
		items[i] = Item{ID: fmt.Sprintf("f-%d", i), BytesTotal: 100}
	}
	agg.Register("b", 1, 0, items)

	var wg sync.WaitGroup
	for i := 0; i < 49; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			agg.Update(Update{BatchID: "b", ItemID: id, Progress: 100})
		}(fmt.Sprintf("f-%d", i))
	}
	wg.Wait()

	summary, ok := agg.Summary("b")
	require.True(t, ok)
	assert.Equal(t, 49, summary.CompletedFiles)
	assert.Equal(t, int64(4900), summary.BytesDone)
}

func TestAggregator_Run(t *testing.T) {
	agg := NewAggregator(WithSweepInterval(5 * time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, agg.Run(ctx), context.DeadlineExceeded)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 16, Percent(100.0*10/60))
	assert.Equal(t, 0, Percent(-3))
	assert.Equal(t, 100, Percent(140))
	assert.Equal(t, 99, Percent(99.99))
}
