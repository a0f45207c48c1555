package progress

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// DefaultThrottleWindow is the minimum gap between two emissions of the
	// same percentage for the same subject
	DefaultThrottleWindow = 1000 * time.Millisecond

	// DefaultIdleTimeout is how long an untouched batch is kept
	DefaultIdleTimeout = 2 * time.Hour

	// DefaultSweepInterval is how often idle state is collected
	DefaultSweepInterval = 10 * time.Minute

	defaultMaxDedup = 10000

	// failedPercent keys failed single-item reports in the dedup map
	failedPercent = -1
)

// ItemStatus is the state of one item in a batch
type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemActive    ItemStatus = "IN_PROGRESS"
	ItemCompleted ItemStatus = "COMPLETED"
	ItemFailed    ItemStatus = "FAILED"
)

// Terminal reports whether the item will not change anymore
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// Item declares one member of a batch manifest
type Item struct {
	ID         string
	Label      string
	BytesTotal int64
}

// Update is one item-level progress report
type Update struct {
	BatchID    string
	ItemID     string
	Label      string
	UserID     int64
	OrgID      int64
	Progress   float64
	BytesDone  int64
	BytesTotal int64
	Status     ItemStatus
	// TotalItems is the batch size announced by the producer, 0 if unknown
	TotalItems int
}

// ItemDetail is the per-item part of a summary
type ItemDetail struct {
	ItemID     string     `json:"itemId"`
	Label      string     `json:"label,omitempty"`
	Status     ItemStatus `json:"status"`
	Progress   float64    `json:"progress"`
	BytesDone  int64      `json:"bytesDone"`
	BytesTotal int64      `json:"bytesTotal"`
}

// BatchSummary is the rolled-up state of a batch
type BatchSummary struct {
	BatchID         string       `json:"batchId"`
	UserID          int64        `json:"userId"`
	OrgID           int64        `json:"orgId,omitempty"`
	TotalFiles      int          `json:"totalFiles"`
	CompletedFiles  int          `json:"completedFiles"`
	FailedFiles     int          `json:"failedFiles"`
	OverallProgress float64      `json:"overallProgress"`
	Percent         int          `json:"percent"`
	BytesDone       int64        `json:"bytesDone"`
	BytesTotal      int64        `json:"bytesTotal"`
	Items           []ItemDetail `json:"items"`
	Finished        bool         `json:"finished"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Metrics receives aggregator events
type Metrics interface {
	ProgressEmitted(kind string)
	ProgressThrottled(kind string)
	BatchesSwept(n int)
}

type tracker struct {
	mu       sync.Mutex
	batchID  string
	userID   int64
	orgID    int64
	expected int
	items    map[string]*ItemDetail
	order    []string
	updated  time.Time
	retired  bool // set once the batch was finished or swept
}

// Aggregator keeps batch trackers and the throttle map
type Aggregator struct {
	mu       sync.RWMutex
	trackers map[string]*tracker

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	window        time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxDedup      int
	now           func() time.Time
	metrics       Metrics
	logger        *slog.Logger
}

// Option configures the aggregator
type Option func(*Aggregator)

// WithThrottleWindow sets the dedup window
func WithThrottleWindow(window time.Duration) Option {
	return func(a *Aggregator) {
		a.window = window
	}
}

// WithIdleTimeout sets when idle batches are swept
func WithIdleTimeout(timeout time.Duration) Option {
	return func(a *Aggregator) {
		a.idleTimeout = timeout
	}
}

// WithSweepInterval sets the sweep period of Run
func WithSweepInterval(interval time.Duration) Option {
	return func(a *Aggregator) {
		a.sweepInterval = interval
	}
}

// WithMaxDedupEntries caps the throttle map between sweeps
func WithMaxDedupEntries(n int) Option {
	return func(a *Aggregator) {
		a.maxDedup = n
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = metrics
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator creates an empty aggregator
func NewAggregator(options ...Option) *Aggregator {
	a := &Aggregator{
		trackers:      make(map[string]*tracker),
		dedup:         make(map[string]time.Time),
		window:        DefaultThrottleWindow,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		maxDedup:      defaultMaxDedup,
		now:           time.Now,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Register declares the items of a batch up front. Items already seen keep
// their progress.
func (a *Aggregator) Register(batchID string, userID, orgID int64, items []Item) {
	t := a.lockTracker(batchID, userID, orgID)
	defer t.mu.Unlock()

	for _, item := range items {
		d := t.item(item.ID)
		if item.Label != "" {
			d.Label = item.Label
		}
		if item.BytesTotal > 0 && d.BytesTotal == 0 {
			d.BytesTotal = item.BytesTotal
		}
	}
	if len(items) > t.expected {
		t.expected = len(items)
	}
	t.updated = a.now()
}

// Registered reports whether a batch is being tracked
func (a *Aggregator) Registered(batchID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.trackers[batchID]
	return ok
}

// Update applies an item report and returns the new summary together with
// whether it should be emitted. Once every expected item is terminal the
// summary is final: it is always emitted and the batch is discarded.
func (a *Aggregator) Update(u Update) (BatchSummary, bool) {
	t := a.lockTracker(u.BatchID, u.UserID, u.OrgID)
	t.apply(u)
	if u.TotalItems > t.expected {
		t.expected = u.TotalItems
	}
	t.updated = a.now()
	summary := t.summary()
	summary.Finished = t.done()
	t.retired = summary.Finished
	t.mu.Unlock()

	if summary.Finished {
		a.remove(u.BatchID, t)
		a.emitted("batch")
		return summary, true
	}

	return summary, a.allow("batch", batchKey(u.BatchID, summary.Percent))
}

// Complete finishes a batch explicitly. It returns false for unknown batches.
func (a *Aggregator) Complete(batchID string) (BatchSummary, bool) {
	a.mu.RLock()
	t, ok := a.trackers[batchID]
	a.mu.RUnlock()
	if !ok {
		return BatchSummary{}, false
	}

	t.mu.Lock()
	if t.retired {
		t.mu.Unlock()
		return BatchSummary{}, false
	}
	t.retired = true
	summary := t.summary()
	t.mu.Unlock()
	summary.Finished = true

	a.remove(batchID, t)
	a.emitted("batch")
	return summary, true
}

// Summary returns the current summary of a batch
func (a *Aggregator) Summary(batchID string) (BatchSummary, bool) {
	a.mu.RLock()
	t, ok := a.trackers[batchID]
	a.mu.RUnlock()
	if !ok {
		return BatchSummary{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary(), true
}

// AllowItem applies the throttle to a single, non-batched item report.
// A negative progress marks a failed item; failures are keyed apart from
// 0% so a failure is never hidden behind an earlier progress report.
func (a *Aggregator) AllowItem(itemID string, progress float64) bool {
	pct := Percent(progress)
	if progress < 0 {
		pct = failedPercent
	}
	return a.allow("item", itemKey(itemID, pct))
}

// Sweep removes idle batches and dedup entries. It returns how many of each
// were removed.
func (a *Aggregator) Sweep() (batches, dedup int) {
	cutoff := a.now().Add(-a.idleTimeout)

	a.mu.Lock()
	for id, t := range a.trackers {
		t.mu.Lock()
		idle := t.updated.Before(cutoff)
		if idle {
			t.retired = true
		}
		t.mu.Unlock()
		if idle {
			delete(a.trackers, id)
			batches++
		}
	}
	a.mu.Unlock()

	a.dedupMu.Lock()
	for key, at := range a.dedup {
		if at.Before(cutoff) {
			delete(a.dedup, key)
			dedup++
		}
	}
	a.dedupMu.Unlock()

	if a.metrics != nil && batches > 0 {
		a.metrics.BatchesSwept(batches)
	}
	if batches > 0 || dedup > 0 {
		a.logger.Info("swept idle progress state", "batches", batches, "dedupEntries", dedup)
	}
	return batches, dedup
}

// Run sweeps periodically until ctx is done
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Stats returns the number of tracked batches and dedup entries
func (a *Aggregator) Stats() (batches, dedup int) {
	a.mu.RLock()
	batches = len(a.trackers)
	a.mu.RUnlock()

	a.dedupMu.Lock()
	dedup = len(a.dedup)
	a.dedupMu.Unlock()
	return batches, dedup
}

func (a *Aggregator) tracker(batchID string, userID, orgID int64) *tracker {
	a.mu.RLock()
	t, ok := a.trackers[batchID]
	a.mu.RUnlock()
	if ok {
		return t
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok = a.trackers[batchID]; ok {
		return t
	}
	t = &tracker{
		batchID: batchID,
		userID:  userID,
		orgID:   orgID,
		items:   make(map[string]*ItemDetail),
		updated: a.now(),
	}
	a.trackers[batchID] = t
	return t
}

// lockTracker returns the live tracker of a batch with its lock held. A
// tracker retired between lookup and lock is dropped and replaced.
func (a *Aggregator) lockTracker(batchID string, userID, orgID int64) *tracker {
	for {
		t := a.tracker(batchID, userID, orgID)
		t.mu.Lock()
		if !t.retired {
			return t
		}
		t.mu.Unlock()
		a.remove(batchID, t)
	}
}

// remove deletes the tracker of a batch unless it was already replaced
func (a *Aggregator) remove(batchID string, t *tracker) {
	a.mu.Lock()
	if a.trackers[batchID] == t {
		delete(a.trackers, batchID)
	}
	a.mu.Unlock()
}

// allow records an emission for key unless one happened inside the window
func (a *Aggregator) allow(kind, key string) bool {
	now := a.now()

	a.dedupMu.Lock()
	last, seen := a.dedup[key]
	if seen && now.Sub(last) < a.window {
		a.dedupMu.Unlock()
		if a.metrics != nil {
			a.metrics.ProgressThrottled(kind)
		}
		return false
	}
	a.dedup[key] = now
	if len(a.dedup) > a.maxDedup {
		a.pruneLocked(now)
	}
	a.dedupMu.Unlock()

	a.emitted(kind)
	return true
}

// pruneLocked drops entries older than the window; they no longer suppress
// anything. Caller holds dedupMu.
func (a *Aggregator) pruneLocked(now time.Time) {
	for key, at := range a.dedup {
		if now.Sub(at) >= a.window {
			delete(a.dedup, key)
		}
	}
}

func (a *Aggregator) emitted(kind string) {
	if a.metrics != nil {
		a.metrics.ProgressEmitted(kind)
	}
}

// item returns the detail for id, adding it when unseen. Caller holds mu.
func (t *tracker) item(id string) *ItemDetail {
	d, ok := t.items[id]
	if !ok {
		d = &ItemDetail{ItemID: id, Status: ItemPending}
		t.items[id] = d
		t.order = append(t.order, id)
	}
	return d
}

// apply folds an update into the item. Caller holds mu.
func (t *tracker) apply(u Update) {
	d := t.item(u.ItemID)
	if u.Label != "" {
		d.Label = u.Label
	}
	if u.BytesTotal > 0 {
		d.BytesTotal = u.BytesTotal
	}

	switch {
	case u.Status == ItemFailed || u.Progress < 0:
		d.Status = ItemFailed
		return
	case u.Status == ItemCompleted:
		d.Progress = 100
		d.BytesDone = d.BytesTotal
		d.Status = ItemCompleted
		return
	}

	progress := u.Progress
	bytesDone := u.BytesDone
	switch {
	case bytesDone > 0 && d.BytesTotal > 0 && progress == 0:
		progress = float64(bytesDone) * 100 / float64(d.BytesTotal)
	case bytesDone == 0 && d.BytesTotal > 0:
		bytesDone = int64(math.Round(progress / 100 * float64(d.BytesTotal)))
	}
	if progress > 100 {
		progress = 100
	}
	if d.BytesTotal > 0 && bytesDone > d.BytesTotal {
		bytesDone = d.BytesTotal
	}

	d.Progress = progress
	d.BytesDone = bytesDone
	if progress >= 100 {
		d.Status = ItemCompleted
		if d.BytesTotal > 0 {
			d.BytesDone = d.BytesTotal
		}
	} else {
		d.Status = ItemActive
	}
}

// done reports whether every expected item is terminal. Caller holds mu.
func (t *tracker) done() bool {
	if t.expected == 0 || len(t.items) < t.expected {
		return false
	}
	for _, d := range t.items {
		if !d.Status.Terminal() {
			return false
		}
	}
	return true
}

// summary recomputes the rolled-up view. Caller holds mu.
func (t *tracker) summary() BatchSummary {
	s := BatchSummary{
		BatchID:    t.batchID,
		UserID:     t.userID,
		OrgID:      t.orgID,
		TotalFiles: len(t.items),
		Items:      make([]ItemDetail, 0, len(t.items)),
		UpdatedAt:  t.updated,
	}
	if t.expected > s.TotalFiles {
		s.TotalFiles = t.expected
	}

	for _, id := range t.order {
		d := t.items[id]
		switch d.Status {
		case ItemCompleted:
			s.CompletedFiles++
		case ItemFailed:
			s.FailedFiles++
		}
		s.BytesDone += d.BytesDone
		s.BytesTotal += d.BytesTotal
		s.Items = append(s.Items, *d)
	}

	if s.BytesTotal > 0 {
		s.OverallProgress = 100 * float64(s.BytesDone) / float64(s.BytesTotal)
	}
	s.Percent = Percent(s.OverallProgress)
	return s
}

// Percent truncates a progress value to an integer percentage in [0, 100]
func Percent(progress float64) int {
	switch {
	case progress <= 0:
		return 0
	case progress >= 100:
		return 100
	}
	return int(progress)
}

func batchKey(batchID string, pct int) string {
	return fmt.Sprintf("batch:%s:%d", batchID, pct)
}

func itemKey(itemID string, pct int) string {
	return fmt.Sprintf("item:%s:%d", itemID, pct)
}
