package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/kvstore"
)

// Dead-letter categories. Families not listed here use their family name.
const (
	CategoryMalformed   = "malformed"
	CategoryPayment     = "payment"
	CategoryDeviceAlert = "device_alert"
)

const (
	// DefaultRecordTTL is how long ordinary dead-letter records are kept
	DefaultRecordTTL = 7 * 24 * time.Hour

	// SensitiveRecordTTL applies to payment and device alert records
	SensitiveRecordTTL = 30 * 24 * time.Hour

	statsTTL  = 30 * 24 * time.Hour
	dayLayout = "2006-01-02"
)

// Severity of an operator alert
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// DeadLetterRecord is the write-once failure detail kept for triage
type DeadLetterRecord struct {
	EventID    string                 `json:"eventId"`
	Queue      string                 `json:"queue"`
	Category   string                 `json:"category"`
	EventType  string                 `json:"eventType"`
	OrgID      *int64                 `json:"orgId,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RetryCount int                    `json:"retryCount"`
	MaxRetry   int                    `json:"maxRetry"`
	LastError  string                 `json:"lastError"`
	CreatedAt  time.Time              `json:"createdAt"`
	ReceivedAt time.Time              `json:"receivedAt"`
}

// Alert is raised to operators for every dead-lettered event
type Alert struct {
	EventID    string    `json:"eventId"`
	Queue      string    `json:"queue"`
	Category   string    `json:"category"`
	EventType  string    `json:"eventType"`
	Severity   string    `json:"severity"`
	OrgID      *int64    `json:"orgId,omitempty"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raisedAt"`
}

// Alerter forwards alerts to operators
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// LogAlerter writes alerts to the log
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert implements Alerter
func (a LogAlerter) Alert(_ context.Context, alert Alert) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if alert.Severity == SeverityCritical {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, alert.Message,
		"eventId", alert.EventID,
		"eventType", alert.EventType,
		"category", alert.Category,
		"queue", alert.Queue,
		"retryCount", alert.RetryCount,
		"lastError", alert.LastError,
	)
	return nil
}

// MetricsCollector receives dead-letter metrics
type MetricsCollector interface {
	RecordDeadLetter(queue, category string)
	RecordStoreOperation(operation string, success bool)
}

// Stats is the per-day dead-letter count with its category breakdown
type Stats struct {
	Date       string           `json:"date"`
	Total      int64            `json:"total"`
	ByCategory map[string]int64 `json:"byCategory"`
}

// DeadLetterHandler is the terminal sink for exhausted events
type DeadLetterHandler struct {
	store   kvstore.Store
	breaker *CircuitBreaker
	alerter Alerter
	metrics MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// DeadLetterOption configures the handler
type DeadLetterOption func(*DeadLetterHandler)

// WithDeadLetterLogger sets the logger
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.logger = logger
	}
}

// WithAlerter sets where alerts go in addition to the store
func WithAlerter(alerter Alerter) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.alerter = alerter
	}
}

// WithDeadLetterMetrics sets the metrics collector
func WithDeadLetterMetrics(metrics MetricsCollector) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.metrics = metrics
	}
}

// WithStoreBreaker replaces the circuit breaker guarding the store
func WithStoreBreaker(breaker *CircuitBreaker) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.breaker = breaker
	}
}

// WithDeadLetterClock overrides the time source
func WithDeadLetterClock(now func() time.Time) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.now = now
	}
}

// NewDeadLetterHandler creates a handler writing to store
func NewDeadLetterHandler(store kvstore.Store, options ...DeadLetterOption) *DeadLetterHandler {
	h := &DeadLetterHandler{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(h)
	}

	if h.breaker == nil {
		h.breaker = NewCircuitBreaker(WithName("deadletter-store"), WithBreakerClock(h.now))
	}
	if h.alerter == nil {
		h.alerter = LogAlerter{Logger: h.logger}
	}

	return h
}

// Categorize returns the dead-letter category for an event and its cause
func Categorize(event *contracts.Event, cause error) string {
	if contracts.IsMalformed(cause) {
		return CategoryMalformed
	}
	switch kind := event.Kind(); kind {
	case contracts.KindPaymentSucceeded, contracts.KindPaymentFailed:
		return CategoryPayment
	case contracts.KindDeviceOffline, contracts.KindDeviceAlert, contracts.KindDeviceFault:
		return CategoryDeviceAlert
	default:
		return string(kind.Family())
	}
}

// Sensitive reports whether a category gets the long retention and
// critical alerts
func Sensitive(category string) bool {
	return category == CategoryPayment || category == CategoryDeviceAlert
}

// RecordTTL returns the retention for a category
func RecordTTL(category string) time.Duration {
	if Sensitive(category) {
		return SensitiveRecordTTL
	}
	return DefaultRecordTTL
}

// Record captures an exhausted or malformed event. The record is written
// first; statistics and alerts are best effort after it.
func (h *DeadLetterHandler) Record(ctx context.Context, queue string, event *contracts.Event, cause error) (*DeadLetterRecord, error) {
	now := h.now().UTC()
	category := Categorize(event, cause)

	lastError := event.LastError
	if cause != nil {
		lastError = cause.Error()
	}

	rec := &DeadLetterRecord{
		EventID:    event.ID,
		Queue:      queue,
		Category:   category,
		EventType:  event.Type,
		OrgID:      event.OrgID,
		Title:      event.Title,
		Metadata:   event.Clone().Metadata,
		RetryCount: event.RetryCount,
		MaxRetry:   event.MaxRetry,
		LastError:  lastError,
		CreatedAt:  event.CreatedAt,
		ReceivedAt: now,
	}
	if rec.OrgID == nil {
		if org, ok := event.Org(); ok {
			rec.OrgID = contracts.Int64(org)
		}
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, &DeadLetterError{Op: "encode", EventID: event.ID, Err: err, Timestamp: now}
	}

	if err := h.guard(ctx, "record", func() error {
		return h.store.Set(ctx, RecordKey(event.ID), string(body), RecordTTL(category))
	}); err != nil {
		return nil, &DeadLetterError{Op: "record", EventID: event.ID, Err: err, Timestamp: now}
	}

	if h.metrics != nil {
		h.metrics.RecordDeadLetter(queue, category)
	}

	h.updateStats(ctx, rec, now)
	h.raiseAlert(ctx, rec, now)

	h.logger.Warn("event dead-lettered",
		"eventId", rec.EventID,
		"eventType", rec.EventType,
		"queue", queue,
		"category", category,
		"retryCount", rec.RetryCount,
		"lastError", rec.LastError,
	)

	return rec, nil
}

// Get reads a record back. A missing record is (nil, false, nil).
func (h *DeadLetterHandler) Get(ctx context.Context, eventID string) (*DeadLetterRecord, bool, error) {
	var (
		raw   string
		found bool
	)
	err := h.guard(ctx, "get", func() error {
		var err error
		raw, found, err = h.store.Get(ctx, RecordKey(eventID))
		return err
	})
	if err != nil {
		return nil, false, &DeadLetterError{Op: "get", EventID: eventID, Err: err, Timestamp: h.now()}
	}
	if !found {
		return nil, false, nil
	}

	var rec DeadLetterRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, &DeadLetterError{
			Op:        "decode",
			EventID:   eventID,
			Err:       fmt.Errorf("%w: %v", ErrInvalidRecord, err),
			Timestamp: h.now(),
		}
	}
	return &rec, true, nil
}

// Stats returns the dead-letter counters of one day
func (h *DeadLetterHandler) Stats(ctx context.Context, day time.Time) (Stats, error) {
	date := day.UTC().Format(dayLayout)
	stats := Stats{Date: date, ByCategory: make(map[string]int64)}

	total, err := h.counter(ctx, DailyKey(date))
	if err != nil {
		return stats, err
	}
	stats.Total = total

	for _, category := range Categories() {
		n, err := h.counter(ctx, CategoryKey(category, date))
		if err != nil {
			return stats, err
		}
		if n > 0 {
			stats.ByCategory[category] = n
		}
	}
	return stats, nil
}

// TypeCount returns the lifetime dead-letter count of an event type
func (h *DeadLetterHandler) TypeCount(ctx context.Context, eventType string) (int64, error) {
	return h.counter(ctx, TypeKey(eventType))
}

// Ping checks the underlying store
func (h *DeadLetterHandler) Ping(ctx context.Context) error {
	return h.store.Ping(ctx)
}

func (h *DeadLetterHandler) counter(ctx context.Context, key string) (int64, error) {
	var raw string
	var found bool
	err := h.guard(ctx, "stats", func() error {
		var err error
		raw, found, err = h.store.Get(ctx, key)
		return err
	})
	if err != nil || !found {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscan(raw, &n); err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, ErrInvalidRecord)
	}
	return n, nil
}

func (h *DeadLetterHandler) updateStats(ctx context.Context, rec *DeadLetterRecord, now time.Time) {
	date := now.Format(dayLayout)

	counters := []struct {
		key string
		ttl time.Duration
	}{
		{DailyKey(date), statsTTL},
		{CategoryKey(rec.Category, date), statsTTL},
		{TypeKey(rec.EventType), RecordTTL(rec.Category)},
	}
	if rec.OrgID != nil {
		counters = append(counters, struct {
			key string
			ttl time.Duration
		}{OrgKey(*rec.OrgID, date), statsTTL})
	}

	for _, c := range counters {
		err := h.guard(ctx, "stats", func() error {
			if _, err := h.store.Incr(ctx, c.key); err != nil {
				return err
			}
			return h.store.Expire(ctx, c.key, c.ttl)
		})
		if err != nil {
			h.logger.Error("failed to update dead letter statistics",
				"key", c.key,
				"eventId", rec.EventID,
				"error", err,
			)
		}
	}
}

func (h *DeadLetterHandler) raiseAlert(ctx context.Context, rec *DeadLetterRecord, now time.Time) {
	severity := SeverityWarning
	if Sensitive(rec.Category) {
		severity = SeverityCritical
	}

	alert := Alert{
		EventID:    rec.EventID,
		Queue:      rec.Queue,
		Category:   rec.Category,
		EventType:  rec.EventType,
		Severity:   severity,
		OrgID:      rec.OrgID,
		RetryCount: rec.RetryCount,
		LastError:  rec.LastError,
		Message:    fmt.Sprintf("%s event %s dead-lettered after %d attempts", rec.EventType, rec.EventID, rec.RetryCount),
		RaisedAt:   now,
	}
	if rec.Category == CategoryMalformed {
		alert.Message = fmt.Sprintf("malformed %s event %s rejected", rec.EventType, rec.EventID)
	}

	body, err := json.Marshal(alert)
	if err == nil {
		err = h.guard(ctx, "alert", func() error {
			return h.store.Set(ctx, AlertKey(rec.Category, rec.EventID), string(body), RecordTTL(rec.Category))
		})
	}
	if err != nil {
		h.logger.Error("failed to store dead letter alert", "eventId", rec.EventID, "error", err)
	}

	if err := h.alerter.Alert(ctx, alert); err != nil {
		h.logger.Error("failed to raise dead letter alert", "eventId", rec.EventID, "error", err)
	}
}

// guard runs a store operation through the breaker and reports it
func (h *DeadLetterHandler) guard(ctx context.Context, op string, fn func() error) error {
	err := h.breaker.Execute(ctx, fn)
	if h.metrics != nil {
		h.metrics.RecordStoreOperation(op, err == nil)
	}
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("dead letter store unavailable: %w", err)
	}
	return err
}

// Categories lists every category a record can be filed under
func Categories() []string {
	return []string{
		CategoryMalformed,
		CategoryPayment,
		CategoryDeviceAlert,
		string(contracts.FamilyTask),
		string(contracts.FamilyStatus),
		string(contracts.FamilyNotification),
		string(contracts.FamilyDevice),
		string(contracts.FamilyUser),
		string(contracts.FamilyBusiness),
		string(contracts.FamilySystem),
		string(contracts.FamilyProgress),
		string(contracts.FamilyUnknown),
	}
}

// RecordKey is where the failure detail of an event lives
func RecordKey(eventID string) string {
	return "dlq:record:" + eventID
}

// AlertKey is where the alert payload of an event lives
func AlertKey(category, eventID string) string {
	return fmt.Sprintf("dlq:alert:%s:%s", category, eventID)
}

// DailyKey counts all dead letters of a day
func DailyKey(date string) string {
	return "dlq:stats:daily:" + date
}

// CategoryKey counts dead letters of a category per day
func CategoryKey(category, date string) string {
	return fmt.Sprintf("dlq:stats:category:%s:%s", category, date)
}

// TypeKey counts dead letters of an event type
func TypeKey(eventType string) string {
	return "dlq:stats:type:" + eventType
}

// OrgKey counts dead letters of an organization per day
func OrgKey(orgID int64, date string) string {
	return fmt.Sprintf("dlq:stats:org:%d:%s", orgID, date)
}
