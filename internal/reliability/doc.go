// Package reliability holds the failure-side machinery of the delivery core.
//
// It provides:
//   - AttemptTracker: per-event retry counters kept beside the event rather
//     than inside it, so redeliveries never race on a shared struct
//   - Retry policies and RetryableError for classifying faults
//   - CircuitBreaker: guards the dead-letter store so a dead store fails fast
//   - DeadLetterHandler: records exhausted events, per-day and per-category
//     statistics, and operator alerts in a key-value store
//
// Example usage:
//
//	handler := NewDeadLetterHandler(store,
//	    WithDeadLetterLogger(logger),
//	    WithAlerter(alerter),
//	)
//
//	rec, err := handler.Record(ctx, "led.device", event, cause)
package reliability
