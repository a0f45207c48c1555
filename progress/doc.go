// Package progress aggregates item-level progress of long running batches
// (such as multi-file uploads) into one throttled summary stream.
//
// Overall progress is byte weighted: 100 * Σ bytesDone / Σ bytesTotal over
// every known item, and 0 while no totals are known. Summaries reporting the
// same integer percentage for the same batch are emitted at most once per
// throttle window. Idle batches are swept after a fixed inactivity period.
package progress
