// Package messaging turns broker events into delivered envelopes.
//
// The Engine consumes one event at a time: it selects a Classifier from the
// ClassifierRegistry, hands the resulting Envelope to the Dispatcher and
// settles the broker message through an AckHandle. Failures drive the retry
// state machine:
//
//	success                      -> Ack
//	malformed event              -> Ack, recorded as dead letter "malformed"
//	failure, attempts < maxRetry -> NackRequeue
//	failure, budget exhausted    -> NackDrop, recorded as dead letter once
//	non-retryable failure        -> NackDrop, recorded as dead letter once
//
// The Dispatcher is the only component that talks to the connection
// registry.
package messaging
