// Package classifiers turns domain events into envelopes.
//
// There is one classifier per event family. Each one validates the fields it
// needs, picks a target through the routing package and applies the delivery
// policy of its family: alerts require acknowledgment, status updates are
// short lived and announcements stay around for days. Classifiers never talk
// to connections; they hand their envelope back to the engine, which passes
// it to the dispatcher.
//
// Events outside the known families end up in the Unknown classifier, which
// still produces a low priority notification so nothing disappears silently.
package classifiers
