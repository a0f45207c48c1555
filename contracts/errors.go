package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent marks events that can never be processed successfully
	ErrMalformedEvent = errors.New("contracts: malformed event")

	// ErrEmptyTarget is returned when an envelope has no concrete destination
	ErrEmptyTarget = errors.New("contracts: envelope target has no destination")
)

// MalformedError describes a missing or unparseable event field
type MalformedError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *MalformedError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("malformed event: field %q %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed event %s: field %q %s", e.EventID, e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrMalformedEvent)
func (e *MalformedError) Unwrap() error {
	return ErrMalformedEvent
}

// MissingField builds a MalformedError for a required field that is absent
func MissingField(eventID, field string) error {
	return &MalformedError{EventID: eventID, Field: field, Reason: "is required"}
}

// IsMalformed reports whether err was caused by a malformed event
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}
