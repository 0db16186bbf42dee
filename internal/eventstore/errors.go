package eventstore

import (
	"errors"
	"fmt"
)

var (
	ErrTxRequired            = errors.New("eventstore: append requires the caller's transaction")
	ErrInvalidAppend         = errors.New("eventstore: invalid append")
	ErrUnregisteredEventType = errors.New("eventstore: unregistered event type")
)

// SerializationError means the event payload could not be encoded. Nothing was
// written and the caller's transaction must be rolled back.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("eventstore: serialize %s: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// PersistenceError means the insert failed inside the caller's transaction.
type PersistenceError struct {
	EventType string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("eventstore: persist %s: %v", e.EventType, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
