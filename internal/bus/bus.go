// Package bus holds the message bus the outbox dispatcher publishes to and its
// Kafka, Pub/Sub and webhook adapters.
package bus

import (
	"context"
	"errors"
)

// MessageBus delivers one event. A nil error means the bus accepted it.
type MessageBus interface {
	Publish(ctx context.Context, eventType string, payload []byte, correlationID string) error
}

// Func adapts a plain function to MessageBus.
type Func func(ctx context.Context, eventType string, payload []byte, correlationID string) error

func (f Func) Publish(ctx context.Context, eventType string, payload []byte, correlationID string) error {
	return f(ctx, eventType, payload, correlationID)
}

// PermanentError marks a publish failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so IsPermanent reports true. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
