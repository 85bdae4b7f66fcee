package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrChannelNotEstablished = errors.New("queue: no channel established")
	ErrChannelClosed         = errors.New("queue: channel is closed")
	ErrNilProcessor          = errors.New("queue: processor is nil")
	ErrAlreadySubscribed     = errors.New("queue: consumer is already subscribed")
	ErrNotSubscribed         = errors.New("queue: consumer is not subscribed")

	// Publish errors
	ErrPublishTimeout = errors.New("queue: publish timeout")
	ErrEmitterClosed  = errors.New("queue: emitter is closed")

	// Processing errors
	ErrDecode         = errors.New("queue: payload decode failed")
	ErrProcessorPanic = errors.New("queue: processor panicked")
)

// PublishTimeoutError is returned when the link stays down for the whole retry budget
type PublishTimeoutError struct {
	Queue   string
	Retries int
	// Elapsed is (Retries + 1) * poll timeout
	Elapsed time.Duration
}

func (e *PublishTimeoutError) Error() string {
	return fmt.Sprintf("queue: publishing message to queue '%s' timed out after %dms", e.Queue, e.Elapsed.Milliseconds())
}

func (e *PublishTimeoutError) Unwrap() error {
	return ErrPublishTimeout
}

// SetupError is returned to the transport when a setup group fails
type SetupError struct {
	Component string
	Queue     string
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("queue: %s asserting queue '%s' channel failed: %v", e.Component, e.Queue, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is a caller contract violation
// that must not be retried.
func IsConfigurationError(err error) bool {
	switch {
	case errors.Is(err, ErrChannelNotEstablished),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrNilProcessor),
		errors.Is(err, ErrAlreadySubscribed),
		errors.Is(err, ErrNotSubscribed):
		return true
	}
	return false
}
