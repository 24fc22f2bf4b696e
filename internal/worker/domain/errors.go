package domain

import "errors"

var (
	// ErrAppointmentNotFound is returned by the store when no appointment has the given id
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrInvalidPayload is returned when a job body is not valid JSON for its kind
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownJobKind is returned when a job names a kind without a handler
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrMaxAttemptsExceeded is returned when a failing job has used up its retries
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrJobInFlight is returned when another worker replica holds the job
	ErrJobInFlight = errors.New("job already in flight")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError anywhere in its chain.
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
