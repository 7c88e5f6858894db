package dispatchq

import (
	"errors"
	"fmt"
)

// Error represents a dispatchq library error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for dispatch queue operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeCapacity indicates a queue rejected an enqueue at its size cap.
	ErrCodeCapacity = "CAPACITY_ERROR"

	// ErrCodeRateLimited indicates the rate gate denied admission.
	ErrCodeRateLimited = "RATE_LIMITED"

	// ErrCodeConflict indicates the operation clashes with current queue state.
	ErrCodeConflict = "CONFLICT"

	// ErrCodePersistence indicates a snapshot store operation failed.
	ErrCodePersistence = "PERSISTENCE_ERROR"

	// ErrCodeDelivery indicates message delivery failed.
	ErrCodeDelivery = "DELIVERY_ERROR"
)

// Common errors. Expected producer-facing conditions (full queue, rate limit,
// missing or busy queue) are signaled through these sentinels rather than
// panics; callers distinguish them with errors.Is.
var (
	// ErrNoData is returned when the requested queue or snapshot does not exist.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	// The queue is left unchanged; the caller owns the backpressure decision.
	ErrQueueFull = &Error{
		Code:    ErrCodeCapacity,
		Message: "queue is full",
	}

	// ErrRateLimited is returned by Enqueue when the rate gate denies admission.
	ErrRateLimited = &Error{
		Code:    ErrCodeRateLimited,
		Message: "rate limit exceeded",
	}

	// ErrQueueExists is returned by CreateQueue for an already existing name.
	ErrQueueExists = &Error{
		Code:    ErrCodeConflict,
		Message: "queue already exists",
	}

	// ErrQueueProcessing is returned when an operation requires an idle queue
	// but a batch is currently in flight.
	ErrQueueProcessing = &Error{
		Code:    ErrCodeConflict,
		Message: "queue is processing a batch",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	var dqErr *Error
	if errors.As(err, &dqErr) {
		return dqErr.Code == ErrCodeNoData
	}
	return errors.Is(err, ErrNoData)
}

// IsQueueFull checks if an error is a capacity rejection.
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}

// IsRateLimited checks if an error is a rate gate rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
