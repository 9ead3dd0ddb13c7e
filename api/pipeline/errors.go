package pipeline

import (
	"context"

	"github.com/pkg/errors"
)

// ErrorCategory classifies a stage failure.  Adapters normalize every
// external failure into one of these before it crosses the coordinator
// boundary.
type ErrorCategory string

const (
	ErrUnreadableContent    ErrorCategory = "UnreadableContent"
	ErrLookupUnavailable    ErrorCategory = "LookupUnavailable"
	ErrReasoningUnavailable ErrorCategory = "ReasoningUnavailable"
	ErrMalformedResponse    ErrorCategory = "MalformedResponse"
	ErrUnsupportedLocale    ErrorCategory = "UnsupportedLocale"
	ErrStorageUnavailable   ErrorCategory = "StorageUnavailable"
	ErrTimeout              ErrorCategory = "Timeout"
	ErrCancelled            ErrorCategory = "Cancelled"
)

// ErrorDescriptor is the recorded shape of a stage failure.
type ErrorDescriptor struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Attempts int           `json:"attempts,omitempty"`
}

// StageError carries an error category across the capability boundary.
// Permanent errors are not retried regardless of the stage retry policy.
type StageError struct {
	Category  ErrorCategory
	Err       error
	Permanent bool
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with a category.  The error remains retryable.
func NewStageError(category ErrorCategory, err error) *StageError {
	return &StageError{Category: category, Err: err}
}

// PermanentStageError wraps err with a category and marks it as not worth
// retrying (bad input rather than a transient backend problem).
func PermanentStageError(category ErrorCategory, err error) *StageError {
	return &StageError{Category: category, Err: err, Permanent: true}
}

// ErrNotApplicable is returned by an adapter when its stage has nothing to
// do for this submission (e.g. translation when the requested locale is the
// default).  The coordinator records the stage as skipped, not failed.
var ErrNotApplicable = errors.New("stage not applicable to this submission")

// categorize maps an adapter error to its category, falling back to the
// context sentinels for timeouts and cancellations.
func categorize(err error) ErrorCategory {
	var se *StageError
	if errors.As(err, &se) {
		return se.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrMalformedResponse
}

// permanent reports whether the error should short-circuit the retry loop.
func permanent(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return errors.Is(err, context.Canceled)
}
