package conveyor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("conveyor: no store configured")
	ErrStoreClosed = errors.New("conveyor: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrScheduleNotFound = errors.New("conveyor: schedule not found")
	ErrWorkerNotFound   = errors.New("conveyor: worker not found")
	ErrOrderNotFound    = errors.New("conveyor: order not found")
	ErrProductNotFound  = errors.New("conveyor: product not found")
	ErrCustomerNotFound = errors.New("conveyor: customer not found")
	ErrReportNotFound   = errors.New("conveyor: report not found")
	ErrArtifactNotFound = errors.New("conveyor: artifact not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("conveyor: job already exists")
	ErrDuplicateSchedule = errors.New("conveyor: duplicate schedule")
	ErrInsufficientStock = errors.New("conveyor: insufficient stock")

	// State errors.
	ErrInvalidTransition = errors.New("conveyor: invalid state transition")
	ErrNotRetryable      = errors.New("conveyor: job is not in a retryable state")

	// Cluster errors.
	ErrNotLeader = errors.New("conveyor: not the leader")
)

// Kind classifies a handler failure and decides retry behavior.
type Kind string

const (
	// KindValidation means the input can never succeed. Terminal.
	KindValidation Kind = "validation"
	// KindTransient means a dependency hiccuped and a retry may succeed.
	KindTransient Kind = "transient"
	// KindInsufficientResource means a business precondition failed
	// (e.g. not enough stock). Terminal: retrying will not create stock.
	KindInsufficientResource Kind = "insufficient_resource"
	// KindTimeout means the attempt exceeded its deadline. Retried like
	// a transient failure.
	KindTimeout Kind = "timeout"
	// KindCancelled means the attempt was cancelled cooperatively.
	KindCancelled Kind = "cancelled"
)

// Error is a classified handler error. Handlers return one (via the
// constructors below) to control retry behavior; unclassified errors
// default to KindTransient.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// ValidationError builds a terminal validation error.
func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a retryable dependency failure.
func TransientError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...), Err: err}
}

// InsufficientResourceError builds a terminal resource error.
func InsufficientResourceError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInsufficientResource, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Classify maps an arbitrary handler error to a Kind.
// Classified errors keep their kind; context errors map to timeout and
// cancelled; everything else is treated as transient.
func Classify(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}

// Retryable reports whether a failure of the given kind should be retried.
func Retryable(k Kind) bool {
	return k == KindTransient || k == KindTimeout
}
