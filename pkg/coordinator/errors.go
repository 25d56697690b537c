package coordinator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady marks a first refresh that failed. The owner should retry
	// setup later instead of creating entities.
	ErrNotReady = errors.New("coordinator not ready")

	// ErrAuthFailed is returned by fetch functions when the remote rejects
	// the credentials. Setup does not retry it.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrShutdown is returned for refreshes requested after Shutdown.
	ErrShutdown = errors.New("coordinator is shut down")
)

// NotReadyError is returned by FirstRefresh when the initial fetch fails.
type NotReadyError struct {
	Coordinator string
	Err         error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("coordinator %s not ready: %v", e.Coordinator, e.Err)
}

// Unwrap exposes both ErrNotReady and the fetch error.
func (e *NotReadyError) Unwrap() []error {
	return []error{ErrNotReady, e.Err}
}

// UpdateFailedError lets a fetch function ask for the next attempt after a
// specific delay instead of the regular interval.
type UpdateFailedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *UpdateFailedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// UpdateFailed wraps err so the coordinator re-arms after retryAfter once.
func UpdateFailed(err error, retryAfter time.Duration) error {
	return &UpdateFailedError{Err: err, RetryAfter: retryAfter}
}
