package auth

import (
	"fmt"
	"time"
)

// ValidationError reports a required credential that was empty or blank. It is
// returned before the page is touched.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("auth: %s must not be empty", e.Field)
}

// TimeoutError reports a required element of the sign-in form that never
// became visible. errors.Is(err, context.DeadlineExceeded) holds for it.
type TimeoutError struct {
	Step     string
	Selector string
	Timeout  time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("auth: %s timed out after %s: %v", e.Step, e.Timeout, e.Err)
	}
	return fmt.Sprintf("auth: %s timed out after %s waiting for %q: %v", e.Step, e.Timeout, e.Selector, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
