package chat

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Callers wrap these with context and test with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrPersistence = errors.New("persistence error")
	ErrRateLimited = errors.New("rate limited")
)

// RateLimitError is an ErrRateLimited that knows when the window resets.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter returns the wait carried by a RateLimitError anywhere in err's
// chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
