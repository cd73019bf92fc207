package queue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRetriesExhausted is returned by Retry when the phase's retry
// budget is spent; the task stays terminally failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ValidationError rejects a malformed create request.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// InvalidTransitionError rejects a status change not in the transition
// table, or one whose precondition no longer holds.
type InvalidTransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

var permanentMarkers = []string{
	"assertion",
	"syntax error",
	"permission denied",
	"not found",
	"invalid argument",
	"unsupported",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection",
	"rate limit",
	"temporarily",
	"unavailable",
	"too many requests",
}

// IsRetryable classifies a failure message. Known-permanent failures
// are not retried; known-transient ones are; unknown messages default
// to retryable so flaky workers get another chance.
func IsRetryable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}
