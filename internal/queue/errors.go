package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQueueUnavailable wraps failures where the jobs table could not be
	// reached at all. The API answers these with 503.
	ErrQueueUnavailable = errors.New("queue is unavailable")

	// ErrJobNotFound is returned by a status transition on an unknown job ID
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidPayload marks a dispatch job the worker can never process
	ErrInvalidPayload = errors.New("invalid job payload")
)

// connection-level failures reported by lib/pq and database/sql as text
var unavailableHints = []string{
	"database is closed",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"too many connections",
}

// IsUnavailableError reports whether err came from an unreachable queue
func IsUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrQueueUnavailable)
}

// wrapDBError tags connection failures with ErrQueueUnavailable and every
// other error with the action that failed
func wrapDBError(action string, err error) error {
	if isDatabaseUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func isDatabaseUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	msg := err.Error()
	for _, hint := range unavailableHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
