package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrBulkUnsupported is returned by adapters whose venue has no bulk endpoint
// for the requested data; callers switch to batched per-symbol fetches.
var ErrBulkUnsupported = errors.New("venue has no bulk endpoint for this data")

// ErrAuth marks authentication or permission failures. These are never
// retried; the venue's refresh is abandoned for the cycle and logged as a
// configuration problem.
var ErrAuth = errors.New("authentication failed")

// AuthError wraps err so errors.Is(err, ErrAuth) holds.
func AuthError(venue string, err error) error {
	return fmt.Errorf("%s: %w: %v", venue, ErrAuth, err)
}

// IsAuth reports whether err is an authentication/permission failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsTransient reports whether err looks like a retryable venue error:
// network timeouts, cancelled deadlines, 5xx responses and rate limits.
// Auth errors are never transient.
func IsTransient(err error) bool {
	if err == nil || IsAuth(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"status 5",
		"status code 5",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"connection reset",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
