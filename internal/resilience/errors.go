package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError marks an error as safe to retry (rate limits, 5xx responses,
// network timeouts from a screening provider or PDF host).
type TransientError struct {
	Err        error
	StatusCode int

	// RetryAfter is the server-requested wait before the next attempt, zero
	// when the response carried no Retry-After header.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// NewRateLimitError wraps a 429 with the server's requested backoff.
func NewRateLimitError(err error, retryAfter time.Duration) *TransientError {
	return &TransientError{Err: err, StatusCode: 429, RetryAfter: retryAfter}
}

// IsTransient reports whether err (or anything in its chain) should be
// retried: an explicit TransientError, a network timeout, a dropped
// connection, or one of the usual wrapped-client string patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"overloaded_error",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// retryAfterHint extracts a server-requested delay from the error chain.
func retryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
