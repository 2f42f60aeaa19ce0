package llm

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrUnavailable is returned when the model could not produce a completion
// because of a transport, quota or provider failure.
var ErrUnavailable = errors.New("llm unavailable")

// RetryableError marks a transient failure worth retrying.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// transientMarkers are substrings of provider error messages that indicate
// a transient failure. Provider SDK errors are not typed consistently, so
// the message is the only signal available.
var transientMarkers = []string{
	"429",
	"rate limit",
	"too many requests",
	"status code: 5",
	"status 5",
	"server error",
	"overloaded",
	"timeout",
	"connection reset",
	"connection refused",
	"eof",
}

// classify wraps transient errors in *RetryableError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return &RetryableError{Err: err}
		}
	}
	return err
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
