package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrHistoryUnsupported is returned by FetchRecent on platforms whose bot API
// does not expose channel history.
var ErrHistoryUnsupported = errors.New("transport: message history not supported")

// RateLimitedError signals provider throttling (HTTP 429 or an SDK-specific
// flood error). RetryAfter carries the provider hint when one was supplied;
// zero means "no hint".
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ServerError signals a provider-side 5xx failure.
type ServerError struct {
	Status int
	Err    error
}

func (e *ServerError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("server error (status %d)", e.Status)
	}
	return "server error"
}

func (e *ServerError) Unwrap() error { return e.Err }

// NetworkError signals a transient transport failure: connection reset,
// timeout, DNS failure. Timeouts of the per-send deadline are wrapped here as
// well, so they retry like any other transient fault.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return "network error: " + e.Err.Error()
	}
	return "network error"
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError signals malformed input (empty channel, oversized text,
// bad request rejected by the provider). Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// PermissionError signals the bot lacks access to the destination. Never
// retried.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string { return "permission: " + e.Reason }

// ConfigError signals missing or unusable credentials/destination. Fatal for
// the send; operators should be alerted.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// RetryAfterHint extracts a provider-supplied retry-after duration, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// ClassifyStatus maps a bare HTTP status from a provider response into the
// typed taxonomy. Adapters use it when their SDK exposes only a status code.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == 429:
		return &RateLimitedError{Err: err}
	case status >= 500:
		return &ServerError{Status: status, Err: err}
	case status == 401 || status == 403:
		return &PermissionError{Reason: errString(err)}
	case status >= 400:
		return &ValidationError{Reason: errString(err)}
	default:
		return err
	}
}

// WrapNetErr classifies low-level call failures. Context deadline expiry and
// net errors become retriable NetworkErrors; anything already typed passes
// through.
func WrapNetErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *RateLimitedError
	var se *ServerError
	var ne *NetworkError
	var ve *ValidationError
	var pe *PermissionError
	var ce *ConfigError
	if errors.As(err, &rl) || errors.As(err, &se) || errors.As(err, &ne) ||
		errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &NetworkError{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &NetworkError{Err: err}
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
