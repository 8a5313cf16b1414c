package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	base := errors.New("upstream said no")

	t.Run("429 is rate limited", func(t *testing.T) {
		t.Parallel()
		var rl *RateLimitedError
		if err := ClassifyStatus(429, base); !errors.As(err, &rl) {
			t.Fatalf("got %T", err)
		}
	})
	t.Run("5xx is server error", func(t *testing.T) {
		t.Parallel()
		for _, status := range []int{500, 502, 503, 599} {
			var se *ServerError
			err := ClassifyStatus(status, base)
			if !errors.As(err, &se) {
				t.Fatalf("status %d: got %T", status, err)
			}
			if se.Status != status {
				t.Fatalf("status %d recorded as %d", status, se.Status)
			}
		}
	})
	t.Run("401/403 is permission", func(t *testing.T) {
		t.Parallel()
		for _, status := range []int{401, 403} {
			var pe *PermissionError
			if err := ClassifyStatus(status, base); !errors.As(err, &pe) {
				t.Fatalf("status %d: got %T", status, err)
			}
		}
	})
	t.Run("other 4xx is validation", func(t *testing.T) {
		t.Parallel()
		for _, status := range []int{400, 404, 413} {
			var ve *ValidationError
			if err := ClassifyStatus(status, base); !errors.As(err, &ve) {
				t.Fatalf("status %d: got %T", status, err)
			}
		}
	})
	t.Run("success passes through", func(t *testing.T) {
		t.Parallel()
		if err := ClassifyStatus(200, base); err != base {
			t.Fatalf("got %v", err)
		}
		if err := ClassifyStatus(0, nil); err != nil {
			t.Fatalf("got %v", err)
		}
	})
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection reset" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return true }

func TestWrapNetErr(t *testing.T) {
	t.Parallel()

	t.Run("nil stays nil", func(t *testing.T) {
		t.Parallel()
		if err := WrapNetErr(nil); err != nil {
			t.Fatalf("got %v", err)
		}
	})
	t.Run("typed errors pass through", func(t *testing.T) {
		t.Parallel()
		for _, err := range []error{
			&RateLimitedError{RetryAfter: time.Second},
			&ServerError{Status: 500},
			&NetworkError{},
			&ValidationError{Reason: "bad"},
			&PermissionError{Reason: "no"},
			&ConfigError{Reason: "missing token"},
		} {
			if got := WrapNetErr(err); got != err {
				t.Fatalf("%T rewrapped as %T", err, got)
			}
		}
	})
	t.Run("wrapped typed errors pass through", func(t *testing.T) {
		t.Parallel()
		inner := &ValidationError{Reason: "bad"}
		err := fmt.Errorf("send: %w", inner)
		if got := WrapNetErr(err); got != err {
			t.Fatalf("got %T", got)
		}
	})
	t.Run("deadline becomes network error", func(t *testing.T) {
		t.Parallel()
		err := fmt.Errorf("call: %w", context.DeadlineExceeded)
		var ne *NetworkError
		if got := WrapNetErr(err); !errors.As(got, &ne) {
			t.Fatalf("got %T", got)
		}
	})
	t.Run("net.Error becomes network error", func(t *testing.T) {
		t.Parallel()
		var ne *NetworkError
		if got := WrapNetErr(fakeNetErr{}); !errors.As(got, &ne) {
			t.Fatalf("got %T", got)
		}
	})
	t.Run("dns failure becomes network error", func(t *testing.T) {
		t.Parallel()
		err := &net.DNSError{Err: "no such host", Name: "api.example.com"}
		var ne *NetworkError
		if got := WrapNetErr(err); !errors.As(got, &ne) {
			t.Fatalf("got %T", got)
		}
	})
	t.Run("unknown errors pass through", func(t *testing.T) {
		t.Parallel()
		err := errors.New("business logic")
		if got := WrapNetErr(err); got != err {
			t.Fatalf("got %T", got)
		}
	})
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	if _, ok := RetryAfterHint(errors.New("plain")); ok {
		t.Fatal("hint from a plain error")
	}
	if _, ok := RetryAfterHint(&RateLimitedError{}); ok {
		t.Fatal("hint from a rate limit without one")
	}
	d, ok := RetryAfterHint(fmt.Errorf("send: %w", &RateLimitedError{RetryAfter: 7 * time.Second}))
	if !ok || d != 7*time.Second {
		t.Fatalf("hint = %v, %v", d, ok)
	}
}
