package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull = errors.New("gateway: send queue full")
	ErrStopped   = errors.New("gateway: stopped")
)

// TerminalSendFailure is returned when a retriable send exhausted its retry
// budget. Err carries the last underlying transport error for diagnostics.
type TerminalSendFailure struct {
	Attempts int
	Err      error
}

func (e *TerminalSendFailure) Error() string {
	return fmt.Sprintf("send failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalSendFailure) Unwrap() error { return e.Err }
