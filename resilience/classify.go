package resilience

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/conductorhq/conductor/types"
)

// Class partitions a failure into one of three handling strategies.
type Class int

const (
	// ClassRetriable covers timeouts, connection failures, and rate-limit
	// signals. Safe to retry with backoff.
	ClassRetriable Class = iota
	// ClassTerminal covers invalid input, not-found, and malformed requests.
	// Never retried.
	ClassTerminal
	// ClassManualIntervention covers authorization/policy failures and
	// missing dependencies. Surfaced immediately, never retried. Counted
	// against the target's health but never raised as a circuit failure
	// against the caller.
	ClassManualIntervention
)

func (c Class) String() string {
	switch c {
	case ClassRetriable:
		return "retriable"
	case ClassTerminal:
		return "terminal"
	case ClassManualIntervention:
		return "requires_manual_intervention"
	default:
		return "unknown"
	}
}

// Classify maps an error to its handling class. Coded errors are classified
// by code; common transport errors are recognized directly.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	switch types.GetErrorCode(err) {
	case types.ErrTransient, types.ErrTimeout, types.ErrRateLimit, types.ErrConnection:
		return ClassRetriable
	case types.ErrAuthorization, types.ErrManualIntervention:
		return ClassManualIntervention
	case types.ErrValidation, types.ErrNotFound, types.ErrInvalidState:
		return ClassTerminal
	}

	if types.IsRetryable(err) {
		return ClassRetriable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetriable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetriable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassRetriable
	}

	return ClassTerminal
}
