package ledger

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Write failure classes, for alerting on categories instead of opaque
// driver error strings.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// ClassifyWriteError maps a ledger write error to a failure class.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	// Timeout before connection; a net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	// Driver errors usually arrive as wrapped strings.
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host"):
		return WriteErrorClassConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return WriteErrorClassTimeout
	case containsAny(msg, "sqlite_busy", "database is locked"):
		return WriteErrorClassContention
	case containsAny(msg, "violates foreign key constraint", "violates unique constraint", "violates check constraint", "duplicate key", "unique constraint failed"):
		return WriteErrorClassConstraint
	default:
		return WriteErrorClassUnknown
	}
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
