package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"salesync/internal/syncerr"
)

// Classifier maps an operation error to a failure reason.
type Classifier func(err error) syncerr.Reason

// ClassifyError is the default classifier: typed errors first, then wrapped
// stdlib errors, then a string heuristic for errors from foreign code.
func ClassifyError(err error) syncerr.Reason {
	if err == nil {
		return syncerr.ReasonUnknown
	}

	if reason, ok := syncerr.ReasonOf(err); ok {
		return reason
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return syncerr.ReasonTimeout
		}
		return syncerr.ReasonNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return syncerr.ReasonRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return syncerr.ReasonTimeout
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return syncerr.ReasonAuth
	case strings.Contains(msg, "conflict") || strings.Contains(msg, "409"):
		return syncerr.ReasonConflict
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request") || strings.Contains(msg, "400"):
		return syncerr.ReasonValidation
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") || strings.Contains(msg, "no such host") || strings.Contains(msg, "unreachable"):
		return syncerr.ReasonNetwork
	case strings.Contains(msg, "internal server") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "500"):
		return syncerr.ReasonServer
	default:
		return syncerr.ReasonUnknown
	}
}
