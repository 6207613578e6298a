package session

import (
	"context"
	"errors"
)

var (
	ErrInvalidConfig    = errors.New("session: invalid config")
	ErrSessionClosed    = errors.New("session: closed")
	ErrRequestTimeout   = errors.New("session: request timeout")
	ErrRemoteFailure    = errors.New("session: remote handler failed")
	ErrPeerPoison       = errors.New("session: peer requested shutdown")
	ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")
	ErrOpen             = errors.New("session: open pipes")
	ErrTransport        = errors.New("session: transport failure")
	ErrClosedLocally    = errors.New("session: closed locally")
)

// orderly reports whether reason is a requested shutdown rather than a failure.
func orderly(reason error) bool {
	return reason == nil ||
		errors.Is(reason, ErrPeerPoison) ||
		errors.Is(reason, ErrClosedLocally) ||
		errors.Is(reason, context.Canceled)
}

func reasonLabel(reason error) string {
	switch {
	case reason == nil:
		return "none"
	case errors.Is(reason, ErrPeerPoison):
		return "peer_poison"
	case errors.Is(reason, ErrHeartbeatTimeout):
		return "watchdog"
	case errors.Is(reason, ErrRequestTimeout):
		return "request_timeout"
	case errors.Is(reason, ErrClosedLocally):
		return "closed"
	case errors.Is(reason, context.Canceled), errors.Is(reason, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(reason, ErrOpen):
		return "open_failed"
	case errors.Is(reason, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
