package telemetry

import (
	"context"
	"time"
)

// Security event types emitted by the rotation engine and the HTTP layer.
const (
	EventLoginSucceeded      = "login_succeeded"
	EventLoginFailed         = "login_failed"
	EventTokenRotated        = "token_rotated"
	EventRefreshRejected     = "refresh_rejected"
	EventRefreshReuse        = "refresh_token_reuse"
	EventLogout              = "logout"
	EventSessionsInvalidated = "sessions_invalidated"
	EventUserSignedUp        = "user_signed_up"
	EventUserVerified        = "user_verified"
	EventAccessDenied        = "access_denied"
)

// SecurityEvent is a single auth-relevant occurrence. It never carries secrets:
// refresh tokens appear only as a hash prefix.
type SecurityEvent struct {
	Type       string
	UserID     string
	SessionID  string
	HashPrefix string
	IP         string
	UserAgent  string
	Detail     string
	At         time.Time
}

// EventEmitter emits security events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *SecurityEvent) error
}

// Multi fans an event out to every non-nil emitter. All emitters are tried;
// the first error is returned.
func Multi(emitters ...EventEmitter) EventEmitter {
	out := make(multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multi []EventEmitter

func (m multi) Emit(ctx context.Context, event *SecurityEvent) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
