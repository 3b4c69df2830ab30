package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"constellation/backend/internal/audit/domain"
	auditrepo "constellation/backend/internal/audit/repository"
	"constellation/backend/internal/platform/ids"
	"constellation/backend/internal/telemetry"
	telemetryotel "constellation/backend/internal/telemetry/otel"
)

// AuditLogger records a security event. Used by the rotation engine and the gRPC interceptors.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, event *telemetry.SecurityEvent)
}

// Logger implements AuditLogger by persisting to the audit repository and
// forwarding the event to an EventEmitter.
type Logger struct {
	repo    auditrepo.Repository
	emitter telemetry.EventEmitter
	logger  *zap.Logger
}

// NewLogger returns a Logger. repo and emitter may be nil; a nil logger is replaced by zap.NewNop().
func NewLogger(repo auditrepo.Repository, emitter telemetry.EventEmitter, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, emitter: emitter, logger: logger}
}

type eventMetadata struct {
	Event      string `json:"event"`
	SessionID  string `json:"session_id,omitempty"`
	HashPrefix string `json:"token_hash_prefix,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// LogEvent writes one audit log entry and emits the event. Errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, event *telemetry.SecurityEvent) {
	if event == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if l.repo != nil {
		l.persist(ctx, event)
	}
	telemetryotel.EmitAsync(l.emitter, l.logger, event)
}

func (l *Logger) persist(ctx context.Context, event *telemetry.SecurityEvent) {
	ar := ForEvent(event)
	ip := event.IP
	if ip == "" {
		ip = "unknown"
	}
	meta, err := json.Marshal(eventMetadata{
		Event:      event.Type,
		SessionID:  event.SessionID,
		HashPrefix: event.HashPrefix,
		UserAgent:  event.UserAgent,
		Detail:     event.Detail,
	})
	if err != nil {
		meta = nil
	}
	entry := &domain.AuditLog{
		ID:        ids.NewAt(event.At),
		UserID:    event.UserID,
		Action:    ar.Action,
		Resource:  ar.Resource,
		IP:        ip,
		Metadata:  string(meta),
		CreatedAt: event.At.UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.logger.Warn("audit: failed to log event",
			zap.String("action", ar.Action),
			zap.String("resource", ar.Resource),
			zap.Error(err),
		)
	}
}
