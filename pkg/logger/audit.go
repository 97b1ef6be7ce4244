package logger

import (
	"context"
	"log/slog"

	"github.com/bastion-sec/bastion/internal/models"
)

// AuditLogger mirrors audit events to structured logs so operators get an
// immediate stream alongside the durable event sink.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// LogEvent writes one audit event to the structured log
func (al *AuditLogger) LogEvent(ctx context.Context, event *models.AuditEvent) {
	attrs := []slog.Attr{
		slog.String("kind", event.Kind),
		slog.String("severity", event.Severity),
		slog.String("outcome", event.Outcome),
		slog.String("event_id", event.ID.String()),
		slog.Time("event_time", event.Timestamp),
	}

	if event.Identity != nil {
		attrs = append(attrs, slog.String("identity", *event.Identity))
	}
	if event.Origin != "" {
		attrs = append(attrs, slog.String("origin", event.Origin))
	}
	for key, value := range event.Detail {
		attrs = append(attrs, slog.Any(key, value))
	}

	level := slog.LevelInfo
	switch event.Severity {
	case models.SeverityWarning:
		level = slog.LevelWarn
	case models.SeverityCritical:
		level = slog.LevelError
	}

	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}
