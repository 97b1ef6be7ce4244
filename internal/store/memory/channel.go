package memory

import (
	"context"
	"log/slog"

	pkglogger "github.com/bastion-sec/bastion/pkg/logger"
)

// Channel is a development message channel that logs instead of delivering.
// The code itself is never logged; only the masked contact and subject.
type Channel struct {
	logger *slog.Logger
}

// NewChannel creates a log-only message channel
func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{logger: logger}
}

// Send logs the delivery without the body
func (c *Channel) Send(ctx context.Context, contact, subject, body string) error {
	c.logger.InfoContext(ctx, "message delivery (log mode)",
		slog.String("contact", pkglogger.SanitizedContact(contact)),
		slog.String("subject", subject))
	return nil
}
