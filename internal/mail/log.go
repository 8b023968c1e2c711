package mail

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// LogTransport logs envelopes instead of sending them.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a dry-run transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Send validates env and logs it.
func (t *LogTransport) Send(ctx context.Context, env Envelope) (Receipt, error) {
	if err := env.Validate(); err != nil {
		return Receipt{}, err
	}
	r := Receipt{MessageID: "dryrun-" + ulid.Make().String(), SentAt: time.Now().UTC()}
	t.logger.InfoContext(ctx, "email not sent (dry run)",
		"message_id", r.MessageID,
		"to", env.To,
		"subject", env.Subject,
		"html_bytes", len(env.HTML),
	)
	return r, nil
}
