package email

import (
	"context"
	"log/slog"
)

// LogSender only logs messages. Used for development and dry runs.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("component", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	id := newMessageID(msg.FromEmail)
	s.logger.Info("email not sent (log driver)",
		"message_id", id,
		"to", msg.To,
		"from", msg.FromEmail,
		"subject", msg.Subject,
		"size", len(msg.HTML),
	)
	return &Result{MessageID: id}, nil
}
