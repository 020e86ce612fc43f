// Package email delivers automation emails through a pluggable Sender.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/foxzi/sendry-flow/internal/config"
	"github.com/google/uuid"
)

// Message is a rendered email ready for delivery
type Message struct {
	To        string
	Subject   string
	HTML      string
	FromEmail string
	FromName  string
	Headers   map[string]string
}

// Result is returned for an accepted message
type Result struct {
	MessageID string
}

// Sender delivers a single message. Implementations are interchangeable.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// SendError is a delivery failure classified as temporary or permanent
type SendError struct {
	Temporary bool
	Message   string
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether a send error may succeed on retry.
// Errors that are not SendErrors are treated as temporary.
func IsTemporary(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary
	}
	return err != nil
}

// New builds the sender selected by cfg.Driver
func New(cfg config.EmailConfig, logger *slog.Logger) (Sender, error) {
	switch cfg.Driver {
	case "sendry":
		return NewSendrySender(cfg.Sendry.BaseURL, cfg.Sendry.APIKey, cfg.Timeout), nil
	case "smtp":
		var signer *Signer
		if cfg.DKIM.Enabled {
			var err error
			signer, err = NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
			if err != nil {
				return nil, err
			}
		}
		return NewSMTPSender(cfg.SMTP, signer, cfg.Timeout, logger), nil
	case "log", "":
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown email driver %q", cfg.Driver)
	}
}

func validate(msg *Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return &SendError{Temporary: false, Message: fmt.Sprintf("invalid recipient %q", msg.To)}
	}
	if msg.FromEmail == "" {
		return &SendError{Temporary: false, Message: "sender address is required"}
	}
	return nil
}

// buildMessage constructs RFC 5322 email data with an HTML body
func buildMessage(msg *Message, messageID string, now time.Time) []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", formatAddress(msg.FromName, msg.FromEmail)))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))

	for k, v := range msg.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.HTML, "\r\n", "\n"), "\n", "\r\n"))
	buf.WriteString("\r\n")

	return buf.Bytes()
}

func newMessageID(from string) string {
	return fmt.Sprintf("%s@%s", uuid.New().String(), senderDomain(from))
}
