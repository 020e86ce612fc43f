package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/sendry-flow/internal/config"
)

// SMTPSender submits messages to a relay, optionally signing them with DKIM
type SMTPSender struct {
	cfg     config.SMTPConfig
	signer  *Signer
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// tlsCfg overrides the STARTTLS client config; nil verifies against the relay host.
	tlsCfg *tls.Config
}

func NewSMTPSender(cfg config.SMTPConfig, signer *Signer, timeout time.Duration, logger *slog.Logger) *SMTPSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SMTPSender{
		cfg:     cfg,
		signer:  signer,
		timeout: timeout,
		logger:  logger.With("component", "smtp_sender"),
		now:     time.Now,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	messageID := newMessageID(msg.FromEmail)
	data := buildMessage(msg, messageID, s.now())

	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
		} else {
			data = signed
		}
	}

	if err := s.submit(ctx, msg.FromEmail, msg.To, data); err != nil {
		return nil, err
	}

	return &Result{MessageID: messageID}, nil
}

func (s *SMTPSender) submit(ctx context.Context, from, to string, data []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &SendError{Temporary: true, Message: "connect to " + addr + " timed out", Err: err}
		}
		return &SendError{Temporary: true, Message: "connect to " + addr, Err: err}
	}

	// Cancelling ctx aborts whatever command is in flight.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var client *smtp.Client
	if s.cfg.StartTLS {
		client, err = smtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			return classify("STARTTLS", err)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()
	client.CommandTimeout = s.timeout
	client.SubmissionTimeout = s.timeout

	// STARTTLS resets the greeting, so the configured name is announced on the secured session.
	if s.cfg.HeloName != "" {
		if err := client.Hello(s.cfg.HeloName); err != nil {
			return classify("HELO", err)
		}
	}

	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return classify("AUTH", err)
		}
	}

	if err := client.SendMail(from, []string{to}, bytes.NewReader(data)); err != nil {
		return classify("send", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("QUIT failed after delivery", "error", err)
	}
	return nil
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	if s.tlsCfg != nil {
		return s.tlsCfg
	}
	return &tls.Config{ServerName: s.cfg.Host}
}

// classify maps SMTP reply codes to temporary (4xx) or permanent (5xx) failures.
// Anything without a reply code is a transport error and temporary.
func classify(stage string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &SendError{
			Temporary: smtpErr.Code < 500,
			Message:   fmt.Sprintf("%s rejected with %d", stage, smtpErr.Code),
			Err:       err,
		}
	}
	return &SendError{Temporary: true, Message: stage + " failed", Err: err}
}
