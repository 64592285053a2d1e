// Package mailer delivers out-of-band messages, primarily the login OTP.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Sender delivers an HTML email. Implementations must not retry; the caller
// decides what a failed delivery means for the login flow.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTP sends mail through a plain SMTP relay.
type SMTP struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
}

// NewSMTP constructs an SMTP sender. auth may be nil for open relays.
func NewSMTP(addr, from string, auth smtp.Auth) *SMTP {
	return &SMTP{Addr: addr, From: from, Auth: auth}
}

// Send delivers a single message. The context is checked before dialing;
// net/smtp itself does not take a context.
func (s *SMTP) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("mailer: recipient is required")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	if err := smtp.SendMail(s.Addr, s.Auth, s.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", to, err)
	}
	return nil
}

// Log is a development sender that writes messages to the logger instead of
// delivering them.
type Log struct {
	Logger *zap.Logger
}

// Send logs the message. Never fails.
func (l *Log) Send(_ context.Context, to, subject, htmlBody string) error {
	if l.Logger != nil {
		l.Logger.Info("mail (not sent)",
			zap.String("to", to),
			zap.String("subject", subject),
			zap.Int("body_bytes", len(htmlBody)),
		)
	}
	return nil
}
