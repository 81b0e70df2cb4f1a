// Package email mails rendered rundowns over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"errors"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/apperr"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// SendMail connects to the SMTP server, authenticates, and delivers msg,
// a complete RFC 5322 message as returned by Compose. Each call opens
// and closes its own connection. The context bounds the dial.
func SendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	// Use context deadline for the dial timeout, falling back to the
	// package default.
	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}

	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	var err error

	if !cfg.StartTLS {
		// Implicit TLS (port 465): connect over TLS from the start.
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	} else {
		// STARTTLS (port 587): connect plain, then upgrade.
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	}
	defer client.Close()

	// EHLO.
	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	// Upgrade to TLS if using STARTTLS.
	if cfg.StartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	// Authenticate if credentials are provided.
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	// Set the sender.
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}

	// Set all recipients (To + Cc + Bcc).
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	// Write the message body.
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}

// extractAddress extracts the bare email address from a string that
// may be in "Name <addr>" or just "addr" format.
func extractAddress(s string) string {
	if idx := len(s) - 1; idx > 0 && s[idx] == '>' {
		if start := strings.LastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : idx]
		}
	}
	return s
}

// collectRecipients gathers the unique bare addresses for RCPT TO.
func collectRecipients(to []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, addr := range to {
		bare := extractAddress(addr)
		if bare != "" && !seen[bare] {
			seen[bare] = true
			result = append(result, bare)
		}
	}
	return result
}

// SendFunc delivers a composed message. SendMail is the production
// implementation.
type SendFunc func(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error

// Sender composes and delivers markdown mail with a fixed account.
type Sender struct {
	cfg    Config
	send   SendFunc
	logger *slog.Logger
}

// NewSender creates a Sender. A nil send means SendMail.
func NewSender(cfg Config, send SendFunc, logger *slog.Logger) (*Sender, error) {
	if !cfg.Configured() {
		return nil, apperr.Config("email.smtp.host")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if send == nil {
		send = SendMail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{cfg: cfg, send: send, logger: logger}, nil
}

// DefaultRecipient returns the configured fallback recipient.
func (s *Sender) DefaultRecipient() string { return s.cfg.DefaultTo }

// Send mails body (markdown) to the recipients. Recipients outside the
// allowed domains are rejected before anything is sent.
func (s *Sender) Send(ctx context.Context, to []string, subject, body string) error {
	rcpts := collectRecipients(to)
	if len(rcpts) == 0 {
		return apperr.Validation("Who should I email it to?", "email my rundown to me@example.com")
	}
	if blocked := s.disallowed(rcpts); len(blocked) > 0 {
		return apperr.Validation(
			fmt.Sprintf("I can only send email to %s addresses, not %s.", strings.Join(s.cfg.AllowedDomains, " or "), strings.Join(blocked, ", ")))
	}
	msg, err := Compose(Message{From: s.cfg.From, To: to, Subject: subject, Body: body})
	if err != nil {
		return apperr.New(apperr.KindValidation, "email.compose", err)
	}
	if err := s.send(ctx, s.cfg.SMTP, extractAddress(s.cfg.From), rcpts, msg); err != nil {
		return smtpError(err)
	}
	s.logger.Info("email sent", "recipients", len(rcpts), "subject", subject, "bytes", len(msg))
	return nil
}

func (s *Sender) disallowed(rcpts []string) []string {
	if len(s.cfg.AllowedDomains) == 0 {
		return nil
	}
	var out []string
	for _, r := range rcpts {
		at := strings.LastIndexByte(r, '@')
		domain := strings.ToLower(r[at+1:])
		ok := false
		for _, d := range s.cfg.AllowedDomains {
			if domain == strings.ToLower(strings.TrimSpace(d)) {
				ok = true
				break
			}
		}
		if !ok {
			out = append(out, r)
		}
	}
	return out
}

// smtpError categorizes a delivery failure by its SMTP reply code.
func smtpError(err error) error {
	var te *textproto.Error
	if !errors.As(err, &te) {
		return fmt.Errorf("email: send: %w", err)
	}
	kind := apperr.KindUnknown
	switch {
	case te.Code == 530 || te.Code == 535:
		kind = apperr.KindAuth
	case te.Code == 550 || te.Code == 553:
		kind = apperr.KindPermission
	case te.Code == 421 || te.Code == 450 || te.Code == 451:
		kind = apperr.KindNetwork
	case te.Code == 452:
		kind = apperr.KindRateLimit
	}
	return apperr.New(kind, "email.send", err)
}
