// Package notify delivers run notifications. The only backend is SMTP mail;
// the Sender seam exists so tests can record messages instead of dialing a
// relay.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// Sender submits one message to a relay.
type Sender interface {
	Send(addr, from string, to []string, msg []byte) error
}

// smtpSender is the production Sender. Plain auth is used when the config
// carries credentials.
type smtpSender struct {
	cfg config.SMTPConfig
}

func (s *smtpSender) Send(addr, from string, to []string, msg []byte) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	return smtp.SendMail(addr, auth, from, to, msg)
}

// MailNotifier implements pipeline.Notifier over SMTP.
type MailNotifier struct {
	cfg    config.SMTPConfig
	sender Sender
}

// Option configures a MailNotifier.
type Option func(*MailNotifier)

// WithSender overrides the SMTP sender (used by tests).
func WithSender(s Sender) Option {
	return func(m *MailNotifier) { m.sender = s }
}

// NewMailNotifier creates a mail notifier for the given relay configuration.
func NewMailNotifier(cfg config.SMTPConfig, options ...Option) *MailNotifier {
	m := &MailNotifier{cfg: cfg, sender: &smtpSender{cfg: cfg}}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Notify renders the mail block's subject and body templates against the run
// info and delivers one message to all recipients. One call, one message.
func (m *MailNotifier) Notify(ctx context.Context, mail *config.MailConfig, info pipeline.NotifyInfo) error {
	if !m.cfg.Enabled() {
		slog.Warn("Mail notification skipped: no SMTP relay configured",
			logfields.Pipeline(info.Pipeline))
		return nil
	}

	subject, err := render("subject", mail.Subject, info)
	if err != nil {
		return err
	}
	body, err := render("body", mail.Body, info)
	if err != nil {
		return err
	}

	msg := buildMessage(m.cfg.From, mail.To, subject, body)
	if err := m.sender.Send(m.cfg.Addr(), m.cfg.From, mail.To, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", strings.Join(mail.To, ", "), err)
	}

	slog.Info("Notification mail sent",
		logfields.Pipeline(info.Pipeline),
		logfields.Subject(subject),
		slog.Int("recipients", len(mail.To)))
	return nil
}

func render(name, text string, info pipeline.NotifyInfo) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, info); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return sb.String(), nil
}

// buildMessage assembles an RFC 5322 message. Subject lines are kept on a
// single header line; callers control the content via templates.
func buildMessage(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
