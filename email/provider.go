// Package email delivers watch notifications by email via pluggable providers.
package email

import (
	"context"
	"html"
	"log/slog"
	"strings"

	"changewatch/notify"
	"changewatch/pkg/watch"
)

const defaultSubject = "Change Watcher notification"

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender is the email notification channel.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email channel backed by provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Send mails message to the recipient configured on cfg.
func (s *Sender) Send(ctx context.Context, cfg watch.Channel, message string) error {
	if cfg.Email == nil || strings.TrimSpace(cfg.Email.To) == "" {
		return &notify.NotificationError{Channel: watch.ChannelEmail, Reason: "Email recipient is required"}
	}
	to := strings.TrimSpace(cfg.Email.To)
	subject := subjectOf(message)

	s.logger.Info("Sending notification email",
		"to", to,
		"subject", subject)

	if err := s.provider.Send(ctx, to, subject, htmlBody(message)); err != nil {
		return &notify.NotificationError{Channel: watch.ChannelEmail, Reason: "Email delivery failed: " + err.Error()}
	}
	return nil
}

// subjectOf uses the first non-empty line of the message.
func subjectOf(message string) string {
	for line := range strings.SplitSeq(message, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return defaultSubject
}

func htmlBody(message string) string {
	lines := strings.Split(message, "\n")
	for i, l := range lines {
		lines[i] = html.EscapeString(l)
	}
	return "<html><body><p>" + strings.Join(lines, "<br>\n") + "</p></body></html>"
}

// sanitizeHeader drops control characters so a value cannot inject headers.
func sanitizeHeader(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
