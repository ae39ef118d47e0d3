// Package email delivers slot alerts by e-mail through pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender formats alerts and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	siteName string // Shown in subjects, e.g. "Musei Vaticani"
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, siteName string) *Sender {
	if siteName == "" {
		siteName = "Slot watch"
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		siteName: siteName,
	}
}

// Send implements sink.Sender. target is the recipient address.
func (s *Sender) Send(ctx context.Context, target string, a slotwatch.Alert) error {
	subject := s.subject(a)
	body := formatAlertBody(a)

	s.logger.Info("Sending alert email",
		"to", target,
		"subject", subject,
		"slot_count", len(a.Slots))

	if err := s.provider.Send(ctx, target, subject, body); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}

func (s *Sender) subject(a slotwatch.Alert) string {
	if !a.Reopened {
		return fmt.Sprintf("%s: availability changed for %s", s.siteName, a.Date)
	}
	if len(a.Preferred) > 0 {
		return fmt.Sprintf("%s: preferred times open on %s", s.siteName, a.Date)
	}
	return fmt.Sprintf("%s: slots open on %s", s.siteName, a.Date)
}
