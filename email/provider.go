// Package email delivers notification emails via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ensemble-matcher/metrics"
	"ensemble-matcher/pkg/ensemble"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders notifications and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendNotification emails one in-app notification to its recipient.
func (s *Sender) SendNotification(ctx context.Context, to string, n *ensemble.Notification) error {
	if to == "" {
		return errors.New("no recipient address")
	}

	subject := n.Title
	if subject == "" {
		subject = "Ensemble update"
	}
	body := s.formatNotificationBody(n)

	s.logger.Info("Sending notification email",
		"to", to,
		"notification_id", n.ID,
		"type", n.Type)

	if err := s.provider.Send(ctx, to, subject, body); err != nil {
		metrics.RecordEmail("failed")
		return fmt.Errorf("send notification %s: %w", n.ID, err)
	}
	metrics.RecordEmail("sent")
	return nil
}
