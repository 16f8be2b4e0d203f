package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails through the Brevo transactional API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
	attempts uint
}

// NewBrevoProvider creates a Brevo provider sending as fromName <fromAddr>.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		attempts: 3,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// BrevoError is a non-2xx answer from the Brevo API.
type BrevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *BrevoError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("brevo: HTTP %d", e.Status)
	}
	return fmt.Sprintf("brevo: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether Brevo may accept the same request later.
func (e *BrevoError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Send submits one message. Throttling and server errors are retried;
// any other rejection fails at once.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: sanitizeEmailHeader(subject),
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	var (
		messageID string
		lastErr   error
	)
	err = retry.Do(
		func() error {
			id, err := b.post(ctx, payload)
			if err != nil {
				lastErr = err
				var apiErr *BrevoError
				if errors.As(err, &apiErr) && !apiErr.Temporary() {
					return retry.Unrecoverable(err)
				}
				return err
			}
			messageID = id
			return nil
		},
		retry.Attempts(b.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Warn("Retrying Brevo email send", "attempt", n, "to", to, "error", err)
		}),
	)
	if err != nil {
		var apiErr *BrevoError
		if errors.As(lastErr, &apiErr) {
			return fmt.Errorf("send via brevo: %w", apiErr)
		}
		return fmt.Errorf("send via brevo: %w", err)
	}

	b.logger.Info("Email accepted by Brevo",
		"to", to,
		"message_id", messageID,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// post makes one API call and returns Brevo's message ID.
func (b *BrevoProvider) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result struct {
			MessageID string `json:"messageId"`
		}
		// Brevo may answer 201 with an empty body.
		_ = json.Unmarshal(body, &result)
		return result.MessageID, nil
	}

	apiErr := &BrevoError{Status: resp.StatusCode}
	_ = json.Unmarshal(body, apiErr)
	return "", apiErr
}
