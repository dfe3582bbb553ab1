package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kjannette/pricesync/internal/httputil"
	"github.com/kjannette/pricesync/internal/logging"
)

// Sender posts operator messages to a Slack or Discord webhook. With no
// URL configured messages are only logged.
type Sender struct {
	webhookURL  string
	serviceName string
	httpClient  *http.Client
	retry       httputil.RetryConfig
	log         *slog.Logger
}

func NewSender(webhookURL, serviceName string, log *slog.Logger) *Sender {
	if serviceName == "" {
		serviceName = "pricesync"
	}
	log = logging.Component(log, "notifications")
	return &Sender{
		webhookURL:  webhookURL,
		serviceName: serviceName,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			Logger:      log,
		},
		log: log,
	}
}

// Send delivers msg, logging rather than returning failures.
func (s *Sender) Send(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.SendContext(ctx, msg); err != nil {
		s.log.Error("notification not delivered", "error", err)
	}
}

func (s *Sender) SendContext(ctx context.Context, msg string) error {
	formatted := fmt.Sprintf("[%s] %s", s.serviceName, msg)
	s.log.Info("notify", "message", msg)

	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(s.formatPayload(formatted))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("send after retries: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httputil.StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (s *Sender) formatPayload(msg string) map[string]string {
	if strings.Contains(s.webhookURL, "discord") {
		return map[string]string{
			"content":  msg,
			"username": s.serviceName,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": s.serviceName,
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}
