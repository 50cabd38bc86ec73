package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Slack posts alert messages to an incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
	log        *zap.Logger
}

func NewSlack(webhookURL string, log *zap.Logger) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("notify.slack"),
	}
}

func (s *Slack) Send(ctx context.Context, _ Channel, payload Payload) error {
	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*[%s] %s*\n%s\n`tenant=%s metric=%s`",
			payload.Severity, payload.Subject, payload.Body, payload.TenantID, payload.Metric),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *Slack) Channels() []Channel { return []Channel{ChannelSlack} }
