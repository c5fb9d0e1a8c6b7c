// Package notify delivers outbound customer messages through the messaging
// gateway (email/voice providers sit behind it). When no gateway is
// configured the client degrades to logging, so nurturing sequences keep
// advancing in development.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client posts messages to the gateway. Satisfies domain.Notifier.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a notify client. An empty baseURL means log-only delivery.
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With().Str("client", "notify").Logger(),
	}
}

type notifyRequest struct {
	LeadID  string `json:"lead_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Notify sends one message to a lead
func (c *Client) Notify(ctx context.Context, leadID, subject, body string) error {
	if c.baseURL == "" {
		c.log.Info().Str("lead_id", leadID).Str("subject", subject).Msg("Notification (log-only)")
		return nil
	}

	payload, err := json.Marshal(notifyRequest{LeadID: leadID, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notify gateway returned status %d", resp.StatusCode)
	}
	return nil
}
