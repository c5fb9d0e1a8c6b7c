// Package prosody provides the HTTP client for the remote prosody emotion
// analysis service (Tier 1 of the sentiment cascade).
package prosody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
)

// Client calls the remote prosody service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a prosody client
func New(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With().Str("client", "prosody").Logger(),
	}
}

type analyzeRequest struct {
	Transcript string `json:"transcript"`
	TopK       int    `json:"top_k"`
}

type analyzeResponse struct {
	Emotions   map[string]float64 `json:"emotions"`
	Prosody    map[string]float64 `json:"prosody"`
	Confidence float64            `json:"confidence"`
}

// Analyze sends a transcript for emotion scoring
func (c *Client) Analyze(ctx context.Context, transcript string) (*domain.ProsodyResult, error) {
	body, err := json.Marshal(analyzeRequest{Transcript: transcript, TopK: 5})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prosody request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build prosody request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prosody request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("prosody: %w", domain.ErrQuotaExceeded)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prosody returned status %d", resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode prosody response: %w", err)
	}

	return &domain.ProsodyResult{
		Emotions:   out.Emotions,
		RawProsody: out.Prosody,
		Confidence: out.Confidence,
	}, nil
}

type quotaResponse struct {
	UsedMinutes  int `json:"used_minutes"`
	LimitMinutes int `json:"limit_minutes"`
}

// FetchQuota returns billing-period usage. Satisfies quota.Provider.
func (c *Client) FetchQuota(ctx context.Context, dependency string) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/quota", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build quota request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("quota request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("quota endpoint returned status %d", resp.StatusCode)
	}

	var out quotaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, fmt.Errorf("failed to decode quota response: %w", err)
	}

	return out.UsedMinutes, out.LimitMinutes, nil
}
