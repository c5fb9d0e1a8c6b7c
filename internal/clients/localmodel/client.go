// Package localmodel provides the HTTP client for the on-host LLM service
// (Tier 2 of the sentiment cascade).
package localmodel

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

const classifyInstruction = `Classify the emotional content of this customer call transcript.
Return JSON with fields: emotions (map of joy/anger/fear/sadness/surprise to 0..1),
dominant (string), score (-1..1), confidence (0..1). Respond with JSON only.`

// Client calls the local LLM service
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a local model client
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		model:   "qwen2.5:3b",
		httpClient: &http.Client{
			Timeout: 8 * time.Second,
		},
		log: log.With().Str("client", "local_model").Logger(),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type classification struct {
	Emotions   map[string]float64 `json:"emotions"`
	Dominant   string             `json:"dominant"`
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
}

// Classify asks the local model for a structured sentiment object
func (c *Client) Classify(ctx context.Context, transcript string) (*domain.LocalModelResult, error) {
	prompt := classifyInstruction + "\n\nTranscript:\n" + transcript

	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local model returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode generate response: %w", err)
	}

	var cls classification
	if err := json.Unmarshal([]byte(out.Response), &cls); err != nil {
		return nil, fmt.Errorf("local model returned malformed classification: %w", err)
	}

	if cls.Score < -1 || cls.Score > 1 {
		return nil, fmt.Errorf("local model score %.3f outside [-1,1]", cls.Score)
	}

	return &domain.LocalModelResult{
		Emotions:   cls.Emotions,
		Dominant:   cls.Dominant,
		Score:      cls.Score,
		Confidence: cls.Confidence,
	}, nil
}
