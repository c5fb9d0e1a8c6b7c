// Package ledger provides the HTTP client for the external escrow ledger.
package ledger

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

// Client calls the escrow ledger API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates an escrow ledger client
func New(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With().Str("client", "escrow_ledger").Logger(),
	}
}

type txResponse struct {
	TxID      string    `json:"tx_id"`
	Committed time.Time `json:"committed_at"`
}

func (c *Client) post(ctx context.Context, path string, payload any) (*domain.LedgerTx, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("ledger %s: %w", path, domain.ErrConflict)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("ledger %s returned status %d", path, resp.StatusCode)
	}

	var out txResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ledger response: %w", err)
	}

	return &domain.LedgerTx{TxID: out.TxID, Committed: out.Committed}, nil
}

// LockFunds places the customer's payment in escrow for a shipment
func (c *Client) LockFunds(ctx context.Context, shipmentID string, amount float64) (*domain.LedgerTx, error) {
	return c.post(ctx, "/v1/escrow/lock", map[string]any{
		"shipment_id": shipmentID,
		"amount":      amount,
	})
}

// ReleaseFunds pays the carrier out of escrow after delivery
func (c *Client) ReleaseFunds(ctx context.Context, shipmentID string) (*domain.LedgerTx, error) {
	return c.post(ctx, "/v1/escrow/release", map[string]any{
		"shipment_id": shipmentID,
	})
}

// RefundFunds returns escrowed money to the customer
func (c *Client) RefundFunds(ctx context.Context, shipmentID string, amount float64) (*domain.LedgerTx, error) {
	return c.post(ctx, "/v1/escrow/refund", map[string]any{
		"shipment_id": shipmentID,
		"amount":      amount,
	})
}

// TransferToNewCarrier repoints the escrow beneficiary during a failover
func (c *Client) TransferToNewCarrier(ctx context.Context, shipmentID, newCarrierWallet string) (*domain.LedgerTx, error) {
	return c.post(ctx, "/v1/escrow/transfer", map[string]any{
		"shipment_id": shipmentID,
		"wallet":      newCarrierWallet,
	})
}

// OpenDispute freezes the escrow while a dispute is examined
func (c *Client) OpenDispute(ctx context.Context, shipmentID string) (*domain.LedgerTx, error) {
	return c.post(ctx, "/v1/disputes/open", map[string]any{
		"shipment_id": shipmentID,
	})
}

// ResolveDispute settles a frozen escrow. carrierWins releases to the
// carrier; otherwise refund goes back to the customer.
func (c *Client) ResolveDispute(ctx context.Context, shipmentID string, carrierWins bool, refund float64) (*domain.LedgerTx, error) {
	return c.post(ctx, "/v1/disputes/resolve", map[string]any{
		"shipment_id":  shipmentID,
		"carrier_wins": carrierWins,
		"refund":       refund,
	})
}
