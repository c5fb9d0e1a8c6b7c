package domain

import (
	"context"
	"time"
)

// ProsodyResult is the response of the remote prosody service
type ProsodyResult struct {
	Emotions   map[string]float64 // label -> intensity [0,1]
	RawProsody map[string]float64
	Confidence float64
}

// ProsodyClient is the remote emotion analysis service (Tier 1)
type ProsodyClient interface {
	Analyze(ctx context.Context, transcript string) (*ProsodyResult, error)
}

// LocalModelResult is the structured sentiment object returned by the local LLM
type LocalModelResult struct {
	Emotions   map[string]float64
	Dominant   string
	Score      float64 // [-1,1]
	Confidence float64
}

// LocalModelClient is the on-host LLM service (Tier 2)
type LocalModelClient interface {
	Classify(ctx context.Context, transcript string) (*LocalModelResult, error)
}

// LedgerTx identifies a committed ledger transaction
type LedgerTx struct {
	TxID      string
	Committed time.Time
}

// LedgerClient is the external escrow ledger. The core treats it as a
// collaborator with a defined interface; transaction internals are opaque.
type LedgerClient interface {
	LockFunds(ctx context.Context, shipmentID string, amount float64) (*LedgerTx, error)
	ReleaseFunds(ctx context.Context, shipmentID string) (*LedgerTx, error)
	RefundFunds(ctx context.Context, shipmentID string, amount float64) (*LedgerTx, error)
	TransferToNewCarrier(ctx context.Context, shipmentID, newCarrierWallet string) (*LedgerTx, error)
	OpenDispute(ctx context.Context, shipmentID string) (*LedgerTx, error)
	ResolveDispute(ctx context.Context, shipmentID string, carrierWins bool, refund float64) (*LedgerTx, error)
}

// Notifier delivers outbound customer messages (email/voice). Responses are
// recorded in Interactions by the caller.
type Notifier interface {
	Notify(ctx context.Context, leadID, subject, body string) error
}
