package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/agents"
	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
)

type stubDisputeRepo struct {
	resolutions []*domain.DisputeResolution
}

func (s *stubDisputeRepo) ListByShipment(ctx context.Context, shipmentID string) ([]*domain.DisputeResolution, error) {
	return s.resolutions, nil
}

type stubShipmentStore struct {
	items       map[string]*domain.Shipment
	transitions []domain.ShipmentStatus
}

func (s *stubShipmentStore) Get(ctx context.Context, id string) (*domain.Shipment, error) {
	sh, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sh, nil
}

func (s *stubShipmentStore) Transition(ctx context.Context, id string, to domain.ShipmentStatus) error {
	s.transitions = append(s.transitions, to)
	return nil
}

type stubEscrowStore struct {
	statuses []domain.EscrowStatus
}

func (s *stubEscrowStore) SetStatus(ctx context.Context, shipmentID string, status domain.EscrowStatus) error {
	s.statuses = append(s.statuses, status)
	return nil
}

type stubResolver struct {
	resolution *domain.DisputeResolution
	err        error
}

func (s *stubResolver) Analyze(bundle *domain.EvidenceBundle) agents.Analysis {
	return agents.Analysis{Confidence: 92}
}

func (s *stubResolver) Resolve(ctx context.Context, bundle *domain.EvidenceBundle) (*domain.DisputeResolution, error) {
	return s.resolution, s.err
}

type fakeHandlerLedger struct{}

func (f *fakeHandlerLedger) LockFunds(ctx context.Context, shipmentID string, amount float64) (*domain.LedgerTx, error) {
	return &domain.LedgerTx{TxID: "lock-1"}, nil
}

func (f *fakeHandlerLedger) ReleaseFunds(ctx context.Context, shipmentID string) (*domain.LedgerTx, error) {
	return &domain.LedgerTx{TxID: "release-1"}, nil
}

func (f *fakeHandlerLedger) RefundFunds(ctx context.Context, shipmentID string, amount float64) (*domain.LedgerTx, error) {
	return &domain.LedgerTx{TxID: "refund-1"}, nil
}

func (f *fakeHandlerLedger) TransferToNewCarrier(ctx context.Context, shipmentID, wallet string) (*domain.LedgerTx, error) {
	return &domain.LedgerTx{TxID: "transfer-1"}, nil
}

func (f *fakeHandlerLedger) OpenDispute(ctx context.Context, shipmentID string) (*domain.LedgerTx, error) {
	return &domain.LedgerTx{TxID: "open-1"}, nil
}

func (f *fakeHandlerLedger) ResolveDispute(ctx context.Context, shipmentID string, carrierWins bool, refund float64) (*domain.LedgerTx, error) {
	return &domain.LedgerTx{TxID: "resolve-1"}, nil
}

func newHandlerFixture(t *testing.T, resolver *stubResolver) (*chi.Mux, *stubShipmentStore, *stubEscrowStore, *events.Bus) {
	t.Helper()
	shipments := &stubShipmentStore{items: map[string]*domain.Shipment{
		"s-1": {ID: "s-1", Status: domain.ShipmentInTransit},
	}}
	escrows := &stubEscrowStore{}
	bus := events.NewBus()
	h := NewDisputeHandlers(&stubDisputeRepo{}, shipments, escrows, resolver,
		&fakeHandlerLedger{}, events.NewManager(bus, zerolog.Nop()), zerolog.Nop())

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, shipments, escrows, bus
}

func TestOpenDisputeReturnsLedgerTransaction(t *testing.T) {
	r, shipments, escrows, bus := newHandlerFixture(t, &stubResolver{})

	var emitted []*events.Event
	bus.Subscribe(events.DisputeOpened, func(e *events.Event) {
		emitted = append(emitted, e)
	})

	body, _ := json.Marshal(map[string]string{"shipment_id": "s-1", "reason": "damaged goods"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/disputes/open", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "open-1", resp["ledger_tx_id"])
	assert.Equal(t, string(domain.EscrowDisputed), resp["status"])

	assert.Equal(t, []domain.ShipmentStatus{domain.ShipmentDisputed}, shipments.transitions)
	assert.Equal(t, []domain.EscrowStatus{domain.EscrowDisputed}, escrows.statuses)

	require.Len(t, emitted, 1)
	assert.Equal(t, "open-1", emitted[0].Payload["ledger_tx_id"])
}

func TestOpenDisputeUnknownShipmentIs404(t *testing.T) {
	r, _, _, _ := newHandlerFixture(t, &stubResolver{})

	body, _ := json.Marshal(map[string]string{"shipment_id": "nope"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/disputes/open", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveDisputeEscalationIsAccepted(t *testing.T) {
	r, _, _, _ := newHandlerFixture(t, &stubResolver{err: domain.ErrEscalated})

	body, _ := json.Marshal(map[string]interface{}{"shipment_id": "s-1"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/disputes/resolve", bytes.NewReader(body)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
