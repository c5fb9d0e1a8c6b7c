package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/audit"
	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
	"github.com/dvitali/carovana/internal/saga"
)

// DisputeStore persists verdicts
type DisputeStore interface {
	RecordResolution(ctx context.Context, d *domain.DisputeResolution) error
	CountAutoResolvedSince(ctx context.Context, resolver string, since time.Time) (int, error)
}

// DisputeShipmentStore is the slice of the shipment repository the dispute
// agent needs.
type DisputeShipmentStore interface {
	Get(ctx context.Context, id string) (*domain.Shipment, error)
	Transition(ctx context.Context, id string, to domain.ShipmentStatus) error
}

// maxAutoResolutionsPerDay caps how many disputes the agent may settle
// without a human in the loop.
const maxAutoResolutionsPerDay = 20

// minResolvableConfidence is the floor below which the evidence is too thin
// to even hand a human a recommendation; the agent asks for more instead.
const minResolvableConfidence = 50

// A damage score above 70 means the customer produced little damage evidence;
// a consistency score of 70 or more means the tracking trail holds up. Both
// must hold for the carrier to win.
const (
	carrierWinsDamageFloor      = 70.0
	carrierWinsConsistencyFloor = 70.0
)

// Analysis is the scored breakdown of an evidence bundle. Confidence is the
// weighted mean of the three scorers; the verdict is a separate rule on the
// damage and consistency scores.
type Analysis struct {
	SignatureScore   float64 `json:"signature_score"`   // 0..100, delivery paperwork
	ConsistencyScore float64 `json:"consistency_score"` // 0..100, tracking trail plausibility
	DamageScore      float64 `json:"damage_score"`      // 0..100, absence of damage evidence
	Confidence       float64 `json:"confidence"`        // 0..100, weighted evidence strength
	CarrierWins      bool    `json:"carrier_wins"`
}

// DisputeAgent ("Giulia") analyzes dispute evidence and settles clear cases
// autonomously.
type DisputeAgent struct {
	cfg       config.DisputeConfig
	disputes  DisputeStore
	shipments DisputeShipmentStore
	escrows   EscrowStore
	ledger    domain.LedgerClient
	saga      *saga.Coordinator
	auditor   Auditor
	registry  *Registry
	activity  *ActivityLog
	control   *Control
	events    *events.Manager
	log       zerolog.Logger
	now       func() time.Time
}

// NewDisputeAgent creates Giulia
func NewDisputeAgent(
	cfg config.DisputeConfig,
	disputes DisputeStore,
	shipments DisputeShipmentStore,
	escrows EscrowStore,
	ledgerClient domain.LedgerClient,
	coordinator *saga.Coordinator,
	auditor Auditor,
	registry *Registry,
	activity *ActivityLog,
	control *Control,
	eventManager *events.Manager,
	log zerolog.Logger,
) *DisputeAgent {
	return &DisputeAgent{
		cfg:       cfg,
		disputes:  disputes,
		shipments: shipments,
		escrows:   escrows,
		ledger:    ledgerClient,
		saga:      coordinator,
		auditor:   auditor,
		registry:  registry,
		activity:  activity,
		control:   control,
		events:    eventManager,
		log:       log.With().Str("agent", AgentGiulia).Logger(),
		now:       time.Now,
	}
}

// Analyze scores an evidence bundle without side effects
func (a *DisputeAgent) Analyze(bundle *domain.EvidenceBundle) Analysis {
	analysis := Analysis{
		SignatureScore:   signatureScore(bundle),
		ConsistencyScore: consistencyScore(bundle),
		DamageScore:      damageScore(bundle),
	}
	analysis.Confidence = a.cfg.WeightSignature*analysis.SignatureScore +
		a.cfg.WeightConsistency*analysis.ConsistencyScore +
		a.cfg.WeightDamage*analysis.DamageScore
	if analysis.Confidence > 100 {
		analysis.Confidence = 100
	}
	analysis.CarrierWins = analysis.DamageScore > carrierWinsDamageFloor &&
		analysis.ConsistencyScore >= carrierWinsConsistencyFloor
	return analysis
}

// Resolve examines one dispute and either settles it or escalates. The
// shipment must already be in the disputed state.
func (a *DisputeAgent) Resolve(ctx context.Context, bundle *domain.EvidenceBundle) (*domain.DisputeResolution, error) {
	if err := a.control.GuardAgent(AgentGiulia); err != nil {
		return nil, err
	}

	a.registry.SetState(AgentGiulia, domain.AgentProcessing, "analyzing dispute "+bundle.ShipmentID)
	defer a.registry.SetState(AgentGiulia, domain.AgentStandby, "")

	shipment, err := a.shipments.Get(ctx, bundle.ShipmentID)
	if err != nil {
		return nil, err
	}
	if shipment.Status != domain.ShipmentDisputed {
		return nil, fmt.Errorf("%w: shipment %s is %s, not disputed", domain.ErrConflict, shipment.ID, shipment.Status)
	}

	correlationID := uuid.New().String()

	if len(bundle.TrackingPoints) == 0 || bundle.DeliveryDoc == "" {
		a.events.EmitCorrelated(events.DisputeNeedMoreEvidence, AgentGiulia, correlationID, map[string]interface{}{
			"shipment_id":      bundle.ShipmentID,
			"missing_doc":      bundle.DeliveryDoc == "",
			"missing_tracking": len(bundle.TrackingPoints) == 0,
		})
		return nil, fmt.Errorf("%w: insufficient evidence for shipment %s", domain.ErrEscalated, bundle.ShipmentID)
	}

	analysis := a.Analyze(bundle)

	if analysis.Confidence < minResolvableConfidence {
		a.events.EmitCorrelated(events.DisputeNeedMoreEvidence, AgentGiulia, correlationID, map[string]interface{}{
			"shipment_id": bundle.ShipmentID,
			"confidence":  analysis.Confidence,
		})
		return nil, fmt.Errorf("%w: evidence on %s too weak at confidence %.1f", domain.ErrEscalated, bundle.ShipmentID, analysis.Confidence)
	}

	dayStart := a.now().Truncate(24 * time.Hour)
	autoCount, err := a.disputes.CountAutoResolvedSince(ctx, AgentGiulia, dayStart)
	if err != nil {
		return nil, err
	}

	canAutoResolve := analysis.Confidence >= a.cfg.AutoResolveConfidence &&
		bundle.ClaimedAmount <= a.cfg.AutoResolveLimit &&
		autoCount < maxAutoResolutionsPerDay

	if !canAutoResolve {
		a.events.EmitCorrelated(events.DisputeEscalated, AgentGiulia, correlationID, map[string]interface{}{
			"shipment_id":    bundle.ShipmentID,
			"confidence":     analysis.Confidence,
			"claimed_amount": bundle.ClaimedAmount,
			"auto_count":     autoCount,
		})
		_ = a.activity.Add(ctx, AgentGiulia, "dispute", "warning",
			fmt.Sprintf("Dispute on %s escalated to a human (confidence %.0f)", bundle.ShipmentID, analysis.Confidence), nil)
		return nil, fmt.Errorf("%w: dispute on %s at confidence %.1f, amount %.2f", domain.ErrEscalated, bundle.ShipmentID, analysis.Confidence, bundle.ClaimedAmount)
	}

	esc, err := a.escrows.Get(ctx, bundle.ShipmentID)
	if err != nil {
		return nil, err
	}

	// A losing carrier refunds the claim, never more than the held escrow.
	refund := 0.0
	if !analysis.CarrierWins {
		refund = bundle.ClaimedAmount
		if refund > esc.Amount {
			refund = esc.Amount
		}
	}

	resolution := &domain.DisputeResolution{
		ShipmentID:     bundle.ShipmentID,
		CarrierWins:    analysis.CarrierWins,
		RefundAmount:   refund,
		EvidenceDigest: audit.Digest(bundle),
		AnalysisDigest: audit.Digest(analysis),
		Confidence:     analysis.Confidence,
		Resolver:       AgentGiulia,
	}
	next := domain.ShipmentDelivered
	if !analysis.CarrierWins {
		next = domain.ShipmentCancelled
	}

	var ledgerTxID string
	steps := []saga.Step{
		{
			Name: "resolve_ledger",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				tx, err := a.ledger.ResolveDispute(stepCtx, bundle.ShipmentID, analysis.CarrierWins, refund)
				if err != nil {
					return nil, err
				}
				ledgerTxID = tx.TxID
				return &saga.StepResult{LedgerTxID: tx.TxID}, nil
			},
			Compensate: func(stepCtx context.Context) (*saga.StepResult, error) {
				// Re-open the dispute on the ledger so the funds freeze again
				tx, err := a.ledger.OpenDispute(stepCtx, bundle.ShipmentID)
				if err != nil {
					return nil, err
				}
				return &saga.StepResult{LedgerTxID: tx.TxID}, nil
			},
		},
		{
			// The verdict row is append-only; on rollback it stays as the
			// record of an attempted settlement.
			Name: "record_resolution",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				if err := a.disputes.RecordResolution(stepCtx, resolution); err != nil {
					return nil, err
				}
				return &saga.StepResult{Payload: resolution}, nil
			},
		},
		{
			Name: "settle_escrow",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				return nil, a.escrows.SetStatus(stepCtx, bundle.ShipmentID, domain.EscrowResolved)
			},
			Compensate: func(stepCtx context.Context) (*saga.StepResult, error) {
				return nil, a.escrows.SetStatus(stepCtx, bundle.ShipmentID, domain.EscrowDisputed)
			},
		},
		{
			Name: "close_shipment",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				return nil, a.shipments.Transition(stepCtx, bundle.ShipmentID, next)
			},
		},
	}

	if err := a.saga.Run(ctx, "dispute_resolution", correlationID, steps); err != nil {
		_ = a.activity.Add(ctx, AgentGiulia, "dispute", "error",
			fmt.Sprintf("Dispute settlement on %s rolled back", bundle.ShipmentID), nil)
		return nil, err
	}

	if err := a.auditor.Record(ctx, audit.Decision{
		Type:   "dispute",
		Actor:  AgentGiulia,
		Input:  bundle,
		Output: resolution,
		FeatureImportance: map[string]float64{
			"signature":   analysis.SignatureScore,
			"consistency": analysis.ConsistencyScore,
			"damage":      analysis.DamageScore,
		},
		Rationale: fmt.Sprintf("confidence %.1f, carrier wins %v, refund %.2f",
			analysis.Confidence, analysis.CarrierWins, refund),
		CorrelationID: correlationID,
	}); err != nil {
		a.log.Error().Err(err).Msg("Failed to audit dispute decision")
	}

	a.events.EmitCorrelated(events.DisputeResolved, AgentGiulia, correlationID, map[string]interface{}{
		"shipment_id":  bundle.ShipmentID,
		"carrier_wins": analysis.CarrierWins,
		"refund":       refund,
		"confidence":   analysis.Confidence,
		"ledger_tx_id": ledgerTxID,
	})
	_ = a.activity.Add(ctx, AgentGiulia, "dispute", "success",
		fmt.Sprintf("Resolved dispute on %s (carrier wins: %v)", bundle.ShipmentID, analysis.CarrierWins), nil)

	return resolution, nil
}

// Start subscribes Giulia to dispute openings so a contested shipment is
// examined as soon as it is reported, not only when an operator submits
// evidence through the API.
func (a *DisputeAgent) Start(bus *events.Bus) {
	bus.Subscribe(events.DisputeOpened, func(e *events.Event) {
		shipmentID, _ := e.Payload["shipment_id"].(string)
		if shipmentID == "" {
			return
		}
		ctx := a.control.Context()
		bundle, err := a.Gather(ctx, shipmentID)
		if err != nil {
			a.log.Error().Err(err).Str("shipment_id", shipmentID).Msg("Failed to gather dispute evidence")
			return
		}
		if _, err := a.Resolve(ctx, bundle); err != nil {
			a.log.Info().Err(err).Str("shipment_id", shipmentID).Msg("Dispute left for human review")
		}
	})
}

// Gather assembles the evidence the stores already hold for a shipment: its
// last reported position and the contested escrow amount. Customer-supplied
// documents arrive later through the resolve endpoint.
func (a *DisputeAgent) Gather(ctx context.Context, shipmentID string) (*domain.EvidenceBundle, error) {
	shipment, err := a.shipments.Get(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	bundle := &domain.EvidenceBundle{ShipmentID: shipmentID}
	if shipment.Position != nil {
		bundle.TrackingPoints = []domain.GeoPoint{*shipment.Position}
	}
	if esc, err := a.escrows.Get(ctx, shipmentID); err == nil {
		bundle.ClaimedAmount = esc.Amount
	}
	return bundle, nil
}

// signatureScore checks the delivery paperwork: signed document plus a
// signature reference is the strongest carrier evidence.
func signatureScore(b *domain.EvidenceBundle) float64 {
	score := 0.0
	if b.DeliveryDoc != "" {
		score += 60
	}
	if b.SignatureRef != "" {
		score += 40
	}
	return score
}

// consistencyScore checks the tracking trail: enough points, timestamps
// strictly advancing.
func consistencyScore(b *domain.EvidenceBundle) float64 {
	points := b.TrackingPoints
	if len(points) < 2 {
		return 20
	}
	ordered := true
	for i := 1; i < len(points); i++ {
		if !points[i].At.After(points[i-1].At) {
			ordered = false
			break
		}
	}
	if !ordered {
		return 10
	}
	score := 60 + 10*float64(len(points))
	if score > 100 {
		score = 100
	}
	return score
}

// damageScore reflects damage evidence against the carrier: every photo
// the customer supplies weakens the carrier's position.
func damageScore(b *domain.EvidenceBundle) float64 {
	score := 100 - 25*float64(len(b.PhotoRefs))
	if score < 0 {
		score = 0
	}
	return score
}
