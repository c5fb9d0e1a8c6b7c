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

// ShipmentStore is the slice of the shipment repository the failover agent
// needs.
type ShipmentStore interface {
	Get(ctx context.Context, id string) (*domain.Shipment, error)
	ListActiveByCarrier(ctx context.Context, carrierID string) ([]*domain.Shipment, error)
	Overdue(ctx context.Context, now time.Time, grace time.Duration) ([]*domain.Shipment, error)
	SetCarrier(ctx context.Context, id, carrierID string) error
	SetPlannedDelivery(ctx context.Context, id string, at *time.Time) error
	TryBeginSaga(ctx context.Context, id string) error
	EndSaga(ctx context.Context, id string) error
}

// CarrierStore is the slice of the carrier repository agents need
type CarrierStore interface {
	Get(ctx context.Context, id string) (*domain.Carrier, error)
	List(ctx context.Context) ([]*domain.Carrier, error)
	ListAvailable(ctx context.Context, now time.Time) ([]*domain.Carrier, error)
	Blacklist(ctx context.Context, id string, until time.Time) error
}

// EscrowStore is the slice of the escrow repository agents need
type EscrowStore interface {
	Get(ctx context.Context, shipmentID string) (*domain.EscrowRecord, error)
	Reassign(ctx context.Context, shipmentID, newCarrier string, newDeadline time.Time) error
	SetStatus(ctx context.Context, shipmentID string, status domain.EscrowStatus) error
	RecordCarrierChange(ctx context.Context, c *domain.CarrierChange) error
	CountRecentFailovers(ctx context.Context, since time.Time) (map[string]int, error)
}

// Auditor records autonomous decisions
type Auditor interface {
	Record(ctx context.Context, d audit.Decision) error
}

// FailoverAgent ("Paolo") watches in-flight shipments and moves them to a
// replacement carrier when the assigned one degrades.
type FailoverAgent struct {
	cfg       config.FailoverConfig
	shipments ShipmentStore
	carriers  CarrierStore
	escrows   EscrowStore
	ledger    domain.LedgerClient
	notifier  domain.Notifier
	saga      *saga.Coordinator
	auditor   Auditor
	registry  *Registry
	activity  *ActivityLog
	control   *Control
	events    *events.Manager
	log       zerolog.Logger
	now       func() time.Time
}

// NewFailoverAgent creates Paolo
func NewFailoverAgent(
	cfg config.FailoverConfig,
	shipments ShipmentStore,
	carriers CarrierStore,
	escrows EscrowStore,
	ledgerClient domain.LedgerClient,
	notifier domain.Notifier,
	coordinator *saga.Coordinator,
	auditor Auditor,
	registry *Registry,
	activity *ActivityLog,
	control *Control,
	eventManager *events.Manager,
	log zerolog.Logger,
) *FailoverAgent {
	return &FailoverAgent{
		cfg:       cfg,
		shipments: shipments,
		carriers:  carriers,
		escrows:   escrows,
		ledger:    ledgerClient,
		notifier:  notifier,
		saga:      coordinator,
		auditor:   auditor,
		registry:  registry,
		activity:  activity,
		control:   control,
		events:    eventManager,
		log:       log.With().Str("agent", AgentPaolo).Logger(),
		now:       time.Now,
	}
}

// Tick is one scheduled pass: find distressed shipments and fail them over
func (a *FailoverAgent) Tick(ctx context.Context) {
	if err := a.control.GuardAgent(AgentPaolo); err != nil {
		return
	}
	a.registry.SetState(AgentPaolo, domain.AgentProcessing, "scanning shipments")
	defer a.registry.SetState(AgentPaolo, domain.AgentStandby, "")

	distressed := a.findDistressed(ctx)
	for _, d := range distressed {
		if err := a.control.GuardAgent(AgentPaolo); err != nil {
			return
		}
		if err := a.Failover(ctx, d.shipment.ID, d.reason, AgentPaolo); err != nil {
			a.log.Warn().Err(err).
				Str("shipment_id", d.shipment.ID).
				Msg("Failover attempt did not complete")
		}
	}
}

type distressedShipment struct {
	shipment *domain.Shipment
	reason   string
}

// findDistressed collects overdue shipments and shipments riding carriers
// whose KPI dropped under the floor.
func (a *FailoverAgent) findDistressed(ctx context.Context) []distressedShipment {
	seen := map[string]bool{}
	var out []distressedShipment

	overdue, err := a.shipments.Overdue(ctx, a.now(), a.cfg.DeadlineGrace)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to scan overdue shipments")
	}
	for _, s := range overdue {
		seen[s.ID] = true
		out = append(out, distressedShipment{shipment: s, reason: "delivery deadline exceeded"})
	}

	allCarriers, err := a.carriers.List(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to list carriers")
		return out
	}
	for _, c := range allCarriers {
		if c.OnTimeRate >= a.cfg.KPIMinPct {
			continue
		}
		active, err := a.shipments.ListActiveByCarrier(ctx, c.ID)
		if err != nil {
			a.log.Error().Err(err).Str("carrier_id", c.ID).Msg("Failed to list carrier shipments")
			continue
		}
		reason := fmt.Sprintf("carrier on-time rate %.1f%% below %.1f%% floor", c.OnTimeRate, a.cfg.KPIMinPct)
		for _, s := range active {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			out = append(out, distressedShipment{shipment: s, reason: reason})
		}
	}
	return out
}

// maxReplacementResponseMinutes caps how long a replacement carrier may take
// to confirm pickup. A shipment in distress cannot wait past two hours.
const maxReplacementResponseMinutes = 120

// selectReplacement picks the best available carrier that covers the route,
// meets the replacement KPI floor, answers within the response window, and is
// not the one being replaced. Candidates arrive ordered by reliability, so
// the first match wins.
func (a *FailoverAgent) selectReplacement(ctx context.Context, s *domain.Shipment) (*domain.Carrier, error) {
	candidates, err := a.carriers.ListAvailable(ctx, a.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate carriers: %w", err)
	}
	for _, c := range candidates {
		if c.ID == s.CarrierID {
			continue
		}
		if c.OnTimeRate < a.cfg.ReplacementMinPct {
			continue
		}
		if c.ResponseMinutes > maxReplacementResponseMinutes {
			continue
		}
		if !c.CoversRoute(s.Origin, s.Destination) {
			continue
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: no eligible replacement carrier for %s -> %s", domain.ErrNotFound, s.Origin, s.Destination)
}

// Failover moves one shipment to a replacement carrier through the
// compensation saga. actor is the initiating identity; escrows above the
// autonomous limit go through only when an admin initiates.
func (a *FailoverAgent) Failover(ctx context.Context, shipmentID, reason, actor string) error {
	if err := a.control.GuardAgent(AgentPaolo); err != nil {
		return err
	}

	shipment, err := a.shipments.Get(ctx, shipmentID)
	if err != nil {
		return err
	}
	esc, err := a.escrows.Get(ctx, shipmentID)
	if err != nil {
		return fmt.Errorf("shipment %s has no escrow: %w", shipmentID, err)
	}

	correlationID := uuid.New().String()

	if esc.Amount > a.cfg.AutoLimitAmount && actor == AgentPaolo {
		a.events.EmitCorrelated(events.FailoverRequiresOverride, AgentPaolo, correlationID, map[string]interface{}{
			"shipment_id": shipmentID,
			"amount":      esc.Amount,
			"limit":       a.cfg.AutoLimitAmount,
			"reason":      reason,
		})
		_ = a.activity.Add(ctx, AgentPaolo, "failover", "warning",
			fmt.Sprintf("Failover of %s needs admin override (escrow %.2f over limit)", shipmentID, esc.Amount), nil)
		return fmt.Errorf("%w: escrow %.2f exceeds autonomous limit %.2f", domain.ErrSafetyViolation, esc.Amount, a.cfg.AutoLimitAmount)
	}

	replacement, err := a.selectReplacement(ctx, shipment)
	if err != nil {
		return err
	}

	if err := a.shipments.TryBeginSaga(ctx, shipmentID); err != nil {
		return err
	}
	defer func() {
		if endErr := a.shipments.EndSaga(context.Background(), shipmentID); endErr != nil {
			a.log.Error().Err(endErr).Str("shipment_id", shipmentID).Msg("Failed to release saga claim")
		}
	}()

	oldCarrier := shipment.CarrierID
	a.events.EmitCorrelated(events.CarrierFailoverInitiated, AgentPaolo, correlationID, map[string]interface{}{
		"shipment_id":  shipmentID,
		"from_carrier": oldCarrier,
		"to_carrier":   replacement.ID,
		"reason":       reason,
	})

	// The replacement gets the grace on top of the original promise, or on
	// top of now when the shipment never had a planned date.
	originalPlanned := shipment.PlannedDeliveryAt
	extendedBase := a.now()
	if originalPlanned != nil {
		extendedBase = *originalPlanned
	}
	extendedPlanned := extendedBase.Add(a.cfg.DeadlineGrace)

	var transferTxID, compensatingTxID string
	sagaID := uuid.New().String()
	steps := []saga.Step{
		{
			Name: "transfer_escrow",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				tx, err := a.ledger.TransferToNewCarrier(stepCtx, shipmentID, replacement.WalletAddress)
				if err != nil {
					return nil, err
				}
				transferTxID = tx.TxID
				return &saga.StepResult{
					Payload:    map[string]string{"wallet": replacement.WalletAddress},
					LedgerTxID: tx.TxID,
				}, nil
			},
			Compensate: func(stepCtx context.Context) (*saga.StepResult, error) {
				old, err := a.carriers.Get(stepCtx, oldCarrier)
				if err != nil {
					return nil, err
				}
				tx, err := a.ledger.TransferToNewCarrier(stepCtx, shipmentID, old.WalletAddress)
				if err != nil {
					return nil, err
				}
				compensatingTxID = tx.TxID
				return &saga.StepResult{LedgerTxID: tx.TxID}, nil
			},
		},
		{
			Name: "reassign_escrow",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				deadline := a.now().Add(a.cfg.DeadlineGrace)
				if err := a.escrows.Reassign(stepCtx, shipmentID, replacement.ID, deadline); err != nil {
					return nil, err
				}
				return &saga.StepResult{Payload: map[string]interface{}{
					"new_carrier": replacement.ID,
					"deadline":    deadline.Unix(),
				}}, nil
			},
			Compensate: func(stepCtx context.Context) (*saga.StepResult, error) {
				if err := a.escrows.Reassign(stepCtx, shipmentID, oldCarrier, esc.Deadline); err != nil {
					return nil, err
				}
				return &saga.StepResult{}, nil
			},
		},
		{
			Name: "update_shipment",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				if err := a.shipments.SetCarrier(stepCtx, shipmentID, replacement.ID); err != nil {
					return nil, err
				}
				if err := a.shipments.SetPlannedDelivery(stepCtx, shipmentID, &extendedPlanned); err != nil {
					return nil, err
				}
				return &saga.StepResult{Payload: map[string]interface{}{
					"planned_delivery_at": extendedPlanned.Unix(),
				}}, nil
			},
			Compensate: func(stepCtx context.Context) (*saga.StepResult, error) {
				if err := a.shipments.SetCarrier(stepCtx, shipmentID, oldCarrier); err != nil {
					return nil, err
				}
				if err := a.shipments.SetPlannedDelivery(stepCtx, shipmentID, originalPlanned); err != nil {
					return nil, err
				}
				return &saga.StepResult{}, nil
			},
		},
		{
			Name: "notify_customer",
			Execute: func(stepCtx context.Context) (*saga.StepResult, error) {
				if shipment.LeadID == "" {
					return &saga.StepResult{}, nil
				}
				body := fmt.Sprintf("Shipment %s has been handed to %s; the new delivery window closes %s.",
					shipment.TrackingCode, replacement.Name, extendedPlanned.Format("2006-01-02 15:04"))
				if err := a.notifier.Notify(stepCtx, shipment.LeadID, "Carrier change on your shipment", body); err != nil {
					return nil, err
				}
				return &saga.StepResult{}, nil
			},
			Compensate: func(stepCtx context.Context) (*saga.StepResult, error) {
				if shipment.LeadID == "" {
					return &saga.StepResult{}, nil
				}
				// Best effort; a failed retraction must not block the rollback
				if err := a.notifier.Notify(stepCtx, shipment.LeadID, "Carrier change withdrawn",
					fmt.Sprintf("Disregard the carrier change on shipment %s; %s keeps the delivery.",
						shipment.TrackingCode, oldCarrier)); err != nil {
					a.log.Warn().Err(err).Str("shipment_id", shipmentID).Msg("Retraction notice failed")
				}
				return &saga.StepResult{}, nil
			},
		},
	}

	sagaErr := a.saga.Run(ctx, "carrier_failover", sagaID, steps)

	change := &domain.CarrierChange{
		ShipmentID:  shipmentID,
		FromCarrier: oldCarrier,
		ToCarrier:   replacement.ID,
		Reason:      reason,
		ExecutedBy:  actor,
		LedgerTxID:  transferTxID,
		Success:     sagaErr == nil,
	}
	if sagaErr != nil && compensatingTxID != "" {
		change.CompensatingTxID = &compensatingTxID
	}
	if err := a.escrows.RecordCarrierChange(context.Background(), change); err != nil {
		a.log.Error().Err(err).Str("shipment_id", shipmentID).Msg("Failed to record carrier change")
	}

	if sagaErr != nil {
		a.events.EmitCorrelated(events.CarrierFailoverFailed, AgentPaolo, correlationID, map[string]interface{}{
			"shipment_id":  shipmentID,
			"from_carrier": oldCarrier,
			"to_carrier":   replacement.ID,
			"error":        sagaErr.Error(),
		})
		_ = a.activity.Add(context.Background(), AgentPaolo, "failover", "error",
			fmt.Sprintf("Failover of %s to %s rolled back", shipmentID, replacement.Name), nil)
		return sagaErr
	}

	if err := a.auditor.Record(ctx, audit.Decision{
		Type:  "failover",
		Actor: actor,
		Input: map[string]interface{}{
			"shipment_id":  shipmentID,
			"from_carrier": oldCarrier,
			"reason":       reason,
		},
		Output: map[string]interface{}{
			"to_carrier":   replacement.ID,
			"ledger_tx_id": transferTxID,
		},
		FeatureImportance: map[string]float64{
			"on_time_rate": replacement.OnTimeRate,
			"reliability":  replacement.Reliability,
		},
		Rationale:     reason,
		CorrelationID: correlationID,
	}); err != nil {
		a.log.Error().Err(err).Msg("Failed to audit failover decision")
	}

	a.events.EmitCorrelated(events.CarrierFailoverSucceeded, AgentPaolo, correlationID, map[string]interface{}{
		"shipment_id":  shipmentID,
		"from_carrier": oldCarrier,
		"to_carrier":   replacement.ID,
		"ledger_tx_id": transferTxID,
	})
	_ = a.activity.Add(ctx, AgentPaolo, "failover", "success",
		fmt.Sprintf("Moved %s from %s to %s", shipmentID, oldCarrier, replacement.Name), map[string]interface{}{
			"correlation_id": correlationID,
		})

	a.log.Info().
		Str("shipment_id", shipmentID).
		Str("from_carrier", oldCarrier).
		Str("to_carrier", replacement.ID).
		Str("correlation_id", correlationID).
		Msg("Failover completed")
	return nil
}
