package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/events"
)

// fraudFailoverThreshold is how many successful failovers away from the
// same carrier within the window mark it as a fraud suspect.
const (
	fraudFailoverThreshold = 3
	fraudWindow            = 24 * time.Hour
	fraudBlacklistPeriod   = 7 * 24 * time.Hour
)

// Swarm watches the failover stream for cross-shipment patterns no single
// agent sees: a carrier repeatedly failed away from inside one day is
// blacklisted and flagged as a fraud suspect.
type Swarm struct {
	escrows  EscrowStore
	carriers CarrierStore
	registry *Registry
	activity *ActivityLog
	control  *Control
	events   *events.Manager
	log      zerolog.Logger
	now      func() time.Time
}

// NewSwarm creates the swarm watcher
func NewSwarm(
	escrows EscrowStore,
	carriers CarrierStore,
	registry *Registry,
	activity *ActivityLog,
	control *Control,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Swarm {
	return &Swarm{
		escrows:  escrows,
		carriers: carriers,
		registry: registry,
		activity: activity,
		control:  control,
		events:   eventManager,
		log:      log.With().Str("agent", AgentSwarm).Logger(),
		now:      time.Now,
	}
}

// Start subscribes the swarm to the failover stream
func (s *Swarm) Start(bus *events.Bus) {
	bus.Subscribe(events.CarrierFailoverSucceeded, func(e *events.Event) {
		carrier, _ := e.Payload["from_carrier"].(string)
		if carrier == "" {
			return
		}
		s.inspectCarrier(s.control.Context(), carrier, e.CorrelationID)
	})
}

// inspectCarrier counts the carrier's recent failovers and blacklists it
// past the fraud threshold.
func (s *Swarm) inspectCarrier(ctx context.Context, carrierID, correlationID string) {
	if err := s.control.GuardAgent(AgentSwarm); err != nil {
		return
	}

	counts, err := s.escrows.CountRecentFailovers(ctx, s.now().Add(-fraudWindow))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to count recent failovers")
		return
	}
	n := counts[carrierID]
	if n < fraudFailoverThreshold {
		return
	}

	until := s.now().Add(fraudBlacklistPeriod)
	if err := s.carriers.Blacklist(ctx, carrierID, until); err != nil {
		s.log.Error().Err(err).Str("carrier_id", carrierID).Msg("Failed to blacklist carrier")
		return
	}

	s.events.EmitCorrelated(events.CarrierFraudSuspect, AgentSwarm, correlationID, map[string]interface{}{
		"carrier_id":        carrierID,
		"failovers_24h":     n,
		"blacklisted_until": until.Unix(),
	})
	_ = s.activity.Add(ctx, AgentSwarm, "fraud_watch", "warning",
		fmt.Sprintf("Carrier %s blacklisted after %d failovers in 24h", carrierID, n), nil)
	s.registry.Heartbeat(AgentSwarm, 60, fmt.Sprintf("watching carrier %s", carrierID))

	s.log.Warn().
		Str("carrier_id", carrierID).
		Int("failovers", n).
		Time("blacklisted_until", until).
		Msg("Fraud pattern detected")
}
