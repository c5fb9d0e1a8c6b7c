// Package domain contains the core business models shared across modules.
// The domain layer is pure: no infrastructure dependencies.
package domain

import (
	"fmt"
	"time"
)

// LeadStatus represents the lifecycle state of a lead
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQualified LeadStatus = "qualified"
	LeadSuspended LeadStatus = "suspended"
	LeadRejected  LeadStatus = "rejected"
	LeadConverted LeadStatus = "converted"
)

// Lead represents a sales prospect owned by exactly one agent at a time
type Lead struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	Company    string     `json:"company"`
	Status     LeadStatus `json:"status"`
	OwnerAgent string     `json:"owner_agent"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AnalysisMethod identifies which cascade tier produced a sentiment record
type AnalysisMethod string

const (
	MethodRemote  AnalysisMethod = "remote"
	MethodLocal   AnalysisMethod = "local"
	MethodKeyword AnalysisMethod = "keyword"
)

// SentimentRecord is the outcome of one cascade analysis for a call
type SentimentRecord struct {
	ID                 string             `json:"id"`
	LeadID             string             `json:"lead_id"`
	CallID             string             `json:"call_id"`
	Score              float64            `json:"score"`               // [-1, 1]
	Emotions           map[string]float64 `json:"emotions"`
	DominantEmotion    string             `json:"dominant_emotion"`
	Confidence         float64            `json:"confidence"`          // [0, 1]
	Method             AnalysisMethod     `json:"method"`
	RequiresEscalation bool               `json:"requires_escalation"`
	AnalyzedAt         time.Time          `json:"analyzed_at"`
}

// Validate checks sentiment record invariants
func (s *SentimentRecord) Validate() error {
	if s.LeadID == "" || s.CallID == "" {
		return fmt.Errorf("sentiment record requires lead_id and call_id")
	}
	if s.Score < -1.0 || s.Score > 1.0 {
		return fmt.Errorf("sentiment score %.3f outside [-1,1]", s.Score)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("sentiment confidence %.3f outside [0,1]", s.Confidence)
	}
	switch s.Method {
	case MethodRemote, MethodLocal, MethodKeyword:
	default:
		return fmt.Errorf("unknown analysis method %q", s.Method)
	}
	return nil
}

// ProfileType is one of the four psychological clusters
type ProfileType string

const (
	ProfileVelocity ProfileType = "velocity"
	ProfileAnalyst  ProfileType = "analyst"
	ProfileSocial   ProfileType = "social"
	ProfileSecurity ProfileType = "security"
)

// PsychProfile holds the one-per-lead psychological profile
type PsychProfile struct {
	LeadID            string      `json:"lead_id"`
	Type              ProfileType `json:"type"`
	DecisionSpeed     int         `json:"decision_speed"`     // 1..10
	RiskTolerance     int         `json:"risk_tolerance"`     // 1..10
	PriceSensitivity  int         `json:"price_sensitivity"`  // 1..10
	CommunicationPref string      `json:"communication_pref"`
	Embedding         []float64   `json:"embedding"`          // nullable; fixed dimension when present
	AssignedAt        time.Time   `json:"assigned_at"`
}

// Interaction is an append-only log entry tied to a lead and an agent.
// The sentiment reference is nullable-on-delete: history survives erasure.
type Interaction struct {
	ID          string    `json:"id"`
	LeadID      string    `json:"lead_id"`
	AgentID     string    `json:"agent_id"`
	Channel     string    `json:"channel"`
	Summary     string    `json:"summary"`
	SentimentID *string   `json:"sentiment_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Carrier represents a transport provider
type Carrier struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Mode             string     `json:"mode"`
	OnTimeRate       float64    `json:"on_time_rate"`                // [0,100]
	Reliability      float64    `json:"reliability"`                 // [0,100]
	WalletAddress    string     `json:"wallet_address"`
	Coverage         []string   `json:"coverage"`                    // regions served
	ResponseMinutes  int        `json:"response_minutes"`            // typical pickup response time
	Enabled          bool       `json:"enabled"`
	BlacklistedUntil *time.Time `json:"blacklisted_until,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Available reports whether the carrier can take new work right now
func (c *Carrier) Available(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.BlacklistedUntil != nil && now.Before(*c.BlacklistedUntil) {
		return false
	}
	return true
}

// CoversRoute reports whether the carrier's coverage includes both endpoints.
// The predicate is total and deterministic: an empty coverage list means the
// carrier serves all regions.
func (c *Carrier) CoversRoute(origin, destination string) bool {
	if len(c.Coverage) == 0 {
		return true
	}
	covers := func(region string) bool {
		for _, r := range c.Coverage {
			if r == region {
				return true
			}
		}
		return false
	}
	return covers(origin) && covers(destination)
}

// ShipmentStatus represents shipment lifecycle state
type ShipmentStatus string

const (
	ShipmentPending   ShipmentStatus = "pending"
	ShipmentConfirmed ShipmentStatus = "confirmed"
	ShipmentInTransit ShipmentStatus = "in_transit"
	ShipmentDelivered ShipmentStatus = "delivered"
	ShipmentCancelled ShipmentStatus = "cancelled"
	ShipmentDisputed  ShipmentStatus = "disputed"
)

// shipmentTransitions is the allowed status DAG
var shipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentPending:   {ShipmentConfirmed, ShipmentCancelled},
	ShipmentConfirmed: {ShipmentInTransit, ShipmentCancelled},
	ShipmentInTransit: {ShipmentDelivered, ShipmentDisputed, ShipmentCancelled},
	ShipmentDelivered: {ShipmentDisputed},
	ShipmentDisputed:  {ShipmentDelivered, ShipmentCancelled},
	ShipmentCancelled: {},
}

// CanTransition reports whether from -> to is an allowed shipment transition
func CanTransition(from, to ShipmentStatus) bool {
	for _, next := range shipmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GeoPoint is a position fix with its timestamp
type GeoPoint struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// Shipment represents one brokered transport job
type Shipment struct {
	ID                string         `json:"id"`
	TrackingCode      string         `json:"tracking_code"`
	CarrierID         string         `json:"carrier_id"`
	LeadID            string         `json:"lead_id"`
	Origin            string         `json:"origin"`
	Destination       string         `json:"destination"`
	WeightKg          float64        `json:"weight_kg"`
	DeclaredValue     float64        `json:"declared_value"`
	Status            ShipmentStatus `json:"status"`
	PlannedDeliveryAt *time.Time     `json:"planned_delivery_at,omitempty"`
	ActualDeliveryAt  *time.Time     `json:"actual_delivery_at,omitempty"`
	Position          *GeoPoint      `json:"position,omitempty"`
	Cost              float64        `json:"cost"`
	SalePrice         float64        `json:"sale_price"`
	Margin            float64        `json:"margin"`
	SagaInProgress    bool           `json:"saga_in_progress"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Validate checks shipment invariants
func (s *Shipment) Validate() error {
	if s.TrackingCode == "" {
		return fmt.Errorf("shipment requires a tracking code")
	}
	if s.SalePrice < s.Cost {
		return fmt.Errorf("%w: sale price %.2f below cost %.2f", ErrInvariantViolation, s.SalePrice, s.Cost)
	}
	if diff := s.Margin - (s.SalePrice - s.Cost); diff > 0.005 || diff < -0.005 {
		return fmt.Errorf("%w: margin %.2f does not equal sale price minus cost", ErrInvariantViolation, s.Margin)
	}
	return nil
}

// EscrowStatus represents ledger-held escrow state
type EscrowStatus string

const (
	EscrowLocked      EscrowStatus = "locked"
	EscrowReleased    EscrowStatus = "released"
	EscrowRefunded    EscrowStatus = "refunded"
	EscrowTransferred EscrowStatus = "transferred"
	EscrowDisputed    EscrowStatus = "disputed"
	EscrowResolved    EscrowStatus = "resolved"
)

// EscrowRecord mirrors the ledger escrow for a shipment (1:1).
// OriginalCarrier is immutable after creation; CurrentCarrier changes only
// through the saga coordinator.
type EscrowRecord struct {
	ShipmentID      string       `json:"shipment_id"`
	Status          EscrowStatus `json:"status"`
	Amount          float64      `json:"amount"`
	Deadline        time.Time    `json:"deadline"`
	FailoverCount   int          `json:"failover_count"`
	OriginalCarrier string       `json:"original_carrier"`
	CurrentCarrier  string       `json:"current_carrier"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// CarrierChange is an append-only audit entry; replaying the successful
// entries for a shipment reconstructs its carrier assignment over time.
type CarrierChange struct {
	ID               int64     `json:"id"`
	ShipmentID       string    `json:"shipment_id"`
	FromCarrier      string    `json:"from_carrier"`
	ToCarrier        string    `json:"to_carrier"`
	Reason           string    `json:"reason"`
	ExecutedBy       string    `json:"executed_by"`
	LedgerTxID       string    `json:"ledger_tx_id"`
	Success          bool      `json:"success"`
	CompensatingTxID *string   `json:"compensating_tx_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// DisputeResolution records the verdict of a dispute
type DisputeResolution struct {
	ID             int64     `json:"id"`
	ShipmentID     string    `json:"shipment_id"`
	CarrierWins    bool      `json:"carrier_wins"`
	RefundAmount   float64   `json:"refund_amount"`
	EvidenceDigest string    `json:"evidence_digest"`
	AnalysisDigest string    `json:"analysis_digest"`
	Confidence     float64   `json:"confidence"`      // 0..100
	Resolver       string    `json:"resolver"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// Payment feeds the MRR calculation; only state transitions matter here,
// processor webhooks live outside the core.
type Payment struct {
	ID          string     `json:"id"`
	ShipmentID  string     `json:"shipment_id"`
	Amount      float64    `json:"amount"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AgentState represents the display state of a named agent
type AgentState string

const (
	AgentActive     AgentState = "active"
	AgentStandby    AgentState = "standby"
	AgentProcessing AgentState = "processing"
	AgentWarning    AgentState = "warning"
	AgentError      AgentState = "error"
)

// AgentStatus is a point-in-time snapshot of a named agent
type AgentStatus struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	State          AgentState `json:"state"`
	ActivityLevel  int        `json:"activity_level"`   // 0..100
	CurrentTask    string     `json:"current_task"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Suggestion     string     `json:"suggestion"`
}

// EvidenceBundle is the raw material the dispute agent analyzes
type EvidenceBundle struct {
	ShipmentID     string     `json:"shipment_id"`
	DeliveryDoc    string     `json:"delivery_doc"`    // digest of the signed delivery document
	TrackingPoints []GeoPoint `json:"tracking_points"`
	PhotoRefs      []string   `json:"photo_refs"`
	SignatureRef   string     `json:"signature_ref"`
	ClaimedAmount  float64    `json:"claimed_amount"`
}
