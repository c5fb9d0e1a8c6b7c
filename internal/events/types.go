// Package events provides the in-process event bus and event management.
package events

import "time"

// EventType is a dot-separated topic name (e.g. "carrier.failover_succeeded").
// Subscriptions may use a trailing wildcard segment: "carrier.*".
type EventType string

const (
	SentimentAnalyzed   EventType = "sentiment.analyzed"
	SentimentEscalation EventType = "sentiment.escalation"

	CarrierFailoverInitiated EventType = "carrier.failover_initiated"
	CarrierFailoverSucceeded EventType = "carrier.failover_succeeded"
	CarrierFailoverFailed    EventType = "carrier.failover_failed"
	CarrierFraudSuspect      EventType = "carrier.fraud_suspect"
	CarrierPosition          EventType = "carrier.position"

	FailoverRequiresOverride EventType = "failover.requires_override"

	DisputeOpened           EventType = "dispute.opened"
	DisputeResolved         EventType = "dispute.resolved"
	DisputeEscalated        EventType = "dispute.escalated"
	DisputeNeedMoreEvidence EventType = "dispute.need_more_evidence"

	RevenueMetrics EventType = "revenue.metrics"
	RevenueTrigger EventType = "revenue.trigger"

	LevelChanged      EventType = "level.changed"
	CostAlertWarning  EventType = "cost.alert_warning"
	CostAlertCritical EventType = "cost.alert_critical"

	AgentActivity EventType = "agent.activity"

	ShipmentUpdated EventType = "shipment.updated"

	CommandIssued EventType = "command.issued"

	StreamLagWarning EventType = "stream.lag_warning"

	SystemAlert   EventType = "system.alert"
	ErrorOccurred EventType = "system.error"
)

// Event represents a system event routed through the bus
type Event struct {
	Type          EventType              `json:"type"`
	Source        string                 `json:"source"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
}

// Topic returns the first segment of the event type ("carrier" for
// "carrier.failover_succeeded"). Per-topic delivery order is FIFO.
func (e *Event) Topic() string {
	t := string(e.Type)
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return t[:i]
		}
	}
	return t
}
