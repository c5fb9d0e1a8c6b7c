package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus for subscribers
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit emits an event to the bus and logs it
func (m *Manager) Emit(eventType EventType, source string, payload map[string]interface{}) {
	m.bus.Emit(eventType, source, payload)

	payloadJSON, _ := json.Marshal(payload)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("source", source).
		RawJSON("payload", payloadJSON).
		Msg("Event emitted")
}

// EmitCorrelated emits an event carrying an existing correlation id
func (m *Manager) EmitCorrelated(eventType EventType, source, correlationID string, payload map[string]interface{}) {
	m.bus.EmitCorrelated(eventType, source, correlationID, payload)

	payloadJSON, _ := json.Marshal(payload)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("source", source).
		Str("correlation_id", correlationID).
		RawJSON("payload", payloadJSON).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(source string, err error, context map[string]interface{}) {
	payload := map[string]interface{}{
		"error": err.Error(),
	}
	for k, v := range context {
		payload[k] = v
	}
	m.Emit(ErrorOccurred, source, payload)
}
