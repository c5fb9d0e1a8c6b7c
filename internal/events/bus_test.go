package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusExactSubscription(t *testing.T) {
	bus := NewBus()

	var received []*Event
	bus.Subscribe(CarrierFailoverSucceeded, func(e *Event) {
		received = append(received, e)
	})

	bus.Emit(CarrierFailoverSucceeded, "test", map[string]interface{}{"carrier_id": "C1"})
	bus.Emit(CarrierFailoverFailed, "test", nil)

	assert.Len(t, received, 1)
	assert.Equal(t, CarrierFailoverSucceeded, received[0].Type)
	assert.Equal(t, "C1", received[0].Payload["carrier_id"])
	assert.NotEmpty(t, received[0].CorrelationID)
}

func TestBusWildcardSubscription(t *testing.T) {
	bus := NewBus()

	var types []EventType
	bus.Subscribe("carrier.*", func(e *Event) {
		types = append(types, e.Type)
	})

	bus.Emit(CarrierFailoverInitiated, "test", nil)
	bus.Emit(CarrierFailoverSucceeded, "test", nil)
	bus.Emit(DisputeOpened, "test", nil)

	assert.Equal(t, []EventType{CarrierFailoverInitiated, CarrierFailoverSucceeded}, types)
}

func TestBusPerTopicOrdering(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var order []int
	bus.Subscribe("carrier.*", func(e *Event) {
		mu.Lock()
		order = append(order, e.Payload["seq"].(int))
		mu.Unlock()
	})

	// Concurrent publishers on the same topic: each subscriber sees every
	// event, and events published sequentially arrive in order.
	for i := 0; i < 50; i++ {
		bus.Emit(CarrierPosition, "test", map[string]interface{}{"seq": i})
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 50)
	for i, seq := range order {
		assert.Equal(t, i, seq)
	}
}

func TestBusReentrantEmitIntoSameTopic(t *testing.T) {
	bus := NewBus()

	var types []EventType
	bus.Subscribe("carrier.*", func(e *Event) {
		types = append(types, e.Type)
		if e.Type == CarrierFailoverSucceeded {
			bus.Emit(CarrierFraudSuspect, "swarm", nil)
		}
	})

	// The nested emit must not deadlock and must land after the event that
	// caused it.
	bus.Emit(CarrierFailoverSucceeded, "test", nil)

	assert.Equal(t, []EventType{CarrierFailoverSucceeded, CarrierFraudSuspect}, types)
}

func TestBusCorrelationPropagation(t *testing.T) {
	bus := NewBus()

	var got *Event
	bus.Subscribe(DisputeEscalated, func(e *Event) { got = e })

	bus.EmitCorrelated(DisputeEscalated, "dispute_agent", "corr-123", nil)

	assert.NotNil(t, got)
	assert.Equal(t, "corr-123", got.CorrelationID)
}

func TestEventTopic(t *testing.T) {
	e := &Event{Type: CarrierFailoverSucceeded}
	assert.Equal(t, "carrier", e.Topic())

	e = &Event{Type: SystemAlert}
	assert.Equal(t, "system", e.Topic())
}
