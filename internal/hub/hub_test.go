package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/events"
)

func newHubFixture(bufferSize, replayLast int) (*Hub, *events.Bus) {
	bus := events.NewBus()
	manager := events.NewManager(bus, zerolog.Nop())
	h := NewHub(config.HubConfig{
		BufferSize: bufferSize,
		Heartbeat:  30 * time.Second,
		ReplayLast: replayLast,
	}, manager, zerolog.Nop())
	h.Start(bus)
	return h, bus
}

func drain(c *client) []*events.Event {
	var out []*events.Event
	for {
		select {
		case e := <-c.send:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHubFansOutBusEvents(t *testing.T) {
	h, bus := newHubFixture(8, 50)
	a := h.attach("operator:a", nil, "")
	b := h.attach("operator:b", nil, "")

	bus.Emit(events.CarrierFailoverSucceeded, "test", map[string]interface{}{"shipment_id": "s-1"})

	for _, c := range []*client{a, b} {
		got := drain(c)
		require.Len(t, got, 1)
		assert.Equal(t, events.CarrierFailoverSucceeded, got[0].Type)
	}
}

func TestHubSlowClientDropsOldestWithoutBlocking(t *testing.T) {
	h, bus := newHubFixture(2, 50)
	slow := h.attach("operator:slow", nil, "")
	fast := h.attach("operator:fast", nil, "")

	var warnings []*events.Event
	bus.Subscribe(events.StreamLagWarning, func(e *events.Event) { warnings = append(warnings, e) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Emit(events.CarrierPosition, "test", map[string]interface{}{"seq": i})
			drain(fast)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}

	// The slow client kept only the newest events its buffer could hold.
	got := drain(slow)
	require.Len(t, got, 2)
	assert.Equal(t, 8, got[0].Payload["seq"])
	assert.Equal(t, 9, got[1].Payload["seq"])
	assert.NotEmpty(t, warnings)
	assert.Equal(t, "operator:slow", warnings[0].Payload["actor"])
}

func TestHubReplaysRecentEventsOnConnect(t *testing.T) {
	h, bus := newHubFixture(16, 3)

	for i := 0; i < 5; i++ {
		bus.Emit(events.ShipmentUpdated, "test", map[string]interface{}{"seq": i})
	}

	late := h.attach("operator:late", nil, "")
	got := drain(late)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].Payload["seq"])
	assert.Equal(t, 4, got[2].Payload["seq"])
}

func TestHubFiltersLiveDeliveryBySubscription(t *testing.T) {
	h, bus := newHubFixture(8, 50)
	disputesOnly := h.attach("operator:disputes", []string{"dispute.*"}, "")
	oneShipment := h.attach("operator:s1", nil, "s-1")
	everything := h.attach("operator:all", nil, "")

	bus.Emit(events.DisputeOpened, "test", map[string]interface{}{"shipment_id": "s-1"})
	bus.Emit(events.ShipmentUpdated, "test", map[string]interface{}{"shipment_id": "s-2"})
	bus.Emit(events.SentimentAnalyzed, "test", map[string]interface{}{"lead_id": "l-9"})

	got := drain(disputesOnly)
	require.Len(t, got, 1)
	assert.Equal(t, events.DisputeOpened, got[0].Type)

	got = drain(oneShipment)
	require.Len(t, got, 1)
	assert.Equal(t, "s-1", got[0].Payload["shipment_id"])

	assert.Len(t, drain(everything), 3)
}

func TestHubReplayHonorsFilter(t *testing.T) {
	h, bus := newHubFixture(16, 10)

	bus.Emit(events.ShipmentUpdated, "test", map[string]interface{}{"shipment_id": "s-1"})
	bus.Emit(events.ShipmentUpdated, "test", map[string]interface{}{"shipment_id": "s-2"})
	bus.Emit(events.DisputeOpened, "test", map[string]interface{}{"shipment_id": "s-1"})

	late := h.attach("operator:late", []string{"shipment"}, "s-1")
	got := drain(late)
	require.Len(t, got, 1)
	assert.Equal(t, events.ShipmentUpdated, got[0].Type)
	assert.Equal(t, "s-1", got[0].Payload["shipment_id"])
}

func TestHubDetachStopsDelivery(t *testing.T) {
	h, bus := newHubFixture(8, 50)
	c := h.attach("operator:a", nil, "")
	assert.Equal(t, 1, h.ClientCount())

	h.detach(c)
	bus.Emit(events.SystemAlert, "test", nil)

	assert.Empty(t, drain(c))
	assert.Equal(t, 0, h.ClientCount())
}
