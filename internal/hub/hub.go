// Package hub streams the event bus to command center clients over
// WebSocket and feeds operator commands back into the bus.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/events"
)

const writeWait = 10 * time.Second

// hubTopics is every bus topic the command center mirrors. The hub's own
// stream topic is deliberately absent: pushing lag warnings down a pipe
// that is already lagging only amplifies the lag.
var hubTopics = []events.EventType{
	"sentiment.*", "carrier.*", "failover.*", "dispute.*",
	"revenue.*", "level.*", "cost.*", "agent.*", "shipment.*",
	"system.*",
}

// inboundCommand is what a connected operator may send upstream
type inboundCommand struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// client is one connected command center session. A client may narrow its
// stream to a set of topics and to one entity id; both filters apply to the
// replay window and to live delivery alike.
type client struct {
	send    chan *events.Event
	actor   string
	topics  []string // empty means every mirrored topic
	entity  string   // empty means every entity
	dropped int
}

// entityKeys are the payload fields an entity filter is matched against
var entityKeys = []string{"shipment_id", "lead_id", "carrier_id", "call_id", "dispute_id", "escrow_id"}

// wants reports whether the client's subscription covers the event
func (c *client) wants(e *events.Event) bool {
	if len(c.topics) > 0 {
		matched := false
		eventType := string(e.Type)
		for _, t := range c.topics {
			if topicMatches(t, eventType) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if c.entity != "" {
		for _, key := range entityKeys {
			if v, ok := e.Payload[key].(string); ok && v == c.entity {
				return true
			}
		}
		return false
	}
	return true
}

// topicMatches accepts an exact event type, a "prefix.*" wildcard, or a bare
// topic name covering every event under it.
func topicMatches(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return strings.HasPrefix(eventType, pattern+".")
}

// Hub fans bus events out to WebSocket clients. Each client gets its own
// bounded queue; when a slow client's queue fills, its oldest events are
// dropped and a lag warning is raised, and the other clients are never
// blocked.
type Hub struct {
	cfg    config.HubConfig
	events *events.Manager
	log    zerolog.Logger

	mu      sync.Mutex
	clients map[*client]bool
	replay  []*events.Event
}

// NewHub creates the command center hub
func NewHub(cfg config.HubConfig, eventManager *events.Manager, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		events:  eventManager,
		log:     log.With().Str("component", "hub").Logger(),
		clients: make(map[*client]bool),
	}
}

// Start subscribes the hub to every mirrored topic
func (h *Hub) Start(bus *events.Bus) {
	for _, topic := range hubTopics {
		bus.Subscribe(topic, h.Broadcast)
	}
}

// Broadcast queues an event for every connected client, keeps the replay
// window current, and never blocks on a slow consumer.
func (h *Hub) Broadcast(e *events.Event) {
	h.mu.Lock()
	h.replay = append(h.replay, e)
	if len(h.replay) > h.cfg.ReplayLast {
		h.replay = h.replay[len(h.replay)-h.cfg.ReplayLast:]
	}

	var lagging []*client
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		if !h.offer(c, e) {
			lagging = append(lagging, c)
		}
	}
	h.mu.Unlock()

	// Lag warnings about lag warnings would feed on themselves.
	if e.Type == events.StreamLagWarning {
		return
	}
	for _, c := range lagging {
		h.events.Emit(events.StreamLagWarning, "hub", map[string]interface{}{
			"actor":   c.actor,
			"dropped": c.dropped,
		})
	}
}

// offer pushes onto the client queue, dropping its oldest event when full.
// Returns false when a drop happened. Caller holds h.mu.
func (h *Hub) offer(c *client, e *events.Event) bool {
	select {
	case c.send <- e:
		return true
	default:
	}
	select {
	case <-c.send:
		c.dropped++
	default:
	}
	select {
	case c.send <- e:
	default:
	}
	return false
}

// attach registers a client and hands it the replay window, filtered by the
// client's subscription.
func (h *Hub) attach(actor string, topics []string, entity string) *client {
	c := &client{
		send:   make(chan *events.Event, h.cfg.BufferSize),
		actor:  actor,
		topics: topics,
		entity: entity,
	}
	h.mu.Lock()
	for _, e := range h.replay {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- e:
		default:
		}
	}
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns how many sessions are connected
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and runs the session until either side
// goes away. The actor is expected to be set by the auth middleware.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = r.RemoteAddr
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	c := h.attach(actor, topics, r.URL.Query().Get("entity"))
	defer h.detach(c)
	h.log.Info().Str("actor", actor).Msg("Command center client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readCommands(ctx, cancel, conn, actor)
	h.writeLoop(ctx, conn, c)
	h.log.Info().Str("actor", actor).Msg("Command center client disconnected")
}

// writeLoop drains the client queue onto the wire and pings on the
// heartbeat interval so dead connections are noticed.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case e := <-c.send:
			data, err := json.Marshal(e)
			if err != nil {
				h.log.Error().Err(err).Msg("Failed to marshal event for client")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readCommands accepts operator commands and re-emits them on the bus
func (h *Hub) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, actor string) {
	defer cancel()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.log.Warn().Err(err).Str("actor", actor).Msg("Unparseable command from client")
			continue
		}
		if cmd.Type != string(events.CommandIssued) {
			h.log.Warn().Str("actor", actor).Str("type", cmd.Type).Msg("Unknown inbound message type")
			continue
		}
		payload := cmd.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["actor"] = actor
		h.events.Emit(events.CommandIssued, "hub", payload)
	}
}
