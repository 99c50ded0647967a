// Package websocket fans run events out to WebSocket clients. Clients
// subscribe to a single run or to the global stream; the hub routes
// each published event to whoever asked for it.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/events/bus"
	ws "github.com/drover/drover/pkg/websocket"
)

// Hub manages all WebSocket client connections and their run
// subscriptions.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients receiving every run's events
	global map[*Client]bool

	// Clients keyed by the run they subscribed to
	runSubscribers map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel carrying events to fan out
	events chan *events.Event

	eventBus *bus.Bus

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub wired to the event bus. Replay requests go
// through the bus's store.
func NewHub(eventBus *bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		global:         make(map[*Client]bool),
		runSubscribers: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		events:         make(chan *events.Event, 256),
		eventBus:       eventBus,
		logger:         log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Attach subscribes the hub to every event on the bus. Call once
// before Run.
func (h *Hub) Attach() {
	h.eventBus.SubscribeAll(func(_ context.Context, event *events.Event) error {
		select {
		case h.events <- event:
		default:
			h.logger.Warn("Event fan-out buffer full, dropping event",
				zap.String("event_id", event.ID))
		}
		return nil
	})
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.events:
			h.BroadcastEvent(event)
		}
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.global = make(map[*Client]bool)
	h.runSubscribers = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and all its subscriptions
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		delete(h.global, client)
		close(client.send)

		for runID := range client.subscriptions {
			if clients, ok := h.runSubscribers[runID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.runSubscribers, runID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// BroadcastEvent routes one event to global subscribers plus the
// subscribers of the event's run.
func (h *Hub) BroadcastEvent(event *events.Event) {
	msg, err := ws.NewNotification(ws.ActionEvent, event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]bool, len(h.global))
	for client := range h.global {
		client.enqueue(data)
		sent[client] = true
	}
	for client := range h.runSubscribers[event.RunID] {
		if !sent[client] {
			client.enqueue(data)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe moves a client to one run's bucket, or to the global
// bucket when runID is empty or "*". Whatever the client was watching
// before is dropped.
func (h *Hub) Subscribe(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.global, client)
	for prev := range client.subscriptions {
		if clients, ok := h.runSubscribers[prev]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.runSubscribers, prev)
			}
		}
		delete(client.subscriptions, prev)
	}

	if runID == "" || runID == "*" {
		h.global[client] = true
		h.logger.Debug("Client subscribed globally", zap.String("client_id", client.ID))
		return
	}

	if _, ok := h.runSubscribers[runID]; !ok {
		h.runSubscribers[runID] = make(map[*Client]bool)
	}
	h.runSubscribers[runID][client] = true
	client.subscriptions[runID] = true

	h.logger.Debug("Client subscribed to run",
		zap.String("client_id", client.ID),
		zap.String("run_id", runID))
}

// Unsubscribe removes a client's interest in one run, or its global
// subscription when runID is empty or "*".
func (h *Hub) Unsubscribe(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if runID == "" || runID == "*" {
		delete(h.global, client)
		return
	}

	delete(client.subscriptions, runID)
	if clients, ok := h.runSubscribers[runID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.runSubscribers, runID)
		}
	}
}

// Replay streams a run's stored events to one client, in order.
func (h *Hub) Replay(ctx context.Context, client *Client, runID string, fromSeq int64) error {
	return h.eventBus.Replay(ctx, runID, fromSeq, -1, func(_ context.Context, event *events.Event) error {
		msg, err := ws.NewNotification(ws.ActionEvent, event)
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		client.enqueue(data)
		return nil
	})
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
