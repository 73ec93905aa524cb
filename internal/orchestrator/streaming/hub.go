// Package streaming fans run log events out to websocket subscribers.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
)

const sendBuffer = 256

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	runIDs map[string]bool // runs this client is subscribed to
	send   chan []byte
	hub    *Hub
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		runIDs: make(map[string]bool),
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Hub manages all WebSocket clients
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by run ID for message routing
	runClients map[string]map[*Client]bool

	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu     sync.RWMutex
	closed bool // set when Run returns
	logger *logger.Logger
}

// BroadcastMessage is one bus event addressed to the subscribers of a run.
type BroadcastMessage struct {
	RunID string
	Event *bus.Event
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		runClients: make(map[string]map[*Client]bool),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		logger:     log.Component("websocket_hub"),
	}
}

// AttachBus forwards run log and run finished events to the hub.
func (h *Hub) AttachBus(eventBus bus.EventBus) ([]bus.Subscription, error) {
	forward := func(_ context.Context, ev *bus.Event) error {
		if runID := ev.String("run_id"); runID != "" {
			h.Broadcast(runID, ev)
		}
		return nil
	}
	var subs []bus.Subscription
	for _, subject := range []string{events.RunLogEvent, events.RunFinished} {
		sub, err := eventBus.Subscribe(subject, forward)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Run starts the hub processing loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.runClients = make(map[string]map[*Client]bool)
			h.closed = true
			h.mu.Unlock()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.runClients[msg.RunID]))
	for client := range h.runClients[msg.RunID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg.Event)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	var slow []*Client
	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	if len(slow) == 0 {
		return
	}
	// A full send buffer means the client cannot keep up; drop it.
	h.mu.Lock()
	for _, client := range slow {
		h.removeLocked(client)
		h.logger.Warn("Dropping slow client", zap.String("client_id", client.ID))
	}
	h.mu.Unlock()
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	client.mu.RLock()
	defer client.mu.RUnlock()
	for runID := range client.runIDs {
		if clients, ok := h.runClients[runID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.runClients, runID)
			}
		}
	}
}

// Register adds a client to the hub. The client can subscribe as soon as
// Register returns. A client registered after shutdown gets a closed send
// channel.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.send)
		return
	}
	h.clients[client] = true
	h.logger.Debug("Client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast sends an event to all clients subscribed to a run
func (h *Hub) Broadcast(runID string, ev *bus.Event) {
	select {
	case h.broadcast <- &BroadcastMessage{RunID: runID, Event: ev}:
	case <-h.done:
	}
}

// SubscribeClient subscribes a registered client to a run
func (h *Hub) SubscribeClient(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	if _, ok := h.runClients[runID]; !ok {
		h.runClients[runID] = make(map[*Client]bool)
	}
	h.runClients[runID][client] = true
	h.logger.Debug("Client subscribed to run",
		zap.String("client_id", client.ID),
		zap.String("run_id", runID))
}

// UnsubscribeClient unsubscribes a client from a run
func (h *Hub) UnsubscribeClient(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.runClients[runID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.runClients, runID)
		}
	}
	h.logger.Debug("Client unsubscribed from run",
		zap.String("client_id", client.ID),
		zap.String("run_id", runID))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetRunSubscriberCount returns the number of clients subscribed to a run
func (h *Hub) GetRunSubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runClients[runID])
}
