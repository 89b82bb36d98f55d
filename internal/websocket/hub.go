package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"anon-forum/internal/feed"
	"anon-forum/internal/identity"
	"anon-forum/internal/threads"
	"anon-forum/internal/utils"
)

// MessageToSend defines the structure for sending a message to a specific user.
type MessageToSend struct {
	TargetUserID string
	Payload      []byte
}

// Backend is what connected clients subscribe and sign out through.
type Backend struct {
	Feed     *feed.Manager
	Threads  *threads.Aggregator
	Identity *identity.Provider
}

// Hub maintains the set of active clients, indexed by identity.
type Hub struct {
	// Registered clients. Maps user ID to a set of active client connections.
	Clients map[string]map[*Client]bool

	// Channel for sending messages to specific users.
	SendDirect chan *MessageToSend

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	signedOut chan string
	done      chan struct{}
	backend   Backend
	logger    *slog.Logger
	metrics   *utils.MetricsCollector

	// Mutex to protect concurrent access to the clients map.
	mu sync.RWMutex
}

func NewHub(backend Backend, logger *slog.Logger, metrics *utils.MetricsCollector) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		SendDirect: make(chan *MessageToSend, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Clients:    make(map[string]map[*Client]bool),
		signedOut:  make(chan string, 16),
		done:       make(chan struct{}),
		backend:    backend,
		logger:     logger.With("component", "ws_hub"),
		metrics:    metrics,
	}
}

// Run starts the hub's processing loop. All clients are closed when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, userClients := range h.Clients {
				for client := range userClients {
					client.close()
				}
				delete(h.Clients, userID)
			}
			h.mu.Unlock()
			h.logger.Info("websocket hub stopped")
			return

		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.Clients[client.UserID]; !ok {
				h.Clients[client.UserID] = make(map[*Client]bool)
			}
			h.Clients[client.UserID][client] = true
			h.logger.Debug("client registered", "user", client.UserID, "connections", len(h.Clients[client.UserID]))
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case userID := <-h.signedOut:
			payload, _ := json.Marshal(Event{Type: EvtAuthStateChanged, Data: AuthData{UserID: userID, SignedIn: false}})
			h.mu.Lock()
			for client := range h.Clients[userID] {
				client.queue(payload)
				client.close()
				h.removeLocked(client)
			}
			h.mu.Unlock()
			h.logger.Info("closed connections of signed out identity", "user", userID)

		case directMessage := <-h.SendDirect:
			h.mu.RLock()
			for client := range h.Clients[directMessage.TargetUserID] {
				client.queue(directMessage.Payload)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	userClients, ok := h.Clients[client.UserID]
	if !ok {
		return
	}
	if _, clientOk := userClients[client]; !clientOk {
		return
	}
	delete(userClients, client)
	if len(userClients) == 0 {
		delete(h.Clients, client.UserID)
	}
	h.logger.Debug("client unregistered", "user", client.UserID, "remaining", len(userClients))
}

// WatchAuth closes the connections of identities that sign out. It returns
// when changes is closed or ctx ends.
func (h *Hub) WatchAuth(ctx context.Context, changes <-chan identity.AuthState) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-changes:
			if !ok {
				return
			}
			if state.SignedIn {
				continue
			}
			select {
			case h.signedOut <- state.UserID:
			case <-h.done:
				return
			}
		}
	}
}

// SendDirectMessage queues payload for every connection of targetUserID.
func (h *Hub) SendDirectMessage(targetUserID string, payload []byte) {
	message := &MessageToSend{
		TargetUserID: targetUserID,
		Payload:      payload,
	}
	select {
	case h.SendDirect <- message:
	case <-h.done:
	default:
		h.logger.Warn("hub direct queue full, message dropped", "user", targetUserID)
	}
}

// SendEvent marshals ev and sends it to every connection of targetUserID.
func (h *Hub) SendEvent(targetUserID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	h.SendDirectMessage(targetUserID, payload)
}

// ConnectionCount returns the number of open connections of userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Clients[userID])
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}
