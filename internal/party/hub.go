package party

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/metrics"
)

const drainPollInterval = 20 * time.Millisecond

// HubConfig wires a Hub.
type HubConfig struct {
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Hub tracks the connections held by this process and the rooms they belong to. One Hub is
// constructed per process; registration and room membership changes are idempotent.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	users   map[string]int
	running int
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewHub constructs an empty Hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		users:   make(map[string]int),
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Register adds the client. It reports false when the client was already registered.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.clients[client.id]; exists {
		return false
	}
	client.onDrop = h.metrics.FrameDropped
	h.clients[client.id] = client
	h.users[client.userID]++
	h.metrics.ConnectionOpened()
	return true
}

// Unregister removes the client from its room and the hub, then closes its send buffer.
// It reports false when the client was not registered.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	if _, exists := h.clients[client.id]; !exists {
		h.mu.Unlock()
		return false
	}
	h.removeFromRoomLocked(client, client.setRoom(""))
	delete(h.clients, client.id)
	if h.users[client.userID] <= 1 {
		delete(h.users, client.userID)
	} else {
		h.users[client.userID]--
	}
	roomCount := len(h.rooms)
	h.mu.Unlock()

	client.close()
	h.metrics.ConnectionClosed()
	h.metrics.SetRooms(roomCount)
	h.logger.Debug("connection unregistered",
		zap.String("connection_id", client.id),
		zap.String("user_id", client.userID))
	return true
}

// JoinRoom moves the client into room and returns the room it left, if any.
func (h *Hub) JoinRoom(client *Client, room string) string {
	h.mu.Lock()
	previous := client.setRoom(room)
	if previous != room {
		h.removeFromRoomLocked(client, previous)
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[client.id] = client
	roomCount := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(roomCount)
	return previous
}

// LeaveRoom removes the client from its room. The second call for the same membership
// reports false.
func (h *Hub) LeaveRoom(client *Client) (string, bool) {
	h.mu.Lock()
	room := client.setRoom("")
	if room == "" {
		h.mu.Unlock()
		return "", false
	}
	h.removeFromRoomLocked(client, room)
	roomCount := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(roomCount)
	return room, true
}

// Deliver queues frame for every local member of room except the connection exceptID.
func (h *Hub) Deliver(room string, frame []byte, exceptID string) int {
	h.mu.RLock()
	members := h.rooms[room]
	recipients := make([]*Client, 0, len(members))
	for id, client := range members {
		if id != exceptID {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range recipients {
		if client.deliver(frame) {
			delivered++
		}
	}
	return delivered
}

// Members returns the user ids of the local members of room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	userIDs := make([]string, 0, len(h.rooms[room]))
	for _, client := range h.rooms[room] {
		userIDs = append(userIDs, client.userID)
	}
	sort.Strings(userIDs)
	return userIDs
}

// UserInRoom reports whether any local connection of userID is in room.
func (h *Hub) UserInRoom(userID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.rooms[room] {
		if client.userID == userID {
			return true
		}
	}
	return false
}

// UserConnections returns the number of local connections held by userID.
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID]
}

// RoomCount returns the number of rooms with local members.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// CloseAll closes the send buffer of every connection so their transports shut down. Room
// membership stays in place for each connection's disconnect cleanup.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.close()
	}
	return len(clients)
}

// Hold marks a connection handler as running until the returned func is called. Drain waits
// for every hold to be released.
func (h *Hub) Hold() func() {
	h.mu.Lock()
	h.running++
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			h.running--
			h.mu.Unlock()
		})
	}
}

// Drain blocks until no connection handler holds the hub or ctx ends.
func (h *Hub) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		h.mu.RLock()
		running := h.running
		h.mu.RUnlock()
		if running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) removeFromRoomLocked(client *Client, room string) {
	if room == "" {
		return
	}
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, client.id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
