package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/observability"
)

// Hub tracks the rooms of the connections held by this process.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[Room]map[*Client]struct{}
	clients map[*Client]map[Room]struct{}
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[Room]map[*Client]struct{}),
		clients: make(map[*Client]map[Room]struct{}),
		logger:  logger.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		h.clients[client] = make(map[Room]struct{})
	}
	observability.ChatConnections().Inc()
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.clients[client]
	if !ok {
		return
	}
	for room := range rooms {
		h.removeLocked(room, client)
	}
	delete(h.clients, client)
	observability.ChatConnections().Dec()
}

// Join adds client to room.
func (h *Hub) Join(client *Client, room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.clients[client]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	rooms[room] = struct{}{}
	h.logger.Debug().Str("room", room.String()).Str("connection_id", client.id).Msg("joined room")
}

// Leave removes client from room.
func (h *Hub) Leave(client *Client, room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, client)
	if rooms, ok := h.clients[client]; ok {
		delete(rooms, room)
	}
}

// Evict removes every connection of userIDs from room.
func (h *Hub) Evict(room Room, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	users := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		users[id] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[room] {
		if _, ok := users[client.userID]; !ok {
			continue
		}
		h.removeLocked(room, client)
		delete(h.clients[client], room)
		if conversationID, ok := room.ConversationID(); ok {
			client.trackConversation(conversationID, false)
		}
	}
}

// Deliver sends payload once to every local connection in any of rooms, skipping
// the connection named by except. It returns the number of connections reached.
func (h *Hub) Deliver(rooms []Room, payload []byte, except string) int {
	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, room := range rooms {
		for client := range h.rooms[room] {
			if except != "" && client.id == except {
				continue
			}
			targets[client] = struct{}{}
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for client := range targets {
		if client.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// Send queues payload for a single connection.
func (h *Hub) Send(client *Client, payload []byte) bool {
	return client.enqueue(payload)
}

// InRoom reports whether client currently belongs to room.
func (h *Hub) InRoom(client *Client, room Room) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][client]
	return ok
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every connection; their read loops then run the disconnect flow.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *Hub) removeLocked(room Room, client *Client) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
