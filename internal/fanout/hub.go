// Package fanout delivers lifecycle events to riders and drivers over
// their realtime sessions.
package fanout

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNoSession    = errors.New("fanout: no live session")
	ErrSlowConsumer = errors.New("fanout: session send buffer full")
)

// Session is one live realtime connection.
type Session interface {
	ID() string
	Send(ev models.Event) error
	Close() error
}

// EntityKey namespaces rider and driver ids in the registry.
func EntityKey(p models.Party, id string) string { return string(p) + ":" + id }

func RoomFor(rideID string) string { return "ride:" + rideID }

// Hub maps entities to their current connection and groups connections
// into ride rooms. The zero value is not usable; call NewHub.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Session
	entities map[string]string
	rooms    map[string]map[string]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]Session),
		entities: make(map[string]string),
		rooms:    make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Register makes s the current connection of key and returns the
// connection it replaced, if any.
func (h *Hub) Register(key string, s Session) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
	prev := h.entities[key]
	h.entities[key] = s.ID()
	if prev == s.ID() {
		return ""
	}
	return prev
}

// Unregister removes the key mapping only when connID is still current.
func (h *Hub) Unregister(key, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entities[key] != connID {
		return false
	}
	delete(h.entities, key)
	return true
}

// Drop forgets a closed connection and removes it from every room.
func (h *Hub) Drop(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, connID)
	for room, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Lookup(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.entities[key]
	return id, ok
}

func (h *Hub) Send(connID string, ev models.Event) error {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ev)
}

// SendTo delivers to the current connection of key.
func (h *Hub) SendTo(key string, ev models.Event) error {
	connID, ok := h.Lookup(key)
	if !ok {
		return ErrNoSession
	}
	return h.Send(connID, ev)
}

func (h *Hub) Join(room, connID string) {
	if connID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, room)
}

// Broadcast sends ev to every member of room except skip and returns the
// number of successful deliveries.
func (h *Hub) Broadcast(room string, ev models.Event, skip string) int {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.rooms[room]))
	for connID := range h.rooms[room] {
		if connID == skip {
			continue
		}
		if s, ok := h.sessions[connID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			h.logger.Debug("room delivery failed", "room", room, "conn_id", s.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Members reports the connections currently in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
