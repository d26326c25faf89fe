// Package websocket is the realtime broadcast bus. Connections join rooms
// keyed by hospital, doctor, patient or call; events published to a room are
// fanned out to every connection in it, at most once and best-effort.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Event is a notification delivered to every connection in Room. Data holds
// minimal rendering data, never a full record.
//
// Sender, when set, is the actor id whose own connections are skipped. Join
// and Leave move every connection in Room into or out of another room before
// delivery, which lets a publisher on any instance bind participants to a
// call room.
type Event struct {
	Name         string          `json:"event"`
	Room         string          `json:"room"`
	Sender       string          `json:"sender,omitempty"`
	Join         string          `json:"join,omitempty"`
	Leave        string          `json:"leave,omitempty"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an Event with payload encoded as JSON.
func NewEvent(name, room, resourceType, resourceID string, payload any) (Event, error) {
	ev := Event{
		Name:         name,
		Room:         room,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// EventPublisher publishes events to a room.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single connection. Send is FIFO, which gives per-room publish
// order for events from one publisher.
type Client struct {
	ID    string
	Actor auth.Actor
	Rooms []string
	Send  chan []byte
	hub   *Hub
	conn  Conn
}

// Hub tracks connections and their room memberships.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	byID    map[string]*Client
	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		byID:   make(map[string]*Client),
		logger: logger,
	}
}

// Register adds a client and joins its initial rooms.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.hub = h
	h.all[client] = struct{}{}
	h.byID[client.ID] = client
	h.join(client, client.Rooms)
}

// Unregister removes a client from every room and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, room := range client.Rooms {
		h.leave(client, room)
	}

	delete(h.all, client)
	delete(h.byID, client.ID)
	close(client.Send)
}

// Subscribe adds rooms to a registered connection.
func (h *Hub) Subscribe(connectionID string, rooms ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.byID[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}

	h.subscribe(client, rooms)
	return nil
}

func (h *Hub) subscribe(client *Client, rooms []string) {
	seen := make(map[string]struct{}, len(rooms))
	var added []string
	for _, room := range rooms {
		if _, dup := seen[room]; dup || client.inRoom(room) {
			continue
		}
		seen[room] = struct{}{}
		added = append(added, room)
	}
	h.join(client, added)
	client.Rooms = append(client.Rooms, added...)
}

// Unsubscribe removes rooms from a registered connection.
func (h *Hub) Unsubscribe(connectionID string, rooms ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.byID[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}

	h.unsubscribe(client, rooms)
	return nil
}

func (h *Hub) unsubscribe(client *Client, rooms []string) {
	removeSet := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		removeSet[r] = struct{}{}
		h.leave(client, r)
	}

	remaining := make([]string, 0, len(client.Rooms))
	for _, r := range client.Rooms {
		if _, rm := removeSet[r]; !rm {
			remaining = append(remaining, r)
		}
	}
	client.Rooms = remaining
}

func (h *Hub) join(client *Client, rooms []string) {
	for _, room := range rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]struct{})
		}
		h.rooms[room][client] = struct{}{}
	}
}

func (h *Hub) leave(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (c *Client) inRoom(room string) bool {
	for _, r := range c.Rooms {
		if r == room {
			return true
		}
	}
	return false
}

// Broadcast sends an event to every connection in room. A connection whose
// buffer is full misses the event.
func (h *Hub) Broadcast(room string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Name).Msg("websocket: failed to marshal event")
		return
	}

	if event.Join != "" || event.Leave != "" {
		h.move(room, event.Join, event.Leave)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		if event.Sender != "" && client.Actor.ID.String() == event.Sender {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.dropped.Add(1)
			h.logger.Warn().
				Str("connection_id", client.ID).
				Str("room", room).
				Str("event", event.Name).
				Msg("websocket: send buffer full, event dropped")
		}
	}
}

// move joins every connection in room to join and removes it from leave.
func (h *Hub) move(room, join, leave string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		members = append(members, client)
	}
	for _, client := range members {
		if join != "" {
			h.subscribe(client, []string{join})
		}
		if leave != "" && leave != room {
			h.unsubscribe(client, []string{leave})
		}
	}
}

// Publish implements EventPublisher for a single-instance deployment.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Room == "" {
		return fmt.Errorf("event %s has no room", event.Name)
	}
	h.Broadcast(event.Room, event)
	return nil
}

// sendTo writes directly to one connection, used for protocol replies.
func (h *Hub) sendTo(client *Client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of connections in a room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
