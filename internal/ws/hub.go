package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/shaw-s-yu/terminal-server/internal/model"
)

var errClientClosed = errors.New("client closed")

// Envelope is the wire format of every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes an event as an envelope.
func Encode(ev model.Event) ([]byte, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", ev.Name, err)
	}
	return json.Marshal(Envelope{Event: ev.Name, Data: data})
}

// Decode parses an envelope.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("malformed frame: missing event name")
	}
	return &env, nil
}

// Client is one WebSocket connection. Frames queue without bound until the
// write pump takes them; a slow reader grows the queue instead of losing
// output.
type Client struct {
	id   string
	room string
	conn *websocket.Conn

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	ready  chan struct{}
}

// NewClient creates a client for conn. conn may be nil in tests.
func NewClient(id, room string, conn *websocket.Conn) *Client {
	return &Client{
		id:    id,
		room:  room,
		conn:  conn,
		ready: make(chan struct{}, 1),
	}
}

// ID returns the connection identity.
func (c *Client) ID() string {
	return c.id
}

// Room returns the room the client receives session events from.
func (c *Client) Room() string {
	return c.room
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Ready is signalled after frames are queued or the client is closed.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Send queues a frame. It never blocks.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	c.queue = append(c.queue, frame)
	c.signal()
	return nil
}

// Next removes the oldest queued frame. ok is false when the queue is empty.
func (c *Client) Next() (frame []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}
	frame = c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return frame, true
}

// Pending returns the number of queued frames.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops accepting frames. Frames already queued are still delivered
// before the write pump closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.signal()
}

// signal wakes the write pump. The caller holds mu.
func (c *Client) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Hub tracks clients by room.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log.With("component", "hub"),
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client to its room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[client.room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[client.room] = members
	}
	members[client] = struct{}{}
}

// Unregister removes a client from its room and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if members, ok := h.rooms[client.room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, client.room)
		}
	}
	h.mu.Unlock()

	client.Close()
}

// Emit delivers ev to every client in room.
func (h *Hub) Emit(room string, ev model.Event) {
	frame, err := Encode(ev)
	if err != nil {
		h.log.Error("failed to encode event", "event", ev.Name, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		if err := client.Send(frame); err != nil {
			h.log.Debug("dropping event for closed client", "client_id", client.id, "event", ev.Name)
		}
	}
}

// SendTo delivers ev to one client.
func (h *Hub) SendTo(client *Client, ev model.Event) {
	frame, err := Encode(ev)
	if err != nil {
		h.log.Error("failed to encode event", "event", ev.Name, "error", err)
		return
	}
	if err := client.Send(frame); err != nil {
		h.log.Debug("dropping event for closed client", "client_id", client.id, "event", ev.Name)
	}
}

// ClientCount returns the number of clients in room.
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close closes every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var clients []*Client
	for _, members := range h.rooms {
		for client := range members {
			clients = append(clients, client)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
