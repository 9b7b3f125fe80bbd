package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CrowderSoup/taskboard/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Inbound is a message sent by a client over its session.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Dispatcher handles client messages other than ping.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Client, msg Inbound)
}

// Client is one realtime session.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte

	hub        *Hub
	conn       *websocket.Conn
	dispatcher Dispatcher
	log        logging.Logger

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, dispatcher Dispatcher) *Client {
	id := uuid.NewString()
	return &Client{
		ID:         id,
		UserID:     userID,
		Send:       make(chan []byte, sendBuffer),
		hub:        hub,
		conn:       conn,
		dispatcher: dispatcher,
		log:        hub.log.With("session_id", id, "user_id", userID),
	}
}

// Reply queues v for this client only. It reports false when the session
// is gone or its buffer is full.
func (c *Client) Reply(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error(context.Background(), "failed to marshal reply", "error", err)
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
// It returns when the connection fails or ctx ends, after which the session
// has left every board.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn(ctx, "websocket read failed", "error", err)
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Reply(Message{Type: "error", Data: map[string]string{"error": "malformed message"}})
			continue
		}

		if msg.Type == "ping" {
			c.Reply(Message{Type: "pong", Data: map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)}})
			continue
		}

		if c.dispatcher != nil {
			c.dispatcher.Dispatch(WithOrigin(ctx, c.ID), c, msg)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; clients parse each frame as JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// envelope is an encoded event on its way to a board room.
type envelope struct {
	BoardID string          `json:"boardId"`
	Origin  string          `json:"origin,omitempty"`
	Evict   string          `json:"evict,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type subscription struct {
	client  *Client
	boardID string
	join    bool
	done    chan struct{}
}

// Hub maintains board rooms of sessions. A single loop owns every room, so
// each session receives a board's events in the order they were published.
type Hub struct {
	clients   map[*Client]map[string]struct{}
	rooms     map[string]map[*Client]struct{}
	broadcast chan envelope
	subscribe chan subscription
	register  chan *Client
	remove    chan *Client
	inspect   chan func()
	stopped   chan struct{}
	log       logging.Logger
}

func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	return &Hub{
		clients:   make(map[*Client]map[string]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
		broadcast: make(chan envelope, 256),
		subscribe: make(chan subscription),
		register:  make(chan *Client),
		remove:    make(chan *Client),
		inspect:   make(chan func()),
		stopped:   make(chan struct{}),
		log:       log.With("component", "hub"),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
	}
}

// Unregister drops the session from every board and closes its channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.remove <- c:
	case <-h.stopped:
	}
}

// Subscribe adds the session to the board's room. It is idempotent and
// returns once the subscription is in effect.
func (h *Hub) Subscribe(c *Client, boardID string) {
	h.send(subscription{client: c, boardID: boardID, join: true, done: make(chan struct{})})
}

func (h *Hub) Unsubscribe(c *Client, boardID string) {
	h.send(subscription{client: c, boardID: boardID, done: make(chan struct{})})
}

func (h *Hub) send(sub subscription) {
	select {
	case h.subscribe <- sub:
	case <-h.stopped:
		return
	}
	select {
	case <-sub.done:
	case <-h.stopped:
	}
}

// Publish encodes the event and queues it for its board room.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	env, err := encodeEvent(ev)
	if err != nil {
		h.log.Error(ctx, "failed to encode event", "board_id", ev.BoardID, "error", err)
		return
	}
	h.deliver(env)
}

func encodeEvent(ev Event) (envelope, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return envelope{}, err
	}
	return envelope{BoardID: ev.BoardID, Origin: ev.Origin, Evict: ev.Evict, Payload: payload}, nil
}

func (h *Hub) deliver(env envelope) {
	select {
	case h.broadcast <- env:
	case <-h.stopped:
	}
}

// Run owns the rooms until ctx ends, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.stopped)
		for c := range h.clients {
			c.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			if _, ok := h.clients[c]; !ok {
				h.clients[c] = make(map[string]struct{})
				h.log.Debug(ctx, "session connected", "session_id", c.ID, "user_id", c.UserID)
			}
		case c := <-h.remove:
			h.drop(c)
		case sub := <-h.subscribe:
			h.apply(sub)
			close(sub.done)
		case env := <-h.broadcast:
			h.fanOut(ctx, env)
		case fn := <-h.inspect:
			fn()
		}
	}
}

func (h *Hub) apply(sub subscription) {
	boards, ok := h.clients[sub.client]
	if !ok {
		return
	}
	if sub.join {
		boards[sub.boardID] = struct{}{}
		room := h.rooms[sub.boardID]
		if room == nil {
			room = make(map[*Client]struct{})
			h.rooms[sub.boardID] = room
		}
		room[sub.client] = struct{}{}
		return
	}
	delete(boards, sub.boardID)
	h.leave(sub.client, sub.boardID)
}

func (h *Hub) leave(c *Client, boardID string) {
	room := h.rooms[boardID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, boardID)
	}
}

func (h *Hub) drop(c *Client) {
	boards, ok := h.clients[c]
	if !ok {
		return
	}
	for boardID := range boards {
		h.leave(c, boardID)
	}
	delete(h.clients, c)
	c.close()
}

func (h *Hub) fanOut(ctx context.Context, env envelope) {
	for c := range h.rooms[env.BoardID] {
		if env.Origin != "" && c.ID == env.Origin {
			continue
		}
		if !c.enqueue(env.Payload) {
			h.log.Warn(ctx, "session send buffer full, dropping session", "session_id", c.ID)
			h.drop(c)
		}
	}
	if env.Evict == "" {
		return
	}
	for c := range h.rooms[env.BoardID] {
		if c.UserID == env.Evict {
			delete(h.clients[c], env.BoardID)
			h.leave(c, env.BoardID)
		}
	}
}

// Subscribers reports how many sessions are in the board's room.
func (h *Hub) Subscribers(boardID string) int {
	n := make(chan int, 1)
	select {
	case h.inspect <- func() { n <- len(h.rooms[boardID]) }:
	case <-h.stopped:
		return 0
	}
	select {
	case v := <-n:
		return v
	case <-h.stopped:
		return 0
	}
}
