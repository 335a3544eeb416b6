package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devicemux/backend/internal/mux"
	"github.com/devicemux/backend/internal/session"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

var (
	ErrTooManyConnections = errors.New("too many websocket connections")
	ErrSessionTaken       = errors.New("session already has a client")
	ErrNoClient           = errors.New("no client for session")
)

type frame struct {
	binary bool
	data   []byte
}

type client struct {
	conn    *websocket.Conn
	b       *Broadcaster
	session string
	send    chan frame
}

func (c *client) writePump() {
	defer c.conn.Close()
	for f := range c.send {
		kind := websocket.TextMessage
		if f.binary {
			kind = websocket.BinaryMessage
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, f.data); err != nil {
			c.b.logger.Debug("ws write failed", "session", c.session, "err", err)
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster owns the websocket clients. Each client is bound to one
// session: session events and device chunks go to that client only, while
// state broadcasts go to every client.
type Broadcaster struct {
	mu        sync.RWMutex
	clients   map[*client]bool
	bySession map[string]*client
	maxConns  int
	logger    *slog.Logger
}

func NewBroadcaster(maxConns int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients:   make(map[*client]bool),
		bySession: make(map[string]*client),
		maxConns:  maxConns,
		logger:    logger.With("component", "ws"),
	}
}

// AddClient registers conn for sessionID and starts its write pump. A
// maxConns of zero means unlimited.
func (b *Broadcaster) AddClient(conn *websocket.Conn, sessionID string) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	if _, ok := b.bySession[sessionID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrSessionTaken, sessionID)
	}
	c := &client{
		conn:    conn,
		b:       b,
		session: sessionID,
		send:    make(chan frame, sendBuffer),
	}
	b.clients[c] = true
	b.bySession[sessionID] = c
	b.mu.Unlock()

	go c.writePump()
	b.enqueue(c, WSMessage{Type: MsgHello, Payload: HelloPayload{Session: sessionID}})
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		if b.bySession[c.session] == c {
			delete(b.bySession, c.session)
		}
		close(c.send)
	}
	b.mu.Unlock()
}

// Notify sends a session event to the client bound to n.StreamID.
func (b *Broadcaster) Notify(n session.Notification) error {
	c := b.clientOf(n.StreamID)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrNoClient, n.StreamID)
	}
	b.enqueue(c, WSMessage{Type: MsgEvent, Payload: n})
	return nil
}

// Stream sends raw device bytes to the client bound to sessionID.
func (b *Broadcaster) Stream(sessionID string, chunk []byte) error {
	c := b.clientOf(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrNoClient, sessionID)
	}
	b.deliver(c, frame{binary: true, data: chunk})
	return nil
}

// Reply sends the response of command id to the client bound to sessionID.
func (b *Broadcaster) Reply(sessionID, id string, resp session.Response) {
	b.sendTo(sessionID, WSMessage{Type: MsgResponse, ID: id, Payload: resp})
}

func (b *Broadcaster) sendTo(sessionID string, msg WSMessage) {
	if c := b.clientOf(sessionID); c != nil {
		b.enqueue(c, msg)
	}
}

// BroadcastState sends the aggregate device state to every client.
func (b *Broadcaster) BroadcastState(n mux.StateNotification) {
	b.broadcast(WSMessage{
		Type: MsgState,
		Payload: StatePayload{
			StreamID: mux.WildcardSession,
			Token:    n.Token,
			State:    n.State,
		},
	})
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for c := range b.clients {
		close(c.send)
	}
	clear(b.clients)
	clear(b.bySession)
	b.mu.Unlock()
}

func (b *Broadcaster) clientOf(sessionID string) *client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bySession[sessionID]
}

func (b *Broadcaster) enqueue(c *client, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("ws marshal error", "type", msg.Type, "err", err)
		return
	}
	b.deliver(c, frame{data: data})
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal error", "type", msg.Type, "err", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.deliver(c, frame{data: data})
	}
}

// deliver queues f without blocking. A client that can't keep up is
// disconnected.
func (b *Broadcaster) deliver(c *client, f frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- f:
	default:
		go func() {
			b.logger.Warn("ws client too slow, disconnecting", "session", c.session)
			b.RemoveClient(c)
		}()
	}
}
