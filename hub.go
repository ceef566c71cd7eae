package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64

	remoteEventPrefix = "remote_"
	refreshEvent      = "myevent"
	remoteErrorEvent  = "remote_error"
)

// Controller is what browsers can ask of the service.
type Controller interface {
	Replay(send func(Event))
	Remote(cmd string) error
}

// Hub fans events out to every connected browser over WebSocket. All client
// bookkeeping happens on the Run goroutine.
type Hub struct {
	logger   *zap.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	register   chan *socketClient
	unregister chan *socketClient
	broadcast  chan Event
	unicast    chan addressedEvent
	done       chan struct{}

	clients map[*socketClient]struct{}
}

type addressedEvent struct {
	client *socketClient
	event  Event
}

type socketClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *zap.Logger, metrics *Metrics, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:     logger,
		metrics:    metrics,
		register:   make(chan *socketClient),
		unregister: make(chan *socketClient),
		broadcast:  make(chan Event, 256),
		unicast:    make(chan addressedEvent, 64),
		done:       make(chan struct{}),
		clients:    make(map[*socketClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker returns nil (same-host only) when no origins are configured.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// Run services the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.clientConnected()
			h.logger.Info("Browser connected", zap.String("client", c.id), zap.Int("clients", len(h.clients)))
		case c := <-h.unregister:
			h.drop(c)
		case ev := <-h.broadcast:
			msg, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Encoding event", zap.String("event", ev.Name), zap.Error(err))
				continue
			}
			for c := range h.clients {
				h.deliver(c, msg)
			}
		case ae := <-h.unicast:
			if _, ok := h.clients[ae.client]; !ok {
				continue
			}
			msg, err := json.Marshal(ae.event)
			if err != nil {
				h.logger.Error("Encoding event", zap.String("event", ae.event.Name), zap.Error(err))
				continue
			}
			h.deliver(ae.client, msg)
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) deliver(c *socketClient, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("Dropping slow browser", zap.String("client", c.id))
		h.drop(c)
	}
}

func (h *Hub) drop(c *socketClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.clientDisconnected()
	h.logger.Info("Browser disconnected", zap.String("client", c.id), zap.Int("clients", len(h.clients)))
}

// Broadcast queues ev for every connected browser. It is a no-op once the
// hub has stopped.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

func (h *Hub) sendTo(c *socketClient, ev Event) {
	select {
	case h.unicast <- addressedEvent{client: c, event: ev}:
	case <-h.done:
	}
}

// Handler upgrades requests to WebSocket connections served by the hub.
func (h *Hub) Handler(ctrl Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		c := &socketClient{
			id:   uuid.NewString(),
			hub:  h,
			conn: conn,
			send: make(chan []byte, sendBuffer),
		}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump(ctrl)
	})
}

func (c *socketClient) readPump(ctrl Controller) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Warn("Malformed browser message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		c.handle(ctrl, msg)
	}
}

func (c *socketClient) handle(ctrl Controller, msg ClientMessage) {
	switch {
	case msg.Event == refreshEvent:
		c.hub.logger.Debug("Refresh requested", zap.String("client", c.id), zap.ByteString("data", msg.Data))
		ctrl.Replay(func(ev Event) { c.hub.sendTo(c, ev) })
	case strings.HasPrefix(msg.Event, remoteEventPrefix):
		cmd := strings.TrimPrefix(msg.Event, remoteEventPrefix)
		if err := ctrl.Remote(cmd); err != nil {
			c.hub.logger.Warn("Remote command failed", zap.String("command", cmd), zap.Error(err))
			c.hub.sendTo(c, Event{Name: remoteErrorEvent, Data: TextPayload{Data: err.Error()}})
		}
	default:
		c.hub.logger.Debug("Unhandled browser event", zap.String("event", msg.Event))
	}
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
