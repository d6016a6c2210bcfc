package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alephworks/alephauto/internal/adapter/observability"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/pkg/timex"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 54 * time.Second // must stay below wsPongWait
	wsMaxMessageSize = 4096
)

// Hub owns the live WebSocket clients and their event-bus subscriptions.
// Each client is one bus subscriber: the bus's bounded mailbox gives us the
// drop-oldest overflow policy per client, and the hub only relays frames.
type Hub struct {
	bus     *event.Bus
	sendBuf int
	origins []string

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewHub builds a hub whose per-client send buffers hold sendBuf frames.
// origins is the comma-separated CORS allowlist; "*" admits every Origin.
func NewHub(bus *event.Bus, sendBuf int, origins []string) *Hub {
	if sendBuf < 1 {
		sendBuf = event.DefaultMailbox
	}
	return &Hub{
		bus:     bus,
		sendBuf: sendBuf,
		origins: origins,
		clients: make(map[string]*wsClient),
	}
}

// ClientCount reports currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		c.close()
	}
}

// Handler upgrades the connection and runs the client protocol until the
// peer disconnects.
func (h *Hub) Handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(h.origins),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			slog.Warn("ws upgrade failed", slog.Any("error", err))
			return
		}
		client := &wsClient{
			id:   uuid.NewString(),
			hub:  h,
			conn: conn,
			send: make(chan []byte, h.sendBuf),
			done: make(chan struct{}),
		}
		h.add(client)

		mailbox := h.bus.Subscribe(client.id)
		go client.relayLoop(mailbox)
		go client.writeLoop()

		client.enqueueJSON(map[string]any{
			"type":      "connected",
			"client_id": client.id,
			"timestamp": timex.Now(),
		})
		slog.Info("ws client connected", slog.String("client_id", client.id))
		client.readLoop()
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	observability.WSClients.Inc()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		observability.WSClients.Dec()
	}
}

// originChecker admits same-host requests, requests without an Origin header
// and anything on the allowlist.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if _, ok := allowed[strings.ToLower(origin)]; ok {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return false
	}
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

type wsRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

func (c *wsClient) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handle(raw)
	}
}

func (c *wsClient) handle(raw []byte) {
	var req wsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.enqueueJSON(map[string]any{
			"type":      "error",
			"message":   "invalid message",
			"timestamp": timex.Now(),
		})
		return
	}
	switch req.Type {
	case "subscribe":
		c.hub.bus.Subscribe(c.id, req.Channels...)
		c.enqueueJSON(map[string]any{
			"type":      "subscribed",
			"channels":  channelsOrEmpty(req.Channels),
			"timestamp": timex.Now(),
		})
	case "unsubscribe":
		// Guard the empty list: a bare Unsubscribe would tear the whole
		// subscription down and close the mailbox.
		if len(req.Channels) > 0 {
			c.hub.bus.Unsubscribe(c.id, req.Channels...)
		}
		c.enqueueJSON(map[string]any{
			"type":      "unsubscribed",
			"channels":  channelsOrEmpty(req.Channels),
			"timestamp": timex.Now(),
		})
	case "ping":
		c.enqueueJSON(map[string]any{
			"type":      "pong",
			"timestamp": timex.Now(),
		})
	default:
		c.enqueueJSON(map[string]any{
			"type":      "error",
			"message":   "unknown message type: " + req.Type,
			"timestamp": timex.Now(),
		})
	}
}

func (c *wsClient) relayLoop(mailbox <-chan event.Event) {
	for ev := range mailbox {
		frame, err := flattenEvent(ev)
		if err != nil {
			slog.Warn("ws frame encode failed",
				slog.String("channel", ev.Channel), slog.Any("error", err))
			continue
		}
		c.enqueue(frame)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
			observability.WSMessagesSentTotal.Inc()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands a frame to the writer without ever blocking: when this
// client's buffer is full its oldest pending frame is dropped, matching the
// bus mailbox policy.
func (c *wsClient) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *wsClient) enqueueJSON(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *wsClient) close() {
	c.once.Do(func() {
		c.hub.remove(c.id)
		// Closes the mailbox, which ends relayLoop.
		c.hub.bus.Unsubscribe(c.id)
		close(c.done)
		_ = c.conn.Close()
		slog.Info("ws client disconnected", slog.String("client_id", c.id))
	})
}

// flattenEvent shapes a bus event as {type:<channel>, ...payload}, the frame
// layout dashboard clients consume.
func flattenEvent(ev event.Event) ([]byte, error) {
	frame := map[string]any{}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 && raw[0] == '{' {
			if err := json.Unmarshal(raw, &frame); err != nil {
				return nil, err
			}
		} else if string(raw) != "null" {
			frame["payload"] = json.RawMessage(raw)
		}
	}
	frame["type"] = ev.Channel
	if _, ok := frame["timestamp"]; !ok {
		frame["timestamp"] = timex.Format(ev.Timestamp)
	}
	return json.Marshal(frame)
}

func channelsOrEmpty(channels []string) []string {
	if channels == nil {
		return []string{}
	}
	return channels
}
