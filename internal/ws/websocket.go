// Package ws serves a live WebSocket feed of captured interactions.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HakAl/llmtap/internal/analytics"
	"github.com/HakAl/llmtap/internal/record"
)

// Message types sent to clients.
const (
	MessageTypeInteraction = "interaction"
	MessageTypeAnomaly     = "anomaly"
	MessageTypePing        = "ping"
)

const (
	clientBuffer  = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	keepalive     = 30 * time.Second
	maxClientRead = 512
)

// Message is one frame of the feed.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`

	// subject is the interaction the message is about; nil for pings.
	subject *Summary
}

// Summary is the broadcast form of a record. Payloads are never sent.
type Summary struct {
	ID           string          `json:"id"`
	Provider     record.Provider `json:"provider"`
	Model        string          `json:"model"`
	Status       record.Status   `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	Error        string          `json:"error,omitempty"`
	InputTokens  *int            `json:"input_tokens,omitempty"`
	OutputTokens *int            `json:"output_tokens,omitempty"`
	TotalTokens  *int            `json:"total_tokens,omitempty"`
	Method       string          `json:"method,omitempty"`
	Streaming    bool            `json:"streaming,omitempty"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
}

// Summarize builds the broadcast summary of rec.
func Summarize(rec *record.Interaction) *Summary {
	s := &Summary{
		ID:           rec.ID,
		Provider:     rec.Provider,
		Model:        rec.Model,
		Status:       rec.Status,
		Timestamp:    rec.Timestamp,
		DurationMs:   rec.DurationMs,
		Error:        rec.ErrorMessage,
		InputTokens:  rec.Tokens.Input,
		OutputTokens: rec.Tokens.Output,
		TotalTokens:  rec.Tokens.Total,
	}
	s.Method, _ = rec.Metadata["method"].(string)
	s.Streaming, _ = rec.Metadata["streaming"].(bool)
	s.WorkflowID, _ = rec.Metadata["workflow_id"].(string)
	return s
}

// Filter narrows what a client receives. The zero Filter passes everything.
type Filter struct {
	Provider   record.Provider
	WorkflowID string
	ErrorsOnly bool
}

// FilterFromQuery reads provider, workflow and errors query params.
func FilterFromQuery(q url.Values) Filter {
	f := Filter{
		Provider:   record.Provider(q.Get("provider")),
		WorkflowID: q.Get("workflow"),
	}
	switch q.Get("errors") {
	case "1", "true", "yes":
		f.ErrorsOnly = true
	}
	return f
}

// Match reports whether a message about s should reach the client.
func (f Filter) Match(s *Summary) bool {
	if s == nil {
		return true
	}
	if f.Provider != "" && s.Provider != f.Provider {
		return false
	}
	if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
		return false
	}
	if f.ErrorsOnly && s.Status != record.StatusError {
		return false
	}
	return true
}

// isLocalOrigin accepts browser origins served from the loopback host.
func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

// Hub fans interaction messages out to connected clients. It is also an
// emit sink.
type Hub struct {
	token      string
	thresholds *analytics.AnomalyThresholds
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// Client is one feed subscriber.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter Filter
}

// NewHub creates a hub whose clients must present token.
func NewHub(token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		token:      token,
		thresholds: analytics.DefaultThresholds(),
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, clientBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns client registration and delivery until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	keep := time.NewTicker(keepalive)
	defer keep.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("feed client connected", "clients", n, "provider", c.filter.Provider, "workflow", c.filter.WorkflowID)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("feed client disconnected", "clients", n)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-keep.C:
			h.Broadcast(&Message{Type: MessageTypePing, Timestamp: time.Now()})
		}
	}
}

// drop removes c. h.mu must be held.
func (h *Hub) drop(c *Client) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// deliver encodes msg once and queues it for every matching client. Clients
// whose buffer is full are disconnected.
func (h *Hub) deliver(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode feed message", "type", msg.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter.Match(msg.subject) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.drop(c)
	}
	h.mu.Unlock()
	h.logger.Warn("disconnected slow feed clients", "count", len(slow))
}

// Broadcast queues msg without blocking; it is dropped if the hub is behind.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("feed backlog full, dropping message", "type", msg.Type)
	}
}

func (h *Hub) Name() string { return "websocket" }

// Write broadcasts each record's summary followed by any anomalies it shows.
func (h *Hub) Write(_ context.Context, recs []*record.Interaction) error {
	now := time.Now()
	for _, rec := range recs {
		s := Summarize(rec)
		h.Broadcast(&Message{Type: MessageTypeInteraction, Timestamp: now, Data: s, subject: s})
		for _, a := range analytics.Detect(rec, h.thresholds) {
			h.Broadcast(&Message{Type: MessageTypeAnomaly, Timestamp: now, Data: a, subject: s})
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// authorized accepts "Authorization: Bearer <token>" or ?token= for clients
// that cannot set headers.
func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte("Bearer "+h.token)) == 1 {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(h.token)) == 1
}

// Handler upgrades authenticated loopback requests to feed connections.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !isLocalOrigin(origin) {
			h.logger.Warn("rejected feed connection", "origin", origin)
			http.Error(w, "Forbidden: non-localhost origin", http.StatusForbidden)
			return
		}
		if !h.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade feed connection", "error", err)
			return
		}

		c := &Client{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, clientBuffer),
			filter: FilterFromQuery(r.URL.Query()),
		}
		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writeLoop()
		go c.readLoop()
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames so pongs and close frames are handled.
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientRead)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("feed connection error", "error", err)
			}
			return
		}
	}
}
