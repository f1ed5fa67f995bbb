package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mallquest/backend/internal/metrics"
)

// Upgrader with origin validation. In production only origins listed in
// MALLQUEST_ALLOWED_ORIGINS are accepted; elsewhere all origins pass.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("MALLQUEST_ENV")
	allowedRaw := os.Getenv("MALLQUEST_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("WebSocket origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("WebSocket rejected origin", "origin", origin)
			return false
		}
	}
	if env == "production" && allowedRaw == "" {
		slog.Warn("MALLQUEST_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// pushMessage is the frame shape every server push uses.
type pushMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
	At   time.Time              `json:"at"`
}

// Hub tracks live WebSocket sessions keyed by (tenant, user). A user may
// hold several connections; pushes fan out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool
	metrics *metrics.Metrics
}

// NewHub builds an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
		metrics: m,
	}
}

func sessionKey(tenantID, userID string) string { return tenantID + "|" + userID }

func (h *Hub) register(c *Client) {
	key := sessionKey(c.tenantID, c.userID)
	h.mu.Lock()
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]bool)
	}
	h.clients[key][c] = true
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	slog.Info("WebSocket connected", "tenant", c.tenantID, "user", c.userID)
}

func (h *Hub) unregister(c *Client) {
	key := sessionKey(c.tenantID, c.userID)
	h.mu.Lock()
	if set := h.clients[key]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, key)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
	slog.Info("WebSocket disconnected", "tenant", c.tenantID, "user", c.userID)
}

// Deliver pushes one message to every live connection of the user. It
// reports false when the user has no connection; full send buffers drop the
// frame rather than block.
func (h *Hub) Deliver(tenantID, userID, kind string, payload map[string]interface{}) bool {
	frame, err := json.Marshal(pushMessage{Type: kind, Data: payload, At: time.Now().UTC()})
	if err != nil {
		return false
	}

	h.mu.RLock()
	set := h.clients[sessionKey(tenantID, userID)]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		select {
		case c.send <- frame:
			delivered = true
		default:
			slog.Info("WebSocket send buffer full, dropping frame", "user", userID, "kind", kind)
		}
	}
	return delivered
}

// GetStats reports connection counts.
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := 0
	for _, set := range h.clients {
		conns += len(set)
	}
	return map[string]interface{}{
		"users":       len(h.clients),
		"connections": conns,
	}
}

// CloseAll tears down every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}
