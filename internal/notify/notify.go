// Package notify pushes live balance updates to connected browsers over
// WebSocket. Delivery is best effort: a client that cannot keep up is
// disconnected rather than allowed to slow down the ledger path.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/brushwork-ai/brushwork/internal/auth"
	"github.com/brushwork-ai/brushwork/internal/store"
)

// Reasons carried by balance events.
const (
	ReasonSnapshot   = "snapshot"
	ReasonGeneration = "generation"
	ReasonPurchase   = "purchase"
)

// Event is the message sent to subscribers.
type Event struct {
	Type      string    `json:"type"` // always "balance"
	Balance   int64     `json:"balance"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"ts"`
}

// AccountResolver maps an authenticated subject to its account.
type AccountResolver interface {
	EnsureAccount(ctx context.Context, externalID string, defaultBalance int64) (*store.Account, bool, error)
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins     []string
	DefaultBalance     int64
	MaxConnsPerAccount int // default 5
	SendBuffer         int // queued events per connection before it is dropped; default 16
}

// Hub tracks WebSocket subscribers per account.
type Hub struct {
	auth           auth.Provider
	accounts       AccountResolver
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	defaultBalance int64
	maxConns       int
	sendBuffer     int

	mu      sync.RWMutex
	clients map[string]map[string]*client // account_id -> conn_id -> client
}

type client struct {
	id        string
	accountID string
	conn      *websocket.Conn
	mu        sync.Mutex // serializes writes
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// New creates a Hub.
func New(ap auth.Provider, accounts AccountResolver, logger *slog.Logger, opts Options) *Hub {
	maxConns := opts.MaxConnsPerAccount
	if maxConns == 0 {
		maxConns = 5
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer == 0 {
		sendBuffer = 16
	}
	return &Hub{
		auth:           ap,
		accounts:       accounts,
		logger:         logger.With("component", "notify"),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		defaultBalance: opts.DefaultBalance,
		maxConns:       maxConns,
		sendBuffer:     sendBuffer,
		clients:        make(map[string]map[string]*client),
	}
}

// BalanceChanged queues a balance event for every connection of accountID.
// It never blocks.
func (h *Hub) BalanceChanged(accountID string, balance int64, reason string) {
	data, err := json.Marshal(Event{Type: "balance", Balance: balance, Reason: reason, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients[accountID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", "account_id", accountID, "conn_id", c.id)
		c.close()
	}
}

// Subscribers returns the number of live connections for accountID.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[accountID])
}

// HandleWS upgrades an authenticated request and streams balance events
// until the peer disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on the WebSocket handshake, so the token
	// may arrive as a query parameter.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	identity, err := h.auth.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	acct, _, err := h.accounts.EnsureAccount(r.Context(), identity.Subject, h.defaultBalance)
	if err != nil {
		h.logger.Error("resolve account for websocket", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:        uuid.New().String(),
		accountID: acct.ID,
		conn:      conn,
		send:      make(chan []byte, h.sendBuffer),
		done:      make(chan struct{}),
	}

	if !h.register(c) {
		h.logger.Warn("too many websocket connections", "account_id", acct.ID, "limit", h.maxConns)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	defer h.unregister(c)

	cancelKeepalive := startWSKeepalive(conn, &c.mu)
	defer cancelKeepalive()

	h.logger.Debug("websocket connected", "account_id", acct.ID, "conn_id", c.id)

	go h.writeLoop(c)
	h.BalanceChanged(acct.ID, acct.CreditBalance, ReasonSnapshot)

	// Inbound messages are ignored; reading drives pong handling and
	// detects disconnects.
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Debug("websocket closed", "conn_id", c.id, "error", err)
			return
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.accountID]
	if len(conns) >= h.maxConns {
		return false
	}
	if conns == nil {
		conns = make(map[string]*client)
		h.clients[c.accountID] = conns
	}
	conns[c.id] = c
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.accountID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.clients, c.accountID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case data := <-c.send:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.mu.Unlock()
			if err != nil {
				h.logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close is safe to call from any goroutine; it unblocks the read loop by
// closing the underlying connection.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
