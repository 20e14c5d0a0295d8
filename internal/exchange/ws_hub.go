package exchange

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bourse/settlement-engine/internal/auth"
	"github.com/bourse/settlement-engine/internal/metrics"
	"github.com/bourse/settlement-engine/internal/settlement"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// outbound is one event encoded twice: the full form for the account it
// concerns and a redacted form for everyone else. public is nil for events
// that only the account may see.
type outbound struct {
	companyID string
	accountID string
	private   []byte
	public    []byte
}

// WSHub fans committed settlement events out to WebSocket clients. A client
// may subscribe to one company with ?company_id=. Anonymous clients see
// market events with account ids removed; a client that presents a token
// also receives the full events of its own account.
type WSHub struct {
	authn      *auth.Authenticator
	clients    map[*websocket.Conn]subscription
	broadcast  chan outbound
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

type subscription struct {
	conn      *websocket.Conn
	companyID string
	accountID string // empty for anonymous clients
}

// deliver picks the payload a subscriber may see, or nil.
func (s subscription) deliver(msg outbound) []byte {
	if s.accountID != "" && s.accountID == msg.accountID {
		return msg.private
	}
	if msg.public == nil {
		return nil
	}
	if s.companyID != "" && s.companyID != msg.companyID {
		return nil
	}
	return msg.public
}

// NewWSHub creates a WebSocket hub. A nil authenticator serves anonymous
// clients only.
func NewWSHub(authn *auth.Authenticator) *WSHub {
	return &WSHub{
		authn:      authn,
		clients:    make(map[*websocket.Conn]subscription),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns after Close.
func (h *WSHub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "company", sub.companyID, "authenticated", sub.accountID != "")

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.Lock()
			var dead []*websocket.Conn
			for conn, sub := range h.clients {
				data := sub.deliver(msg)
				if data == nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.Unlock()
			for _, conn := range dead {
				h.drop(conn)
			}

		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops Run and disconnects every client.
func (h *WSHub) Close() {
	close(h.done)
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Publish implements settlement.Publisher. It never blocks; events are
// dropped when the buffer is full. Events without a company are private to
// their account.
func (h *WSHub) Publish(ev settlement.Event) {
	msg := outbound{companyID: ev.CompanyID, accountID: ev.AccountID}
	var err error
	if msg.private, err = json.Marshal(ev); err != nil {
		return
	}
	if ev.CompanyID != "" {
		redacted := ev
		redacted.AccountID = ""
		if msg.public, err = json.Marshal(redacted); err != nil {
			return
		}
	}
	select {
	case h.broadcast <- msg:
	default:
		slog.Warn("ws broadcast buffer full, event dropped", "type", ev.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // browsers connect from the trading UI origin
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. A token
// that is present but invalid is rejected before the upgrade.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sub := subscription{companyID: r.URL.Query().Get("company_id")}
	if h.authn != nil {
		id, ok, err := h.authn.Identify(r)
		if err != nil {
			auth.Unauthorized(w, auth.ErrInvalidToken)
			return
		}
		if ok {
			sub.accountID = id.AccountID
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	sub.conn = conn

	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keeps the deadline fresh and detects disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ping ticker keeps the connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-h.done:
				return
			}
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
