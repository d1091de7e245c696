package api

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/doridoridoriand/linkwatch/internal/log"
	"github.com/doridoridoriand/linkwatch/internal/reconcile"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Message is one frame sent to websocket clients.
type Message struct {
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Ops       []reconcile.Operation `json:"ops,omitempty"`
}

type client struct {
	id   uint64
	conn *websocket.Conn
	send chan Message
}

// Hub fans reconcile batches out to websocket clients. It keeps a mirror of every scope
// so a client that connects late starts from a reset plus the full current state.
type Hub struct {
	mu      sync.Mutex
	mirror  map[string]map[string]interface{}
	clients map[uint64]*client
	seq     uint64
	closed  bool
	logger  *log.Logger
	now     func() time.Time

	upgrader websocket.Upgrader
}

// NewHub returns an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		mirror:  make(map[string]map[string]interface{}),
		clients: make(map[uint64]*client),
		logger:  logger,
		now:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Apply folds ops into the mirror and broadcasts them. Batches are incremental, so a
// client whose buffer is full is disconnected rather than skipped; on reconnect it starts
// over from a fresh state frame.
func (h *Hub) Apply(ops []reconcile.Operation) {
	if len(ops) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, op := range ops {
		h.foldLocked(op)
	}
	msg := Message{Type: "ops", Timestamp: h.now(), Ops: ops}
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, id)
			close(c.send)
			h.logger.Warn("websocket client too slow, disconnecting", map[string]interface{}{"client": id, "total": len(h.clients)})
		}
	}
}

func (h *Hub) foldLocked(op reconcile.Operation) {
	switch op.Op {
	case reconcile.OpReset:
		delete(h.mirror, op.Scope)
	case reconcile.OpRemove:
		if rows, ok := h.mirror[op.Scope]; ok {
			delete(rows, op.Key)
			if len(rows) == 0 {
				delete(h.mirror, op.Scope)
			}
		}
	case reconcile.OpCreate, reconcile.OpUpdate:
		rows, ok := h.mirror[op.Scope]
		if !ok {
			rows = make(map[string]interface{})
			h.mirror[op.Scope] = rows
		}
		rows[op.Key] = op.Payload
	}
}

// stateLocked renders the mirror as reset plus creates, scopes and keys sorted.
func (h *Hub) stateLocked() []reconcile.Operation {
	scopes := make([]string, 0, len(h.mirror))
	for scope := range h.mirror {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	ops := make([]reconcile.Operation, 0, len(scopes))
	for _, scope := range scopes {
		ops = append(ops, reconcile.Operation{Op: reconcile.OpReset, Scope: scope})
		rows := h.mirror[scope]
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ops = append(ops, reconcile.Operation{Op: reconcile.OpCreate, Scope: scope, Key: k, Payload: rows[k]})
		}
	}
	return ops
}

// register queues the initial state before the client is visible to Apply, so no
// batch can overtake it.
func (h *Hub) register(conn *websocket.Conn) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.seq++
	c := &client{id: h.seq, conn: conn, send: make(chan Message, clientBuffer)}
	c.send <- Message{Type: "state", Timestamp: h.now(), Ops: h.stateLocked()}
	h.clients[c.id] = c
	h.logger.Info("websocket client connected", map[string]interface{}{"client": c.id, "total": len(h.clients)})
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.logger.Info("websocket client disconnected", map[string]interface{}{"client": c.id, "total": len(h.clients)})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// ServeWS upgrades the request and streams frames until the client goes away.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.LogError("websocket", err, map[string]interface{}{"remote": c.ClientIP()})
		return
	}
	cl, ok := h.register(conn)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	go h.writePump(cl)
	h.readPump(cl)
}

// readPump only services control frames; clients have nothing to say.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.LogError("websocket", err, map[string]interface{}{"client": c.id})
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
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
			if err := c.conn.WriteJSON(msg); err != nil {
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
