// Package notification pushes live build logs and status changes to
// WebSocket clients.
package notification

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"buildops/shared/message"
)

const (
	writeWait = 5 * time.Second
	// sendQueue is how many messages a client may lag behind before it is
	// disconnected.
	sendQueue = 256
)

type client struct {
	conn      *websocket.Conn
	targetID  string
	clientID  string
	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub tracks connected clients. A client subscribes to one build target, or
// to every target when it connects without a targetId.
type Hub struct {
	clients      map[string]*client
	clientsMutex sync.RWMutex
	upgrader     websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket serves /ws?clientId=<id>[&targetId=<target>].
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		http.Error(w, "clientId is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	c := &client{
		conn:     conn,
		targetID: r.URL.Query().Get("targetId"),
		clientID: clientID,
		send:     make(chan interface{}, sendQueue),
		done:     make(chan struct{}),
	}

	h.clientsMutex.Lock()
	old := h.clients[clientID]
	h.clients[clientID] = c
	h.clientsMutex.Unlock()
	if old != nil {
		old.close()
	}

	go h.writePump(c)
	defer h.remove(c)

	// Reading keeps control frames flowing; clients send nothing else.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// writePump is the only writer of c.conn. The first failed write drops the
// client.
func (h *Hub) writePump(c *client) {
	for {
		select {
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				log.Printf("Failed to write to client %s: %v", c.clientID, err)
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.clientsMutex.Lock()
	if h.clients[c.clientID] == c {
		delete(h.clients, c.clientID)
	}
	h.clientsMutex.Unlock()
	c.close()
}

// broadcast queues payload for every subscribed client without blocking. A
// client whose queue is full is disconnected.
func (h *Hub) broadcast(targetID string, payload map[string]interface{}) {
	var lagging []*client

	h.clientsMutex.RLock()
	for _, c := range h.clients {
		if c.targetID != "" && c.targetID != targetID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.clientsMutex.RUnlock()

	for _, c := range lagging {
		log.Printf("⚠️ Client %s is not keeping up, disconnecting", c.clientID)
		h.remove(c)
	}
}

func (h *Hub) BuildStatus(msg message.BuildStatusMessage) {
	h.broadcast(msg.TargetID, map[string]interface{}{
		"type":     "status",
		"targetId": msg.TargetID,
		"runId":    msg.RunID,
		"status":   msg.Status,
		"time":     msg.UpdatedAt,
	})
}

func (h *Hub) BuildLog(msg message.BuildLogMessage) {
	h.broadcast(msg.TargetID, map[string]interface{}{
		"type":     "log",
		"targetId": msg.TargetID,
		"runId":    msg.RunID,
		"log":      msg.LogEntry,
		"time":     msg.Timestamp,
	})
}
