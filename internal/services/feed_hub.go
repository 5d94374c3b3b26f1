package services

import (
	"net/http"
	"sync"
	"time"

	"triggerflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage is one entry on the live activity feed.
type FeedMessage struct {
	Type      string    `json:"type"` // execution, poll, webhook
	OwnerID   string    `json:"owner_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan FeedMessage
}

// FeedHub broadcasts engine activity (execution outcomes, poll and webhook
// summaries) to connected UI clients over WebSocket. Read-only: inbound
// messages are drained and ignored.
type FeedHub struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	mutex      sync.RWMutex
}

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 64),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
	}
}

func (h *FeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			logrus.Infof("feed client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				logrus.Infof("feed client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and attaches the client to the feed.
func (h *FeedHub) HandleWebSocket(c *gin.Context) {
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("feed upgrade failed: %v", err)
		return
	}

	client := &feedClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan FeedMessage, 16),
	}
	h.register <- client

	go h.writePump(client)
	go h.readPump(client)
}

func (h *FeedHub) writePump(client *feedClient) {
	defer client.conn.Close()
	for message := range client.send {
		if err := client.conn.WriteJSON(message); err != nil {
			logrus.Debugf("feed write to %s failed: %v", client.id, err)
			return
		}
	}
}

func (h *FeedHub) readPump(client *feedClient) {
	defer func() {
		h.unregister <- client
		client.conn.Close()
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (h *FeedHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// BroadcastExecution publishes an execution outcome to the feed.
func (h *FeedHub) BroadcastExecution(automation *models.Automation, result *ExecutionResult) {
	h.publish(FeedMessage{
		Type:    "execution",
		OwnerID: automation.OwnerID,
		Data: map[string]any{
			"automation_id":   automation.ID,
			"automation_name": automation.Name,
			"status":          result.Status,
			"actions":         len(result.ActionResults),
			"duration_ms":     result.DurationMs,
		},
		Timestamp: time.Now(),
	})
}

// BroadcastActivity publishes a poll or webhook summary to the feed.
func (h *FeedHub) BroadcastActivity(kind, ownerID string, data any) {
	h.publish(FeedMessage{Type: kind, OwnerID: ownerID, Data: data, Timestamp: time.Now()})
}

func (h *FeedHub) publish(message FeedMessage) {
	select {
	case h.broadcast <- message:
	default:
		logrus.Debug("feed broadcast buffer full, dropping message")
	}
}
