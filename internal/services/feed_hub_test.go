package services

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"triggerflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedHub_BroadcastReachesClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewFeedHub()
	go hub.Run()

	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())

	automation := &models.Automation{ID: "a-1", OwnerID: "user-1", Name: "feed test"}
	hub.BroadcastExecution(automation, &ExecutionResult{Status: StatusCompleted, DurationMs: 5})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg FeedMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "execution", msg.Type)
	assert.Equal(t, "user-1", msg.OwnerID)
}

func TestFeedHub_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewFeedHub()
	// No Run loop: the buffered channel absorbs what it can and the rest is
	// dropped instead of blocking the caller.
	for i := 0; i < 200; i++ {
		hub.BroadcastActivity("poll", "user-1", map[string]any{"i": i})
	}
	assert.Equal(t, 0, hub.ClientCount())
}
