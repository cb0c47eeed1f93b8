package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"xerus/internal/memory"
	"xerus/internal/models"
)

// MemorySyncWebSocketHandler handles WebSocket connections for sliding-window
// sync: the frontend pushes snapshots of its short-term buffer and gets a
// per-batch result back.
type MemorySyncWebSocketHandler struct {
	service *memory.Service
}

// NewMemorySyncWebSocketHandler creates a new sync WebSocket handler
func NewMemorySyncWebSocketHandler(service *memory.Service) *MemorySyncWebSocketHandler {
	return &MemorySyncWebSocketHandler{service: service}
}

// SyncClientMessage represents a message from the client
type SyncClientMessage struct {
	Type    string                      `json:"type"` // sync
	AgentID string                      `json:"agent_id,omitempty"`
	UserID  string                      `json:"user_id,omitempty"`
	Entries []models.SlidingWindowEntry `json:"entries,omitempty"`
}

// SyncServerMessage represents a message to send to the client
type SyncServerMessage struct {
	Type    string `json:"type"` // connected, sync_result, error
	Synced  int    `json:"synced,omitempty"`
	Skipped int    `json:"skipped,omitempty"`
	Errors  int    `json:"errors,omitempty"`
	Error   string `json:"error,omitempty"`
}

// safeConn wraps a websocket.Conn with a mutex for thread-safe writes.
// gorilla/websocket does not support concurrent writers.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *safeConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteJSON(v)
}

// Handle handles a new WebSocket connection for sliding-window sync
func (h *MemorySyncWebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	sc := &safeConn{conn: c}

	log.Printf("🔌 [MEMORY-WS] New connection: connID=%s", connID)

	// Keepalive to survive proxies (nginx, Cloudflare, ALB) between
	// infrequent sync batches.
	c.SetReadDeadline(time.Now().Add(360 * time.Second))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(360 * time.Second))
		return nil
	})

	if err := sc.writeJSON(SyncServerMessage{Type: "connected"}); err != nil {
		log.Printf("❌ [MEMORY-WS] Failed to send connected message: %v", err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sc.mu.Lock()
				err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
				sc.mu.Unlock()
				if err != nil {
					log.Printf("🏓 [MEMORY-WS] Ping failed for %s: %v", connID, err)
					return
				}
			}
		}
	}()

	// One batch per second sustained, short bursts allowed. A misbehaving
	// client cannot flood the scoring pipeline.
	limiter := rate.NewLimiter(rate.Limit(1), 5)

	for {
		var msg SyncClientMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("❌ [MEMORY-WS] Read error on %s: %v", connID, err)
			}
			return
		}
		c.SetReadDeadline(time.Now().Add(360 * time.Second))

		if msg.Type != "sync" {
			sc.writeJSON(SyncServerMessage{Type: "error", Error: "unknown message type: " + msg.Type})
			continue
		}
		if msg.AgentID == "" || msg.UserID == "" {
			sc.writeJSON(SyncServerMessage{Type: "error", Error: "agent_id and user_id are required"})
			continue
		}

		if !limiter.Allow() {
			sc.writeJSON(SyncServerMessage{Type: "error", Error: "rate limit exceeded, slow down"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		wm, err := h.service.Cache(ctx, msg.AgentID, msg.UserID)
		if err != nil {
			cancel()
			log.Printf("❌ [MEMORY-WS] Failed to initialize working memory for %s/%s: %v",
				msg.AgentID, msg.UserID, err)
			sc.writeJSON(SyncServerMessage{Type: "error", Error: "working memory unavailable"})
			continue
		}

		result := wm.SyncWithSlidingWindow(ctx, msg.Entries)
		cancel()

		sc.writeJSON(SyncServerMessage{
			Type:    "sync_result",
			Synced:  result.Synced,
			Skipped: result.Skipped,
			Errors:  result.Errors,
		})
	}
}
