package handlers

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"mira/internal/models"
	"mira/internal/services"
)

// readDeadline allows for a full tool loop (up to three model calls) between
// client messages.
const readDeadline = 360 * time.Second

// ChatSocketHandler serves the /ws/chat endpoint: one connection, one user,
// at most one in-flight generation.
type ChatSocketHandler struct {
	chatService *services.ChatService
}

// NewChatSocketHandler creates a new chat WebSocket handler.
func NewChatSocketHandler(chatService *services.ChatService) *ChatSocketHandler {
	return &ChatSocketHandler{chatService: chatService}
}

// socketConn wraps one live connection with its write channel and the cancel
// function of the in-flight generation, if any.
type socketConn struct {
	id        string
	conn      *websocket.Conn
	writeChan chan models.ServerEvent

	mu         sync.Mutex
	cancel     context.CancelFunc
	generating bool
}

// Handle runs the connection lifecycle: write loop, ping loop, read loop.
func (h *ChatSocketHandler) Handle(c *websocket.Conn) {
	sc := &socketConn{
		id:        uuid.NewString(),
		conn:      c,
		writeChan: make(chan models.ServerEvent, 100),
	}

	services.GetMetrics().RecordWebSocketOpened()
	log.Printf("🔌 [WS] Connection %s opened", sc.id)

	done := make(chan struct{})
	defer func() {
		sc.stopGeneration()
		close(done)
		services.GetMetrics().RecordWebSocketClosed()
		log.Printf("🔌 [WS] Connection %s closed", sc.id)
	}()

	c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.writeLoop(sc, done)
	go h.pingLoop(sc, done)

	h.readLoop(sc)
}

// readLoop handles incoming client messages until the connection drops.
func (h *ChatSocketHandler) readLoop(sc *socketConn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [WS] Panic in read loop for %s: %v", sc.id, r)
		}
	}()

	for {
		_, msg, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		sc.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			sc.writeChan <- models.ServerEvent{Type: models.EventError, Error: "invalid message format"}
			continue
		}

		switch clientMsg.Type {
		case "chat_message":
			h.handleChatMessage(sc, clientMsg)
		case "stop_generation":
			sc.stopGeneration()
		default:
			sc.writeChan <- models.ServerEvent{Type: models.EventError, Error: "unknown message type"}
		}
	}
}

// handleChatMessage starts one streamed exchange, rejecting overlap.
func (h *ChatSocketHandler) handleChatMessage(sc *socketConn, msg models.ClientMessage) {
	if msg.SessionID == "" || msg.Content == "" {
		sc.writeChan <- models.ServerEvent{Type: models.EventError, Error: "session_id and content are required"}
		return
	}

	sc.mu.Lock()
	if sc.generating {
		sc.mu.Unlock()
		sc.writeChan <- models.ServerEvent{Type: models.EventError, Error: "a response is already being generated"}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	sc.generating = true
	sc.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [WS] Panic during generation for %s: %v", sc.id, r)
			}
			sc.mu.Lock()
			sc.generating = false
			sc.cancel = nil
			sc.mu.Unlock()
			cancel()
		}()

		events := make(chan models.ServerEvent, 100)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for e := range events {
				sc.writeChan <- e
			}
		}()

		h.chatService.StreamChat(ctx, msg.SessionID, msg.Content, msg.EntityType, msg.EntityID, events)
		close(events)
		<-forwarded
	}()
}

// stopGeneration cancels the in-flight generation, if any.
func (sc *socketConn) stopGeneration() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cancel != nil {
		sc.cancel()
		sc.cancel = nil
	}
}

// writeLoop is the only goroutine writing to the connection.
func (h *ChatSocketHandler) writeLoop(sc *socketConn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-sc.writeChan:
			if err := sc.conn.WriteJSON(event); err != nil {
				log.Printf("⚠️ [WS] Write failed for %s: %v", sc.id, err)
				return
			}
		}
	}
}

// pingLoop keeps the connection alive across long generations.
func (h *ChatSocketHandler) pingLoop(sc *socketConn, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sc.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
