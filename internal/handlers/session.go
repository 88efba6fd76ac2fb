package handlers

import (
	"github.com/gofiber/fiber/v2"

	"mira/internal/services"
)

// SessionHandler serves the minimal session REST surface backing the chat
// WebSocket.
type SessionHandler struct {
	sessionService *services.SessionService
	chatService    *services.ChatService
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessionService *services.SessionService, chatService *services.ChatService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService, chatService: chatService}
}

// Create handles POST /api/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
		Title  string `json:"title"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	session, err := h.sessionService.CreateSession(c.Context(), req.UserID, req.Title)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create session"})
	}
	return c.Status(fiber.StatusCreated).JSON(session)
}

// Get handles GET /api/sessions/:id
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	session, err := h.sessionService.GetSession(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	return c.JSON(session)
}

// List handles GET /api/sessions?user_id=…
func (h *SessionHandler) List(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
	}

	sessions, err := h.sessionService.GetSessionsByUser(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list sessions"})
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

// Messages handles GET /api/sessions/:id/messages
func (h *SessionHandler) Messages(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if _, err := h.sessionService.GetSession(c.Context(), sessionID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}

	turns, err := h.sessionService.GetTurns(c.Context(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load messages"})
	}
	return c.JSON(fiber.Map{"messages": turns})
}

// SendMessage handles POST /api/sessions/:id/messages — the synchronous,
// non-streaming chat path. Directives are resolved before the response returns.
func (h *SessionHandler) SendMessage(c *fiber.Ctx) error {
	var req struct {
		Content    string `json:"content"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "content is required"})
	}

	turn, err := h.chatService.Chat(c.Context(), c.Params("id"), req.Content, req.EntityType, req.EntityID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "failed to generate a response"})
	}
	return c.JSON(turn)
}
