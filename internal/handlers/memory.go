package handlers

import (
	"github.com/gofiber/fiber/v2"

	"mira/internal/services"
)

// MemoryHandler exposes the long-term memory store for inspection and manual
// curation (support staff seeding facts, debugging recall).
type MemoryHandler struct {
	memoryService *services.MemoryService
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(memoryService *services.MemoryService) *MemoryHandler {
	return &MemoryHandler{memoryService: memoryService}
}

// Store handles POST /api/memories
func (h *MemoryHandler) Store(c *fiber.Ctx) error {
	var req struct {
		Layer      string  `json:"layer"`
		Content    string  `json:"content"`
		Summary    string  `json:"summary"`
		Importance float64 `json:"importance"`
		EntityType string  `json:"entity_type"`
		EntityID   string  `json:"entity_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	err := h.memoryService.Store(c.Context(), services.StoreMemoryInput{
		Layer:      req.Layer,
		Content:    req.Content,
		Summary:    req.Summary,
		Importance: req.Importance,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusCreated)
}

// Recall handles GET /api/memories/recall?q=…&entity_type=…&entity_id=…
func (h *MemoryHandler) Recall(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "q is required"})
	}

	memories, err := h.memoryService.RecallForPrompt(c.Context(), query,
		c.Query("entity_type"), c.Query("entity_id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "recall failed"})
	}
	return c.JSON(fiber.Map{"memories": memories})
}
