package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mira/internal/database"
	"mira/internal/services"
)

// HealthHandler serves liveness/readiness info.
type HealthHandler struct {
	db        *database.DB
	providers *services.ProviderService
	startedAt time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *database.DB, providers *services.ProviderService) *HealthHandler {
	return &HealthHandler{db: db, providers: providers, startedAt: time.Now()}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	status := "ok"
	code := fiber.StatusOK

	dbStatus := "ok"
	if err := h.db.PingContext(c.Context()); err != nil {
		dbStatus = "unreachable"
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"database":  dbStatus,
		"providers": h.providers.Count(),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	})
}
