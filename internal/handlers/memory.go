package handlers

import (
	"github.com/gofiber/fiber/v2"

	"xerus/internal/memory"
	"xerus/internal/models"
)

// MemoryHandler exposes the working-memory operations over HTTP for callers
// that do not hold a websocket connection.
type MemoryHandler struct {
	service *memory.Service
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(service *memory.Service) *MemoryHandler {
	return &MemoryHandler{service: service}
}

type storeRequest struct {
	Content  any                 `json:"content"`
	Context  models.StoreContext `json:"context"`
	Metadata *models.Metadata    `json:"metadata,omitempty"`
}

// Store scores and persists one observation.
// POST /api/memory/:agentId/:userId/store
func (h *MemoryHandler) Store(c *fiber.Ctx) error {
	var req storeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Content == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "content is required"})
	}

	wm, err := h.service.Cache(c.Context(), c.Params("agentId"), c.Params("userId"))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "working memory unavailable"})
	}

	return c.JSON(wm.Store(c.Context(), req.Content, req.Context, req.Metadata))
}

// Retrieve returns ranked context entries.
// GET /api/memory/:agentId/:userId/retrieve
func (h *MemoryHandler) Retrieve(c *fiber.Ctx) error {
	wm, err := h.service.Cache(c.Context(), c.Params("agentId"), c.Params("userId"))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "working memory unavailable"})
	}

	opts := models.DefaultRetrieveOptions()
	if limit := c.QueryInt("limit"); limit > 0 {
		opts.Limit = limit
	}
	if min := c.QueryFloat("min_relevance"); min > 0 {
		opts.MinRelevance = min
	}
	opts.IncludeAttentionSinks = c.QueryBool("include_sinks", true)

	sessionID := c.Query("session_id")
	opts.SessionOnly = sessionID != "" || c.QueryBool("session_only")

	entries := wm.Retrieve(c.Context(), sessionID, opts)
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

// Context returns the ranked mirror snapshot without touching the store.
// GET /api/memory/:agentId/:userId/context
func (h *MemoryHandler) Context(c *fiber.Ctx) error {
	wm, err := h.service.Cache(c.Context(), c.Params("agentId"), c.Params("userId"))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "working memory unavailable"})
	}

	entries := wm.GetContext(c.QueryInt("limit"))
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

// AttentionSinks returns the live attention sinks for a scope.
// GET /api/memory/:agentId/:userId/sinks
func (h *MemoryHandler) AttentionSinks(c *fiber.Ctx) error {
	wm, err := h.service.Cache(c.Context(), c.Params("agentId"), c.Params("userId"))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "working memory unavailable"})
	}

	entries := wm.GetAttentionSinks(c.Context())
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

type syncRequest struct {
	Entries []models.SlidingWindowEntry `json:"entries"`
}

// Sync ingests a sliding-window snapshot over HTTP.
// POST /api/memory/:agentId/:userId/sync
func (h *MemoryHandler) Sync(c *fiber.Ctx) error {
	var req syncRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	wm, err := h.service.Cache(c.Context(), c.Params("agentId"), c.Params("userId"))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "working memory unavailable"})
	}

	return c.JSON(wm.SyncWithSlidingWindow(c.Context(), req.Entries))
}

// Stats reports activity counters for every live cache.
// GET /api/memory/stats
func (h *MemoryHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"caches": h.service.Stats()})
}
