package backendapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/parleychat/parley/internal/domain"
)

// CreateMessage inserts a message row.
// POST /v1/backend/messages
func (h *Handler) CreateMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var msg domain.Message
	if err := c.Bind(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if msg.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}
	if msg.ConversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "conversation_id is required"})
	}
	if msg.SenderID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "sender_id is required"})
	}

	if err := h.store.InsertMessage(ctx, &msg); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, msg)
}

// GetMessage returns one denormalized message by id.
// GET /v1/backend/messages/:message_id
func (h *Handler) GetMessage(c echo.Context) error {
	ctx := c.Request().Context()

	msg, err := h.store.FetchMessage(ctx, c.Param("message_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if msg == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "message not found"})
	}

	return c.JSON(http.StatusOK, msg)
}

// ListMessages returns the most recent messages of a conversation in
// ascending order. limit 0 means no limit.
// GET /v1/backend/conversations/:conversation_id/messages?limit=
func (h *Handler) ListMessages(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		}
		limit = n
	}

	messages, err := h.store.ListMessages(ctx, c.Param("conversation_id"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}
