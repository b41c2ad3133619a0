package backendapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/domain"
)

// GetConversation returns one conversation by id.
// GET /v1/backend/conversations/:conversation_id
func (h *Handler) GetConversation(c echo.Context) error {
	ctx := c.Request().Context()

	conv, err := h.store.GetConversationByID(ctx, c.Param("conversation_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if conv == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}

	return c.JSON(http.StatusOK, conv)
}

// GetConversationByName returns the conversation with the given kind and
// name.
// GET /v1/backend/conversations/by-name?kind=&name=
func (h *Handler) GetConversationByName(c echo.Context) error {
	ctx := c.Request().Context()

	name := c.QueryParam("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	conv, err := h.store.GetConversationByName(ctx, domain.ConversationKind(c.QueryParam("kind")), name)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if conv == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}

	return c.JSON(http.StatusOK, conv)
}

// ListConversations lists conversations, optionally narrowed by kind and
// member.
// GET /v1/backend/conversations?kind=&member_id=
func (h *Handler) ListConversations(c echo.Context) error {
	ctx := c.Request().Context()

	filter := backend.ConversationFilter{
		Kind:     domain.ConversationKind(c.QueryParam("kind")),
		MemberID: c.QueryParam("member_id"),
	}
	conversations, err := h.store.ListConversations(ctx, filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": conversations,
	})
}

// CreateConversation inserts a conversation row.
// POST /v1/backend/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	ctx := c.Request().Context()

	var conv domain.Conversation
	if err := c.Bind(&conv); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if conv.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}
	if conv.Kind == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "kind is required"})
	}

	if err := h.store.InsertConversation(ctx, &conv); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, conv)
}

// RenameRequest is the request body for RenameConversation.
type RenameRequest struct {
	Name string `json:"name"`
}

// RenameConversation updates a conversation's name.
// PATCH /v1/backend/conversations/:conversation_id
func (h *Handler) RenameConversation(c echo.Context) error {
	ctx := c.Request().Context()

	var req RenameRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	if err := h.store.RenameConversation(ctx, c.Param("conversation_id"), req.Name); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteConversation removes a conversation with its messages and
// memberships.
// DELETE /v1/backend/conversations/:conversation_id
func (h *Handler) DeleteConversation(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.store.DeleteConversation(ctx, c.Param("conversation_id")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListMembers lists the users belonging to a conversation.
// GET /v1/backend/conversations/:conversation_id/members
func (h *Handler) ListMembers(c echo.Context) error {
	ctx := c.Request().Context()

	members, err := h.store.ListMembers(ctx, c.Param("conversation_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"members": members,
	})
}

// CreateMembership links a user to a conversation.
// POST /v1/backend/memberships
func (h *Handler) CreateMembership(c echo.Context) error {
	ctx := c.Request().Context()

	var m domain.Membership
	if err := c.Bind(&m); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if m.ConversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "conversation_id is required"})
	}
	if m.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	if err := h.store.InsertMembership(ctx, m.ConversationID, m.UserID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, m)
}
