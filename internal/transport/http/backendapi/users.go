package backendapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parleychat/parley/internal/domain"
)

// GetUser returns one user by id.
// GET /v1/backend/users/:user_id
func (h *Handler) GetUser(c echo.Context) error {
	ctx := c.Request().Context()

	user, err := h.store.GetUserByID(ctx, c.Param("user_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if user == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
	}

	return c.JSON(http.StatusOK, user)
}

// GetUserByUsername returns one user by username.
// GET /v1/backend/users/by-username?username=
func (h *Handler) GetUserByUsername(c echo.Context) error {
	ctx := c.Request().Context()

	username := c.QueryParam("username")
	if username == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "username is required"})
	}

	user, err := h.store.GetUserByUsername(ctx, username)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if user == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
	}

	return c.JSON(http.StatusOK, user)
}

// CreateUser inserts a user row.
// POST /v1/backend/users
func (h *Handler) CreateUser(c echo.Context) error {
	ctx := c.Request().Context()

	var user domain.User
	if err := c.Bind(&user); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if user.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}
	if user.Username == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "username is required"})
	}

	if err := h.store.InsertUser(ctx, &user); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, user)
}

// EnsureAgentRequest is the request body for EnsureAgent.
type EnsureAgentRequest struct {
	Username string `json:"username"`
}

// EnsureAgent returns the agent user with the given username, creating it
// if necessary.
// POST /v1/backend/agents
func (h *Handler) EnsureAgent(c echo.Context) error {
	ctx := c.Request().Context()

	var req EnsureAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Username == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "username is required"})
	}

	user, err := h.store.EnsureAgentUser(ctx, req.Username)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, user)
}

// ListUserConversations lists the ids of the conversations a user belongs
// to.
// GET /v1/backend/users/:user_id/conversations
func (h *Handler) ListUserConversations(c echo.Context) error {
	ctx := c.Request().Context()

	ids, err := h.store.ListMembershipConversationIDs(ctx, c.Param("user_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_ids": ids,
	})
}
