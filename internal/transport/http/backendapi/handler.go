// Package backendapi exposes a backend Store over REST plus a realtime
// insert feed, so engines on other hosts can use the store through the
// remote backend client.
package backendapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/parleychat/parley/internal/backend"
)

// Handler handles backend API HTTP requests.
type Handler struct {
	store    backend.Store
	upgrader websocket.Upgrader
}

// NewHandler creates a new backend API handler.
func NewHandler(store backend.Store) *Handler {
	return &Handler{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins
				return true
			},
		},
	}
}

// RegisterRoutes registers backend API routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/backend/conversations", h.ListConversations)
	e.POST("/v1/backend/conversations", h.CreateConversation)
	e.GET("/v1/backend/conversations/by-name", h.GetConversationByName)
	e.GET("/v1/backend/conversations/:conversation_id", h.GetConversation)
	e.PATCH("/v1/backend/conversations/:conversation_id", h.RenameConversation)
	e.DELETE("/v1/backend/conversations/:conversation_id", h.DeleteConversation)
	e.GET("/v1/backend/conversations/:conversation_id/messages", h.ListMessages)
	e.GET("/v1/backend/conversations/:conversation_id/members", h.ListMembers)
	e.POST("/v1/backend/memberships", h.CreateMembership)
	e.POST("/v1/backend/messages", h.CreateMessage)
	e.GET("/v1/backend/messages/:message_id", h.GetMessage)
	e.POST("/v1/backend/agents", h.EnsureAgent)
	e.POST("/v1/backend/users", h.CreateUser)
	e.GET("/v1/backend/users/by-username", h.GetUserByUsername)
	e.GET("/v1/backend/users/:user_id", h.GetUser)
	e.GET("/v1/backend/users/:user_id/conversations", h.ListUserConversations)
	e.GET("/v1/backend/subscribe", h.Subscribe)
}
