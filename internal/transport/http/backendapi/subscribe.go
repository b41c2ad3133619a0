package backendapi

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Subscribe upgrades to a WebSocket and forwards insert notifications for
// one conversation as JSON text frames until either side closes.
// GET /v1/backend/subscribe?conversation_id=
func (h *Handler) Subscribe(c echo.Context) error {
	conversationID := c.QueryParam("conversation_id")
	if conversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "conversation_id is required"})
	}

	sub, err := h.store.SubscribeInserts(c.Request().Context(), conversationID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		sub.Close()
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}
	defer ws.Close()

	// The read pump exists only to observe the peer going away; the feed
	// itself is one-way.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		sub.Close()
	}()

	for n := range sub.Notifications() {
		if err := ws.WriteJSON(n); err != nil {
			break
		}
	}
	sub.Close()

	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
