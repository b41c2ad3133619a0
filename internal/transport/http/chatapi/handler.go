// Package chatapi exposes the engine's completion surface over HTTP: a
// streaming chat proxy, one-shot agent replies, and a health check.
package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parleychat/parley/internal/autoreply"
	"github.com/parleychat/parley/internal/completion"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/service"
)

// Handler handles chat surface HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new chat surface handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers chat surface routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/chat/stream", h.ChatStream)
	e.POST("/v1/agents/reply", h.AgentReply)
	e.GET("/healthz", h.Health)
}

// ChatMessage is one turn of conversation input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatStreamRequest is the request body for ChatStream.
type ChatStreamRequest struct {
	System   string        `json:"system,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// StreamChunk is one SSE data frame of a streamed reply.
type StreamChunk struct {
	Text string `json:"text"`
}

// ChatStream proxies a streaming completion, forwarding every output text
// delta as an SSE frame and closing with a [DONE] marker.
// POST /v1/chat/stream
func (h *Handler) ChatStream(c echo.Context) error {
	ctx := c.Request().Context()

	var req ChatStreamRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: "invalid request body",
				Type:    "invalid_request_error",
			},
		})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: "messages is required",
				Type:    "invalid_request_error",
			},
		})
	}

	client := h.service.Completion()
	if client == nil {
		return c.JSON(http.StatusServiceUnavailable, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: "completion is not configured",
				Type:    "configuration_error",
			},
		})
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: "streaming not supported",
				Type:    "internal_error",
			},
		})
	}

	input := make([]completion.InputMessage, len(req.Messages))
	for i, m := range req.Messages {
		input[i] = completion.InputMessage{Role: m.Role, Content: m.Content}
	}

	// The SSE headers go out with the first delta, so errors raised before
	// anything streamed can still get a JSON response with a real status.
	streaming := false
	err := client.Stream(ctx, req.System, input, func(delta string) error {
		if !streaming {
			beginEventStream(c)
			streaming = true
		}

		data, err := json.Marshal(StreamChunk{Text: delta})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if err != nil && !streaming {
		if errors.Is(err, completion.ErrMissingAPIKey) {
			return c.JSON(http.StatusServiceUnavailable, completion.ErrorResponse{
				Error: &completion.APIError{
					Message: err.Error(),
					Type:    "configuration_error",
				},
			})
		}
		return c.JSON(http.StatusBadGateway, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: err.Error(),
				Type:    "upstream_error",
			},
		})
	}

	if !streaming {
		// The upstream completed without producing a single delta.
		beginEventStream(c)
	}

	// Write [DONE] marker
	fmt.Fprintf(c.Response().Writer, "data: [DONE]\n\n")
	flusher.Flush()

	if err != nil {
		// Can't change status code after writing response
		// Just log it
		log.Printf("ERROR: chat stream failed: %v", err)
	}

	return nil
}

func beginEventStream(c echo.Context) {
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
}

// ReplyMessage is one line of channel context, oldest first.
type ReplyMessage struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// ReplyRequest is the request body for AgentReply.
type ReplyRequest struct {
	Agent    string         `json:"agent"`
	Channel  string         `json:"channel,omitempty"`
	Messages []ReplyMessage `json:"messages"`
}

// ReplyResponse carries a composed reply. Reply is empty when the agent
// declined.
type ReplyResponse struct {
	Reply     string            `json:"reply"`
	Citations []domain.Citation `json:"citations,omitempty"`
}

// AgentReply composes a one-shot reply from a configured agent over the
// supplied channel context. Nothing is persisted.
// POST /v1/agents/reply
func (h *Handler) AgentReply(c echo.Context) error {
	ctx := c.Request().Context()

	var req ReplyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: "invalid request body",
				Type:    "invalid_request_error",
			},
		})
	}
	if req.Agent == "" {
		return c.JSON(http.StatusBadRequest, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: "agent is required",
				Type:    "invalid_request_error",
			},
		})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: "messages is required",
				Type:    "invalid_request_error",
			},
		})
	}

	history := make([]autoreply.HistoryMessage, len(req.Messages))
	for i, m := range req.Messages {
		history[i] = autoreply.HistoryMessage{Username: m.Username, Content: m.Content}
	}

	reply, citations, err := h.service.ComposeReply(ctx, req.Agent, req.Channel, history)
	if err != nil {
		if errors.Is(err, autoreply.ErrUnknownAgent) {
			return c.JSON(http.StatusNotFound, completion.ErrorResponse{
				Error: &completion.APIError{
					Message: err.Error(),
					Type:    "invalid_request_error",
				},
			})
		}
		return c.JSON(http.StatusBadGateway, completion.ErrorResponse{
			Error: &completion.APIError{
				Message: err.Error(),
				Type:    "upstream_error",
			},
		})
	}

	return c.JSON(http.StatusOK, ReplyResponse{Reply: reply, Citations: citations})
}

// Health reports process liveness.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
