// Package http provides the HTTP servers for the chat engine.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/service"
	"github.com/parleychat/parley/internal/transport/http/backendapi"
	"github.com/parleychat/parley/internal/transport/http/chatapi"
)

// NewServer creates and configures the client-facing HTTP server. This
// server handles streaming completions, agent replies, and health checks.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	chatHandler := chatapi.NewHandler(svc)

	// Register Routes
	chatHandler.RegisterRoutes(e)

	return e
}

// NewBackendServer creates and configures the backend-facing HTTP server.
// This server exposes a Store over REST plus a realtime insert feed, so
// engines on other hosts can use it through the remote backend client.
func NewBackendServer(store backend.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	backendHandler := backendapi.NewHandler(store)

	// Register Routes
	backendHandler.RegisterRoutes(e)

	return e
}
