package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/parleychat/parley/internal/autoreply"
	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/backend/remote"
	"github.com/parleychat/parley/internal/backend/sqlite"
	"github.com/parleychat/parley/internal/completion"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/policy"
	"github.com/parleychat/parley/internal/recency"
	"github.com/parleychat/parley/internal/service"
	handler "github.com/parleychat/parley/internal/transport/http"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting parleyd...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	if cfg.BackendURL != "" {
		log.Printf("Backend: %s", cfg.BackendURL)
	}
	log.Printf("Completion URL: %s", cfg.CompletionURL)

	// Initialize recency state. The recents table shares the local database
	// file with the sqlite backend.
	state, err := recency.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open recency state: %v", err)
	}
	defer state.Close()
	commands := state.List("commands", recency.DefaultCap)

	// Initialize backend store
	var db backend.Store
	if cfg.BackendURL != "" {
		db = remote.New(cfg.BackendURL, 30*time.Second)
	} else {
		local, err := sqlite.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize backend: %v", err)
		}
		db = local
	}
	defer db.Close()

	ctx := context.Background()

	// Resolve the identity the engine acts as
	currentUser, err := resolveCurrentUser(ctx, db, cfg.Username)
	if err != nil {
		log.Fatalf("Failed to resolve current user: %v", err)
	}
	log.Printf("Acting as %s (%s)", currentUser.Username, currentUser.ID)

	// Load the agent roster and make sure each agent has a user row
	roster, err := config.LoadRoster(cfg.AgentsFile)
	if err != nil {
		log.Fatalf("Failed to load agent roster: %v", err)
	}
	agents, err := provisionAgents(ctx, db, roster)
	if err != nil {
		log.Fatalf("Failed to provision agents: %v", err)
	}
	log.Printf("Agents: %d configured", len(agents))

	// Initialize policy engine
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize completion client
	client := completion.NewClient(cfg.CompletionURL, cfg.CompletionAPIKey, cfg.CompletionModel, cfg.CompletionTimeout)
	if cfg.CompletionAPIKey == "" {
		log.Printf("WARN: PARLEY_COMPLETION_API_KEY is not set; completions will fail")
	}

	// Initialize auto-reply orchestrator and the engine itself
	orchestrator := autoreply.New(agents, client, db, engine, cfg.ReplyContextLimit)
	svc := service.New(db, client, orchestrator, commands, currentUser, cfg.HistoryLimit)

	// Start chat server
	server := handler.NewServer(svc)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("Chat API started on port %d", cfg.HTTPPort)

	// Start backend server. Only the local backend is served; a remote
	// backend already has its own server.
	var backendServer *echo.Echo
	if cfg.BackendURL == "" {
		backendServer = handler.NewBackendServer(db)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.BackendPort)
			if err := backendServer.Start(addr); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start backend server: %v", err)
			}
		}()
		log.Printf("Backend API started on port %d", cfg.BackendPort)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down parleyd...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	if backendServer != nil {
		if err := backendServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown backend server gracefully: %v", err)
		}
	}

	log.Println("parleyd stopped")
}

// resolveCurrentUser looks up the configured identity, creating it on first
// run.
func resolveCurrentUser(ctx context.Context, db backend.Store, username string) (domain.User, error) {
	user, err := db.GetUserByUsername(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	if user != nil {
		return *user, nil
	}

	created := &domain.User{
		ID:        "usr_" + uuid.New().String()[:8],
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.InsertUser(ctx, created); err != nil {
		return domain.User{}, err
	}
	return *created, nil
}

// provisionAgents makes sure every roster agent has a backend user row and
// returns the reply-capable identities. EnsureAgentUser cannot carry the
// roster's avatar, so first creation inserts the full row.
func provisionAgents(ctx context.Context, db backend.Store, roster *config.Roster) ([]autoreply.Agent, error) {
	agents := make([]autoreply.Agent, 0, len(roster.Agents))
	for _, entry := range roster.Agents {
		user, err := db.GetUserByUsername(ctx, entry.Handle)
		if err != nil {
			return nil, fmt.Errorf("failed to look up agent %s: %w", entry.Handle, err)
		}
		if user == nil {
			user = &domain.User{
				ID:        "usr_" + uuid.New().String()[:8],
				Username:  entry.Handle,
				AvatarURL: entry.AvatarURL,
				IsAgent:   true,
				CreatedAt: time.Now().UTC(),
			}
			if err := db.InsertUser(ctx, user); err != nil {
				return nil, fmt.Errorf("failed to create agent %s: %w", entry.Handle, err)
			}
		}
		agents = append(agents, autoreply.Agent{
			Handle:   entry.Handle,
			Name:     entry.Name,
			Persona:  entry.Persona,
			Channels: entry.Channels,
			UserID:   user.ID,
		})
	}
	return agents, nil
}
