// Package service composes the synchronization engine: caches, realtime
// merge, prefetch, events, and the agent reply paths, behind the operations
// the surfaces call.
package service

import (
	"context"
	"fmt"

	"github.com/parleychat/parley/internal/autoreply"
	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/completion"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/handoff"
	"github.com/parleychat/parley/internal/inflight"
	"github.com/parleychat/parley/internal/live"
	"github.com/parleychat/parley/internal/prefetch"
	"github.com/parleychat/parley/internal/recency"
)

// Service owns the engine's process-lifetime state. One Service is built at
// startup and shared by reference; the caches and registries inside it are
// never torn down before the process exits.
type Service struct {
	store        backend.Store
	client       *completion.Client
	orchestrator *autoreply.Orchestrator
	commands     *recency.List
	currentUser  domain.User
	historyLimit int

	cache   *cache.Store
	bus     *bus.Bus
	tracker *inflight.Tracker
	prompts *handoff.Queue
	warmer  *prefetch.Warmer
	merger  *live.Merger
}

// New builds the engine around a backend store. client may be nil when no
// completion credentials are configured; orchestrator and commands may be nil
// when agents or the recency store are not set up.
func New(store backend.Store, client *completion.Client, orchestrator *autoreply.Orchestrator, commands *recency.List, currentUser domain.User, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	cacheStore := cache.New()
	tracker := inflight.New()
	return &Service{
		store:        store,
		client:       client,
		orchestrator: orchestrator,
		commands:     commands,
		currentUser:  currentUser,
		historyLimit: historyLimit,
		cache:        cacheStore,
		bus:          bus.New(),
		tracker:      tracker,
		prompts:      handoff.NewQueue(),
		warmer:       prefetch.New(store, cacheStore, tracker, currentUser.ID, historyLimit),
		merger:       live.NewMerger(store, cacheStore),
	}
}

// CurrentUser returns the identity the engine acts as.
func (s *Service) CurrentUser() domain.User {
	return s.currentUser
}

// Cache exposes the entity cache for surfaces that re-read after bus events.
func (s *Service) Cache() *cache.Store {
	return s.cache
}

// Bus exposes the cross-surface event bus.
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

// Warmer exposes the prefetch warmer for hover and focus intent.
func (s *Service) Warmer() *prefetch.Warmer {
	return s.warmer
}

// Prompts exposes the pending-prompt handoff queue.
func (s *Service) Prompts() *handoff.Queue {
	return s.prompts
}

// Commands returns the persisted recently-used-commands list, or nil when no
// recency store is configured.
func (s *Service) Commands() *recency.List {
	return s.commands
}

// Completion returns the completion client, or nil when credentials are not
// configured.
func (s *Service) Completion() *completion.Client {
	return s.client
}

// ComposeReply produces the named agent's reply over caller-supplied history
// without persisting anything. Empty text means the agent declined.
func (s *Service) ComposeReply(ctx context.Context, handle, channel string, history []autoreply.HistoryMessage) (string, []domain.Citation, error) {
	if s.orchestrator == nil {
		return "", nil, fmt.Errorf("no agents configured")
	}
	return s.orchestrator.ComposeReply(ctx, handle, channel, history)
}

// ConversationView is the mounted state of a channel or direct-message
// surface. Feed is nil when the realtime subscription could not be opened;
// the cached state is still served.
type ConversationView struct {
	Conversation domain.Conversation
	Messages     []domain.Message
	Feed         *live.Feed
}

// SessionView is the mounted state of an agent-session surface.
type SessionView struct {
	Conversation domain.Conversation
	Agent        domain.User
	Messages     []domain.Message
	Feed         *live.Feed
}
