package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/live"
)

// OpenChannel mounts a channel surface by name. It returns nil when the
// channel cannot be resolved; backend read failures degrade to the cached
// state rather than failing the mount.
func (s *Service) OpenChannel(ctx context.Context, name string) *ConversationView {
	// Claim the warm key so background warms skip while the mount runs; a
	// lost claim never blocks the open.
	key := "channel:" + name
	if s.tracker.BeginOrSkip(key) {
		defer s.tracker.Release(key)
	}

	conv, ok := s.cache.Conversations().ByName(name)
	if !ok {
		fetched, err := s.store.GetConversationByName(ctx, domain.KindChannel, name)
		if err != nil {
			log.Printf("WARN: failed to resolve channel %q: %v", name, err)
			return nil
		}
		if fetched == nil {
			return nil
		}
		conv = *fetched
		s.cache.Conversations().PutByName(conv)
		s.cache.Conversations().PutByID(conv)
	}

	return &ConversationView{
		Conversation: conv,
		Messages:     s.loadLog(ctx, conv.ID),
		Feed:         s.openFeed(ctx, conv.ID),
	}
}

// OpenDirect mounts a direct-message surface by conversation id.
func (s *Service) OpenDirect(ctx context.Context, conversationID string) *ConversationView {
	key := "direct:" + conversationID
	if s.tracker.BeginOrSkip(key) {
		defer s.tracker.Release(key)
	}

	conv, ok := s.cache.Conversations().ByID(conversationID)
	if !ok {
		fetched, err := s.store.GetConversationByID(ctx, conversationID)
		if err != nil {
			log.Printf("WARN: failed to resolve conversation %s: %v", conversationID, err)
			return nil
		}
		if fetched == nil {
			return nil
		}
		conv = *fetched
		s.cache.Conversations().PutByID(conv)
	}

	return &ConversationView{
		Conversation: conv,
		Messages:     s.loadLog(ctx, conv.ID),
		Feed:         s.openFeed(ctx, conv.ID),
	}
}

// DefaultAgentUsername is the distinguished generic assistant identity. It is
// created lazily by the first surface that opens it.
const DefaultAgentUsername = "parley"

// OpenAssistant mounts the session with the generic assistant agent.
func (s *Service) OpenAssistant(ctx context.Context) *SessionView {
	return s.OpenAgentByUsername(ctx, DefaultAgentUsername)
}

// OpenAgentByUsername mounts the session shared between the current user and
// the named agent, creating the agent identity and the session on first
// visit.
func (s *Service) OpenAgentByUsername(ctx context.Context, username string) *SessionView {
	key := "agent:" + username
	if s.tracker.BeginOrSkip(key) {
		defer s.tracker.Release(key)
	}

	bundleKey := "username:" + username
	if bundle, ok := s.cache.Bundles().Get(bundleKey); ok {
		return &SessionView{
			Conversation: bundle.Conversation,
			Agent:        bundle.Agent,
			Messages:     s.loadLog(ctx, bundle.Conversation.ID),
			Feed:         s.openFeed(ctx, bundle.Conversation.ID),
		}
	}

	agent, err := s.store.EnsureAgentUser(ctx, username)
	if err != nil {
		log.Printf("ERROR: failed to ensure agent user %q: %v", username, err)
		return nil
	}

	conv, err := backend.SharedAgentSession(ctx, s.store, s.currentUser.ID, agent.ID)
	if err != nil {
		log.Printf("WARN: failed to find session with %q: %v", username, err)
		return nil
	}
	if conv == nil {
		created, err := s.createSession(ctx, agent.ID)
		if err != nil {
			return nil
		}
		conv = created
	}
	s.cache.Conversations().PutByID(*conv)

	messages := s.loadLog(ctx, conv.ID)
	s.cache.Bundles().Put(bundleKey, domain.SessionBundle{
		Conversation: *conv,
		Agent:        *agent,
		Messages:     messages,
	})

	return &SessionView{
		Conversation: *conv,
		Agent:        *agent,
		Messages:     messages,
		Feed:         s.openFeed(ctx, conv.ID),
	}
}

// OpenSession mounts an agent-session surface by conversation id.
func (s *Service) OpenSession(ctx context.Context, sessionID string) *SessionView {
	key := "session:" + sessionID
	if s.tracker.BeginOrSkip(key) {
		defer s.tracker.Release(key)
	}

	bundleKey := "session:" + sessionID
	if bundle, ok := s.cache.Bundles().Get(bundleKey); ok {
		return &SessionView{
			Conversation: bundle.Conversation,
			Agent:        bundle.Agent,
			Messages:     s.loadLog(ctx, bundle.Conversation.ID),
			Feed:         s.openFeed(ctx, bundle.Conversation.ID),
		}
	}

	conv, ok := s.cache.Conversations().ByID(sessionID)
	if !ok {
		fetched, err := s.store.GetConversationByID(ctx, sessionID)
		if err != nil {
			log.Printf("WARN: failed to resolve session %s: %v", sessionID, err)
			return nil
		}
		if fetched == nil {
			return nil
		}
		conv = *fetched
		s.cache.Conversations().PutByID(conv)
	}
	if conv.Kind != domain.KindAgentSession {
		return nil
	}

	agent := s.sessionAgent(ctx, sessionID)
	if agent == nil {
		return nil
	}

	messages := s.loadLog(ctx, conv.ID)
	s.cache.Bundles().Put(bundleKey, domain.SessionBundle{
		Conversation: conv,
		Agent:        *agent,
		Messages:     messages,
	})

	return &SessionView{
		Conversation: conv,
		Agent:        *agent,
		Messages:     messages,
		Feed:         s.openFeed(ctx, conv.ID),
	}
}

// createSession inserts a fresh unnamed agent session with both members and
// announces it.
func (s *Service) createSession(ctx context.Context, agentUserID string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:        "conv_" + uuid.New().String()[:8],
		Kind:      domain.KindAgentSession,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		log.Printf("ERROR: failed to create session: %v", err)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	for _, userID := range []string{s.currentUser.ID, agentUserID} {
		if err := s.store.InsertMembership(ctx, conv.ID, userID); err != nil {
			log.Printf("ERROR: failed to add member %s to %s: %v", userID, conv.ID, err)
			return nil, fmt.Errorf("failed to add member: %w", err)
		}
	}
	// The session is brand new, so its log is known to be empty.
	s.cache.Logs().Put(conv.ID, nil)
	s.bus.Publish(bus.Created(*conv))
	return conv, nil
}

// sessionAgent finds the agent member of a session.
func (s *Service) sessionAgent(ctx context.Context, sessionID string) *domain.User {
	members, err := s.store.ListMembers(ctx, sessionID)
	if err != nil {
		log.Printf("WARN: failed to list members of %s: %v", sessionID, err)
		return nil
	}
	for i := range members {
		if members[i].IsAgent {
			return &members[i]
		}
	}
	return nil
}

// loadLog returns the cached message log, fetching and caching it on a miss.
// A failed fetch degrades to nil without marking the log as loaded.
func (s *Service) loadLog(ctx context.Context, conversationID string) []domain.Message {
	if msgs, ok := s.cache.Logs().Get(conversationID); ok {
		return msgs
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, s.historyLimit)
	if err != nil {
		log.Printf("WARN: failed to load messages for %s: %v", conversationID, err)
		return nil
	}
	s.cache.Logs().Put(conversationID, msgs)
	return msgs
}

// openFeed registers a live merge feed for the conversation. Every open owns
// its own subscription; merges are idempotent, so overlap is harmless.
func (s *Service) openFeed(ctx context.Context, conversationID string) *live.Feed {
	feed, err := s.merger.Open(ctx, conversationID)
	if err != nil {
		log.Printf("WARN: failed to open live feed for %s: %v", conversationID, err)
		return nil
	}
	return feed
}
