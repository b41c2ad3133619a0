package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/completion"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/ingest"
)

// SendMessage inserts a message from the current user into a conversation.
// The cached log is not touched here: the realtime merge delivers the insert
// back to every open feed, deduplicated by id. Channel messages are then
// checked for auto-replies in the background.
func (s *Service) SendMessage(ctx context.Context, conversationID, text string) (*domain.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	msg := &domain.Message{
		ID:             "msg_" + uuid.New().String()[:8],
		ConversationID: conversationID,
		SenderID:       s.currentUser.ID,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
		Sender: domain.MessageSender{
			ID:        s.currentUser.ID,
			Username:  s.currentUser.Username,
			AvatarURL: s.currentUser.AvatarURL,
			IsAgent:   s.currentUser.IsAgent,
		},
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		log.Printf("ERROR: failed to send message to %s: %v", conversationID, err)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	go s.checkAutoReply(*msg)
	return msg, nil
}

// checkAutoReply resolves the conversation and hands the message to the
// orchestrator. Runs in the background with its own context: an abandoned
// surface does not cancel a reply already underway.
func (s *Service) checkAutoReply(msg domain.Message) {
	if s.orchestrator == nil {
		return
	}
	ctx := context.Background()

	conv, ok := s.cache.Conversations().ByID(msg.ConversationID)
	if !ok {
		fetched, err := s.store.GetConversationByID(ctx, msg.ConversationID)
		if err != nil || fetched == nil {
			if err != nil {
				log.Printf("WARN: failed to resolve conversation %s: %v", msg.ConversationID, err)
			}
			return
		}
		conv = *fetched
		s.cache.Conversations().PutByID(conv)
	}

	s.orchestrator.HandleMessage(conv, msg)
}

// CreateChannel inserts a named channel with the current user as first
// member and announces it on the bus.
func (s *Service) CreateChannel(ctx context.Context, name string) (*domain.Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	existing, err := s.store.GetConversationByName(ctx, domain.KindChannel, name)
	if err != nil {
		log.Printf("WARN: failed to check for existing channel %q: %v", name, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("channel %q already exists", name)
	}

	conv := &domain.Conversation{
		ID:        "conv_" + uuid.New().String()[:8],
		Kind:      domain.KindChannel,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		log.Printf("ERROR: failed to create channel %q: %v", name, err)
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := s.store.InsertMembership(ctx, conv.ID, s.currentUser.ID); err != nil {
		log.Printf("ERROR: failed to join channel %q: %v", name, err)
		return nil, fmt.Errorf("failed to join channel: %w", err)
	}

	s.cache.Conversations().PutByName(*conv)
	s.cache.Conversations().PutByID(*conv)
	s.cache.Logs().Put(conv.ID, nil)
	s.bus.Publish(bus.Created(*conv))
	return conv, nil
}

// StartDirect returns the direct conversation with another user, creating it
// when none exists yet. Only a genuinely new conversation is announced.
func (s *Service) StartDirect(ctx context.Context, otherUserID string) (*domain.Conversation, error) {
	if otherUserID == "" {
		return nil, fmt.Errorf("other_user_id is required")
	}
	if otherUserID == s.currentUser.ID {
		return nil, fmt.Errorf("cannot start a direct message with yourself")
	}

	existing, err := backend.SharedDirectConversation(ctx, s.store, s.currentUser.ID, otherUserID)
	if err != nil {
		log.Printf("WARN: failed to look up direct conversation with %s: %v", otherUserID, err)
	}
	if existing != nil {
		s.cache.Conversations().PutByID(*existing)
		return existing, nil
	}

	conv := &domain.Conversation{
		ID:        "conv_" + uuid.New().String()[:8],
		Kind:      domain.KindDirectMessage,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		log.Printf("ERROR: failed to create direct conversation: %v", err)
		return nil, fmt.Errorf("failed to create direct conversation: %w", err)
	}
	for _, userID := range []string{s.currentUser.ID, otherUserID} {
		if err := s.store.InsertMembership(ctx, conv.ID, userID); err != nil {
			log.Printf("ERROR: failed to add member %s to %s: %v", userID, conv.ID, err)
			return nil, fmt.Errorf("failed to add member: %w", err)
		}
	}

	s.cache.Conversations().PutByID(*conv)
	s.cache.Logs().Put(conv.ID, nil)
	s.bus.Publish(bus.Created(*conv))
	return conv, nil
}

// StartAgentSession creates a fresh session with the named agent and, when a
// first prompt is given, deposits it for the session surface to withdraw on
// mount. The deposit happens before this returns, so an already mounted
// surface is notified immediately.
func (s *Service) StartAgentSession(ctx context.Context, agentUsername, firstPrompt string) (*domain.Conversation, error) {
	if agentUsername == "" {
		return nil, fmt.Errorf("agent_username is required")
	}

	agent, err := s.store.EnsureAgentUser(ctx, agentUsername)
	if err != nil {
		log.Printf("ERROR: failed to ensure agent user %q: %v", agentUsername, err)
		return nil, fmt.Errorf("failed to ensure agent user: %w", err)
	}

	conv, err := s.createSession(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	s.cache.Conversations().PutByID(*conv)
	s.cache.Bundles().Put("session:"+conv.ID, domain.SessionBundle{
		Conversation: *conv,
		Agent:        *agent,
	})

	if firstPrompt != "" {
		s.prompts.Deposit(conv.ID, firstPrompt)
	}
	return conv, nil
}

// RenameSession renames an agent session and announces the change. Only
// agent sessions are renameable.
func (s *Service) RenameSession(ctx context.Context, sessionID, newName string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if newName == "" {
		return fmt.Errorf("name is required")
	}

	conv, err := s.resolveConversation(ctx, sessionID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if !conv.Kind.Renameable() {
		return fmt.Errorf("%s conversations cannot be renamed", conv.Kind)
	}

	if err := s.store.RenameConversation(ctx, sessionID, newName); err != nil {
		log.Printf("ERROR: failed to rename session %s: %v", sessionID, err)
		return fmt.Errorf("failed to rename session: %w", err)
	}

	updated := *conv
	updated.Name = newName
	s.cache.Conversations().PutByID(updated)
	if bundle, ok := s.cache.Bundles().Get("session:" + sessionID); ok {
		bundle.Conversation.Name = newName
		s.cache.Bundles().Put("session:"+sessionID, bundle)
	}
	s.bus.Publish(bus.Renamed(sessionID, newName))
	return nil
}

// DeleteSession deletes an agent session and announces the removal. Cached
// copies are left in place; rosters drop the entry through the bus event.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	conv, err := s.resolveConversation(ctx, sessionID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if conv.Kind != domain.KindAgentSession {
		return fmt.Errorf("%s conversations cannot be deleted", conv.Kind)
	}

	if err := s.store.DeleteConversation(ctx, sessionID); err != nil {
		log.Printf("ERROR: failed to delete session %s: %v", sessionID, err)
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.bus.Publish(bus.Deleted(sessionID))
	return nil
}

// StreamSessionReply sends text into an agent session and streams the
// agent's answer back. onUpdate receives the cleaned display view after
// every delta; on success the raw accumulated reply is persisted as the
// agent's message and the realtime merge carries it into caches and feeds.
// Any failure persists no agent message.
func (s *Service) StreamSessionReply(ctx context.Context, sessionID, text string, onUpdate func(display string)) (*domain.Message, error) {
	if s.client == nil {
		return nil, fmt.Errorf("completion is not configured")
	}

	conv, err := s.resolveConversation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if conv.Kind != domain.KindAgentSession {
		return nil, fmt.Errorf("%s conversations do not stream replies", conv.Kind)
	}
	agent := s.sessionAgent(ctx, sessionID)
	if agent == nil {
		return nil, fmt.Errorf("session %s has no agent", sessionID)
	}

	userMsg, err := s.SendMessage(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, sessionID, s.historyLimit)
	if err != nil {
		log.Printf("WARN: failed to load history for %s: %v", sessionID, err)
		history = []domain.Message{*userMsg}
	}
	input := make([]completion.InputMessage, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Sender.IsAgent {
			role = "assistant"
		}
		input = append(input, completion.InputMessage{Role: role, Content: m.Content})
	}

	raw, err := ingest.New(s.client).Run(ctx, ingest.Request{
		Instructions: s.sessionInstructions(agent),
		Input:        input,
	}, onUpdate)
	if err != nil {
		return nil, err
	}

	reply := &domain.Message{
		ID:             "msg_" + uuid.New().String()[:8],
		ConversationID: sessionID,
		SenderID:       agent.ID,
		Content:        raw,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, reply); err != nil {
		log.Printf("ERROR: failed to store reply in %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to store reply: %w", err)
	}
	return reply, nil
}

// sessionInstructions builds the system instruction for a session exchange,
// preferring the configured persona for the agent's handle.
func (s *Service) sessionInstructions(agent *domain.User) string {
	if s.orchestrator != nil {
		for _, a := range s.orchestrator.Agents() {
			if a.Handle == agent.Username {
				return a.Persona
			}
		}
	}
	return fmt.Sprintf("You are %s, a helpful assistant in a private conversation. Answer directly and concisely.", agent.Username)
}

// resolveConversation reads a conversation from the cache or the backend.
// (nil, nil) means the conversation does not exist.
func (s *Service) resolveConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	if conv, ok := s.cache.Conversations().ByID(conversationID); ok {
		return &conv, nil
	}
	conv, err := s.store.GetConversationByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if conv != nil {
		s.cache.Conversations().PutByID(*conv)
	}
	return conv, nil
}
