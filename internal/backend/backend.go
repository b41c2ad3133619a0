// Package backend defines the persistence and realtime contract the engine
// is built against. The engine treats the backend as the source of truth:
// reads are denormalized at the backend, writes are acknowledged before any
// local state changes, and new rows come back through insert notifications.
package backend

import (
	"context"
	"sync"

	"github.com/parleychat/parley/internal/domain"
)

// ConversationFilter narrows ListConversations. Zero fields mean no
// constraint.
type ConversationFilter struct {
	Kind     domain.ConversationKind
	MemberID string
}

// Store is the backend contract. Get and Fetch methods return (nil, nil)
// when no row matches.
type Store interface {
	// Conversation operations
	GetConversationByID(ctx context.Context, id string) (*domain.Conversation, error)
	GetConversationByName(ctx context.Context, kind domain.ConversationKind, name string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error)
	InsertConversation(ctx context.Context, conv *domain.Conversation) error
	RenameConversation(ctx context.Context, id, name string) error
	DeleteConversation(ctx context.Context, id string) error

	// User operations
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	EnsureAgentUser(ctx context.Context, username string) (*domain.User, error)
	InsertUser(ctx context.Context, user *domain.User) error

	// Membership operations
	InsertMembership(ctx context.Context, conversationID, userID string) error
	ListMembers(ctx context.Context, conversationID string) ([]domain.User, error)
	ListMembershipConversationIDs(ctx context.Context, userID string) ([]string, error)

	// Message operations
	InsertMessage(ctx context.Context, msg *domain.Message) error
	FetchMessage(ctx context.Context, id string) (*domain.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// Realtime
	SubscribeInserts(ctx context.Context, conversationID string) (*Subscription, error)

	// Lifecycle
	Close() error
}

// SharedAgentSession returns the earliest-created agent session that both
// users belong to, or (nil, nil) when they share none. Ties on creation
// time break by id so every caller converges on the same session.
func SharedAgentSession(ctx context.Context, s Store, userA, userB string) (*domain.Conversation, error) {
	return sharedConversation(ctx, s, userA, userB, domain.KindAgentSession)
}

// SharedDirectConversation returns the earliest-created direct message
// conversation both users belong to, or (nil, nil) when they share none.
func SharedDirectConversation(ctx context.Context, s Store, userA, userB string) (*domain.Conversation, error) {
	return sharedConversation(ctx, s, userA, userB, domain.KindDirectMessage)
}

func sharedConversation(ctx context.Context, s Store, userA, userB string, kind domain.ConversationKind) (*domain.Conversation, error) {
	mine, err := s.ListMembershipConversationIDs(ctx, userA)
	if err != nil {
		return nil, err
	}
	theirs, err := s.ListMembershipConversationIDs(ctx, userB)
	if err != nil {
		return nil, err
	}

	shared := make(map[string]struct{}, len(theirs))
	for _, id := range theirs {
		shared[id] = struct{}{}
	}

	var best *domain.Conversation
	for _, id := range mine {
		if _, ok := shared[id]; !ok {
			continue
		}
		conv, err := s.GetConversationByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv == nil || conv.Kind != kind {
			continue
		}
		if best == nil || conv.CreatedAt.Before(best.CreatedAt) ||
			(conv.CreatedAt.Equal(best.CreatedAt) && conv.ID < best.ID) {
			best = conv
		}
	}
	return best, nil
}

// InsertNotification announces a newly inserted message row. It carries ids
// only; consumers fetch the denormalized record themselves.
type InsertNotification struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// Subscription is a feed of insert notifications for one conversation.
// Backends push into it with Publish; consumers read Notifications and
// Close when done.
type Subscription struct {
	mu            sync.Mutex
	notifications chan InsertNotification
	closed        bool
	onClose       func()
}

// NewSubscription creates a subscription. onClose, if non-nil, runs once
// when the subscription closes; backends use it to unregister the feed.
func NewSubscription(onClose func()) *Subscription {
	return &Subscription{
		notifications: make(chan InsertNotification, 16),
		onClose:       onClose,
	}
}

// Notifications returns the notification channel. It is closed when the
// subscription closes.
func (s *Subscription) Notifications() <-chan InsertNotification {
	return s.notifications
}

// Publish delivers n to the subscriber without blocking. It reports false
// when the subscription is closed or the subscriber is too far behind, in
// which case the notification is dropped; a full reload recovers anything
// missed.
func (s *Subscription) Publish(n InsertNotification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.notifications <- n:
		return true
	default:
		return false
	}
}

// Close tears down the subscription and releases backend resources. It is
// safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.notifications)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}
