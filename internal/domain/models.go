// Package domain defines the core domain models for the chat engine.
package domain

import (
	"time"
)

// ConversationKind classifies a conversation.
type ConversationKind string

const (
	KindChannel       ConversationKind = "channel"
	KindDirectMessage ConversationKind = "direct-message"
	KindAgentSession  ConversationKind = "agent-session"
)

// Conversation is the unit messages belong to: a channel, a direct message,
// or an agent session. Immutable once created except Name, which may change
// for agent sessions only.
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// User is a human or agent identity. Agents are users with IsAgent set.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	IsAgent   bool      `json:"is_agent"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageSender is the sender summary denormalized onto a message at read
// time.
type MessageSender struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsAgent   bool   `json:"is_agent"`
}

// Message is a single append-only message row. Within a conversation,
// messages are totally ordered by (CreatedAt, ID).
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	Sender         MessageSender `json:"sender"`
}

// Membership links a user to a conversation.
type Membership struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// SessionBundle is the materialized state an agent-session surface needs on
// mount: the conversation, the agent identity on the other side, and the
// loaded message log.
type SessionBundle struct {
	Conversation Conversation `json:"conversation"`
	Agent        User         `json:"agent"`
	Messages     []Message    `json:"messages"`
}

// Renameable reports whether a conversation of this kind may be renamed.
func (k ConversationKind) Renameable() bool {
	return k == KindAgentSession
}
