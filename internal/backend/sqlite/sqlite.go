// Package sqlite implements the backend contract on a local SQLite
// database. Insert notifications are fanned out in-process: every committed
// message insert is pushed to the subscriptions registered for its
// conversation.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/domain"
)

// Store implements backend.Store using SQLite.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	subs    map[string]map[int]*backend.Subscription
	nextSub int
}

// New opens (or creates) the database at dsn and runs migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if strings.Contains(dsn, ":memory:") {
		// A second connection to :memory: would see an empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{
		db:   db,
		subs: make(map[string]map[int]*backend.Subscription),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			avatar_url TEXT NOT NULL DEFAULT '',
			is_agent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_kind ON conversations(kind, created_at)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id),
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id),
			FOREIGN KEY (sender_id) REFERENCES users(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection and every open subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	var open []*backend.Subscription
	for _, bySub := range s.subs {
		for _, sub := range bySub {
			open = append(open, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range open {
		_ = sub.Close()
	}
	return s.db.Close()
}

// GetConversationByID retrieves a conversation by id.
func (s *Store) GetConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, kind, name, created_at FROM conversations WHERE conversation_id = ?`,
		id).Scan(&conv.ID, &conv.Kind, &conv.Name, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversationByName retrieves the earliest conversation with the given
// kind and name.
func (s *Store) GetConversationByName(ctx context.Context, kind domain.ConversationKind, name string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, kind, name, created_at FROM conversations
		 WHERE kind = ? AND name = ? ORDER BY created_at ASC, conversation_id ASC LIMIT 1`,
		string(kind), name).Scan(&conv.ID, &conv.Kind, &conv.Name, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations retrieves conversations matching the filter, ordered by
// creation time.
func (s *Store) ListConversations(ctx context.Context, filter backend.ConversationFilter) ([]domain.Conversation, error) {
	query := `SELECT c.conversation_id, c.kind, c.name, c.created_at FROM conversations c`
	args := []interface{}{}

	var where []string
	if filter.MemberID != "" {
		query += ` JOIN memberships m ON m.conversation_id = c.conversation_id`
		where = append(where, "m.user_id = ?")
		args = append(args, filter.MemberID)
	}
	if filter.Kind != "" {
		where = append(where, "c.kind = ?")
		args = append(args, string(filter.Kind))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY c.created_at ASC, c.conversation_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ID, &conv.Kind, &conv.Name, &conv.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// InsertConversation inserts a conversation row.
func (s *Store) InsertConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, kind, name, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, string(conv.Kind), conv.Name, conv.CreatedAt)
	return err
}

// RenameConversation updates a conversation's name.
func (s *Store) RenameConversation(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET name = ? WHERE conversation_id = ?`,
		name, id)
	return err
}

// DeleteConversation removes a conversation with its messages and
// memberships.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetUserByID retrieves a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, avatar_url, is_agent, created_at FROM users WHERE user_id = ?`,
		id).Scan(&user.ID, &user.Username, &user.AvatarURL, &user.IsAgent, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, avatar_url, is_agent, created_at FROM users WHERE username = ?`,
		username).Scan(&user.ID, &user.Username, &user.AvatarURL, &user.IsAgent, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureAgentUser returns the agent user with the given username, creating
// it if necessary. Concurrent callers converge on one row.
func (s *Store) EnsureAgentUser(ctx context.Context, username string) (*domain.User, error) {
	user, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (user_id, username, avatar_url, is_agent, created_at) VALUES (?, ?, ?, 1, ?)`,
		"usr_"+uuid.New().String()[:8], username, "", time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetUserByUsername(ctx, username)
}

// InsertUser inserts a user row.
func (s *Store) InsertUser(ctx context.Context, user *domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, avatar_url, is_agent, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.AvatarURL, user.IsAgent, user.CreatedAt)
	return err
}

// InsertMembership inserts a membership row. Re-adding an existing member
// is a no-op.
func (s *Store) InsertMembership(ctx context.Context, conversationID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memberships (conversation_id, user_id) VALUES (?, ?)`,
		conversationID, userID)
	return err
}

// ListMembers retrieves the users belonging to a conversation.
func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.user_id, u.username, u.avatar_url, u.is_agent, u.created_at
		 FROM memberships m JOIN users u ON u.user_id = m.user_id
		 WHERE m.conversation_id = ? ORDER BY u.username ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.ID, &user.Username, &user.AvatarURL, &user.IsAgent, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ListMembershipConversationIDs retrieves the ids of every conversation the
// user belongs to.
func (s *Store) ListMembershipConversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM memberships WHERE user_id = ?`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertMessage inserts a message row and notifies subscribers of the
// conversation.
func (s *Store) InsertMessage(ctx context.Context, msg *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil {
		return err
	}

	s.broadcast(backend.InsertNotification{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	})
	return nil
}

const messageSelect = `SELECT m.message_id, m.conversation_id, m.sender_id, m.content, m.created_at,
	u.username, u.avatar_url, u.is_agent
	FROM messages m JOIN users u ON u.user_id = m.sender_id`

func scanMessage(scan func(...interface{}) error) (domain.Message, error) {
	var msg domain.Message
	err := scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt,
		&msg.Sender.Username, &msg.Sender.AvatarURL, &msg.Sender.IsAgent)
	msg.Sender.ID = msg.SenderID
	return msg, err
}

// FetchMessage retrieves one denormalized message by id.
func (s *Store) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+` WHERE m.message_id = ?`, id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages retrieves the most recent messages of a conversation,
// denormalized with sender records, in ascending (created_at, id) order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := messageSelect + ` WHERE m.conversation_id = ? ORDER BY m.created_at DESC, m.message_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query runs newest-first to apply the limit; callers get oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SubscribeInserts registers a notification feed for one conversation. The
// feed lives until its Close is called.
func (s *Store) SubscribeInserts(ctx context.Context, conversationID string) (*backend.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	sub := backend.NewSubscription(func() { s.dropSubscription(conversationID, id) })
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[int]*backend.Subscription)
	}
	s.subs[conversationID][id] = sub
	return sub, nil
}

func (s *Store) dropSubscription(conversationID string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bySub, ok := s.subs[conversationID]; ok {
		delete(bySub, id)
		if len(bySub) == 0 {
			delete(s.subs, conversationID)
		}
	}
}

func (s *Store) broadcast(n backend.InsertNotification) {
	s.mu.Lock()
	bySub := s.subs[n.ConversationID]
	snapshot := make([]*backend.Subscription, 0, len(bySub))
	for _, sub := range bySub {
		snapshot = append(snapshot, sub)
	}
	s.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.Publish(n) {
			log.Printf("WARN: dropped insert notification %s for %s", n.MessageID, n.ConversationID)
		}
	}
}
