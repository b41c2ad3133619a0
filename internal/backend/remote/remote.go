// Package remote implements the backend contract against a backend API
// server: reads and writes over REST, insert notifications over WebSocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/domain"
)

// Client implements backend.Store over a remote backend API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a remote backend client for the server at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Close releases idle connections. Open subscriptions keep their own
// WebSocket until closed.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// GetConversationByID retrieves a conversation by id.
func (c *Client) GetConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	found, err := c.get(ctx, "/v1/backend/conversations/"+url.PathEscape(id), &conv)
	if err != nil || !found {
		return nil, err
	}
	return &conv, nil
}

// GetConversationByName retrieves a conversation by kind and name.
func (c *Client) GetConversationByName(ctx context.Context, kind domain.ConversationKind, name string) (*domain.Conversation, error) {
	q := url.Values{"kind": {string(kind)}, "name": {name}}
	var conv domain.Conversation
	found, err := c.get(ctx, "/v1/backend/conversations/by-name?"+q.Encode(), &conv)
	if err != nil || !found {
		return nil, err
	}
	return &conv, nil
}

// ListConversations lists conversations matching the filter, oldest first.
func (c *Client) ListConversations(ctx context.Context, filter backend.ConversationFilter) ([]domain.Conversation, error) {
	q := url.Values{}
	if filter.Kind != "" {
		q.Set("kind", string(filter.Kind))
	}
	if filter.MemberID != "" {
		q.Set("member_id", filter.MemberID)
	}
	path := "/v1/backend/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if _, err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// InsertConversation inserts a conversation row.
func (c *Client) InsertConversation(ctx context.Context, conv *domain.Conversation) error {
	return c.send(ctx, http.MethodPost, "/v1/backend/conversations", conv, nil)
}

// RenameConversation updates a conversation's name.
func (c *Client) RenameConversation(ctx context.Context, id, name string) error {
	return c.send(ctx, http.MethodPatch, "/v1/backend/conversations/"+url.PathEscape(id),
		map[string]string{"name": name}, nil)
}

// DeleteConversation removes a conversation with its messages and
// memberships.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/v1/backend/conversations/"+url.PathEscape(id), nil, nil)
}

// GetUserByID retrieves a user by id.
func (c *Client) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	found, err := c.get(ctx, "/v1/backend/users/"+url.PathEscape(id), &user)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by username.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	q := url.Values{"username": {username}}
	var user domain.User
	found, err := c.get(ctx, "/v1/backend/users/by-username?"+q.Encode(), &user)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

// EnsureAgentUser returns the agent user with the given username, creating
// it if necessary.
func (c *Client) EnsureAgentUser(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	if err := c.send(ctx, http.MethodPost, "/v1/backend/agents",
		map[string]string{"username": username}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// InsertUser inserts a user row.
func (c *Client) InsertUser(ctx context.Context, user *domain.User) error {
	return c.send(ctx, http.MethodPost, "/v1/backend/users", user, nil)
}

// InsertMembership links a user to a conversation.
func (c *Client) InsertMembership(ctx context.Context, conversationID, userID string) error {
	return c.send(ctx, http.MethodPost, "/v1/backend/memberships",
		domain.Membership{ConversationID: conversationID, UserID: userID}, nil)
}

// ListMembers lists the users belonging to a conversation.
func (c *Client) ListMembers(ctx context.Context, conversationID string) ([]domain.User, error) {
	var resp struct {
		Members []domain.User `json:"members"`
	}
	path := "/v1/backend/conversations/" + url.PathEscape(conversationID) + "/members"
	if _, err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// ListMembershipConversationIDs lists the ids of the conversations a user
// belongs to.
func (c *Client) ListMembershipConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var resp struct {
		ConversationIDs []string `json:"conversation_ids"`
	}
	path := "/v1/backend/users/" + url.PathEscape(userID) + "/conversations"
	if _, err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.ConversationIDs, nil
}

// InsertMessage inserts a message row.
func (c *Client) InsertMessage(ctx context.Context, msg *domain.Message) error {
	return c.send(ctx, http.MethodPost, "/v1/backend/messages", msg, nil)
}

// FetchMessage retrieves one denormalized message by id.
func (c *Client) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	found, err := c.get(ctx, "/v1/backend/messages/"+url.PathEscape(id), &msg)
	if err != nil || !found {
		return nil, err
	}
	return &msg, nil
}

// ListMessages retrieves the most recent messages of a conversation in
// ascending (created_at, id) order. limit 0 means no limit.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	path := "/v1/backend/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	if _, err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SubscribeInserts opens a WebSocket to the backend's insert feed for one
// conversation. The subscription lives until its Close is called or the
// connection drops. Frames that do not parse as insert notifications are
// dropped.
func (c *Client) SubscribeInserts(ctx context.Context, conversationID string) (*backend.Subscription, error) {
	wsURL, err := c.subscribeURL(conversationID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend feed: %w", err)
	}

	sub := backend.NewSubscription(func() { conn.Close() })
	go func() {
		defer sub.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var n backend.InsertNotification
			if err := json.Unmarshal(data, &n); err != nil || n.MessageID == "" {
				continue
			}
			sub.Publish(n)
		}
	}()
	return sub, nil
}

// subscribeURL rewrites the base URL onto the ws scheme and appends the
// subscribe path.
func (c *Client) subscribeURL(conversationID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/backend/subscribe"
	u.RawQuery = url.Values{"conversation_id": {conversationID}}.Encode()
	return u.String(), nil
}

// errorResponse is the error body the backend API returns.
type errorResponse struct {
	Error string `json:"error"`
}

// get issues a GET and decodes the response into out. A 404 reports
// found = false without error, matching the store's (nil, nil) convention
// for missing rows.
func (c *Client) get(ctx context.Context, path string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, remoteError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode backend response: %w", err)
	}
	return true, nil
}

// send issues a request with an optional JSON body, decoding the response
// into out when out is non-nil.
func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remoteError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode backend response: %w", err)
		}
	}
	return nil
}

func remoteError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp errorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("backend error: %s", errResp.Error)
	}
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
}
