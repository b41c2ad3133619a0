package autoreply

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/backend/sqlite"
	"github.com/parleychat/parley/internal/completion"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/policy"
	"github.com/parleychat/parley/tests/helpers"
)

func at(minute int) time.Time {
	return time.Date(2025, 6, 1, 12, minute, 0, 0, time.UTC)
}

// requestLog records the completion requests the fake server receives.
type requestLog struct {
	mu   sync.Mutex
	reqs []completion.Request
}

func (l *requestLog) add(req completion.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)
}

func (l *requestLog) last(t *testing.T) completion.Request {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.reqs) == 0 {
		t.Fatal("no completion request was made")
	}
	return l.reqs[len(l.reqs)-1]
}

type fixture struct {
	orch  *Orchestrator
	store *sqlite.Store
	log   *requestLog
	conv  domain.Conversation
	agent Agent
}

// newFixture seeds a channel with the human casey and the agent scout, and
// points the orchestrator at a completion server that answers with reply.
func newFixture(t *testing.T, reply string, withCitation bool, engine *policy.Engine) *fixture {
	t.Helper()
	ctx := context.Background()

	store := helpers.NewTestBackend(t)

	if err := store.InsertUser(ctx, &domain.User{ID: "usr_casey", Username: "casey", CreatedAt: at(0)}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	scout, err := store.EnsureAgentUser(ctx, "scout")
	if err != nil {
		t.Fatalf("failed to seed agent user: %v", err)
	}

	conv := domain.Conversation{ID: "conv_chan", Kind: domain.KindChannel, Name: "general", CreatedAt: at(0)}
	if err := store.InsertConversation(ctx, &conv); err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}

	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completion.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode completion request: %v", err)
		}
		log.add(req)

		var annotations []map[string]interface{}
		if withCitation {
			annotations = append(annotations, map[string]interface{}{
				"type": "url_citation", "url": "https://example.com/src", "title": "Source",
				"start_index": 0, "end_index": len(reply),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"output": []interface{}{map[string]interface{}{
				"type": "message",
				"content": []interface{}{map[string]interface{}{
					"type": "output_text", "text": reply, "annotations": annotations,
				}},
			}},
		})
	}))
	t.Cleanup(server.Close)

	agent := Agent{
		Handle:   "scout",
		Name:     "Scout",
		Persona:  "You are Scout, a research assistant.",
		Channels: []string{"research"},
		UserID:   scout.ID,
	}
	client := completion.NewClient(server.URL, "secret", "gpt-test", time.Second)
	return &fixture{
		orch:  New([]Agent{agent}, client, store, engine, 20),
		store: store,
		log:   log,
		conv:  conv,
		agent: agent,
	}
}

func (f *fixture) send(t *testing.T, id, content string, minute int) domain.Message {
	t.Helper()
	msg := domain.Message{
		ID:             id,
		ConversationID: f.conv.ID,
		SenderID:       "usr_casey",
		Content:        content,
		CreatedAt:      at(minute),
		Sender:         domain.MessageSender{ID: "usr_casey", Username: "casey"},
	}
	if err := f.store.InsertMessage(context.Background(), &msg); err != nil {
		t.Fatalf("failed to insert message: %v", err)
	}
	return msg
}

func (f *fixture) waitForMessages(t *testing.T, want int) []domain.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := f.store.ListMessages(context.Background(), f.conv.ID, 50)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) >= want {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", want)
	return nil
}

func (f *fixture) waitForRequests(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.log.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completion requests", want)
}

func TestHandleMessagePersistsMentionedReply(t *testing.T) {
	f := newFixture(t, "On it.", true, nil)
	f.send(t, "msg_old", "setting the scene", 1)
	msg := f.send(t, "msg_ask", "hey @scout, can you dig into this?", 2)

	f.orch.HandleMessage(f.conv, msg)

	msgs := f.waitForMessages(t, 3)
	reply := msgs[len(msgs)-1]
	if reply.SenderID != f.agent.UserID || !reply.Sender.IsAgent {
		t.Fatalf("expected a reply from the agent, got %+v", reply)
	}
	text, citations := domain.ExtractCitations(reply.Content)
	if text != "On it." {
		t.Fatalf("unexpected reply text: %q", text)
	}
	if len(citations) != 1 || citations[0].URL != "https://example.com/src" {
		t.Fatalf("expected the citation block to round-trip, got %+v", citations)
	}

	req := f.log.last(t)
	if !strings.Contains(req.Instructions, f.agent.Persona) || !strings.Contains(req.Instructions, NoReplySentinel) {
		t.Fatalf("instructions missing persona or sentinel: %q", req.Instructions)
	}
	if len(req.Input) != 2 {
		t.Fatalf("expected both channel messages as context, got %+v", req.Input)
	}
	if req.Input[0].Content != "casey: setting the scene" || req.Input[0].Role != "user" {
		t.Fatalf("unexpected first context line: %+v", req.Input[0])
	}
	if req.Input[1].Content != "casey: hey @scout, can you dig into this?" {
		t.Fatalf("expected the triggering message last, got %+v", req.Input[1])
	}
}

func TestHandleMessageDefaultChannel(t *testing.T) {
	f := newFixture(t, "Watching this channel.", false, nil)

	research := domain.Conversation{ID: "conv_res", Kind: domain.KindChannel, Name: "research", CreatedAt: at(0)}
	if err := f.store.InsertConversation(context.Background(), &research); err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}
	msg := domain.Message{
		ID: "msg_1", ConversationID: research.ID, SenderID: "usr_casey",
		Content: "no mention here", CreatedAt: at(1),
		Sender: domain.MessageSender{ID: "usr_casey", Username: "casey"},
	}
	if err := f.store.InsertMessage(context.Background(), &msg); err != nil {
		t.Fatalf("failed to insert message: %v", err)
	}

	f.orch.HandleMessage(research, msg)
	f.waitForRequests(t, 1)
}

func TestHandleMessageIgnoresNonQualifying(t *testing.T) {
	f := newFixture(t, "should never be asked", false, nil)

	// No mention, and "general" is not one of the agent's channels.
	plain := f.send(t, "msg_plain", "just chatting", 1)
	f.orch.HandleMessage(f.conv, plain)

	// Agent senders never trigger replies, mention or not.
	fromAgent := domain.Message{
		ID: "msg_agent", ConversationID: f.conv.ID, SenderID: f.agent.UserID,
		Content: "ping @scout", CreatedAt: at(2),
		Sender: domain.MessageSender{ID: f.agent.UserID, Username: "scout", IsAgent: true},
	}
	f.orch.HandleMessage(f.conv, fromAgent)

	// Mentions outside channels do not count.
	session := domain.Conversation{ID: "conv_sess", Kind: domain.KindAgentSession, CreatedAt: at(0)}
	inSession := domain.Message{
		ID: "msg_sess", ConversationID: session.ID, SenderID: "usr_casey",
		Content: "@scout hello", CreatedAt: at(3),
		Sender: domain.MessageSender{ID: "usr_casey", Username: "casey"},
	}
	f.orch.HandleMessage(session, inSession)

	time.Sleep(50 * time.Millisecond)
	if got := f.log.count(); got != 0 {
		t.Fatalf("expected no completion requests, got %d", got)
	}
}

func TestHandleMessageSentinelDeclines(t *testing.T) {
	f := newFixture(t, "  NO_REPLY\n", false, nil)
	msg := f.send(t, "msg_ask", "@scout anything to add?", 1)

	f.orch.HandleMessage(f.conv, msg)
	f.waitForRequests(t, 1)

	time.Sleep(50 * time.Millisecond)
	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("sentinel reply should persist nothing, got %+v", msgs)
	}
}

func TestHandleMessagePolicyVeto(t *testing.T) {
	muted, err := policy.NewEngine(context.Background(), `package parley.autoreply

default decision = "skip"
`)
	if err != nil {
		t.Fatalf("failed to build policy: %v", err)
	}

	f := newFixture(t, "should never be asked", false, muted)
	msg := f.send(t, "msg_ask", "@scout are you there?", 1)

	f.orch.HandleMessage(f.conv, msg)

	time.Sleep(50 * time.Millisecond)
	if got := f.log.count(); got != 0 {
		t.Fatalf("vetoed reply should not reach the completion backend, got %d requests", got)
	}
}

func TestComposeReply(t *testing.T) {
	f := newFixture(t, "Here is a summary.", false, nil)

	history := []HistoryMessage{
		{Username: "casey", Content: "first"},
		{Username: "jordan", Content: "second"},
	}
	text, citations, err := f.orch.ComposeReply(context.Background(), "scout", "general", history)
	if err != nil {
		t.Fatalf("ComposeReply failed: %v", err)
	}
	if text != "Here is a summary." || len(citations) != 0 {
		t.Fatalf("unexpected reply: %q %+v", text, citations)
	}

	req := f.log.last(t)
	if len(req.Input) != 2 || req.Input[1].Content != "jordan: second" {
		t.Fatalf("unexpected context: %+v", req.Input)
	}

	// Nothing is persisted on this path.
	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("ComposeReply should not persist, got %+v", msgs)
	}

	if _, _, err := f.orch.ComposeReply(context.Background(), "nobody", "general", nil); err == nil {
		t.Fatal("expected an error for an unknown handle")
	}
}

func TestComposeReplyDeclines(t *testing.T) {
	f := newFixture(t, "NO_REPLY", false, nil)

	text, citations, err := f.orch.ComposeReply(context.Background(), "scout", "general", nil)
	if err != nil {
		t.Fatalf("ComposeReply failed: %v", err)
	}
	if text != "" || citations != nil {
		t.Fatalf("expected a declined reply, got %q %+v", text, citations)
	}
}
