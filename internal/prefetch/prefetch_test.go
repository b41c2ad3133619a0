package prefetch

import (
	"context"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/backend/sqlite"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/inflight"
	"github.com/parleychat/parley/tests/helpers"
)

func at(minute int) time.Time {
	return time.Date(2025, 6, 1, 12, minute, 0, 0, time.UTC)
}

type fixture struct {
	warmer  *Warmer
	store   *sqlite.Store
	cache   *cache.Store
	tracker *inflight.Tracker
}

// newFixture seeds a backend with the current user casey, the agent scout,
// a channel, and two agent sessions shared by both users.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := helpers.NewTestBackend(t)

	seedUsers := []domain.User{
		{ID: "usr_casey", Username: "casey", CreatedAt: at(0)},
		{ID: "usr_scout", Username: "scout", IsAgent: true, CreatedAt: at(0)},
	}
	for i := range seedUsers {
		if err := store.InsertUser(ctx, &seedUsers[i]); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}
	}

	seedConvs := []domain.Conversation{
		{ID: "conv_chan", Kind: domain.KindChannel, Name: "general", CreatedAt: at(0)},
		{ID: "conv_later", Kind: domain.KindAgentSession, Name: "later", CreatedAt: at(5)},
		{ID: "conv_first", Kind: domain.KindAgentSession, Name: "first", CreatedAt: at(1)},
	}
	for i := range seedConvs {
		if err := store.InsertConversation(ctx, &seedConvs[i]); err != nil {
			t.Fatalf("failed to seed conversation: %v", err)
		}
	}

	for _, conv := range []string{"conv_chan", "conv_later", "conv_first"} {
		for _, user := range []string{"usr_casey", "usr_scout"} {
			if err := store.InsertMembership(ctx, conv, user); err != nil {
				t.Fatalf("failed to seed membership: %v", err)
			}
		}
	}

	for i, content := range []string{"one", "two", "three"} {
		msg := domain.Message{
			ID:             "msg_" + content,
			ConversationID: "conv_chan",
			SenderID:       "usr_casey",
			Content:        content,
			CreatedAt:      at(i + 1),
		}
		if err := store.InsertMessage(ctx, &msg); err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}

	cacheStore := cache.New()
	tracker := inflight.New()
	return &fixture{
		warmer:  New(store, cacheStore, tracker, "usr_casey", 2),
		store:   store,
		cache:   cacheStore,
		tracker: tracker,
	}
}

func TestWarmChannel(t *testing.T) {
	f := newFixture(t)
	f.warmer.warmChannel("general")

	conv, ok := f.cache.Conversations().ByName("general")
	if !ok || conv.ID != "conv_chan" {
		t.Fatalf("expected channel cached by name, got %+v (ok=%v)", conv, ok)
	}

	log, ok := f.cache.Logs().Get("conv_chan")
	if !ok {
		t.Fatal("expected message log cached")
	}
	if len(log) != 2 || log[0].Content != "two" || log[1].Content != "three" {
		t.Fatalf("expected the 2 most recent messages oldest-first, got %+v", log)
	}
}

func TestWarmChannelShortCircuitsWhenCached(t *testing.T) {
	f := newFixture(t)
	f.warmer.warmChannel("general")

	msg := domain.Message{ID: "msg_new", ConversationID: "conv_chan", SenderID: "usr_casey", Content: "new", CreatedAt: at(9)}
	if err := f.store.InsertMessage(context.Background(), &msg); err != nil {
		t.Fatalf("failed to insert message: %v", err)
	}

	f.warmer.warmChannel("general")
	log, _ := f.cache.Logs().Get("conv_chan")
	if len(log) != 2 || log[1].Content != "three" {
		t.Fatalf("a second warm should not refetch a cached log, got %+v", log)
	}
}

func TestWarmChannelUnknownName(t *testing.T) {
	f := newFixture(t)
	f.warmer.warmChannel("ghost")

	if f.cache.Conversations().HasByName("ghost") {
		t.Fatal("unknown channel should not be cached")
	}
}

func TestWarmDirect(t *testing.T) {
	f := newFixture(t)
	f.warmer.warmDirect("conv_chan")

	if !f.cache.Conversations().HasByID("conv_chan") {
		t.Fatal("expected conversation cached by id")
	}
	if !f.cache.Logs().Has("conv_chan") {
		t.Fatal("expected message log cached")
	}
}

func TestWarmAgentByUsername(t *testing.T) {
	f := newFixture(t)
	f.warmer.warmAgentByUsername("scout")

	bundle, ok := f.cache.Bundles().Get("username:scout")
	if !ok {
		t.Fatal("expected bundle under username key")
	}
	if bundle.Conversation.ID != "conv_first" {
		t.Fatalf("expected the earliest shared session, got %s", bundle.Conversation.ID)
	}
	if bundle.Agent.Username != "scout" || !bundle.Agent.IsAgent {
		t.Fatalf("unexpected agent in bundle: %+v", bundle.Agent)
	}
	if !f.cache.Logs().Has("conv_first") {
		t.Fatal("expected session log cached")
	}
}

func TestWarmAgentWithoutSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.EnsureAgentUser(context.Background(), "butler"); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	f.warmer.warmAgentByUsername("butler")
	if f.cache.Bundles().Has("username:butler") {
		t.Fatal("agent with no shared session should not produce a bundle")
	}
}

func TestWarmSession(t *testing.T) {
	f := newFixture(t)
	f.warmer.warmSession("conv_later")

	bundle, ok := f.cache.Bundles().Get("session:conv_later")
	if !ok {
		t.Fatal("expected bundle under session key")
	}
	if bundle.Agent.ID != "usr_scout" {
		t.Fatalf("expected the agent member, got %+v", bundle.Agent)
	}
}

func TestWarmSessionRejectsOtherKinds(t *testing.T) {
	f := newFixture(t)
	f.warmer.warmSession("conv_chan")

	if f.cache.Bundles().Has("session:conv_chan") {
		t.Fatal("a channel must not warm as a session")
	}
}

func TestWarmSkipsWhileKeyHeld(t *testing.T) {
	f := newFixture(t)
	f.tracker.BeginOrSkip("channel:general")

	f.warmer.warmChannel("general")
	if f.cache.Conversations().HasByName("general") {
		t.Fatal("warm should skip while another fetch holds the key")
	}
}

func TestWarmFireAndForget(t *testing.T) {
	f := newFixture(t)
	f.warmer.WarmChannel("general")

	deadline := time.Now().Add(time.Second)
	for !f.cache.Logs().Has("conv_chan") {
		if time.Now().After(deadline) {
			t.Fatal("background warm did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
