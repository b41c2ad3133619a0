package cache

import (
	"testing"

	"github.com/parleychat/parley/internal/domain"
)

func TestConversationsByIDAndByNameAreSeparate(t *testing.T) {
	s := New()
	conv := domain.Conversation{ID: "conv_1", Kind: domain.KindChannel, Name: "general"}

	s.Conversations().PutByName(conv)
	if !s.Conversations().HasByName("general") {
		t.Fatal("expected record under name key")
	}
	if s.Conversations().HasByID("conv_1") {
		t.Fatal("PutByName should not populate the id key space")
	}

	s.Conversations().PutByID(conv)
	got, ok := s.Conversations().ByID("conv_1")
	if !ok || got.Name != "general" {
		t.Fatalf("expected record under id key, got %+v (ok=%v)", got, ok)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := New()
	s.Conversations().PutByID(domain.Conversation{ID: "conv_1", Name: "general"})
	s.Conversations().PutByID(domain.Conversation{ID: "conv_1", Name: "announcements"})

	got, _ := s.Conversations().ByID("conv_1")
	if got.Name != "announcements" {
		t.Errorf("put should replace prior entry, got %q", got.Name)
	}
}

func TestLogPresenceDistinctFromEmptiness(t *testing.T) {
	s := New()
	if _, ok := s.Logs().Get("conv_1"); ok {
		t.Fatal("unloaded log should report absent")
	}

	s.Logs().Put("conv_1", nil)
	log, ok := s.Logs().Get("conv_1")
	if !ok {
		t.Fatal("an empty loaded log should still report present")
	}
	if len(log) != 0 {
		t.Fatalf("expected empty log, got %d entries", len(log))
	}
}

func TestLogCopiedBothWays(t *testing.T) {
	s := New()
	src := []domain.Message{{ID: "msg_1", Content: "hello"}}
	s.Logs().Put("conv_1", src)
	src[0].Content = "mutated"

	got, _ := s.Logs().Get("conv_1")
	if got[0].Content != "hello" {
		t.Errorf("cache shares backing array with caller: %q", got[0].Content)
	}

	got[0].Content = "mutated again"
	again, _ := s.Logs().Get("conv_1")
	if again[0].Content != "hello" {
		t.Errorf("cache entry mutated through retrieved copy: %q", again[0].Content)
	}
}

func TestAppendDedupesByID(t *testing.T) {
	s := New()
	s.Logs().Put("conv_1", []domain.Message{{ID: "msg_1", Content: "hello"}})

	log, changed := s.Logs().Append("conv_1", domain.Message{ID: "msg_2", Content: "world"})
	if !changed || len(log) != 2 {
		t.Fatalf("expected append, got changed=%v len=%d", changed, len(log))
	}

	log, changed = s.Logs().Append("conv_1", domain.Message{ID: "msg_2", Content: "replayed"})
	if changed {
		t.Fatal("duplicate id should not change the log")
	}
	if len(log) != 2 || log[1].Content != "world" {
		t.Fatalf("duplicate append should leave the log untouched: %+v", log)
	}
}

func TestAppendToUnloadedLogIsNoop(t *testing.T) {
	s := New()
	if _, changed := s.Logs().Append("conv_1", domain.Message{ID: "msg_1"}); changed {
		t.Fatal("append to an unloaded log should not create it")
	}
	if s.Logs().Has("conv_1") {
		t.Fatal("no log should exist after a dropped append")
	}
}

func TestBundlesKeyedIndependently(t *testing.T) {
	s := New()
	bundle := domain.SessionBundle{
		Conversation: domain.Conversation{ID: "conv_s", Kind: domain.KindAgentSession},
		Agent:        domain.User{ID: "usr_a", Username: "scout", IsAgent: true},
		Messages:     []domain.Message{{ID: "msg_1", Content: "hi"}},
	}

	s.Bundles().Put("username:scout", bundle)
	s.Bundles().Put("session:conv_s", bundle)

	if !s.Bundles().Has("username:scout") || !s.Bundles().Has("session:conv_s") {
		t.Fatal("expected bundle under both composite keys")
	}

	got, _ := s.Bundles().Get("username:scout")
	got.Messages[0].Content = "mutated"
	again, _ := s.Bundles().Get("username:scout")
	if again.Messages[0].Content != "hi" {
		t.Errorf("bundle messages mutated through caller copy: %q", again.Messages[0].Content)
	}
}
