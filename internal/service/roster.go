package service

import (
	"context"
	"log"
	"sync"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/domain"
)

// Roster is one surface's conversation list: loaded once, then kept in step
// purely through bus events. Surfaces holding independent rosters stay
// consistent because every mutation publishes.
type Roster struct {
	mu      sync.Mutex
	items   []domain.Conversation
	filter  backend.ConversationFilter
	cancels []func()
}

// NewRoster loads the conversations matching filter and keeps the list
// updated from bus events until Close. A failed initial load starts the
// roster empty; creations still arrive through the bus.
func (s *Service) NewRoster(ctx context.Context, filter backend.ConversationFilter) *Roster {
	items, err := s.store.ListConversations(ctx, filter)
	if err != nil {
		log.Printf("WARN: failed to load conversations: %v", err)
		items = nil
	}

	r := &Roster{items: items, filter: filter}
	r.cancels = []func(){
		s.bus.Subscribe(bus.ConversationCreated, r.onCreated),
		s.bus.Subscribe(bus.ConversationDeleted, r.onDeleted),
		s.bus.Subscribe(bus.ConversationRenamed, r.onRenamed),
	}
	return r
}

// Items returns a copy of the current list, newest first for entries added
// through creation events.
func (r *Roster) Items() []domain.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Conversation, len(r.items))
	copy(out, r.items)
	return out
}

// Close detaches the roster from the bus.
func (r *Roster) Close() {
	for _, cancel := range r.cancels {
		cancel()
	}
}

func (r *Roster) onCreated(ev bus.Event) {
	if r.filter.Kind != "" && ev.Conversation.Kind != r.filter.Kind {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// The publisher may already have inserted its own copy.
	for _, existing := range r.items {
		if existing.ID == ev.ConversationID {
			return
		}
	}
	r.items = append([]domain.Conversation{ev.Conversation}, r.items...)
}

func (r *Roster) onDeleted(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.items {
		if existing.ID == ev.ConversationID {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return
		}
	}
}

func (r *Roster) onRenamed(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID == ev.ConversationID {
			r.items[i].Name = ev.NewName
			return
		}
	}
}
