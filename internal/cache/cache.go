// Package cache is the in-memory entity store shared by every surface of the
// client engine. Entries are written whole, overwritten on put, and never
// evicted or invalidated; the process lifetime bounds the cache lifetime.
package cache

import (
	"sync"

	"github.com/parleychat/parley/internal/domain"
)

// Store holds the per-kind caches behind one lock. Construct it once and
// inject it by reference; the accessors below are cheap views, not copies.
// Slice-valued entries are copied on the way in and out so callers never
// share backing arrays with the cache.
type Store struct {
	mu          sync.RWMutex
	convsByID   map[string]domain.Conversation
	convsByName map[string]domain.Conversation
	logs        map[string][]domain.Message
	bundles     map[string]domain.SessionBundle
}

// New creates an empty store.
func New() *Store {
	return &Store{
		convsByID:   make(map[string]domain.Conversation),
		convsByName: make(map[string]domain.Conversation),
		logs:        make(map[string][]domain.Message),
		bundles:     make(map[string]domain.SessionBundle),
	}
}

// Conversations returns the conversation record view.
func (s *Store) Conversations() Conversations { return Conversations{s} }

// Logs returns the message log view.
func (s *Store) Logs() Logs { return Logs{s} }

// Bundles returns the session bundle view.
func (s *Store) Bundles() Bundles { return Bundles{s} }

// Conversations caches conversation records. Records resolved by name
// (channels) and records resolved by id live in separate key spaces; a
// record reachable both ways is stored twice.
type Conversations struct{ s *Store }

// ByID returns the record cached under a conversation id.
func (c Conversations) ByID(id string) (domain.Conversation, bool) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	conv, ok := c.s.convsByID[id]
	return conv, ok
}

// PutByID caches conv under its id, replacing any prior entry.
func (c Conversations) PutByID(conv domain.Conversation) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.convsByID[conv.ID] = conv
}

// HasByID reports whether a record is cached under id.
func (c Conversations) HasByID(id string) bool {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	_, ok := c.s.convsByID[id]
	return ok
}

// ByName returns the record cached under a channel name.
func (c Conversations) ByName(name string) (domain.Conversation, bool) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	conv, ok := c.s.convsByName[name]
	return conv, ok
}

// PutByName caches conv under its name, replacing any prior entry.
func (c Conversations) PutByName(conv domain.Conversation) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.convsByName[conv.Name] = conv
}

// HasByName reports whether a record is cached under name.
func (c Conversations) HasByName(name string) bool {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	_, ok := c.s.convsByName[name]
	return ok
}

// Logs caches per-conversation message lists. A cached log is complete up to
// its load limit; presence is distinct from emptiness, so an empty slice
// put under a key still reports ok.
type Logs struct{ s *Store }

// Get returns a copy of the cached log for a conversation.
func (l Logs) Get(conversationID string) ([]domain.Message, bool) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	log, ok := l.s.logs[conversationID]
	if !ok {
		return nil, false
	}
	out := make([]domain.Message, len(log))
	copy(out, log)
	return out, true
}

// Put caches the log for a conversation, replacing any prior entry.
func (l Logs) Put(conversationID string, msgs []domain.Message) {
	stored := make([]domain.Message, len(msgs))
	copy(stored, msgs)
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.logs[conversationID] = stored
}

// Has reports whether a log is cached for a conversation.
func (l Logs) Has(conversationID string) bool {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	_, ok := l.s.logs[conversationID]
	return ok
}

// Append adds msg to the end of a loaded log unless a message with the same
// id is already present. It reports whether the log changed and returns a
// copy of the resulting log. Appending to a conversation whose log has not
// been loaded is a no-op; the initial load owns first population.
func (l Logs) Append(conversationID string, msg domain.Message) ([]domain.Message, bool) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	log, ok := l.s.logs[conversationID]
	if !ok {
		return nil, false
	}
	for _, m := range log {
		if m.ID == msg.ID {
			out := make([]domain.Message, len(log))
			copy(out, log)
			return out, false
		}
	}
	log = append(log, msg)
	l.s.logs[conversationID] = log
	out := make([]domain.Message, len(log))
	copy(out, log)
	return out, true
}

// Bundles caches agent session bundles under composite keys such as
// "username:scout" or "session:conv_12ab34cd".
type Bundles struct{ s *Store }

// Get returns the bundle cached under key.
func (b Bundles) Get(key string) (domain.SessionBundle, bool) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	bundle, ok := b.s.bundles[key]
	if !ok {
		return domain.SessionBundle{}, false
	}
	msgs := make([]domain.Message, len(bundle.Messages))
	copy(msgs, bundle.Messages)
	bundle.Messages = msgs
	return bundle, true
}

// Put caches bundle under key, replacing any prior entry.
func (b Bundles) Put(key string, bundle domain.SessionBundle) {
	msgs := make([]domain.Message, len(bundle.Messages))
	copy(msgs, bundle.Messages)
	bundle.Messages = msgs
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.bundles[key] = bundle
}

// Has reports whether a bundle is cached under key.
func (b Bundles) Has(key string) bool {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	_, ok := b.s.bundles[key]
	return ok
}
