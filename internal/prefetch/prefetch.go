// Package prefetch warms the cache ahead of navigation. Each warm follows a
// fixed resolution order for its conversation kind, skipping any step whose
// result is already cached, and runs in the background: the caller never
// waits, and an abandoned navigation still lets the warm complete. Inflight
// keys keep redundant triggers from duplicating work.
package prefetch

import (
	"context"
	"log"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/inflight"
)

// Warmer resolves records into the cache ahead of navigation.
type Warmer struct {
	store         backend.Store
	cache         *cache.Store
	tracker       *inflight.Tracker
	currentUserID string
	historyLimit  int
}

// New creates a warmer. The tracker is shared with the open paths so a warm
// already underway makes them skip their duplicate fetch.
func New(store backend.Store, cacheStore *cache.Store, tracker *inflight.Tracker, currentUserID string, historyLimit int) *Warmer {
	return &Warmer{
		store:         store,
		cache:         cacheStore,
		tracker:       tracker,
		currentUserID: currentUserID,
		historyLimit:  historyLimit,
	}
}

// WarmChannel resolves a channel by name, then its message log.
func (w *Warmer) WarmChannel(name string) { go w.warmChannel(name) }

// WarmDirect resolves a direct conversation by id, then its message log.
func (w *Warmer) WarmDirect(conversationID string) { go w.warmDirect(conversationID) }

// WarmAgentByUsername resolves an agent user, the session shared with the
// current user, and its message log, bundling the results.
func (w *Warmer) WarmAgentByUsername(username string) { go w.warmAgentByUsername(username) }

// WarmSession resolves an agent session by id, its agent member, and its
// message log, bundling the results.
func (w *Warmer) WarmSession(sessionID string) { go w.warmSession(sessionID) }

func (w *Warmer) warmChannel(name string) {
	key := "channel:" + name
	if !w.tracker.BeginOrSkip(key) {
		return
	}
	defer w.tracker.Release(key)
	ctx := context.Background()

	conv, ok := w.cache.Conversations().ByName(name)
	if !ok {
		fetched, err := w.store.GetConversationByName(ctx, domain.KindChannel, name)
		if err != nil {
			log.Printf("WARN: failed to resolve channel %q: %v", name, err)
			return
		}
		if fetched == nil {
			return
		}
		conv = *fetched
		w.cache.Conversations().PutByName(conv)
	}

	w.warmLog(ctx, conv.ID)
}

func (w *Warmer) warmDirect(conversationID string) {
	key := "direct:" + conversationID
	if !w.tracker.BeginOrSkip(key) {
		return
	}
	defer w.tracker.Release(key)
	ctx := context.Background()

	if !w.cache.Conversations().HasByID(conversationID) {
		fetched, err := w.store.GetConversationByID(ctx, conversationID)
		if err != nil {
			log.Printf("WARN: failed to resolve conversation %s: %v", conversationID, err)
			return
		}
		if fetched == nil {
			return
		}
		w.cache.Conversations().PutByID(*fetched)
	}

	w.warmLog(ctx, conversationID)
}

func (w *Warmer) warmAgentByUsername(username string) {
	key := "agent:" + username
	if !w.tracker.BeginOrSkip(key) {
		return
	}
	defer w.tracker.Release(key)

	bundleKey := "username:" + username
	if w.cache.Bundles().Has(bundleKey) {
		return
	}
	ctx := context.Background()

	agent, err := w.store.GetUserByUsername(ctx, username)
	if err != nil {
		log.Printf("WARN: failed to resolve agent %q: %v", username, err)
		return
	}
	if agent == nil {
		return
	}

	conv, err := backend.SharedAgentSession(ctx, w.store, w.currentUserID, agent.ID)
	if err != nil {
		log.Printf("WARN: failed to find session with %q: %v", username, err)
		return
	}
	if conv == nil {
		// No session yet; it is created on first open, not here.
		return
	}
	w.cache.Conversations().PutByID(*conv)

	w.warmLog(ctx, conv.ID)
	msgs, _ := w.cache.Logs().Get(conv.ID)
	w.cache.Bundles().Put(bundleKey, domain.SessionBundle{
		Conversation: *conv,
		Agent:        *agent,
		Messages:     msgs,
	})
}

func (w *Warmer) warmSession(sessionID string) {
	key := "session:" + sessionID
	if !w.tracker.BeginOrSkip(key) {
		return
	}
	defer w.tracker.Release(key)

	bundleKey := "session:" + sessionID
	if w.cache.Bundles().Has(bundleKey) {
		return
	}
	ctx := context.Background()

	conv, ok := w.cache.Conversations().ByID(sessionID)
	if !ok {
		fetched, err := w.store.GetConversationByID(ctx, sessionID)
		if err != nil {
			log.Printf("WARN: failed to resolve session %s: %v", sessionID, err)
			return
		}
		if fetched == nil {
			return
		}
		conv = *fetched
		w.cache.Conversations().PutByID(conv)
	}
	if conv.Kind != domain.KindAgentSession {
		return
	}

	members, err := w.store.ListMembers(ctx, sessionID)
	if err != nil {
		log.Printf("WARN: failed to list members of %s: %v", sessionID, err)
		return
	}
	var agent *domain.User
	for i := range members {
		if members[i].IsAgent {
			agent = &members[i]
			break
		}
	}
	if agent == nil {
		return
	}

	w.warmLog(ctx, sessionID)
	msgs, _ := w.cache.Logs().Get(sessionID)
	w.cache.Bundles().Put(bundleKey, domain.SessionBundle{
		Conversation: conv,
		Agent:        *agent,
		Messages:     msgs,
	})
}

// warmLog loads the most recent messages unless the log is already cached.
func (w *Warmer) warmLog(ctx context.Context, conversationID string) {
	if w.cache.Logs().Has(conversationID) {
		return
	}
	msgs, err := w.store.ListMessages(ctx, conversationID, w.historyLimit)
	if err != nil {
		log.Printf("WARN: failed to load messages for %s: %v", conversationID, err)
		return
	}
	w.cache.Logs().Put(conversationID, msgs)
}
