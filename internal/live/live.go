// Package live merges realtime insert notifications into cached message
// logs. A notification carries ids only; the merger fetches the
// denormalized record, appends it to the log unless the id is already
// present, and republishes the new snapshot to the feed's watcher. The
// backend stays the source of truth: anything dropped here is recovered by
// the next full load.
package live

import (
	"context"
	"log"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/domain"
)

// Source is the slice of the backend the merger needs.
type Source interface {
	FetchMessage(ctx context.Context, id string) (*domain.Message, error)
	SubscribeInserts(ctx context.Context, conversationID string) (*backend.Subscription, error)
}

// Merger opens live feeds over a backend and a shared cache.
type Merger struct {
	source Source
	cache  *cache.Store
}

// NewMerger creates a merger.
func NewMerger(source Source, cacheStore *cache.Store) *Merger {
	return &Merger{source: source, cache: cacheStore}
}

// Feed is one watcher's live view of a conversation log. Each Open call
// owns its own backend subscription, even for the same conversation;
// duplicate deliveries are harmless because merges are idempotent.
type Feed struct {
	updates chan []domain.Message
	sub     *backend.Subscription
}

// Open subscribes to insert notifications for a conversation and starts
// merging them. Close the feed to tear the subscription down.
func (m *Merger) Open(ctx context.Context, conversationID string) (*Feed, error) {
	sub, err := m.source.SubscribeInserts(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	f := &Feed{
		updates: make(chan []domain.Message, 1),
		sub:     sub,
	}
	go m.pump(conversationID, sub, f)
	return f, nil
}

// Updates delivers log snapshots after each merge that changed the log. The
// channel holds only the latest snapshot: a slow watcher skips intermediate
// states instead of blocking the merge. It is closed when the feed closes.
func (f *Feed) Updates() <-chan []domain.Message {
	return f.updates
}

// Close tears down the backend subscription. The updates channel closes
// once the in-flight merge, if any, finishes.
func (f *Feed) Close() {
	_ = f.sub.Close()
}

func (m *Merger) pump(conversationID string, sub *backend.Subscription, f *Feed) {
	defer close(f.updates)

	for n := range sub.Notifications() {
		msg, err := m.source.FetchMessage(context.Background(), n.MessageID)
		if err != nil {
			log.Printf("WARN: failed to fetch message %s: %v", n.MessageID, err)
			continue
		}
		if msg == nil {
			// Notification for a row we cannot see; a full reload recovers.
			continue
		}

		snapshot, changed := m.cache.Logs().Append(conversationID, *msg)
		if !changed {
			continue
		}
		f.publish(snapshot)
	}
}

// publish replaces any undelivered snapshot with the newer one.
func (f *Feed) publish(snapshot []domain.Message) {
	for {
		select {
		case f.updates <- snapshot:
			return
		default:
			select {
			case <-f.updates:
			default:
			}
		}
	}
}
