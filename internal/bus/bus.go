// Package bus is the in-process event bus that keeps every surface's
// conversation list in step when a conversation is created, deleted, or
// renamed. Delivery is synchronous: Publish returns only after every
// subscriber has run, so by the time a mutation call returns, all surfaces
// agree on the roster.
package bus

import (
	"sync"

	"github.com/parleychat/parley/internal/domain"
)

// EventName identifies a roster-affecting change. The catalog is closed;
// point-to-point handoff traffic goes through its own queue, not the bus.
type EventName string

const (
	ConversationCreated EventName = "conversation-created"
	ConversationDeleted EventName = "conversation-deleted"
	ConversationRenamed EventName = "conversation-renamed"
)

// Event is one roster change. ConversationID is always set. Conversation
// carries the full record for created events; NewName carries the updated
// name for renamed events.
type Event struct {
	Name           EventName
	ConversationID string
	Conversation   domain.Conversation
	NewName        string
}

// Created builds an event announcing a new conversation. Recipients prepend
// the record to their lists, deduplicating by id: the publisher may already
// hold its own copy.
func Created(conv domain.Conversation) Event {
	return Event{Name: ConversationCreated, ConversationID: conv.ID, Conversation: conv}
}

// Deleted builds an event announcing a removed conversation. Recipients drop
// the id from their lists.
func Deleted(conversationID string) Event {
	return Event{Name: ConversationDeleted, ConversationID: conversationID}
}

// Renamed builds an event carrying a conversation's new name. Recipients
// patch the record in place.
func Renamed(conversationID, newName string) Event {
	return Event{Name: ConversationRenamed, ConversationID: conversationID, NewName: newName}
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus fans each event out to the subscribers of its name, in subscribe
// order.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[EventName][]subscription
}

// New creates a bus with no subscribers.
func New() *Bus {
	return &Bus{subs: make(map[EventName][]subscription)}
}

// Subscribe registers fn for future events named name and returns a cancel
// func that removes the registration. Cancel is safe to call more than once.
func (b *Bus) Subscribe(name EventName, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, sub := range subs {
			if sub.id == id {
				b.subs[name] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber of ev.Name, in subscribe order, on
// the caller's goroutine. There is no replay: subscribers registered after a
// publish never see it. Handlers run outside the bus lock so they may
// subscribe or cancel without deadlocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs[ev.Name]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.fn(ev)
	}
}
