// Package handoff carries a composed prompt from the surface that initiates
// an agent session to the surface that actually sends it. The two surfaces
// never call each other; the queue is their only coupling.
package handoff

import "sync"

// Queue is a keyed prompt mailbox. Deposit overwrites whatever is pending
// for the key; Withdraw empties the slot, so each prompt is delivered at
// most once and only the most recent deposit for a key survives. Deposit
// also notifies registered listeners with the key, letting an already
// mounted surface withdraw immediately instead of waiting for its next
// mount.
type Queue struct {
	mu        sync.Mutex
	pending   map[string]string
	next      int
	listeners []listener
}

type listener struct {
	id int
	fn func(key string)
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]string)}
}

// Deposit places content in the slot for key, replacing any undelivered
// prompt, then notifies listeners on the caller's goroutine.
func (q *Queue) Deposit(key, content string) {
	q.mu.Lock()
	q.pending[key] = content
	snapshot := make([]listener, len(q.listeners))
	copy(snapshot, q.listeners)
	q.mu.Unlock()

	for _, l := range snapshot {
		l.fn(key)
	}
}

// Withdraw removes and returns the pending prompt for key. The second
// return is false when no prompt is pending.
func (q *Queue) Withdraw(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	content, ok := q.pending[key]
	if !ok {
		return "", false
	}
	delete(q.pending, key)
	return content, true
}

// OnDeposit registers fn to be called with the key of every future deposit.
// It returns a cancel func that removes the registration.
func (q *Queue) OnDeposit(fn func(key string)) func() {
	q.mu.Lock()
	id := q.next
	q.next++
	q.listeners = append(q.listeners, listener{id: id, fn: fn})
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, l := range q.listeners {
			if l.id == id {
				q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
				return
			}
		}
	}
}

// Latch gates an action to run at most once per identity key. A surface
// acquires before consuming a handed-off prompt; re-mount cycles with the
// same key stay quiet, and Reset re-arms the latch exactly when the
// surface's identity key changes.
type Latch struct {
	mu       sync.Mutex
	key      string
	acquired bool
}

// NewLatch creates an unarmed latch.
func NewLatch() *Latch {
	return &Latch{}
}

// TryAcquire reports whether the caller should act for key. The first call
// for a given key returns true; repeat calls with the same key return false.
// A key different from the last one re-arms the latch and acquires.
func (l *Latch) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired && l.key == key {
		return false
	}
	l.key = key
	l.acquired = true
	return true
}

// Reset arms the latch for key so the next TryAcquire(key) succeeds even if
// the key was already consumed.
func (l *Latch) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = key
	l.acquired = false
}
