// Package inflight tracks fetch keys that already have a request underway so
// concurrent callers skip duplicate work. Unlike a singleflight group, losers
// do not wait for the winner's result: the winning fetch lands its records in
// the cache and the live feeds, which is where every caller reads from anyway.
// The tracker is advisory; correctness never depends on it.
package inflight

import "sync"

// Tracker records keys with an operation in progress.
type Tracker struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{keys: make(map[string]struct{})}
}

// BeginOrSkip claims key for the caller. It reports false when another
// caller already holds the key; the caller should then abandon the fetch
// rather than wait.
func (t *Tracker) BeginOrSkip(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.keys[key]; held {
		return false
	}
	t.keys[key] = struct{}{}
	return true
}

// Release clears key so a later BeginOrSkip can claim it. Releasing a key
// that is not held is a no-op, so callers may defer it unconditionally.
func (t *Tracker) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, key)
}
