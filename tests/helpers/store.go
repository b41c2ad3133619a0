// Package helpers provides shared test fixtures.
package helpers

import (
	"testing"

	"github.com/parleychat/parley/internal/backend/sqlite"
)

// NewTestBackend returns an in-memory backend store that closes with the
// test.
func NewTestBackend(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
