package inflight

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBeginOrSkipClaimsKey(t *testing.T) {
	tr := New()
	if !tr.BeginOrSkip("log:conv_1") {
		t.Fatal("first BeginOrSkip should claim the key")
	}
	if tr.BeginOrSkip("log:conv_1") {
		t.Fatal("second BeginOrSkip should be refused while the key is held")
	}
	if !tr.BeginOrSkip("log:conv_2") {
		t.Fatal("a different key should be claimable")
	}
}

func TestReleaseFreesKey(t *testing.T) {
	tr := New()
	tr.BeginOrSkip("user:usr_1")
	tr.Release("user:usr_1")
	if !tr.BeginOrSkip("user:usr_1") {
		t.Fatal("BeginOrSkip after Release should claim the key")
	}
}

func TestReleaseUnheldKeyIsNoop(t *testing.T) {
	tr := New()
	tr.Release("never-claimed")
	if !tr.BeginOrSkip("never-claimed") {
		t.Fatal("key should be claimable after spurious Release")
	}
}

func TestConcurrentBeginSingleWinner(t *testing.T) {
	tr := New()
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.BeginOrSkip("channel:general") {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
