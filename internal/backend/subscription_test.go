package backend

import "testing"

func TestSubscriptionDelivers(t *testing.T) {
	sub := NewSubscription(nil)
	if !sub.Publish(InsertNotification{MessageID: "msg_1", ConversationID: "conv_1"}) {
		t.Fatal("publish to an open subscription should succeed")
	}

	n := <-sub.Notifications()
	if n.MessageID != "msg_1" || n.ConversationID != "conv_1" {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestSubscriptionDropsWhenBehind(t *testing.T) {
	sub := NewSubscription(nil)
	delivered := 0
	for i := 0; i < 100; i++ {
		if sub.Publish(InsertNotification{MessageID: "msg"}) {
			delivered++
		}
	}
	if delivered >= 100 {
		t.Fatal("expected drops once the buffer filled")
	}
	if delivered == 0 {
		t.Fatal("expected some deliveries before the buffer filled")
	}
}

func TestSubscriptionCloseRunsOnCloseOnce(t *testing.T) {
	calls := 0
	sub := NewSubscription(func() { calls++ })

	if err := sub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("onClose should run exactly once, ran %d times", calls)
	}

	if sub.Publish(InsertNotification{MessageID: "msg_1"}) {
		t.Fatal("publish after close should report false")
	}

	if _, open := <-sub.Notifications(); open {
		t.Fatal("notification channel should be closed")
	}
}
