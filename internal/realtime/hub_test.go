package realtime

import (
	"testing"
	"time"
)

func mustEvent(t *testing.T, eventType EventType, payload any) Event {
	t.Helper()
	event, err := NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return event
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesAllConnectionsIncludingOriginator(t *testing.T) {
	hub := NewHub()
	first := hub.Bind("acct-1")
	second := hub.Bind("acct-1")
	defer first.Close()
	defer second.Close()

	event := mustEvent(t, EventTodoCreated, map[string]string{"id": "todo-1"})
	hub.Publish("acct-1", event)

	for _, sub := range []*Subscription{first, second} {
		got := receive(t, sub)
		if got.Type != EventTodoCreated {
			t.Errorf("type = %q, want %q", got.Type, EventTodoCreated)
		}
	}
}

func TestPublishIsolatedPerAccount(t *testing.T) {
	hub := NewHub()
	mine := hub.Bind("acct-1")
	other := hub.Bind("acct-2")
	defer mine.Close()
	defer other.Close()

	hub.Publish("acct-1", mustEvent(t, EventTagCreated, map[string]string{"id": "tag-1"}))

	receive(t, mine)
	select {
	case event := <-other.Events():
		t.Fatalf("other account received %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishToEmptyChannelIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Publish("acct-none", mustEvent(t, EventTodoDeleted, map[string]string{"id": "todo-1"}))
}

func TestCloseIsIdempotentAndRemovesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Bind("acct-1")
	if hub.ConnectionCount("acct-1") != 1 {
		t.Fatalf("count = %d, want 1", hub.ConnectionCount("acct-1"))
	}

	sub.Close()
	sub.Close()

	if hub.ConnectionCount("acct-1") != 0 {
		t.Fatalf("count = %d after close, want 0", hub.ConnectionCount("acct-1"))
	}

	// Publishing after the last unbind must not panic or block.
	hub.Publish("acct-1", mustEvent(t, EventTodoCreated, map[string]string{"id": "todo-2"}))
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	hub := NewHub()
	slow := hub.Bind("acct-1")
	fast := hub.Bind("acct-1")
	defer slow.Close()
	defer fast.Close()

	// Overflow the slow subscriber's buffer; nobody drains it.
	for i := 0; i < subscriptionBuffer+10; i++ {
		hub.Publish("acct-1", mustEvent(t, EventTodoUpdated, map[string]int{"seq": i}))
		// Keep the fast subscriber drained so only the slow one backs up.
		receive(t, fast)
	}
}
