package core_test

import (
	"testing"
	"time"

	"github.com/vovakirdan/wiremesh/internal/core"
)

func msgAt(payload string, at time.Time) *core.Message {
	return &core.Message{Sender: "alice", Recipient: "bob", Payload: []byte(payload), CreatedAt: at}
}

func payloads(msgs []*core.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Payload))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueueDrainIsFIFOAndClears(t *testing.T) {
	q := core.NewQueue(core.QueueConfig{}, nil)
	now := time.Now()

	q.Enqueue("bob", msgAt("m1", now))
	q.Enqueue("bob", msgAt("m2", now))
	q.Enqueue("bob", msgAt("m3", now))

	if n := q.PeekCount("bob"); n != 3 {
		t.Fatalf("expected 3 queued, got %d", n)
	}

	got := payloads(q.Drain("bob"))
	if !equalStrings(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("unexpected drain order: %v", got)
	}
	if n := q.PeekCount("bob"); n != 0 {
		t.Fatalf("queue not cleared after drain: %d", n)
	}
	if again := q.Drain("bob"); len(again) != 0 {
		t.Fatalf("second drain returned %d messages", len(again))
	}
}

func TestQueueEnqueueDoesNotDedup(t *testing.T) {
	q := core.NewQueue(core.QueueConfig{}, nil)
	m := msgAt("dup", time.Now())

	q.Enqueue("bob", m)
	q.Enqueue("bob", m)

	if n := q.PeekCount("bob"); n != 2 {
		t.Fatalf("expected both copies queued, got %d", n)
	}
}

func TestQueueCapacityEvictsOldest(t *testing.T) {
	q := core.NewQueue(core.QueueConfig{MaxPerRecipient: 2}, nil)
	now := time.Now()

	q.Enqueue("bob", msgAt("m1", now))
	q.Enqueue("bob", msgAt("m2", now))
	q.Enqueue("bob", msgAt("m3", now))

	got := payloads(q.Drain("bob"))
	if !equalStrings(got, []string{"m2", "m3"}) {
		t.Fatalf("expected oldest evicted, got %v", got)
	}
}

func TestQueuePushFrontPreservesOrder(t *testing.T) {
	q := core.NewQueue(core.QueueConfig{MaxPerRecipient: 1}, nil)
	now := time.Now()

	q.Enqueue("bob", msgAt("m3", now))
	q.PushFront("bob", msgAt("m1", now), msgAt("m2", now))

	got := payloads(q.Drain("bob"))
	if !equalStrings(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("unexpected order after push front: %v", got)
	}
}

func TestQueueTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q := core.NewQueue(core.QueueConfig{
		TTL: time.Hour,
		Now: func() time.Time { return now },
	}, nil)

	q.Enqueue("bob", msgAt("old", now.Add(-2*time.Hour)))
	q.Enqueue("bob", msgAt("fresh", now.Add(-time.Minute)))
	q.Enqueue("carol", msgAt("old", now.Add(-3*time.Hour)))

	if removed := q.Prune(); removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	if n := q.PeekCount("carol"); n != 0 {
		t.Fatalf("carol's queue should be empty, got %d", n)
	}

	q.Enqueue("bob", msgAt("stale", now.Add(-90*time.Minute)))
	got := payloads(q.Drain("bob"))
	if !equalStrings(got, []string{"fresh"}) {
		t.Fatalf("drain should drop expired entries, got %v", got)
	}
}
