package msgqueue

import (
	"testing"
	"time"
)

func TestPriorityOrderingWithFIFOTies(t *testing.T) {
	q := NewQueue(10)

	ids := make(map[string]string)
	enqueue := func(name string, prio Priority) {
		id, err := q.Enqueue("test", name, prio, 0)
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		ids[name] = id
	}

	enqueue("low1", PriorityLow)
	enqueue("normal1", PriorityNormal)
	enqueue("critical1", PriorityCritical)
	enqueue("high1", PriorityHigh)
	enqueue("normal2", PriorityNormal)

	want := []string{"critical1", "high1", "normal1", "normal2", "low1"}
	for _, name := range want {
		msg, ok := q.Dequeue(100 * time.Millisecond)
		if !ok {
			t.Fatalf("dequeue for %s returned nothing", name)
		}
		if msg.Payload.(string) != name {
			t.Fatalf("dequeued %v, want %s", msg.Payload, name)
		}
		if msg.ID != ids[name] {
			t.Errorf("id mismatch for %s", name)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained, len = %d", q.Len())
	}
}

func TestTTLExpiredNeverDelivered(t *testing.T) {
	q := NewQueue(10)
	if _, err := q.Enqueue("test", "ephemeral", PriorityNormal, 30*time.Millisecond); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	if msg, ok := q.Dequeue(10 * time.Millisecond); ok {
		t.Fatalf("expired message delivered: %v", msg.Payload)
	}
	if s := q.Stats(); s.Expired != 1 {
		t.Errorf("expired counter = %d, want 1", s.Expired)
	}
}

func TestExpiredSkippedInFavorOfLive(t *testing.T) {
	q := NewQueue(10)
	q.Enqueue("test", "dead", PriorityCritical, 20*time.Millisecond)
	q.Enqueue("test", "live", PriorityLow, 0)

	time.Sleep(40 * time.Millisecond)

	msg, ok := q.Dequeue(100 * time.Millisecond)
	if !ok {
		t.Fatal("no message delivered")
	}
	if msg.Payload.(string) != "live" {
		t.Fatalf("dequeued %v, want live", msg.Payload)
	}
}

func TestEnqueueFullReclaimsExpired(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue("test", "a", PriorityNormal, 20*time.Millisecond)
	q.Enqueue("test", "b", PriorityNormal, 0)

	time.Sleep(40 * time.Millisecond)

	// The expired entry is swept to make room.
	if _, err := q.Enqueue("test", "c", PriorityNormal, 0); err != nil {
		t.Fatalf("enqueue after expiry: %v", err)
	}
	// Nothing left to reclaim.
	if _, err := q.Enqueue("test", "d", PriorityNormal, 0); err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	s := q.Stats()
	if s.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", s.Rejected)
	}
	if s.Expired != 1 {
		t.Errorf("expired = %d, want 1", s.Expired)
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := NewQueue(10)

	start := time.Now()
	_, ok := q.Dequeue(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("dequeue on empty queue returned a message")
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("dequeue returned after %v, want ~50ms wait", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("dequeue blocked for %v", elapsed)
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q := NewQueue(10)

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Enqueue("test", "late", PriorityNormal, 0)
	}()

	start := time.Now()
	msg, ok := q.Dequeue(2 * time.Second)
	if !ok {
		t.Fatal("waiter did not receive the message")
	}
	if msg.Payload.(string) != "late" {
		t.Fatalf("payload = %v", msg.Payload)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wakeup took %v", elapsed)
	}
}

func TestRemove(t *testing.T) {
	q := NewQueue(10)
	id, _ := q.Enqueue("test", "x", PriorityNormal, 0)

	if !q.Remove(id) {
		t.Fatal("remove of queued message failed")
	}
	if q.Remove(id) {
		t.Fatal("second remove succeeded")
	}
	if _, ok := q.Dequeue(10 * time.Millisecond); ok {
		t.Fatal("removed message was delivered")
	}
}

func TestCloseDrainsThenStops(t *testing.T) {
	q := NewQueue(10)
	q.Enqueue("test", "one", PriorityNormal, 0)
	q.Enqueue("test", "two", PriorityNormal, 0)

	q.Close()

	if _, err := q.Enqueue("test", "three", PriorityNormal, 0); err != ErrQueueClosed {
		t.Fatalf("enqueue after close: err = %v, want ErrQueueClosed", err)
	}

	for _, want := range []string{"one", "two"} {
		msg, ok := q.Dequeue(100 * time.Millisecond)
		if !ok {
			t.Fatalf("drain of %s failed", want)
		}
		if msg.Payload.(string) != want {
			t.Fatalf("drained %v, want %s", msg.Payload, want)
		}
	}

	start := time.Now()
	if _, ok := q.Dequeue(5 * time.Second); ok {
		t.Fatal("closed empty queue delivered a message")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dequeue on closed queue blocked for %v", elapsed)
	}
	if !q.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
}

func TestThroughputCounterWindow(t *testing.T) {
	var c throughputCounter
	now := time.Now()

	c.tick(5, now)
	c.tick(3, now)
	if rate := c.rate(now); rate < 0.13 || rate > 0.14 {
		t.Errorf("rate = %v, want 8/60", rate)
	}

	// Counts older than the window fall out.
	if rate := c.rate(now.Add(2 * time.Minute)); rate != 0 {
		t.Errorf("stale rate = %v, want 0", rate)
	}
}
