package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestDispatcher(t *testing.T) (*Dispatcher, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewDispatcherWithClient(client, time.Minute, nil, nil), s
}

func queuedMessages(t *testing.T, s *miniredis.Miniredis) []Message {
	t.Helper()
	raw, err := s.List("notify:queue")
	if err != nil {
		if err == miniredis.ErrKeyNotFound {
			return nil
		}
		t.Fatalf("read queue: %v", err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			t.Fatalf("unmarshal queued message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestNotifyQueuesMessage(t *testing.T) {
	dispatcher, s := setupTestDispatcher(t)
	defer dispatcher.Close()

	err := dispatcher.Notify(context.Background(), "u-alice", "Purchase request", "waiting for your approval", "approval-pending")
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	messages := queuedMessages(t, s)
	if len(messages) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.UserID != "u-alice" || msg.Tag != "approval-pending" || msg.Title != "Purchase request" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.CreatedAt.IsZero() {
		t.Errorf("message missing timestamp")
	}
}

func TestNotifyCoalescesSameTag(t *testing.T) {
	dispatcher, s := setupTestDispatcher(t)
	defer dispatcher.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := dispatcher.Notify(ctx, "u-alice", "Purchase request", "waiting", "approval-pending"); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}

	if got := len(queuedMessages(t, s)); got != 1 {
		t.Errorf("expected repeats coalesced to 1 message, got %d", got)
	}
}

func TestNotifyDistinctTagsAndUsers(t *testing.T) {
	dispatcher, s := setupTestDispatcher(t)
	defer dispatcher.Close()

	ctx := context.Background()
	if err := dispatcher.Notify(ctx, "u-alice", "Doc", "pending", "approval-pending"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := dispatcher.Notify(ctx, "u-alice", "Doc", "held", "hold"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := dispatcher.Notify(ctx, "u-bob", "Doc", "pending", "approval-pending"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if got := len(queuedMessages(t, s)); got != 3 {
		t.Errorf("expected 3 distinct messages, got %d", got)
	}
}

func TestNotifyPushFailureDoesNotSuppressRetry(t *testing.T) {
	dispatcher, s := setupTestDispatcher(t)
	defer dispatcher.Close()
	ctx := context.Background()

	// A string value under the queue key makes LPUSH fail with WRONGTYPE.
	if err := s.Set("notify:queue", "not a list"); err != nil {
		t.Fatalf("seed queue key: %v", err)
	}
	if err := dispatcher.Notify(ctx, "u-alice", "Doc", "pending", "approval-pending"); err == nil {
		t.Fatal("expected push failure")
	}

	// The coalesce claim must have been released, so the retry queues.
	s.Del("notify:queue")
	if err := dispatcher.Notify(ctx, "u-alice", "Doc", "pending", "approval-pending"); err != nil {
		t.Fatalf("retry after failed push failed: %v", err)
	}
	if got := len(queuedMessages(t, s)); got != 1 {
		t.Errorf("expected 1 queued message after retry, got %d", got)
	}
}

func TestNotifyWindowExpires(t *testing.T) {
	dispatcher, s := setupTestDispatcher(t)
	defer dispatcher.Close()

	ctx := context.Background()
	if err := dispatcher.Notify(ctx, "u-alice", "Doc", "pending", "approval-pending"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if err := dispatcher.Notify(ctx, "u-alice", "Doc", "pending", "approval-pending"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if got := len(queuedMessages(t, s)); got != 2 {
		t.Errorf("expected a fresh message after the window, got %d", got)
	}
}
