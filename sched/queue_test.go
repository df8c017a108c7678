package sched

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAsyncQueuePushPopComplete(t *testing.T) {
	q := NewAsyncQueue[string](4)
	ctx := context.Background()

	done, err := q.Push(ctx, "work")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	h, ok := q.Pop(ctx)
	if !ok {
		t.Fatalf("Pop: no item")
	}
	if h.Value() != "work" {
		t.Errorf("Value() = %q, want work", h.Value())
	}

	wantErr := errors.New("boom")
	h.Complete(wantErr)

	select {
	case err := <-done:
		if err != wantErr {
			t.Errorf("done error = %v, want %v", err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestAsyncQueueTryPushDropsWhenFull(t *testing.T) {
	q := NewAsyncQueue[int](1)

	if _, ok := q.TryPush(1); !ok {
		t.Fatalf("TryPush failed on an empty queue")
	}
	if _, ok := q.TryPush(2); ok {
		t.Errorf("TryPush succeeded past capacity")
	}

	h, ok := q.Pop(context.Background())
	if !ok || h.Value() != 1 {
		t.Errorf("Pop = %v, %v; want 1, true", h.Value(), ok)
	}
}

func TestAsyncQueuePopRespectsContext(t *testing.T) {
	q := NewAsyncQueue[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, ok := q.Pop(ctx); ok {
		t.Errorf("Pop returned an item from an empty queue")
	}
}
