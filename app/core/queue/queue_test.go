package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueAndProcess(t *testing.T) {
	q := New(8)
	if err := q.Start(context.Background(), 2); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var done atomic.Int64
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(Job{Run: func(context.Context) error {
			done.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	if err := q.Stop(time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if done.Load() != 5 {
		t.Fatalf("expected 5 processed jobs, got %d", done.Load())
	}

	stats := q.Stats()
	if stats.Completed != 5 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEnqueueRequiresCallback(t *testing.T) {
	q := New(1)
	if _, err := q.Enqueue(Job{}); err == nil {
		t.Fatal("expected error for missing callback")
	}
}

func TestStartTwiceFails(t *testing.T) {
	q := New(1)
	if err := q.Start(context.Background(), 1); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer q.Stop(time.Second)

	if err := q.Start(context.Background(), 1); !errors.Is(err, ErrQueueStarted) {
		t.Fatalf("expected ErrQueueStarted, got %v", err)
	}
}

func TestFailedJobsCounted(t *testing.T) {
	q := New(4)
	if err := q.Start(context.Background(), 1); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if _, err := q.Enqueue(Job{Run: func(context.Context) error { return errors.New("boom") }}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Stop(time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	stats := q.Stats()
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed job, got %+v", stats)
	}
}

func TestAttemptTimeoutCancelsRun(t *testing.T) {
	q := New(1)
	if err := q.Start(context.Background(), 1); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	timedOut := make(chan struct{})
	_, err := q.Enqueue(Job{
		AttemptTimeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(timedOut)
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt timeout never fired")
	}
	_ = q.Stop(time.Second)
}
