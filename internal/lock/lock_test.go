package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/embeddedllm/jamai/internal/lock"
)

func TestLocalTryAcquire(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	lease, ok, err := l.TryAcquire(ctx, "billing:flusher", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v; want held", ok, err)
	}

	if _, ok, _ := l.TryAcquire(ctx, "billing:flusher", time.Minute); ok {
		t.Fatal("second TryAcquire succeeded while lock held")
	}
	// Other keys are independent.
	if _, ok, _ := l.TryAcquire(ctx, "table:t1", time.Minute); !ok {
		t.Fatal("unrelated key blocked")
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok, _ := l.TryAcquire(ctx, "billing:flusher", time.Minute); !ok {
		t.Fatal("TryAcquire after release failed")
	}
}

func TestLocalTTLExpiry(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	lease, _, _ := l.TryAcquire(ctx, "k", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// Expired leases can be taken over.
	if _, ok, _ := l.TryAcquire(ctx, "k", time.Minute); !ok {
		t.Fatal("TryAcquire on expired lease failed")
	}
	// The old holder can no longer refresh.
	if err := lease.Refresh(ctx); err == nil {
		t.Fatal("Refresh() on lost lease succeeded")
	}
}

func TestLocalAcquireBlocks(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	lease, _, _ := l.TryAcquire(ctx, "k", time.Minute)

	done := make(chan error, 1)
	go func() {
		second, err := l.Acquire(ctx, "k", time.Minute)
		if err == nil {
			second.Release(ctx)
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned while lock still held")
	case <-time.After(75 * time.Millisecond):
	}

	lease.Release(ctx)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not proceed after release")
	}
}

func TestLocalAcquireHonorsContext(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	lease, _, _ := l.TryAcquire(ctx, "k", time.Minute)
	defer lease.Release(ctx)

	timed, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(timed, "k", time.Minute); err == nil {
		t.Fatal("Acquire() on held lock ignored context deadline")
	}
}
