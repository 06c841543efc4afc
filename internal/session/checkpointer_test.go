package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
)

func newTestCheckpointer(t *testing.T, store *mockStore, attempts int) *checkpointer {
	t.Helper()
	sess, err := store.Create(context.Background(), "user-1", repository.CreateSessionInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	token, err := store.Claim(context.Background(), "user-1", sess.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	cp := newCheckpointer(context.Background(), store, sess.ID, token, RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	t.Cleanup(cp.Close)
	return cp
}

func snapshotV(version int64, segments ...repository.Segment) repository.Snapshot {
	return repository.Snapshot{Version: version, Status: repository.SessionStatusActive, Segments: segments}
}

func TestCheckpointer_CoalescesWhileWriteInFlight(t *testing.T) {
	store := newMockStore()
	store.block = make(chan struct{})
	cp := newTestCheckpointer(t, store, 1)

	cp.Request(snapshotV(1))
	waitUntil(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.attempts == 1
	})
	cp.Request(snapshotV(2))
	cp.Request(snapshotV(3))
	close(store.block)

	waitUntil(t, time.Second, func() bool { return cp.Written() == 3 })
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.checkpoints) != 2 {
		t.Fatalf("expected two writes, got %d", len(store.checkpoints))
	}
	if store.checkpoints[0].Version != 1 || store.checkpoints[1].Version != 3 {
		t.Fatalf("expected versions 1 and 3, got %d and %d", store.checkpoints[0].Version, store.checkpoints[1].Version)
	}
}

func TestCheckpointer_RetriesTransientFailures(t *testing.T) {
	store := newMockStore()
	store.checkpointErr = func(attempt int, _ repository.Snapshot) error {
		if attempt < 3 {
			return errors.New("temporary outage")
		}
		return nil
	}
	cp := newTestCheckpointer(t, store, 3)

	if err := cp.Flush(context.Background(), snapshotV(1)); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if store.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.attempts)
	}
}

func TestCheckpointer_GivesUpAfterBudget(t *testing.T) {
	store := newMockStore()
	store.checkpointErr = func(int, repository.Snapshot) error {
		return errors.New("temporary outage")
	}
	cp := newTestCheckpointer(t, store, 2)

	cp.Request(snapshotV(1))
	select {
	case err := <-cp.Failures():
		if !errors.Is(err, ErrPersistence) {
			t.Fatalf("expected persistence error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a checkpoint failure")
	}
	store.mu.Lock()
	attempts := store.attempts
	store.mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	cp.Request(snapshotV(2))
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.attempts != 2 {
		t.Fatalf("broken checkpointer must not write again, got %d attempts", store.attempts)
	}
}

func TestCheckpointer_PermanentErrorIsNotRetried(t *testing.T) {
	store := newMockStore()
	store.checkpointErr = func(int, repository.Snapshot) error {
		return repository.ErrOwnershipMismatch
	}
	cp := newTestCheckpointer(t, store, 5)

	err := cp.Flush(context.Background(), snapshotV(1))
	if !errors.Is(err, repository.ErrOwnershipMismatch) || !errors.Is(err, ErrPersistence) {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", store.attempts)
	}
}

func TestCheckpointer_FlushWaitsForInFlightWrite(t *testing.T) {
	store := newMockStore()
	store.block = make(chan struct{})
	cp := newTestCheckpointer(t, store, 1)

	cp.Request(snapshotV(1))
	waitUntil(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.attempts == 1
	})
	cp.Request(snapshotV(2))

	flushed := make(chan error, 1)
	go func() {
		final := snapshotV(3)
		final.Status = repository.SessionStatusCompleted
		flushed <- cp.Flush(context.Background(), final)
	}()
	select {
	case <-flushed:
		t.Fatal("flush must wait for the in-flight write")
	case <-time.After(20 * time.Millisecond):
	}
	close(store.block)

	if err := <-flushed; err != nil {
		t.Fatalf("flush: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.checkpoints) != 2 || store.checkpoints[1].Version != 3 {
		t.Fatalf("expected pending v2 to be dropped in favour of v3, got %+v", store.checkpoints)
	}
}

func TestCheckpointer_FlushHonoursContext(t *testing.T) {
	store := newMockStore()
	store.block = make(chan struct{})
	defer close(store.block)
	cp := newTestCheckpointer(t, store, 1)

	cp.Request(snapshotV(1))
	waitUntil(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.attempts == 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := cp.Flush(ctx, snapshotV(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
