package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/foxseedlab/aiscribe/internal/repository"
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// checkpointer writes snapshots of one session with at most one write in
// flight. A snapshot requested while a write is running replaces any
// snapshot still waiting; older pending snapshots are never written.
type checkpointer struct {
	store     repository.Store
	sessionID string
	token     repository.OwnerToken
	policy    RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  *repository.Snapshot
	idle     chan struct{}
	broken   bool
	written  int64
	failures chan error
}

func newCheckpointer(ctx context.Context, store repository.Store, sessionID string, token repository.OwnerToken, policy RetryPolicy) *checkpointer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &checkpointer{
		store:     store,
		sessionID: sessionID,
		token:     token,
		policy:    policy,
		ctx:       cctx,
		cancel:    cancel,
		failures:  make(chan error, 1),
	}
}

// Request schedules snap for writing without blocking the caller.
func (c *checkpointer) Request(snap repository.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return
	}
	c.pending = &snap
	if c.idle != nil {
		return
	}
	c.idle = make(chan struct{})
	go c.drain(c.idle)
}

func (c *checkpointer) drain(done chan struct{}) {
	defer close(done)
	for {
		c.mu.Lock()
		snap := c.pending
		c.pending = nil
		if snap == nil || c.broken {
			c.idle = nil
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.write(c.ctx, *snap); err != nil {
			c.mu.Lock()
			c.broken = true
			c.mu.Unlock()
			select {
			case c.failures <- err:
			default:
			}
		}
	}
}

// Failures delivers the first checkpoint that ran out of retries.
func (c *checkpointer) Failures() <-chan error {
	return c.failures
}

// Flush drops any pending snapshot, waits for the in-flight write and then
// writes snap synchronously.
func (c *checkpointer) Flush(ctx context.Context, snap repository.Snapshot) error {
	c.mu.Lock()
	c.pending = nil
	done := c.idle
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrPersistence, ctx.Err())
		}
	}
	return c.write(ctx, snap)
}

// Written returns the version of the newest snapshot known to be stored.
func (c *checkpointer) Written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

func (c *checkpointer) Close() {
	c.cancel()
}

func (c *checkpointer) write(ctx context.Context, snap repository.Snapshot) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialBackoff
	if c.policy.MaxBackoff > 0 {
		b.MaxInterval = c.policy.MaxBackoff
	}
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx)

	op := func() error {
		err := c.store.Checkpoint(ctx, c.sessionID, c.token, snap)
		if err != nil && !repository.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("checkpoint failed; retrying", "error", err, "session_id", c.sessionID, "version", snap.Version, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		slog.Error("checkpoint gave up", "error", err, "session_id", c.sessionID, "version", snap.Version, "status", snap.Status)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	c.mu.Lock()
	if snap.Version > c.written {
		c.written = snap.Version
	}
	c.mu.Unlock()
	slog.Debug("checkpoint written", "session_id", c.sessionID, "version", snap.Version, "segments", len(snap.Segments), "status", snap.Status)
	return nil
}
