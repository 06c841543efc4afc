package repository

import (
	"fmt"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/google/uuid"
)

// ownership is the part of a stored session that guards checkpoint writes.
type ownership struct {
	status  repository.SessionStatus
	version int64
	token   repository.OwnerToken
}

func newOwnerToken() repository.OwnerToken {
	return repository.OwnerToken(uuid.NewString())
}

// claimable reports why a session cannot be claimed, if it cannot.
func (o ownership) claimable() error {
	if o.status != repository.SessionStatusActive {
		return repository.ErrSessionNotActive
	}
	if o.token != "" {
		return repository.ErrSessionBusy
	}
	return nil
}

// acceptCheckpoint decides whether snap may overwrite the stored state. A
// stale version is ignored without error so retried writes stay idempotent.
func (o ownership) acceptCheckpoint(token repository.OwnerToken, snap repository.Snapshot) (bool, error) {
	if token == "" || o.token != token {
		return false, repository.ErrOwnershipMismatch
	}
	if snap.Version < o.version {
		return false, nil
	}
	if !o.status.CanTransition(snap.Status) {
		return false, fmt.Errorf("%w: %s -> %s", repository.ErrStatusRegression, o.status, snap.Status)
	}
	return true, nil
}

// segmentBounds returns the sequence range covered by a snapshot. An empty
// snapshot yields an empty range so that every stored segment is pruned.
func segmentBounds(segments []repository.Segment) (first, last int) {
	if len(segments) == 0 {
		return 0, -1
	}
	return segments[0].Sequence, segments[len(segments)-1].Sequence
}

func toMillis(d time.Duration) int64 {
	return d.Milliseconds()
}

func fromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
