package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
)

var (
	ErrOutOfOrderSegment = errors.New("segment out of order")
	ErrSessionClosed     = errors.New("session is closed")
)

// Aggregator owns the live transcript of one session. Apply and Checkpoint
// may be called from different goroutines; a checkpoint never observes a
// partially applied segment.
type Aggregator struct {
	mu sync.RWMutex

	id       string
	userID   string
	title    string
	status   repository.SessionStatus
	segments []repository.Segment
	summary  string
	audioRef string
	version  int64

	// priorDuration is the duration recorded before this connection resumed
	// the session.
	priorDuration time.Duration
	firstChunkAt  time.Time
	lastChunkAt   time.Time
	startedAt    *time.Time
	finishedAt   *time.Time
	now          func() time.Time

	dropped int
}

func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now}
}

// Start initializes an empty active session.
func (a *Aggregator) Start(sessionID, userID, title string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	started := a.now()
	a.id = sessionID
	a.userID = userID
	a.title = title
	a.status = repository.SessionStatusActive
	a.segments = nil
	a.startedAt = &started
	a.version = 1
}

// Resume seeds the aggregator from a stored active session.
func (a *Aggregator) Resume(s *repository.Session) error {
	if s.Status != repository.SessionStatusActive {
		return fmt.Errorf("resume session %s: %w", s.ID, repository.ErrSessionNotActive)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.id = s.ID
	a.userID = s.UserID
	a.title = s.Title
	a.status = s.Status
	a.segments = repository.CloneSegments(s.Segments)
	a.audioRef = s.AudioRef
	a.version = s.Version + 1
	a.priorDuration = s.Duration
	started := a.now()
	if s.StartedAt != nil {
		started = *s.StartedAt
	}
	a.startedAt = &started
	return nil
}

func (a *Aggregator) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

func (a *Aggregator) NextSequence() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSequenceLocked() + 1
}

func (a *Aggregator) lastSequenceLocked() int {
	if len(a.segments) == 0 {
		return -1
	}
	return a.segments[len(a.segments)-1].Sequence
}

// Observe records the arrival time of an audio chunk.
func (a *Aggregator) Observe(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.IsTerminal() {
		return
	}
	if a.firstChunkAt.IsZero() {
		a.firstChunkAt = at
	}
	a.lastChunkAt = at
}

// Apply appends the next segment, or replaces a stored provisional segment
// carrying the same sequence number. Final segments are never rewritten.
func (a *Aggregator) Apply(seg repository.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.IsTerminal() {
		return ErrSessionClosed
	}
	last := a.lastSequenceLocked()
	if seg.Sequence == last+1 {
		a.segments = append(a.segments, seg)
		a.version++
		return nil
	}
	if i, ok := a.indexLocked(seg.Sequence); ok && !a.segments[i].IsFinal() {
		a.segments[i] = seg
		a.version++
		return nil
	}
	a.dropped++
	return fmt.Errorf("%w: got %d, last %d", ErrOutOfOrderSegment, seg.Sequence, last)
}

// indexLocked maps a sequence number to its slot. Sequences are contiguous,
// so the slot is the distance from the first stored sequence.
func (a *Aggregator) indexLocked(seq int) (int, bool) {
	if len(a.segments) == 0 {
		return 0, false
	}
	i := seq - a.segments[0].Sequence
	if i < 0 || i >= len(a.segments) {
		return 0, false
	}
	return i, true
}

// SetAudioRef records where the raw audio of the session was stored.
func (a *Aggregator) SetAudioRef(ref string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.IsTerminal() || ref == "" {
		return
	}
	a.audioRef = ref
	a.version++
}

// Finish freezes the session with a terminal status.
func (a *Aggregator) Finish(outcome repository.SessionStatus) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %q", outcome)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.IsTerminal() {
		return ErrSessionClosed
	}
	finished := a.now()
	a.status = outcome
	a.finishedAt = &finished
	a.summary = Summarize(repository.JoinTranscript(a.segments))
	a.version++
	return nil
}

func (a *Aggregator) Status() repository.SessionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Dropped returns the number of out-of-order segments that were discarded.
func (a *Aggregator) Dropped() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// Duration is the span between the first and the last received chunk, added
// to the duration recorded before a resume.
func (a *Aggregator) Duration() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.durationLocked()
}

func (a *Aggregator) durationLocked() time.Duration {
	if a.firstChunkAt.IsZero() {
		return a.priorDuration
	}
	return a.priorDuration + a.lastChunkAt.Sub(a.firstChunkAt)
}

// ResumeOffset is where audio of the current connection starts on the
// session timeline. It is zero for a new session and never earlier than the
// last stored segment of a resumed one.
func (a *Aggregator) ResumeOffset() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	offset := a.priorDuration
	if n := len(a.segments); n > 0 && a.segments[n-1].Offset > offset {
		offset = a.segments[n-1].Offset
	}
	return offset
}

// Checkpoint returns an immutable copy of the current state.
func (a *Aggregator) Checkpoint() repository.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return repository.Snapshot{
		Version:    a.version,
		Status:     a.status,
		Title:      a.title,
		Segments:   repository.CloneSegments(a.segments),
		Summary:    a.summary,
		AudioRef:   a.audioRef,
		Duration:   a.durationLocked(),
		StartedAt:  copyTime(a.startedAt),
		FinishedAt: copyTime(a.finishedAt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
