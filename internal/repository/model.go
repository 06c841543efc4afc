package repository

import "time"

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// CanTransition reports whether a session may move from s to next.
// Only active sessions change status; terminal statuses are final.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	return s == SessionStatusActive && next.IsTerminal()
}

type SegmentKind string

const (
	SegmentProvisional SegmentKind = "provisional"
	SegmentFinal       SegmentKind = "final"
)

// Segment is one recognized unit of speech. Provisional segments may be
// replaced by a final segment carrying the same sequence number.
type Segment struct {
	Sequence int
	Kind     SegmentKind
	Text     string
	Offset   time.Duration
}

func (s Segment) IsFinal() bool {
	return s.Kind == SegmentFinal
}

func Provisional(seq int, text string, offset time.Duration) Segment {
	return Segment{Sequence: seq, Kind: SegmentProvisional, Text: text, Offset: offset}
}

func Final(seq int, text string, offset time.Duration) Segment {
	return Segment{Sequence: seq, Kind: SegmentFinal, Text: text, Offset: offset}
}

type Session struct {
	ID         string
	UserID     string
	Title      string
	PatientID  string
	Status     SessionStatus
	Segments   []Segment
	Summary    string
	AudioRef   string
	Duration   time.Duration
	Version    int64
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	ID                string
	Title             string
	PatientID         string
	Status            SessionStatus
	Duration          time.Duration
	AudioRef          string
	TranscriptPreview string
	SegmentCount      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Snapshot is an immutable copy of a live session written by a checkpoint.
type Snapshot struct {
	Version    int64
	Status     SessionStatus
	Title      string
	Segments   []Segment
	Summary    string
	AudioRef   string
	Duration   time.Duration
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// OwnerToken proves that the holder is the single live writer of a session.
type OwnerToken string
