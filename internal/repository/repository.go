package repository

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrSessionBusy       = errors.New("session is already owned by a live stream")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrOwnershipMismatch = errors.New("owner token does not match")
	ErrStatusRegression  = errors.New("session status cannot leave a terminal state")
)

// IsRetryable reports whether a checkpoint failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrOwnershipMismatch),
		errors.Is(err, ErrStatusRegression),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// CreateSessionInput describes a new session. A non-empty PatientID must name
// a patient of the same user, otherwise Create fails with ErrInvalidPatient.
type CreateSessionInput struct {
	Title     string
	PatientID string
}

// Store is the durable boundary for session records. Every call is scoped to
// the requesting user; sessions owned by someone else are reported as ErrNotFound.
type Store interface {
	Create(ctx context.Context, userID string, input CreateSessionInput) (*Session, error)
	Claim(ctx context.Context, userID, sessionID string) (OwnerToken, error)
	Checkpoint(ctx context.Context, sessionID string, token OwnerToken, snap Snapshot) error
	Release(ctx context.Context, sessionID string, token OwnerToken) error
	Get(ctx context.Context, userID, sessionID string) (*Session, error)
	List(ctx context.Context, userID string) ([]SessionSummary, error)
	Delete(ctx context.Context, userID, sessionID string) error
	RecoverOrphans(ctx context.Context) (int, error)
	Close() error
}

const transcriptPreviewLength = 100

// JoinTranscript concatenates segment texts in sequence order.
func JoinTranscript(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// TranscriptPreview returns the first 100 characters of the transcript,
// followed by "..." when truncated.
func TranscriptPreview(segments []Segment) string {
	full := []rune(JoinTranscript(segments))
	if len(full) <= transcriptPreviewLength {
		return string(full)
	}
	return string(full[:transcriptPreviewLength]) + "..."
}

func Summarize(s *Session) SessionSummary {
	return SessionSummary{
		ID:                s.ID,
		Title:             s.Title,
		PatientID:         s.PatientID,
		Status:            s.Status,
		Duration:          s.Duration,
		AudioRef:          s.AudioRef,
		TranscriptPreview: TranscriptPreview(s.Segments),
		SegmentCount:      len(s.Segments),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// CloneSegments returns a copy that shares no backing array with segments.
func CloneSegments(segments []Segment) []Segment {
	if segments == nil {
		return nil
	}
	out := make([]Segment, len(segments))
	copy(out, segments)
	return out
}
