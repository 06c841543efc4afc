package session

import (
	"context"
	"errors"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
)

var (
	// ErrClientClosed is returned by Transport.Receive when the client ended
	// the stream cleanly. Any other receive error is treated as an abrupt
	// disconnect.
	ErrClientClosed = errors.New("client closed the stream")
	// ErrFrameTooLarge is returned by Transport.Receive when a frame exceeds
	// what the transport can read at all. The session completes.
	ErrFrameTooLarge = errors.New("frame_too_large")
)

type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameStop
	FrameInvalid
	// FrameOversize is an audio frame the transport discarded unread because
	// it is larger than the chunk limit. Size carries its length.
	FrameOversize
)

type Frame struct {
	Kind    FrameKind
	Payload []byte
	Size    int
}

type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventTranscript     EventType = "transcript"
	EventError          EventType = "error"
	EventSessionClosed  EventType = "session_closed"
)

type Event struct {
	Type      EventType
	SessionID string
	Segment   *repository.Segment
	Code      string
	Message   string
	Closed    *ClosedInfo
}

type ClosedInfo struct {
	Status     repository.SessionStatus
	Reason     string
	Transcript string
	Summary    string
	Duration   time.Duration
	AudioRef   string
}

// Transport is one client connection. Receive is called from a single reader
// goroutine and Send from the supervisor goroutine only.
type Transport interface {
	Receive() (Frame, error)
	Send(ctx context.Context, event Event) error
}
