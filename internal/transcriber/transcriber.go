package transcriber

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/repository"
)

var (
	// ErrUnavailable means the engine could not process a chunk right now.
	// The chunk is skipped and the session continues.
	ErrUnavailable = errors.New("transcription unavailable")
	// ErrFatal means the engine cannot continue this session.
	ErrFatal = errors.New("transcription failed permanently")
)

// State is what an engine knows about the session it transcribes.
type State struct {
	SessionID    string
	UserID       string
	Language     string
	NextSequence int
	// BaseOffset is the session time at which this stream's audio starts.
	BaseOffset time.Duration
}

type Transcriber interface {
	// SupportsPartial reports whether provisional segments are ever produced.
	SupportsPartial() bool
	Open(ctx context.Context, state State) (Stream, error)
}

// Stream is one session's recognition context. Calls are made sequentially by
// a single supervisor; results of Infer must be consumed before the next call.
type Stream interface {
	Infer(ctx context.Context, chunk audio.Chunk) (iter.Seq[repository.Segment], error)
	// Finish flushes audio buffered inside the engine.
	Finish(ctx context.Context) (iter.Seq[repository.Segment], error)
	Close() error
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Empty is a sequence with no segments.
func Empty() iter.Seq[repository.Segment] {
	return func(func(repository.Segment) bool) {}
}

// Of returns a sequence over the given segments.
func Of(segments ...repository.Segment) iter.Seq[repository.Segment] {
	return func(yield func(repository.Segment) bool) {
		for _, seg := range segments {
			if !yield(seg) {
				return
			}
		}
	}
}
