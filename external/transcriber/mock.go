package transcriber

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
)

const (
	mockFinalEvery     = 10
	mockFinalText      = "Mock final transcription result"
	mockSessionEndText = "Mock final session result"
)

// MockTranscriber stands in for a speech engine in development. Every chunk
// yields a provisional segment and every tenth chunk finalizes it.
type MockTranscriber struct{}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{}
}

func (*MockTranscriber) SupportsPartial() bool { return true }

func (*MockTranscriber) Open(_ context.Context, state transcriber.State) (transcriber.Stream, error) {
	return &mockStream{next: state.NextSequence}, nil
}

type mockStream struct {
	mu      sync.Mutex
	next    int
	chunks  int
	pending bool
	last    audio.Chunk
}

func (s *mockStream) Infer(_ context.Context, chunk audio.Chunk) (iter.Seq[repository.Segment], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	s.last = chunk
	if s.chunks%mockFinalEvery == 0 {
		seg := repository.Final(s.next, mockFinalText, chunk.Offset)
		s.next++
		s.pending = false
		return transcriber.Of(seg), nil
	}
	s.pending = true
	return transcriber.Of(repository.Provisional(s.next, fmt.Sprintf("Mock partial result %d", s.chunks), chunk.Offset)), nil
}

func (s *mockStream) Finish(context.Context) (iter.Seq[repository.Segment], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return transcriber.Empty(), nil
	}
	s.pending = false
	seg := repository.Final(s.next, mockSessionEndText, s.last.Offset)
	s.next++
	return transcriber.Of(seg), nil
}

func (*mockStream) Close() error { return nil }
