package transcriber

import (
	"context"
	"testing"
	"time"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
)

func collect(t *testing.T, stream transcriber.Stream, chunk audio.Chunk) []repository.Segment {
	t.Helper()
	segs, err := stream.Infer(context.Background(), chunk)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	var out []repository.Segment
	for seg := range segs {
		out = append(out, seg)
	}
	return out
}

func TestMockTranscriber_EveryTenthChunkIsFinal(t *testing.T) {
	stream, err := NewMockTranscriber().Open(context.Background(), transcriber.State{NextSequence: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 1; i <= 20; i++ {
		segs := collect(t, stream, audio.Chunk{Sequence: int64(i - 1), Offset: time.Duration(i) * time.Second})
		if len(segs) != 1 {
			t.Fatalf("chunk %d: expected one segment, got %d", i, len(segs))
		}
		seg := segs[0]
		wantSeq := 4
		if i > 10 {
			wantSeq = 5
		}
		if seg.Sequence != wantSeq {
			t.Fatalf("chunk %d: expected sequence %d, got %d", i, wantSeq, seg.Sequence)
		}
		if (i%10 == 0) != seg.IsFinal() {
			t.Fatalf("chunk %d: unexpected kind %s", i, seg.Kind)
		}
	}
}

func TestMockTranscriber_FinishFlushesPendingAudio(t *testing.T) {
	stream, _ := NewMockTranscriber().Open(context.Background(), transcriber.State{})
	collect(t, stream, audio.Chunk{})

	segs, err := stream.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	var got []repository.Segment
	for seg := range segs {
		got = append(got, seg)
	}
	if len(got) != 1 || !got[0].IsFinal() || got[0].Text != mockSessionEndText || got[0].Sequence != 0 {
		t.Fatalf("unexpected flush: %+v", got)
	}

	segs, _ = stream.Finish(context.Background())
	for range segs {
		t.Fatal("second finish must be empty")
	}
}
