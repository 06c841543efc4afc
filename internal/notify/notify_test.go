package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/foxseedlab/aiscribe/internal/repository"
)

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) NotifySessionFinished(_ context.Context, _ Report) error {
	r.calls++
	return r.err
}

func TestFanout_DeliversToAllAndAggregatesErrors(t *testing.T) {
	first := &recordingNotifier{err: errors.New("webhook down")}
	second := &recordingNotifier{}
	third := &recordingNotifier{err: errors.New("discord down")}

	err := Fanout{first, nil, second, third}.NotifySessionFinished(context.Background(), Report{
		Session: repository.Session{ID: "session-1"},
	})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 1 {
		t.Fatalf("expected every notifier to be called once: %d %d %d", first.calls, second.calls, third.calls)
	}
	if !errors.Is(err, first.err) || !errors.Is(err, third.err) {
		t.Fatalf("expected both failures to be wrapped: %v", err)
	}
}

func TestFanout_EmptyIsNoop(t *testing.T) {
	if err := (Fanout{}).NotifySessionFinished(context.Background(), Report{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
