package notify

import (
	"context"
	"log/slog"

	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/hashicorp/go-multierror"
)

const ReportSchemaVersion = "2026-10-19"

// Report describes a finished session.
type Report struct {
	Session        repository.Session
	Filename       string
	TranscriptText []byte
	Reason         string
}

type Notifier interface {
	NotifySessionFinished(ctx context.Context, report Report) error
}

// Fanout delivers a report to every notifier and aggregates their failures.
type Fanout []Notifier

func (f Fanout) NotifySessionFinished(ctx context.Context, report Report) error {
	var result *multierror.Error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.NotifySessionFinished(ctx, report); err != nil {
			slog.Warn("session notifier failed", "error", err, "session_id", report.Session.ID)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
