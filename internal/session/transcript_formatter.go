package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
)

const transcriptTimeLayout = "2006-01-02 15:04:05"

// buildTranscriptText renders final segments as "HH:MM:SS text" lines under
// a short header. Provisional segments are left out.
func buildTranscriptText(s repository.Session, timezone string, loc *time.Location) []byte {
	loc = safeLocation(loc)
	period := "-"
	if s.StartedAt != nil {
		end := s.StartedAt.Add(s.Duration)
		if s.FinishedAt != nil {
			end = *s.FinishedAt
		}
		period = fmt.Sprintf("%s ~ %s (%s)", s.StartedAt.In(loc).Format(transcriptTimeLayout), end.In(loc).Format(transcriptTimeLayout), timezone)
	}

	lines := []string{
		fmt.Sprintf("Title: %s", s.Title),
		fmt.Sprintf("Period: %s", period),
		fmt.Sprintf("Status: %s", s.Status),
		fmt.Sprintf("Summary: %s", s.Summary),
		"",
	}
	for _, seg := range s.Segments {
		text := strings.TrimSpace(seg.Text)
		if !seg.IsFinal() || text == "" {
			continue
		}
		offset := seg.Offset
		if offset < 0 {
			offset = 0
		}
		lines = append(lines, fmt.Sprintf("%s %s", formatElapsedHMS(offset), text))
	}
	return []byte(strings.Join(lines, "\n"))
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
