package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foxseedlab/aiscribe/internal/notify"
)

// TranscriptPayload is the JSON document posted when a session finishes.
type TranscriptPayload struct {
	SchemaVersion string          `json:"schema_version"`
	Session       SessionPayload  `json:"session"`
	Transcript    TranscriptBody  `json:"transcript"`
	Reason        string          `json:"reason,omitempty"`
	Segments      []SegmentRecord `json:"segments"`
}

type SessionPayload struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Summary    string     `json:"summary"`
	DurationMs int64      `json:"duration_ms"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type TranscriptBody struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

type SegmentRecord struct {
	Sequence int    `json:"sequence"`
	Text     string `json:"text"`
	OffsetMs int64  `json:"offset_ms"`
}

func newTranscriptPayload(r notify.Report) TranscriptPayload {
	s := r.Session
	segments := make([]SegmentRecord, 0, len(s.Segments))
	for _, seg := range s.Segments {
		if !seg.IsFinal() {
			continue
		}
		segments = append(segments, SegmentRecord{Sequence: seg.Sequence, Text: seg.Text, OffsetMs: seg.Offset.Milliseconds()})
	}
	return TranscriptPayload{
		SchemaVersion: notify.ReportSchemaVersion,
		Session: SessionPayload{
			ID:         s.ID,
			UserID:     s.UserID,
			Title:      s.Title,
			Status:     string(s.Status),
			Summary:    s.Summary,
			DurationMs: s.Duration.Milliseconds(),
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
		},
		Transcript: TranscriptBody{Filename: r.Filename, Text: string(r.TranscriptText)},
		Reason:     r.Reason,
		Segments:   segments,
	}
}

type HTTPSender struct {
	webhookURL string
	client     *http.Client
}

func NewHTTPSender(webhookURL string) *HTTPSender {
	return &HTTPSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSender) NotifySessionFinished(ctx context.Context, report notify.Report) error {
	if s.webhookURL == "" {
		return nil
	}

	b, err := json.Marshal(newTranscriptPayload(report))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
