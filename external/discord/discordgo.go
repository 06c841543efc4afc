package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/foxseedlab/aiscribe/internal/notify"
)

var ErrChannelNotFound = errors.New("discord notify channel not found")

const maxSummaryRunes = 500

// Notifier posts finished transcripts to a text channel over the Discord
// REST API. No gateway connection is opened.
type Notifier struct {
	session   *discordgo.Session
	channelID string
}

// NewNotifier returns nil without error when token is empty so that the
// fan-out skips Discord.
func NewNotifier(token, channelID string) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Client = &http.Client{Timeout: 30 * time.Second}
	return &Notifier{session: s, channelID: channelID}, nil
}

func (n *Notifier) NotifySessionFinished(ctx context.Context, report notify.Report) error {
	if n == nil || n.session == nil {
		return nil
	}
	_, err := n.session.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
		Content: buildMessageContent(report),
		Files: []*discordgo.File{
			{Name: report.Filename, ContentType: "text/plain", Reader: bytes.NewReader(report.TranscriptText)},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		if isRESTNotFound(err) {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, n.channelID)
		}
		return err
	}
	return nil
}

func buildMessageContent(report notify.Report) string {
	s := report.Session
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s)", s.Title, s.Status)
	if s.Duration > 0 {
		fmt.Fprintf(&b, " %s", s.Duration.Round(time.Second))
	}
	if report.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", report.Reason)
	}
	if summary := truncateRunes(strings.TrimSpace(s.Summary), maxSummaryRunes); summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func isRESTNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	return restErr.Response.StatusCode == http.StatusNotFound
}
