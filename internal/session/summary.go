package session

import (
	"strings"
	"unicode/utf8"
)

const (
	briefSessionSummary   = "Brief audio recording session"
	summaryMinChars       = 50
	summaryMaxWords       = 20
	summaryTruncateSuffix = "..."
)

// Summarize produces the short description stored with a finished session.
func Summarize(transcript string) string {
	transcript = strings.TrimSpace(transcript)
	if utf8.RuneCountInString(transcript) < summaryMinChars {
		return briefSessionSummary
	}
	words := strings.Fields(transcript)
	if len(words) <= summaryMaxWords {
		return transcript
	}
	return strings.Join(words[:summaryMaxWords], " ") + summaryTruncateSuffix
}
