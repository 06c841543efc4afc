package session

import (
	"strings"
	"testing"
)

func TestSummarize_ShortTranscript(t *testing.T) {
	if got := Summarize("hello there"); got != briefSessionSummary {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestSummarize_FewWordsKeepsTranscript(t *testing.T) {
	transcript := "patient reports mild headaches over the past three weeks without fever"
	if got := Summarize(transcript); got != transcript {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestSummarize_TruncatesToTwentyWords(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = "word"
	}
	got := Summarize(strings.Join(words, " "))
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation suffix: %q", got)
	}
	if n := len(strings.Fields(strings.TrimSuffix(got, "..."))); n != 20 {
		t.Fatalf("expected 20 words, got %d", n)
	}
}

func TestSummarize_CountsCharactersNotBytes(t *testing.T) {
	transcript := "今日の診察では頭痛について話しました"
	if len(transcript) < summaryMinChars {
		t.Fatalf("fixture must exceed %d bytes", summaryMinChars)
	}
	if got := Summarize(transcript); got != briefSessionSummary {
		t.Fatalf("unexpected summary: %q", got)
	}
}
