// Package session manages the lifecycle of one journaling conversation.
//
// A [Manager] buffers the transcript of the active session in memory, ends
// it on request, on a spoken end phrase or after a period of inactivity, and
// on end decides whether the conversation was meaningful enough to keep. Kept
// sessions are summarised by an LLM ([LLMSummariser]) and saved to the
// journal; the rest are discarded.
//
// All exported types are safe for concurrent use.
package session

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lumi-journal/lumi/pkg/types"
)

// Thresholds for [IsMeaningful].
const (
	MinEntries     = 2
	MinDuration    = 10 * time.Second
	MinSubstantial = 10
)

// greetingOnly marks entries that are pleasantries rather than content.
var greetingOnly = []string{"hello", "hi there"}

// Session is an in-memory journaling conversation.
type Session struct {
	ID        string                  `json:"id"`
	UserID    string                  `json:"user_id"`
	StartedAt time.Time               `json:"started_at"`
	Entries   []types.TranscriptEntry `json:"entries"`
}

// clone returns a copy whose Entries can be modified independently.
func (s Session) clone() Session {
	s.Entries = append([]types.TranscriptEntry(nil), s.Entries...)
	return s
}

// IsMeaningful reports whether s is worth persisting at time now: it has
// at least two entries, lasted at least ten seconds, has non-empty entries
// from both speakers, and at least one entry longer than ten characters that
// is not just a greeting.
func IsMeaningful(s Session, now time.Time) bool {
	if len(s.Entries) < MinEntries || now.Sub(s.StartedAt) < MinDuration {
		return false
	}
	var user, ai, substantial bool
	for _, e := range s.Entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		switch e.Speaker {
		case types.SpeakerUser:
			user = true
		case types.SpeakerAI:
			ai = true
		}
		if utf8.RuneCountInString(text) > MinSubstantial && !isGreeting(text) {
			substantial = true
		}
	}
	return user && ai && substantial
}

func isGreeting(text string) bool {
	lower := strings.ToLower(text)
	for _, g := range greetingOnly {
		if strings.Contains(lower, g) {
			return true
		}
	}
	return false
}
