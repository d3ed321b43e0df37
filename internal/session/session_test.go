package session

import (
	"testing"
	"time"

	"github.com/lumi-journal/lumi/pkg/types"
)

var start = time.Date(2026, 5, 2, 21, 0, 0, 0, time.UTC)

func e(speaker types.Speaker, text string) types.TranscriptEntry {
	return types.TranscriptEntry{Speaker: speaker, Text: text, Timestamp: start}
}

func TestIsMeaningful(t *testing.T) {
	user, ai := types.SpeakerUser, types.SpeakerAI
	tests := []struct {
		name    string
		entries []types.TranscriptEntry
		elapsed time.Duration
		want    bool
	}{
		{
			name:    "real exchange",
			entries: []types.TranscriptEntry{e(user, "Work was stressful today"), e(ai, "What made it stressful?")},
			elapsed: 30 * time.Second,
			want:    true,
		},
		{
			name:    "single entry",
			entries: []types.TranscriptEntry{e(user, "Work was stressful today")},
			elapsed: time.Minute,
		},
		{
			name:    "too short",
			entries: []types.TranscriptEntry{e(user, "Work was stressful today"), e(ai, "What made it stressful?")},
			elapsed: 9 * time.Second,
		},
		{
			name:    "only the user spoke",
			entries: []types.TranscriptEntry{e(user, "Work was stressful today"), e(user, "And I'm tired of it")},
			elapsed: time.Minute,
		},
		{
			name:    "ai entry blank",
			entries: []types.TranscriptEntry{e(user, "Work was stressful today"), e(ai, "   ")},
			elapsed: time.Minute,
		},
		{
			name:    "greetings only",
			entries: []types.TranscriptEntry{e(user, "Hello Lumi, how are you"), e(ai, "Hi there! Lovely to see you.")},
			elapsed: time.Minute,
		},
		{
			name:    "short texts only",
			entries: []types.TranscriptEntry{e(user, "ok"), e(ai, "Alright.")},
			elapsed: time.Minute,
		},
		{
			name:    "exactly ten seconds",
			entries: []types.TranscriptEntry{e(user, "ok"), e(ai, "Tell me about your weekend.")},
			elapsed: 10 * time.Second,
			want:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Session{ID: "s", UserID: "u", StartedAt: start, Entries: tt.entries}
			if got := IsMeaningful(s, start.Add(tt.elapsed)); got != tt.want {
				t.Errorf("IsMeaningful = %v, want %v", got, tt.want)
			}
		})
	}
}
