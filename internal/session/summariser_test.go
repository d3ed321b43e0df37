package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lumi-journal/lumi/pkg/provider/llm"
	llmmock "github.com/lumi-journal/lumi/pkg/provider/llm/mock"
	"github.com/lumi-journal/lumi/pkg/types"
)

func TestLLMSummariser(t *testing.T) {
	entries := []types.TranscriptEntry{
		e(types.SpeakerUser, "I finally finished the painting."),
		e(types.SpeakerAI, "How does it feel to see it done?"),
	}

	tests := []struct {
		name    string
		content string
		err     error
		want    Summary
		wantErr bool
	}{
		{
			name:    "json",
			content: `{"summary": " You finished a painting. ", "reflection": "Completion brings you pride.", "follow_up_question": "What will you paint next?"}`,
			want:    Summary{Summary: "You finished a painting.", Reflection: "Completion brings you pride.", FollowUpQuestion: "What will you paint next?"},
		},
		{
			name:    "fenced json",
			content: "Sure!\n```json\n{\"summary\": \"You painted.\"}\n```",
			want:    Summary{Summary: "You painted."},
		},
		{name: "no json", content: "I can't do that.", wantErr: true},
		{name: "empty summary", content: `{"summary": ""}`, wantErr: true},
		{name: "llm error", err: errors.New("boom"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tt.content}, CompleteErr: tt.err}
			got, err := NewLLMSummariser(p).Summarise(context.Background(), entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			req := p.Calls()[0].Req
			if !req.JSON {
				t.Error("expected JSON mode")
			}
			transcript := req.Messages[0].Content
			if !strings.Contains(transcript, "User: I finally finished the painting.") ||
				!strings.Contains(transcript, "Lumi: How does it feel to see it done?") {
				t.Errorf("transcript = %q", transcript)
			}
		})
	}
}

func TestLLMSummariser_Empty(t *testing.T) {
	p := &llmmock.Provider{}
	got, err := NewLLMSummariser(p).Summarise(context.Background(), nil)
	if err != nil || got != (Summary{}) || len(p.Calls()) != 0 {
		t.Errorf("got %+v, %v, calls %d", got, err, len(p.Calls()))
	}
}
