package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/lumi-journal/lumi/pkg/provider/llm"
	"github.com/lumi-journal/lumi/pkg/types"
)

// summarisationPrompt asks for the three journal fields as JSON.
const summarisationPrompt = `You write journal entries from voice conversations between a user and Lumi, their journaling companion.
Return a JSON object with exactly these string fields:
  "summary": two or three sentences in the second person describing what the user talked about,
  "reflection": one warm, insightful sentence connecting what they shared to their feelings or growth,
  "follow_up_question": one open question to start the next session with.
Use only what the user actually said.`

// Summary is the LLM-written part of a journal entry.
type Summary struct {
	Summary          string `json:"summary"`
	Reflection       string `json:"reflection"`
	FollowUpQuestion string `json:"follow_up_question"`
}

// Summariser condenses a session transcript into a [Summary].
type Summariser interface {
	Summarise(ctx context.Context, entries []types.TranscriptEntry) (Summary, error)
}

// LLMSummariser uses an LLM provider to summarise sessions.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats entries into a transcript, asks the LLM for a JSON
// summary and decodes it. A response without a summary is an error.
func (s *LLMSummariser) Summarise(ctx context.Context, entries []types.TranscriptEntry) (Summary, error) {
	if len(entries) == 0 {
		return Summary{}, nil
	}

	var sb strings.Builder
	for _, e := range entries {
		speaker := "User"
		if e.Speaker == types.SpeakerAI {
			speaker = "Lumi"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, strings.TrimSpace(e.Text))
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
		JSON:         true,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("summarise: %w", err)
	}

	var out Summary
	if err := llm.ExtractJSON(resp.Content, &out); err != nil {
		return Summary{}, fmt.Errorf("summarise: %w", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	out.Reflection = strings.TrimSpace(out.Reflection)
	out.FollowUpQuestion = strings.TrimSpace(out.FollowUpQuestion)
	if out.Summary == "" {
		return Summary{}, fmt.Errorf("summarise: empty summary")
	}
	return out, nil
}
