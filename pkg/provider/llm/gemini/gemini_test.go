package gemini

import (
	"context"
	"testing"

	"google.golang.org/genai"

	"github.com/lumi-journal/lumi/pkg/provider/llm"
	"github.com/lumi-journal/lumi/pkg/types"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestBuildContents(t *testing.T) {
	got := buildContents([]types.Message{
		{Role: types.RoleUser, Content: "I slept badly."},
		{Role: types.RoleAssistant, Content: "I'm sorry to hear that."},
		{Role: types.RoleUser, Content: "   "},
	})
	if len(got) != 2 {
		t.Fatalf("contents = %d, want 2 (blank dropped)", len(got))
	}
	if got[0].Role != string(genai.RoleUser) {
		t.Errorf("role[0] = %q, want user", got[0].Role)
	}
	if got[1].Role != string(genai.RoleModel) {
		t.Errorf("role[1] = %q, want model", got[1].Role)
	}
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig(llm.CompletionRequest{
		SystemPrompt: "You are Lumi.",
		Temperature:  0.5,
		MaxTokens:    150,
		JSON:         true,
	})
	if cfg.SystemInstruction == nil {
		t.Fatal("expected system instruction")
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.5 {
		t.Errorf("temperature = %v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 150 {
		t.Errorf("max output tokens = %d", cfg.MaxOutputTokens)
	}
	if cfg.ResponseMIMEType != "application/json" {
		t.Errorf("mime type = %q", cfg.ResponseMIMEType)
	}
}

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "Hello "}, {Text: "there. "}}},
		}},
	}
	if got := responseText(resp); got != "Hello there." {
		t.Errorf("responseText = %q", got)
	}
	if got := responseText(&genai.GenerateContentResponse{}); got != "" {
		t.Errorf("responseText(empty) = %q", got)
	}
}
