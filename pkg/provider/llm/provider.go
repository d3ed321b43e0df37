// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Gemini, or any vendor
// reachable through any-llm-go) and exposes a single request/response
// completion call. Lumi uses it for three jobs: the companion's conversational
// reply, structured extraction of persona facts, and end-of-session
// summaries. The latter two ask for JSON output via CompletionRequest.JSON.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/lumi-journal/lumi/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the user.
	Messages []types.Message

	// SystemPrompt is an optional instruction placed before the history.
	SystemPrompt string

	// Temperature controls randomness in [0, 2]. Zero uses the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int

	// JSON asks the model for a single JSON object. Providers without a
	// native JSON mode rely on the prompt and [ExtractJSON].
	JSON bool
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Model is the model that produced the reply, when reported.
	Model string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume. The
	// result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)
}

// EstimateTokens approximates token usage at roughly four characters per
// token plus a small per-message overhead for role and formatting.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
