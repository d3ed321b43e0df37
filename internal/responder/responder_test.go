package responder

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/lumi-journal/lumi/internal/journal"
	"github.com/lumi-journal/lumi/internal/persona"
	embmock "github.com/lumi-journal/lumi/pkg/provider/embeddings/mock"
	"github.com/lumi-journal/lumi/pkg/provider/llm"
	llmmock "github.com/lumi-journal/lumi/pkg/provider/llm/mock"
	"github.com/lumi-journal/lumi/pkg/types"
)

func replyAndExtract(reply, extracted string) func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if req.JSON {
			return &llm.CompletionResponse{Content: extracted}, nil
		}
		return &llm.CompletionResponse{Content: reply, Usage: llm.Usage{TotalTokens: 42}}, nil
	}
}

func TestGenerate_NoNetworkCases(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"empty transcript", Request{UserID: "u1", Transcript: "   "}, ClarifyingResponse},
		{"empty user", Request{Transcript: "hello"}, AuthErrorResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &llmmock.Provider{}
			got := New(p).Generate(context.Background(), tt.req)
			if got.Text != tt.want || got.Fallback {
				t.Errorf("Generate = %+v", got)
			}
			if n := len(p.Calls()); n != 0 {
				t.Errorf("llm calls = %d, want 0", n)
			}
		})
	}
}

func TestGenerate_Success(t *testing.T) {
	p := &llmmock.Provider{CompleteFunc: replyAndExtract(" That sounds lovely. ", "{}")}
	r := New(p)
	defer r.Close()

	got := r.Generate(context.Background(), Request{
		UserID:     "u1",
		Transcript: "I went for a run",
		History: []types.TranscriptEntry{
			{Speaker: types.SpeakerAI, Text: "How was your day?"},
			{Speaker: types.SpeakerUser, Text: "Busy."},
		},
		Persona: &persona.State{PreferredName: "Sam"},
	})
	if got.Text != "That sounds lovely." || got.Fallback || got.Usage.TotalTokens != 42 {
		t.Fatalf("Generate = %+v", got)
	}
	req := p.Calls()[0].Req
	if !strings.Contains(req.SystemPrompt, "Call the user Sam.") {
		t.Errorf("system prompt missing name:\n%s", req.SystemPrompt)
	}
	wantRoles := []string{types.RoleAssistant, types.RoleUser, types.RoleUser}
	var roles []string
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	if !slices.Equal(roles, wantRoles) {
		t.Errorf("roles = %v, want %v", roles, wantRoles)
	}
	if last := req.Messages[len(req.Messages)-1].Content; last != "I went for a run" {
		t.Errorf("last message = %q", last)
	}
}

func TestGenerate_FallbackAfterRetries(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("503 service unavailable")}
	r := New(p, WithRetry(2, time.Millisecond))

	got := r.Generate(context.Background(), Request{UserID: "u1", Transcript: "hi"})
	if !got.Fallback || !slices.Contains(Fallbacks, got.Text) {
		t.Fatalf("Generate = %+v", got)
	}
	if n := len(p.Calls()); n != 3 {
		t.Errorf("llm calls = %d, want 3", n)
	}
}

func TestGenerate_RetryThenSuccess(t *testing.T) {
	p := &llmmock.Provider{
		Errors:           []error{errors.New("timeout")},
		CompleteResponse: &llm.CompletionResponse{Content: "I'm glad you told me."},
	}
	got := New(p, WithRetry(2, time.Millisecond)).Generate(context.Background(), Request{UserID: "u1", Transcript: "hi"})
	if got.Fallback || got.Text != "I'm glad you told me." {
		t.Fatalf("Generate = %+v", got)
	}
}

func TestGenerate_UpdatesPersonaInBackground(t *testing.T) {
	now := time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)
	svc := persona.NewService(persona.NewMemoryStore(), persona.WithClock(func() time.Time { return now }))
	p := &llmmock.Provider{CompleteFunc: replyAndExtract(
		"Nice to meet you, Sam.",
		"```json\n{\"preferred_name\": \"Sam\", \"conversational_notes\": \"Started running again.\"}\n```",
	)}
	r := New(p, WithPersonas(svc))

	got := r.Generate(context.Background(), Request{UserID: "u1", Transcript: "Call me Sam. I started running again."})
	if got.Fallback {
		t.Fatalf("unexpected fallback: %+v", got)
	}
	r.Close()

	st, err := svc.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.PreferredName != "Sam" {
		t.Errorf("PreferredName = %q", st.PreferredName)
	}
	if want := "[2026-05-02 18:30] Started running again."; st.ConversationalNotes != want {
		t.Errorf("ConversationalNotes = %q, want %q", st.ConversationalNotes, want)
	}
}

func TestGenerate_NoPersonaUpdateAfterClose(t *testing.T) {
	svc := persona.NewService(persona.NewMemoryStore())
	p := &llmmock.Provider{CompleteFunc: replyAndExtract("ok", `{"preferred_name": "Sam"}`)}
	r := New(p, WithPersonas(svc))
	r.Close()

	r.Generate(context.Background(), Request{UserID: "u1", Transcript: "Call me Sam."})
	r.Close()
	st, _ := svc.Get(context.Background(), "u1")
	if st.PreferredName != "" {
		t.Errorf("persona updated after Close: %+v", st)
	}
}

type relatedFunc func(ctx context.Context, userID string, emb []float32, k int) ([]journal.Entry, error)

func (f relatedFunc) Related(ctx context.Context, userID string, emb []float32, k int) ([]journal.Entry, error) {
	return f(ctx, userID, emb, k)
}

func TestGenerate_IncludesReflections(t *testing.T) {
	emb := &embmock.Provider{EmbedResult: []float32{1, 0}}
	var gotK int
	store := relatedFunc(func(_ context.Context, userID string, _ []float32, k int) ([]journal.Entry, error) {
		gotK = k
		return []journal.Entry{
			{StartedAt: time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC), Reflection: "Running clears your head."},
			{StartedAt: time.Date(2026, 4, 18, 0, 0, 0, 0, time.UTC), Summary: "Talked about work."},
		}, nil
	})
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	New(p, WithReflections(emb, store, 0)).Generate(context.Background(), Request{UserID: "u1", Transcript: "I ran today"})

	if gotK != DefaultRelated {
		t.Errorf("k = %d, want %d", gotK, DefaultRelated)
	}
	prompt := p.Calls()[0].Req.SystemPrompt
	for _, want := range []string{"2026-04-20: Running clears your head.", "2026-04-18: Talked about work."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if calls := emb.Calls(); len(calls) != 1 || calls[0] != "I ran today" {
		t.Errorf("embed calls = %v", calls)
	}
}

func TestGenerate_ReflectionErrorsIgnored(t *testing.T) {
	emb := &embmock.Provider{EmbedErr: errors.New("down")}
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	got := New(p, WithReflections(emb, journal.NewMemoryStore(), 3)).Generate(context.Background(), Request{UserID: "u1", Transcript: "hi"})
	if got.Fallback || got.Text != "ok" {
		t.Errorf("Generate = %+v", got)
	}
}

func TestHistory_TokenBudget(t *testing.T) {
	p := &llmmock.Provider{TokenCount: 10}
	r := New(p, WithHistoryTokens(25))
	entries := []types.TranscriptEntry{
		{Speaker: types.SpeakerUser, Text: "one"},
		{Speaker: types.SpeakerAI, Text: "two"},
		{Speaker: types.SpeakerUser, Text: ""},
		{Speaker: types.SpeakerUser, Text: "three"},
	}
	got := r.history(entries)
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Errorf("history = %+v", got)
	}
}

func TestExtraction_Update(t *testing.T) {
	cur := persona.State{PreferredName: "Sam"}
	u := extraction{PreferredName: "sam", TonePreferences: " playful ", ConversationalNotes: ""}.update(cur)
	if u.PreferredName != nil {
		t.Errorf("unchanged name should be omitted")
	}
	if u.TonePreferences == nil || *u.TonePreferences != "playful" {
		t.Errorf("TonePreferences = %v", u.TonePreferences)
	}
	if u.ConversationalNotes != nil {
		t.Errorf("empty notes should be omitted")
	}
	if (extraction{}).update(cur).IsEmpty() != true {
		t.Error("empty extraction should give empty update")
	}
}
