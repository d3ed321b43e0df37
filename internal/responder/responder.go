// Package responder generates Lumi's spoken reply to a user's turn.
//
// A reply never fails from the caller's point of view. Missing input yields a
// clarifying question, a missing user yields a sign-in hint, and an LLM that
// keeps failing after bounded retries yields one of several warm canned
// replies. After every reply a best-effort background job asks the LLM what
// it learned about the user and merges that into their persona.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/lumi-journal/lumi/internal/journal"
	"github.com/lumi-journal/lumi/internal/observe"
	"github.com/lumi-journal/lumi/internal/persona"
	"github.com/lumi-journal/lumi/pkg/provider/embeddings"
	"github.com/lumi-journal/lumi/pkg/provider/llm"
	"github.com/lumi-journal/lumi/pkg/types"
)

const (
	// ClarifyingResponse answers an empty transcript.
	ClarifyingResponse = "I didn't hear anything that time. Would you like to tell me what's on your mind?"

	// AuthErrorResponse answers a request without a user.
	AuthErrorResponse = "I'm having trouble recognising your account right now. Please sign in again and we can pick up where we left off."
)

// Fallbacks are used when the LLM cannot produce a reply.
var Fallbacks = []string{
	"I'm here with you. Could you tell me a bit more about that?",
	"Thank you for sharing that with me. How did it make you feel?",
	"That sounds important. What stands out to you most about it?",
	"I'm listening. Take your time and tell me more whenever you're ready.",
}

// FallbackResponse returns one of [Fallbacks] at random.
func FallbackResponse() Response {
	return Response{Text: Fallbacks[rand.IntN(len(Fallbacks))], Fallback: true}
}

// Defaults.
const (
	DefaultMaxRetries    = 2
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultHistoryTokens = 3000
	DefaultRelated       = 3

	backgroundTimeout = 30 * time.Second
)

// Personas is the persona access the responder needs.
type Personas interface {
	Get(ctx context.Context, userID string) (persona.State, error)
	Apply(ctx context.Context, userID string, u persona.Update) (persona.State, error)
}

// Related finds past journal sessions related to an embedding.
type Related interface {
	Related(ctx context.Context, userID string, embedding []float32, k int) ([]journal.Entry, error)
}

// Request is one user turn.
type Request struct {
	UserID     string
	Transcript string

	// History holds the earlier turns of the session, oldest first. It does
	// not include Transcript.
	History []types.TranscriptEntry

	// Persona, when set, is used instead of loading the stored persona.
	Persona *persona.State
}

// Response is the reply to a [Request].
type Response struct {
	Text     string    `json:"response"`
	Usage    llm.Usage `json:"usage"`
	Fallback bool      `json:"fallback"`
}

// Option configures a [Responder].
type Option func(*Responder)

// WithPersonas enables persona-aware prompts and background persona updates.
func WithPersonas(p Personas) Option {
	return func(r *Responder) { r.personas = p }
}

// WithReflections lets the prompt include up to k reflections from related
// past sessions, found by embedding the transcript.
func WithReflections(e embeddings.Provider, store Related, k int) Option {
	return func(r *Responder) {
		r.embedder, r.related = e, store
		if k > 0 {
			r.relatedK = k
		}
	}
}

// WithExtractor sets a separate provider for persona extraction. Defaults to
// the reply provider.
func WithExtractor(p llm.Provider) Option {
	return func(r *Responder) { r.extractor = p }
}

// WithRetry sets the retries after the first attempt and the exponential
// backoff base.
func WithRetry(n uint64, base time.Duration) Option {
	return func(r *Responder) { r.maxRetries, r.retryBase = n, base }
}

// WithHistoryTokens bounds the estimated tokens of history sent to the LLM.
func WithHistoryTokens(n int) Option {
	return func(r *Responder) { r.historyTokens = n }
}

// WithMetrics records LLM latency and fallbacks.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// WithClock sets the time source for note timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

// Responder produces replies. It is safe for concurrent use.
type Responder struct {
	llm           llm.Provider
	extractor     llm.Provider
	personas      Personas
	embedder      embeddings.Provider
	related       Related
	relatedK      int
	maxRetries    uint64
	retryBase     time.Duration
	historyTokens int
	metrics       *observe.Metrics
	now           func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Responder backed by p.
func New(p llm.Provider, opts ...Option) *Responder {
	r := &Responder{
		llm:           p,
		relatedK:      DefaultRelated,
		maxRetries:    DefaultMaxRetries,
		retryBase:     DefaultRetryBase,
		historyTokens: DefaultHistoryTokens,
		now:           time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.extractor == nil {
		r.extractor = r.llm
	}
	return r
}

// Generate returns the reply to req. It never returns an error; failures
// become canned replies.
func (r *Responder) Generate(ctx context.Context, req Request) Response {
	log := observe.Logger(observe.WithUserID(ctx, req.UserID))
	transcript := strings.TrimSpace(req.Transcript)
	if transcript == "" {
		return Response{Text: ClarifyingResponse}
	}
	if req.UserID == "" {
		return Response{Text: AuthErrorResponse}
	}

	st := r.loadPersona(ctx, log, req)
	reflections := r.reflections(ctx, log, req.UserID, transcript)

	msgs := append(r.history(req.History), types.Message{Role: types.RoleUser, Content: transcript})
	creq := llm.CompletionRequest{
		SystemPrompt: SystemPrompt(st, reflections),
		Messages:     msgs,
		Temperature:  0.7,
		MaxTokens:    300,
	}

	resp, attempts, err := r.complete(ctx, creq)
	var out Response
	if err != nil {
		log.Warn("responder: llm failed, using fallback reply", "attempts", attempts, "error", err)
		if r.metrics != nil {
			r.metrics.RecordFallback(ctx, "responder", "llm_error")
		}
		out = FallbackResponse()
	} else {
		out = Response{Text: strings.TrimSpace(resp.Content), Usage: resp.Usage}
	}

	r.scheduleUpdate(ctx, req.UserID, st, transcript, out.Text)
	return out
}

func (r *Responder) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, int, error) {
	var (
		resp     *llm.CompletionResponse
		attempts int
	)
	b := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.retryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		start := time.Now()
		res, err := r.llm.Complete(ctx, req)
		if r.metrics != nil {
			r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil && (res == nil || strings.TrimSpace(res.Content) == "") {
			err = errors.New("responder: empty completion")
		}
		if err != nil {
			if r.metrics != nil {
				r.metrics.RecordProviderError(ctx, "llm", "respond")
			}
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		resp = res
		return nil
	})
	return resp, attempts, err
}

func (r *Responder) loadPersona(ctx context.Context, log *slog.Logger, req Request) persona.State {
	if req.Persona != nil {
		return *req.Persona
	}
	if r.personas == nil {
		return persona.State{UserID: req.UserID}
	}
	st, err := r.personas.Get(ctx, req.UserID)
	if err != nil {
		log.Warn("responder: load persona failed", "error", err)
		return persona.State{UserID: req.UserID}
	}
	return st
}

func (r *Responder) reflections(ctx context.Context, log *slog.Logger, userID, transcript string) []string {
	if r.embedder == nil || r.related == nil {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, transcript)
	if err != nil {
		log.Warn("responder: embed transcript failed", "error", err)
		return nil
	}
	entries, err := r.related.Related(ctx, userID, vec, r.relatedK)
	if err != nil {
		log.Warn("responder: related sessions lookup failed", "error", err)
		return nil
	}
	var out []string
	for _, e := range entries {
		text := e.Reflection
		if text == "" {
			text = e.Summary
		}
		if text != "" {
			out = append(out, fmt.Sprintf("%s: %s", e.StartedAt.Format(time.DateOnly), text))
		}
	}
	return out
}

// history converts entries to chat messages, keeping the newest ones that
// fit the token budget.
func (r *Responder) history(entries []types.TranscriptEntry) []types.Message {
	var (
		kept   []types.Message
		budget = r.historyTokens
	)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		m := types.Message{Role: types.RoleFor(e.Speaker), Content: e.Text}
		n, err := r.llm.CountTokens([]types.Message{m})
		if err != nil {
			n = llm.EstimateTokens([]types.Message{m})
		}
		if budget-n < 0 {
			break
		}
		budget -= n
		kept = append(kept, m)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// Close stops scheduling persona updates and waits for running ones.
func (r *Responder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Responder) scheduleUpdate(ctx context.Context, userID string, st persona.State, userText, aiText string) {
	if r.personas == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if err := r.updatePersona(bg, userID, st, userText, aiText); err != nil {
			observe.Logger(observe.WithUserID(bg, userID)).Warn("responder: background persona update failed", "error", err)
		}
	}()
}
