// Package greeting produces the short welcome Lumi speaks when a user opens
// the app. Each user is greeted at most once per local calendar day.
package greeting

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/lumi-journal/lumi/internal/kv"
	"github.com/lumi-journal/lumi/internal/persona"
	"github.com/lumi-journal/lumi/pkg/provider/llm"
	"github.com/lumi-journal/lumi/pkg/types"
)

// keyTTL outlives one local day in every time zone.
const keyTTL = 48 * time.Hour

// Fallbacks are used when the LLM is unavailable.
var Fallbacks = []string{
	"Hi, it's good to hear from you. How are you feeling today?",
	"Welcome back. What's on your mind today?",
	"Hello again. I'm here whenever you're ready to talk.",
}

// PersonaSource loads a user's persona.
type PersonaSource interface {
	Get(ctx context.Context, userID string) (persona.State, error)
}

// Result is a generated greeting.
type Result struct {
	Text     string `json:"greeting"`
	Fallback bool   `json:"fallback"`
}

// Option configures a [Service].
type Option func(*Service)

// WithLocation sets the time zone that defines a "day". Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithRetry sets the number of retries after the first LLM attempt and the
// base backoff. Defaults to 2 retries from 500ms.
func WithRetry(n uint64, base time.Duration) Option {
	return func(s *Service) { s.retries, s.backoff = n, base }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service decides whether a greeting is due and generates it.
type Service struct {
	llm      llm.Provider
	personas PersonaSource
	store    kv.Store
	loc      *time.Location
	retries  uint64
	backoff  time.Duration
	log      *slog.Logger
}

// New creates a Service. personas may be nil, in which case greetings are
// not personalised.
func New(p llm.Provider, personas PersonaSource, store kv.Store, opts ...Option) *Service {
	s := &Service{
		llm:      p,
		personas: personas,
		store:    store,
		loc:      time.UTC,
		retries:  2,
		backoff:  500 * time.Millisecond,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key returns the KV key recording that userID was greeted on now's day.
func (s *Service) Key(userID string, now time.Time) string {
	return "greeting:" + userID + ":" + now.In(s.loc).Format(time.DateOnly)
}

// Greeting returns today's greeting for userID. ok is false when the user
// has already been greeted today; no LLM call is made then. The day is
// claimed atomically before generating, so concurrent callers greet once
// and a fallback greeting still counts.
func (s *Service) Greeting(ctx context.Context, userID string, now time.Time) (res Result, ok bool, err error) {
	if userID == "" {
		return Result{}, false, fmt.Errorf("greeting: empty user id")
	}
	key := s.Key(userID, now)
	claimed, err := s.store.SetNX(ctx, key, now.UTC().Format(time.RFC3339), keyTTL)
	if err != nil {
		return Result{}, false, fmt.Errorf("greeting: mark %s: %w", key, err)
	}
	if !claimed {
		return Result{}, false, nil
	}
	return s.generate(ctx, userID, now), true, nil
}

func (s *Service) generate(ctx context.Context, userID string, now time.Time) Result {
	var st persona.State
	if s.personas != nil {
		var err error
		if st, err = s.personas.Get(ctx, userID); err != nil {
			s.log.Warn("greeting: load persona failed", "user_id", userID, "error", err)
		}
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt(st, now.In(s.loc)),
		Messages:     []types.Message{{Role: types.RoleUser, Content: "Greet me."}},
		Temperature:  0.8,
		MaxTokens:    80,
	}
	var text string
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		resp, err := s.llm.Complete(ctx, req)
		if err != nil {
			return retry.RetryableError(err)
		}
		text = strings.Trim(strings.TrimSpace(resp.Content), `"`)
		if text == "" {
			return retry.RetryableError(fmt.Errorf("greeting: empty completion"))
		}
		return nil
	})
	if err != nil {
		s.log.Warn("greeting: llm failed, using fallback", "user_id", userID, "error", err)
		return Result{Text: Fallbacks[rand.IntN(len(Fallbacks))], Fallback: true}
	}
	return Result{Text: text}
}

func systemPrompt(st persona.State, local time.Time) string {
	var b strings.Builder
	b.WriteString("You are Lumi, a warm voice journaling companion. Write one or two short spoken sentences ")
	b.WriteString("welcoming the user back and inviting them to share how they are. No lists, no emojis.\n")
	fmt.Fprintf(&b, "It is %s %s.\n", local.Weekday(), partOfDay(local.Hour()))
	if st.PreferredName != "" {
		fmt.Fprintf(&b, "Address the user as %s.\n", st.PreferredName)
	}
	if st.TonePreferences != "" {
		fmt.Fprintf(&b, "Preferred tone: %s.\n", st.TonePreferences)
	}
	if st.ReflectionFocus != "" {
		fmt.Fprintf(&b, "They are focusing on: %s.\n", st.ReflectionFocus)
	}
	return b.String()
}

func partOfDay(hour int) string {
	switch {
	case hour < 5:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}
