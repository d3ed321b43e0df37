// Package speech turns AI replies into playable audio clips.
//
// A [Synthesizer] wraps a tts.Provider, returns each clip as a base64 data
// URL that a browser can play directly, and tracks consecutive failures.
// After more than [DefaultMaxFailures] failures in a row it stops calling
// the provider and reports a persistent error until [Synthesizer.Retry] is
// called; the conversation carries on in text meanwhile.
package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lumi-journal/lumi/internal/observe"
	"github.com/lumi-journal/lumi/internal/resilience"
	"github.com/lumi-journal/lumi/pkg/provider/tts"
	"github.com/lumi-journal/lumi/pkg/types"
)

const (
	// DefaultMaxFailures is the number of consecutive failures tolerated
	// before the synthesizer enters its persistent error state.
	DefaultMaxFailures = 3

	// MaxTextLength bounds a single synthesis request in characters.
	MaxTextLength = 5000
)

// Code classifies a synthesis failure.
type Code string

const (
	CodeEmptyText   Code = "TTS_EMPTY_TEXT"
	CodeTextTooLong Code = "TTS_TEXT_TOO_LONG"
	CodeRateLimit   Code = "TTS_RATE_LIMIT"
	CodeUnavailable Code = "TTS_UNAVAILABLE"
	CodeFailed      Code = "TTS_FAILED"
	CodeDisabled    Code = "TTS_DISABLED"
)

// Status returns the HTTP-like status for c.
func (c Code) Status() int {
	switch c {
	case CodeEmptyText, CodeTextTooLong:
		return http.StatusBadRequest
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed synthesis failure. Every synthesis failure asks the
// client to show the reply as text instead.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "speech: " + string(e.Code)
	}
	return fmt.Sprintf("speech: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ShouldFallbackToText is always true; the reply text is still delivered.
func (e *Error) ShouldFallbackToText() bool { return true }

// ErrDisabled is wrapped by errors returned while the synthesizer is in its
// persistent error state.
var ErrDisabled = errors.New("speech: synthesis disabled after repeated failures")

// Clip is a synthesized reply.
type Clip struct {
	// AudioURL is a data URL ("data:audio/mpeg;base64,...").
	AudioURL string `json:"audio_url"`

	// AudioSize is the size of the decoded audio in bytes.
	AudioSize int `json:"audio_size"`
}

// Voice selects the voice used for every clip.
type Voice struct {
	ID       string
	Model    string
	Settings types.VoiceSettings
}

// Option configures a [Synthesizer].
type Option func(*Synthesizer)

// WithVoice sets the voice.
func WithVoice(v Voice) Option {
	return func(s *Synthesizer) { s.voice = v }
}

// WithMaxFailures sets how many consecutive failures are tolerated.
func WithMaxFailures(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxFailures = n
		}
	}
}

// WithMetrics records latency and failures to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

// OnDisabled registers a callback invoked once when the synthesizer enters
// its persistent error state.
func OnDisabled(fn func(failures int)) Option {
	return func(s *Synthesizer) { s.onDisabled = fn }
}

// Synthesizer renders replies through a TTS provider. It is safe for
// concurrent use.
type Synthesizer struct {
	provider    tts.Provider
	maxFailures int
	metrics     *observe.Metrics
	onDisabled  func(int)

	mu       sync.Mutex
	voice    Voice
	failures int
	disabled bool
}

// New creates a Synthesizer backed by p.
func New(p tts.Provider, opts ...Option) *Synthesizer {
	s := &Synthesizer{provider: p, maxFailures: DefaultMaxFailures}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize renders text. Validation errors do not count as failures.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (Clip, error) {
	return s.SynthesizeWith(ctx, text, Voice{})
}

// SetVoice replaces the configured voice, for example after a config reload.
func (s *Synthesizer) SetVoice(v Voice) {
	s.mu.Lock()
	s.voice = v
	s.mu.Unlock()
}

// Voice returns the configured voice.
func (s *Synthesizer) Voice() Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SynthesizeWith renders text with an explicit voice. Empty voice fields
// fall back to the configured voice.
func (s *Synthesizer) SynthesizeWith(ctx context.Context, text string, v Voice) (Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Clip{}, &Error{Code: CodeEmptyText}
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return Clip{}, &Error{Code: CodeTextTooLong}
	}
	if s.Disabled() {
		return Clip{}, &Error{Code: CodeDisabled, Err: ErrDisabled}
	}
	def := s.Voice()
	if v.ID == "" {
		v.ID = def.ID
	}
	if v.Model == "" {
		v.Model = def.Model
	}
	if v.Settings == (types.VoiceSettings{}) {
		v.Settings = def.Settings
	}

	start := time.Now()
	res, err := s.provider.Synthesize(ctx, tts.Request{
		Text:     text,
		VoiceID:  v.ID,
		ModelID:  v.Model,
		Settings: v.Settings,
	})
	if s.metrics != nil {
		s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err == nil && len(res.Audio) == 0 {
		err = errors.New("empty audio")
	}
	if err != nil {
		if ctx.Err() != nil {
			return Clip{}, fmt.Errorf("speech: synthesize: %w", ctx.Err())
		}
		code := classify(err)
		s.recordFailure(ctx, code)
		return Clip{}, &Error{Code: code, Err: err}
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	ct := res.ContentType
	if ct == "" {
		ct = "audio/mpeg"
	}
	return Clip{
		AudioURL:  "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(res.Audio),
		AudioSize: len(res.Audio),
	}, nil
}

func (s *Synthesizer) recordFailure(ctx context.Context, code Code) {
	s.mu.Lock()
	s.failures++
	n := s.failures
	tripped := !s.disabled && n > s.maxFailures
	if tripped {
		s.disabled = true
	}
	s.mu.Unlock()

	log := observe.Logger(ctx)
	log.Warn("speech: synthesis failed", "code", code, "consecutive_failures", n)
	if s.metrics != nil {
		s.metrics.RecordProviderError(ctx, "tts", string(code))
	}
	if tripped {
		log.Error("speech: too many consecutive failures, disabling synthesis", "failures", n)
		if s.onDisabled != nil {
			s.onDisabled(n)
		}
	}
}

// Disabled reports whether the synthesizer is in its persistent error state.
func (s *Synthesizer) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// Failures returns the current consecutive failure count.
func (s *Synthesizer) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Retry clears the persistent error state and the failure count.
func (s *Synthesizer) Retry() {
	s.mu.Lock()
	s.failures = 0
	s.disabled = false
	s.mu.Unlock()
	slog.Info("speech: synthesis re-enabled")
}

func classify(err error) Code {
	var se *tts.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return CodeRateLimit
		case se.StatusCode >= 500:
			return CodeUnavailable
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, resilience.ErrCircuitOpen) {
		return CodeUnavailable
	}
	return CodeFailed
}
