package resilience

import (
	"context"
	"errors"
	"net/http"

	"github.com/lumi-journal/lumi/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
// Text the backend refuses (400, 413, 422) is not retried elsewhere.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = ttsBackendFault
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers reports the circuit state of every backend.
func (f *TTSFallback) Breakers() []BreakerStatus { return f.group.Breakers() }

// Synthesize renders req on the first healthy provider. A voice ID is
// provider specific, so fallbacks receive the request without it and use
// their own default voice.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	return executeIndexed(f.group, func(i int, p tts.Provider) (tts.Result, error) {
		r := req
		if i > 0 {
			r.VoiceID = ""
			r.ModelID = ""
		}
		return p.Synthesize(ctx, r)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}

func ttsBackendFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *tts.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return false
		}
	}
	return true
}
