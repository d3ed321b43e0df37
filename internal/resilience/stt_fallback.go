package resilience

import (
	"context"
	"errors"

	"github.com/lumi-journal/lumi/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple transcription backends. Each backend has its own circuit breaker.
// The last backend's typed error is preserved in the chain so callers can
// still classify it with [stt.CodeOf].
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
// Unless cfg supplies its own classifier, unusable audio is returned to the
// caller instead of being retried on the next backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = sttBackendFault
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers reports the circuit state of every backend.
func (f *STTFallback) Breakers() []BreakerStatus { return f.group.Breakers() }

// Transcribe sends req to the first healthy provider, failing over in
// registration order.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
}

func sttBackendFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch stt.CodeOf(err) {
	case stt.CodeNoSpeech, stt.CodeInvalidAudio, stt.CodeAudioTooLarge:
		return false
	}
	return true
}
