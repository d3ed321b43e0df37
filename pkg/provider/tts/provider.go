// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, or a
// self-hosted Coqui server) and turns one complete reply into one encoded
// audio clip. Lumi plays each AI reply as a single clip, so there is no
// streaming contract.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"fmt"

	"github.com/lumi-journal/lumi/pkg/types"
)

// Request is a single synthesis request.
type Request struct {
	// Text is the reply to speak. Must be non-empty.
	Text string

	// VoiceID is the provider-specific voice. Empty uses the provider default.
	VoiceID string

	// ModelID selects the synthesis model. Empty uses the provider default.
	ModelID string

	// Settings tunes the voice. Zero values use the provider defaults.
	Settings types.VoiceSettings
}

// Result is a synthesized clip.
type Result struct {
	// Audio is the encoded clip.
	Audio []byte

	// ContentType is the MIME type of Audio, e.g. "audio/mpeg".
	ContentType string
}

// Voice describes one voice offered by a provider.
type Voice struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Provider string            `json:"provider"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts req.Text to audio.
	Synthesize(ctx context.Context, req Request) (Result, error)

	// ListVoices returns the voices available to the configured account.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// StatusError reports a non-success HTTP response from a TTS backend.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}
