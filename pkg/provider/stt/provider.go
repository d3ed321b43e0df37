// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider wraps a batch transcription service (the OpenAI Whisper API or
// a self-hosted whisper.cpp server) behind a uniform request/response call.
// Lumi transcribes one complete utterance at a time, so providers receive a
// WAV file and return the recognised text.
//
// Failures are reported as *Error values carrying a stable [Code] so that
// callers can decide between retrying, asking the user to type, or
// substituting a fallback transcript.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Request is a single transcription request.
type Request struct {
	// Audio is a WAV-encoded utterance.
	Audio []byte

	// Language is an optional ISO-639-1 hint (e.g. "en"). Empty lets the
	// provider auto-detect.
	Language string

	// Prompt is optional context that biases recognition, such as the
	// previous AI reply.
	Prompt string
}

// Result is the outcome of a transcription.
type Result struct {
	// Text is the recognised speech. It may be empty for silent audio.
	Text string `json:"text"`

	// Confidence is in [0, 1]; zero if the provider does not report it.
	Confidence float64 `json:"confidence,omitempty"`

	// Duration is the length of the transcribed audio.
	Duration time.Duration `json:"-"`

	// Language is the detected or requested language.
	Language string `json:"language,omitempty"`
}

// Provider transcribes audio.
type Provider interface {
	// Transcribe converts req.Audio to text. Implementations return *Error
	// for service failures with a known classification.
	Transcribe(ctx context.Context, req Request) (Result, error)
}
