// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine surfaces a frame-level speech detector as a stateful,
// per-stream session. Each session keeps its own state so that several
// concurrent audio streams can be processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, which makes it suitable for the capture loop that gates
// transcription input. Events are raw per-frame decisions; hysteresis against
// short pauses is applied by the capture pipeline.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import (
	"errors"

	"github.com/lumi-journal/lumi/pkg/types"
)

// ErrFrameSize is returned by ProcessFrame when the frame does not match the
// configured frame size.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Typical: 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. The
	// capture pipeline ticks every 50 ms.
	FrameSizeMs int

	// RMSThreshold is the minimum RMS of the normalised magnitude spectrum for
	// a frame to count as speech.
	RMSThreshold float64

	// BandThreshold is the minimum RMS of the normalised magnitudes inside the
	// speech band. A frame is speech only when both thresholds are exceeded.
	BandThreshold float64

	// BandLowHz and BandHighHz bound the speech band. Defaults: 300–3400 Hz.
	BandLowHz  float64
	BandHighHz float64
}

// FrameBytes returns the expected byte length of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of 16-bit little-endian mono PCM
	// and returns the detection result. Returns [ErrFrameSize] when the frame
	// length does not match the configured frame size.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
