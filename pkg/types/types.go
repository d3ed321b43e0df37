// Package types defines the shared types used across Lumi packages.
//
// Providers, the conversation core and the storage layers exchange these
// values. Each package keeps its own domain types; only cross-cutting data
// structures live here to avoid import cycles.
package types

import "time"

// Speaker identifies one of the two parties of a journaling conversation.
type Speaker string

const (
	// SpeakerUser is the person journaling.
	SpeakerUser Speaker = "user"

	// SpeakerAI is the Lumi companion.
	SpeakerAI Speaker = "ai"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAI
}

// AudioFrame represents a single frame of mono 16-bit little-endian PCM.
type AudioFrame struct {
	// Data holds the raw PCM bytes.
	Data []byte

	// SampleRate in Hz (16000 for the capture pipeline).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// TranscriptEntry is one line of a journaling session transcript.
type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Chat roles used in [Message].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RoleFor maps a conversation speaker to its LLM chat role.
func RoleFor(s Speaker) string {
	if s == SpeakerAI {
		return RoleAssistant
	}
	return RoleUser
}

// VoiceSettings tunes a synthesized voice.
type VoiceSettings struct {
	Stability       float64 `json:"stability" yaml:"stability"`
	SimilarityBoost float64 `json:"similarity_boost" yaml:"similarity_boost"`
	Style           float64 `json:"style,omitempty" yaml:"style"`
	SpeakerBoost    bool    `json:"use_speaker_boost,omitempty" yaml:"use_speaker_boost"`
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is a speech confidence score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// IsSpeech reports whether the event carries speech energy.
func (t VADEventType) IsSpeech() bool {
	return t == VADSpeechStart || t == VADSpeechContinue
}
