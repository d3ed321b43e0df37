package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a transcription failure.
type Code string

const (
	CodeRateLimit     Code = "TRANSCRIPTION_RATE_LIMIT"
	CodeNoSpeech      Code = "TRANSCRIPTION_NO_SPEECH"
	CodeTimeout       Code = "TRANSCRIPTION_TIMEOUT"
	CodeAudioTooLarge Code = "TRANSCRIPTION_AUDIO_TOO_LARGE"
	CodeInvalidAudio  Code = "TRANSCRIPTION_INVALID_AUDIO"
	CodeUnavailable   Code = "TRANSCRIPTION_UNAVAILABLE"
	CodeUnknown       Code = "TRANSCRIPTION_FAILED"
)

var userMessages = map[Code]string{
	CodeRateLimit:     "I'm getting a lot of requests right now. Give me a moment and try again.",
	CodeNoSpeech:      "I didn't hear anything. Could you say that again?",
	CodeTimeout:       "That took longer than expected. Let's try that once more.",
	CodeAudioTooLarge: "That recording was a bit too long for me. Could you type it instead?",
	CodeInvalidAudio:  "I couldn't process that audio. Could you type your thoughts instead?",
	CodeUnavailable:   "My hearing is a little off right now. Let's try again in a moment.",
	CodeUnknown:       "Something went wrong while I was listening. Let's try again.",
}

var statuses = map[Code]int{
	CodeRateLimit:     http.StatusTooManyRequests,
	CodeNoSpeech:      http.StatusUnprocessableEntity,
	CodeTimeout:       http.StatusGatewayTimeout,
	CodeAudioTooLarge: http.StatusRequestEntityTooLarge,
	CodeInvalidAudio:  http.StatusBadRequest,
	CodeUnavailable:   http.StatusServiceUnavailable,
	CodeUnknown:       http.StatusInternalServerError,
}

// UserMessage returns the friendly message shown to the user for c.
func (c Code) UserMessage() string {
	if m, ok := userMessages[c]; ok {
		return m
	}
	return userMessages[CodeUnknown]
}

// Status returns the HTTP-like status for c.
func (c Code) Status() int {
	if s, ok := statuses[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a later attempt may succeed.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimit, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified transcription failure.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with code.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeForStatus maps an upstream HTTP status to a code.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusRequestEntityTooLarge:
		return CodeAudioTooLarge
	case status == http.StatusBadRequest || status == http.StatusUnsupportedMediaType:
		return CodeInvalidAudio
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeUnavailable
	default:
		return CodeUnknown
	}
}

// CodeOf extracts the code of err. Context deadline errors map to
// [CodeTimeout]; unclassified errors map to [CodeUnknown].
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}
