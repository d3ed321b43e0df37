// Package transcription turns a finished utterance into user text.
//
// The [Handler] calls an [stt.Provider], retries once on transient failures,
// and never lets a service error reach the conversation as an empty turn:
// unrecoverable failures either become a canned fallback transcript or an
// explicit [ErrFallbackToText] signal telling the caller to switch the user
// to text input.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/lumi-journal/lumi/internal/resilience"
	"github.com/lumi-journal/lumi/pkg/provider/stt"
)

// FallbackTranscript is returned when transcription fails in a way that
// should not interrupt the conversation.
const FallbackTranscript = "I didn't quite catch that. Could you say it again?"

const (
	defaultRetryDelay = time.Second
	defaultMaxRetries = 1
)

var (
	// ErrEmptyAudio is returned before any network call for empty input.
	ErrEmptyAudio = errors.New("transcription: empty audio")

	// ErrRetryNeeded marks a transient failure worth another attempt.
	ErrRetryNeeded = errors.New("transcription: retry needed")

	// ErrFallbackToText tells the caller to abandon voice for this turn and
	// return the conversation to idle.
	ErrFallbackToText = errors.New("transcription: fallback to text input")
)

// Signal is the handling decision for a provider error.
type Signal int

const (
	// SignalFallbackTranscript substitutes [FallbackTranscript].
	SignalFallbackTranscript Signal = iota

	// SignalRetry retries after the configured delay.
	SignalRetry

	// SignalFallbackToText aborts with [ErrFallbackToText].
	SignalFallbackToText
)

func (s Signal) String() string {
	switch s {
	case SignalRetry:
		return "retry"
	case SignalFallbackToText:
		return "fallback_to_text"
	default:
		return "fallback_transcript"
	}
}

// Classify maps a provider error to a [Signal].
func Classify(err error) Signal {
	switch {
	case errors.Is(err, ErrFallbackToText), errors.Is(err, resilience.ErrCircuitOpen):
		return SignalFallbackToText
	case errors.Is(err, ErrRetryNeeded):
		return SignalRetry
	}
	switch code := stt.CodeOf(err); {
	case code.Retryable():
		return SignalRetry
	case code == stt.CodeInvalidAudio, code == stt.CodeAudioTooLarge:
		return SignalFallbackToText
	default:
		return SignalFallbackTranscript
	}
}

// Stage identifies a progress report.
type Stage string

const (
	StageTranscribing Stage = "transcribing"
	StageRetrying     Stage = "retrying"
	StageDone         Stage = "done"
)

// Progress is reported to the caller while a transcription runs.
type Progress struct {
	Stage   Stage
	Attempt int
}

// ProgressFunc receives progress reports. It may be nil.
type ProgressFunc func(Progress)

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithRetryDelay sets the delay before the retry. Defaults to 1s.
func WithRetryDelay(d time.Duration) Option {
	return func(h *Handler) { h.retryDelay = d }
}

// WithMaxRetries sets the number of retries after the first attempt.
// Defaults to 1.
func WithMaxRetries(n uint64) Option {
	return func(h *Handler) { h.maxRetries = n }
}

// WithLanguage sets the language hint passed to the provider.
func WithLanguage(lang string) Option {
	return func(h *Handler) { h.language = lang }
}

// OnFallbackToText registers a callback invoked with the failure code when
// the handler gives up on voice for the current turn.
func OnFallbackToText(fn func(stt.Code)) Option {
	return func(h *Handler) { h.onFallbackToText = fn }
}

// Handler transcribes utterances with bounded retry and graceful fallback.
// It is safe for concurrent use.
type Handler struct {
	provider   stt.Provider
	log        *slog.Logger
	retryDelay time.Duration
	maxRetries uint64
	language   string

	onFallbackToText func(stt.Code)
}

// New creates a Handler backed by p.
func New(p stt.Provider, opts ...Option) *Handler {
	h := &Handler{
		provider:   p,
		log:        slog.Default(),
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Request is one transcription.
type Request struct {
	// Audio is the WAV-encoded utterance.
	Audio []byte

	// Prompt optionally biases recognition.
	Prompt string
}

// Transcribe converts req.Audio to text. The returned text is never empty
// when err is nil. The only errors are [ErrEmptyAudio], [ErrFallbackToText]
// and context cancellation.
func (h *Handler) Transcribe(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	res, err := h.TranscribeResult(ctx, req, progress)
	return res.Text, err
}

// TranscribeResult is like Transcribe but returns the full provider result.
// On fallback the Text is [FallbackTranscript] and the other fields are zero.
func (h *Handler) TranscribeResult(ctx context.Context, req Request, progress ProgressFunc) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, ErrEmptyAudio
	}
	report := func(s Stage, attempt int) {
		if progress != nil {
			progress(Progress{Stage: s, Attempt: attempt})
		}
	}

	var (
		attempt int
		result  stt.Result
	)
	backoff := retry.WithMaxRetries(h.maxRetries, retry.NewConstant(h.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			report(StageRetrying, attempt)
		} else {
			report(StageTranscribing, attempt)
		}
		res, err := h.provider.Transcribe(ctx, stt.Request{
			Audio:    req.Audio,
			Language: h.language,
			Prompt:   req.Prompt,
		})
		if err != nil {
			if ctx.Err() == nil && Classify(err) == SignalRetry {
				h.log.Warn("transcription: transient failure, retrying",
					"attempt", attempt, "code", stt.CodeOf(err), "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	defer report(StageDone, attempt)

	if err == nil {
		result.Text = strings.TrimSpace(result.Text)
		if result.Text == "" {
			h.log.Info("transcription: empty result, using fallback transcript", "attempts", attempt)
			return stt.Result{Text: FallbackTranscript}, nil
		}
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stt.Result{}, fmt.Errorf("transcription: %w", ctxErr)
	}

	code := stt.CodeOf(err)
	if Classify(err) == SignalFallbackToText {
		h.log.Warn("transcription: falling back to text input", "code", code, "error", err)
		if h.onFallbackToText != nil {
			h.onFallbackToText(code)
		}
		return stt.Result{}, fmt.Errorf("%w: %w", ErrFallbackToText, stt.NewError(code, err))
	}

	h.log.Warn("transcription: failed, using fallback transcript",
		"attempts", attempt, "code", code, "error", err)
	return stt.Result{Text: FallbackTranscript}, nil
}
