// Package audio turns a live microphone stream into debounced speech events
// and audio chunks.
//
// A [Source] delivers 16-bit PCM frames. [Capture] re-frames them into fixed
// 50 ms ticks, classifies every tick with a VAD session, applies hysteresis
// with a [Debouncer], forwards a throttled subset of speech chunks and
// collects complete utterances for batch transcription.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumi-journal/lumi/pkg/types"
)

// Errors returned when a source cannot be opened. They are fatal to voice
// capture only; callers are expected to fall back to text input.
var (
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
	ErrUnsupported      = errors.New("audio: audio capture not supported")
	ErrDevice           = errors.New("audio: audio device error")
	ErrAlreadyRunning   = errors.New("audio: capture already running")
	ErrSourceClosed     = errors.New("audio: source closed")
)

// ErrorKind returns a stable identifier for capture errors so that clients
// can choose a fallback without parsing messages.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrUnsupported):
		return "not_supported"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	default:
		return "audio_error"
	}
}

// Source is a live PCM stream such as a microphone.
type Source interface {
	// Open acquires the device and returns its frame stream. The channel is
	// closed when the source ends. Errors should wrap ErrPermissionDenied,
	// ErrUnsupported or ErrDevice.
	Open(ctx context.Context) (<-chan types.AudioFrame, error)

	// Close releases the device.
	Close() error
}

// ChanSource is a [Source] fed by pushing PCM, for example from a websocket.
// Pushed audio is converted to [CaptureFormat].
type ChanSource struct {
	in      Format
	frames  chan types.AudioFrame
	done    chan struct{}
	samples atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex // write-held only while closing frames
	opened    atomic.Bool
}

// NewChanSource returns a source whose pushed PCM is in format in. buffer
// bounds the number of pending frames.
func NewChanSource(in Format, buffer int) *ChanSource {
	if in.SampleRate == 0 {
		in = CaptureFormat
	}
	if in.Channels == 0 {
		in.Channels = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSource{
		in:     in,
		frames: make(chan types.AudioFrame, buffer),
		done:   make(chan struct{}),
	}
}

// Open implements [Source]. A ChanSource can be opened once.
func (s *ChanSource) Open(context.Context) (<-chan types.AudioFrame, error) {
	select {
	case <-s.done:
		return nil, fmt.Errorf("%w: %w", ErrDevice, ErrSourceClosed)
	default:
	}
	if !s.opened.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: source already open", ErrDevice)
	}
	return s.frames, nil
}

// Push converts pcm to the capture format and enqueues it. It blocks while
// the buffer is full until ctx is done or the source is closed.
func (s *ChanSource) Push(ctx context.Context, pcm []byte) error {
	data := ToMono16(pcm, s.in, CaptureFormat.SampleRate)
	if len(data) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}

	n := int64(len(data) / 2)
	start := s.samples.Add(n) - n
	frame := types.AudioFrame{
		Data:       data,
		SampleRate: CaptureFormat.SampleRate,
		Timestamp:  time.Duration(start) * time.Second / time.Duration(CaptureFormat.SampleRate),
	}
	select {
	case s.frames <- frame:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements [Source]. It is safe to call more than once.
func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.frames)
		s.mu.Unlock()
	})
	return nil
}
