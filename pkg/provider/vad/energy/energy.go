// Package energy implements a spectral two-factor voice activity detector.
//
// Each frame is windowed (Blackman) and transformed with a radix-2 FFT. A
// frame is classified as speech only when the RMS of the whole magnitude
// spectrum exceeds one threshold and the RMS of the speech band (300–3400 Hz
// by default) exceeds a second one. Broadband hum or high-pitched noise can
// pass the first gate but not the second.
package energy

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/lumi-journal/lumi/pkg/provider/vad"
	"github.com/lumi-journal/lumi/pkg/types"
)

// Defaults tuned for 16 kHz microphone input.
const (
	DefaultSampleRate    = 16000
	DefaultFrameSizeMs   = 50
	DefaultRMSThreshold  = 0.0005
	DefaultBandThreshold = 0.001
	DefaultBandLowHz     = 300
	DefaultBandHighHz    = 3400
)

var _ vad.Engine = (*Engine)(nil)

// Engine creates energy VAD sessions.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// WithDefaults fills zero fields of cfg with the package defaults.
func WithDefaults(cfg vad.Config) vad.Config {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSizeMs == 0 {
		cfg.FrameSizeMs = DefaultFrameSizeMs
	}
	if cfg.RMSThreshold == 0 {
		cfg.RMSThreshold = DefaultRMSThreshold
	}
	if cfg.BandThreshold == 0 {
		cfg.BandThreshold = DefaultBandThreshold
	}
	if cfg.BandLowHz == 0 {
		cfg.BandLowHz = DefaultBandLowHz
	}
	if cfg.BandHighHz == 0 {
		cfg.BandHighHz = DefaultBandHighHz
	}
	return cfg
}

// NewSession implements [vad.Engine]. Zero fields of cfg take the defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = WithDefaults(cfg)
	if cfg.SampleRate < 8000 {
		return nil, fmt.Errorf("energy: sample rate %d too low", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive")
	}
	if cfg.BandLowHz >= cfg.BandHighHz || cfg.BandHighHz > float64(cfg.SampleRate)/2 {
		return nil, fmt.Errorf("energy: invalid speech band %.0f-%.0f Hz", cfg.BandLowHz, cfg.BandHighHz)
	}
	n := cfg.SampleRate * cfg.FrameSizeMs / 1000
	return &Session{
		cfg:    cfg,
		window: blackman(n),
		fftLen: nextPow2(n),
	}, nil
}

var _ vad.SessionHandle = (*Session)(nil)

// Features are the spectral measurements of one frame.
type Features struct {
	RMS  float64
	Band float64
}

// Session is a per-stream energy VAD.
type Session struct {
	cfg    vad.Config
	window []float64
	fftLen int

	mu       sync.Mutex
	speaking bool
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.cfg.FrameBytes() {
		return types.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.cfg.FrameBytes())
	}

	f := s.analyze(frame)
	speech := f.RMS > s.cfg.RMSThreshold && f.Band > s.cfg.BandThreshold

	var typ types.VADEventType
	switch {
	case speech && !s.speaking:
		typ = types.VADSpeechStart
	case speech:
		typ = types.VADSpeechContinue
	case s.speaking:
		typ = types.VADSpeechEnd
	default:
		typ = types.VADSilence
	}
	s.speaking = speech
	return types.VADEvent{Type: typ, Probability: probability(f.Band, s.cfg.BandThreshold)}, nil
}

// Analyze returns the spectral features of frame without changing session state.
func (s *Session) Analyze(frame []byte) Features {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyze(frame)
}

func (s *Session) analyze(frame []byte) Features {
	n := len(frame) / 2
	if n > len(s.window) {
		n = len(s.window)
	}
	buf := make([]complex128, s.fftLen)
	for i := 0; i < n; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		buf[i] = complex(float64(sample)/32768*s.window[i], 0)
	}
	fft(buf)

	bins := s.fftLen/2 + 1
	binHz := float64(s.cfg.SampleRate) / float64(s.fftLen)
	lo := int(math.Ceil(s.cfg.BandLowHz / binHz))
	hi := int(s.cfg.BandHighHz / binHz)

	var total, band float64
	for k := 0; k < bins; k++ {
		m := cmplx.Abs(buf[k]) / float64(len(s.window))
		e := m * m
		total += e
		if k >= lo && k <= hi {
			band += e
		}
	}
	return Features{
		RMS:  math.Sqrt(total / float64(bins)),
		Band: math.Sqrt(band / float64(hi-lo+1)),
	}
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	s.speaking = false
	s.mu.Unlock()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func probability(band, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	p := band / (2 * threshold)
	if p > 1 {
		return 1
	}
	return p
}

func blackman(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		x := float64(i) / float64(n-1)
		w[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x) + 0.08*math.Cos(4*math.Pi*x)
	}
	return w
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// fft is an in-place iterative radix-2 transform. len(a) must be a power of two.
func fft(a []complex128) {
	n := len(a)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				u := a[start+k]
				v := a[start+k+size/2] * w
				a[start+k] = u + v
				a[start+k+size/2] = u - v
				w *= step
			}
		}
	}
}
