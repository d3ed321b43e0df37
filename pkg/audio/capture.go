package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumi-journal/lumi/pkg/provider/vad"
	"github.com/lumi-journal/lumi/pkg/types"
)

// DefaultMaxUtterance caps how long a single utterance may grow before it is
// cut and handed to transcription.
const DefaultMaxUtterance = 2 * time.Minute

// Chunk is one tick of captured audio.
type Chunk struct {
	Data      []byte
	Timestamp time.Duration
	IsSpeech  bool
}

// Utterance is the audio between a debounced speech start and speech end.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Start      time.Duration
	End        time.Duration
}

// WAV returns the utterance as a WAV file.
func (u Utterance) WAV() []byte {
	return EncodeWAV(u.PCM, u.SampleRate, 1)
}

// CaptureConfig configures a [Capture].
type CaptureConfig struct {
	// VAD configures the per-stream VAD session. FrameSizeMs is the tick.
	VAD vad.Config

	// SilenceDuration is the debounce window before speech ends.
	SilenceDuration time.Duration

	// ChunkEvery forwards one of every N speech chunks.
	ChunkEvery int

	// MaxUtterance cuts utterances that run longer than this.
	MaxUtterance time.Duration
}

// CaptureOption configures optional [Capture] behaviour.
type CaptureOption func(*Capture)

// OnSpeechStart registers the debounced speech-start callback.
func OnSpeechStart(fn func(at time.Duration)) CaptureOption {
	return func(c *Capture) { c.onStart = fn }
}

// OnSpeechEnd registers the debounced speech-end callback.
func OnSpeechEnd(fn func(Utterance)) CaptureOption {
	return func(c *Capture) { c.onEnd = fn }
}

// OnChunk registers the throttled chunk callback.
func OnChunk(fn func(Chunk)) CaptureOption {
	return func(c *Capture) { c.onChunk = fn }
}

// OnCaptureError registers a callback for non-fatal processing errors.
func OnCaptureError(fn func(error)) CaptureOption {
	return func(c *Capture) { c.onError = fn }
}

// WithCaptureLogger sets the logger.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// Capture owns a [Source] and a VAD session and turns the stream into
// speech events. Start and Stop must be paired. Callbacks run on the capture
// goroutine.
type Capture struct {
	engine vad.Engine
	src    Source
	cfg    CaptureConfig
	log    *slog.Logger

	onStart func(time.Duration)
	onEnd   func(Utterance)
	onChunk func(Chunk)
	onError func(error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	session vad.SessionHandle
}

// NewCapture creates a capture pipeline. cfg.VAD must carry the sample rate
// and frame size; zero values of the remaining fields take defaults.
func NewCapture(engine vad.Engine, src Source, cfg CaptureConfig, opts ...CaptureOption) *Capture {
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = CaptureFormat.SampleRate
	}
	if cfg.VAD.FrameSizeMs == 0 {
		cfg.VAD.FrameSizeMs = 50
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = DefaultMaxUtterance
	}
	c := &Capture{engine: engine, src: src, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the source and begins processing. A source failure is
// returned unchanged so callers can classify it with [ErrorKind]; recording
// then does not start.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	frames, err := c.src.Open(ctx)
	if err != nil {
		return fmt.Errorf("audio: open source: %w", err)
	}
	sess, err := c.engine.NewSession(c.cfg.VAD)
	if err != nil {
		_ = c.src.Close()
		return fmt.Errorf("audio: create vad session: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.session = sess
	go c.loop(loopCtx, frames, sess, c.done)
	c.log.Info("audio: capture started", "sample_rate", c.cfg.VAD.SampleRate, "tick_ms", c.cfg.VAD.FrameSizeMs)
	return nil
}

// Stop tears down processing and releases the source and VAD session.
// Stop on a stopped capture is a no-op.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done, sess := c.cancel, c.done, c.session
	c.mu.Unlock()

	cancel()
	<-done
	srcErr := c.src.Close()
	vadErr := sess.Close()
	c.log.Info("audio: capture stopped")
	if srcErr != nil {
		return fmt.Errorf("audio: close source: %w", srcErr)
	}
	if vadErr != nil {
		return fmt.Errorf("audio: close vad session: %w", vadErr)
	}
	return nil
}

// Running reports whether capture is active.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Done returns a channel closed when the current capture loop exits, either
// through Stop or because the source ended. It returns nil before Start.
func (c *Capture) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Capture) loop(ctx context.Context, frames <-chan types.AudioFrame, sess vad.SessionHandle, done chan struct{}) {
	defer close(done)

	p := &processor{
		cfg:      c.cfg,
		frameLen: c.cfg.VAD.FrameBytes(),
		tick:     time.Duration(c.cfg.VAD.FrameSizeMs) * time.Millisecond,
		sess:     sess,
		deb:      NewDebouncer(c.cfg.SilenceDuration),
		thr:      NewChunkThrottle(c.cfg.ChunkEvery),
		c:        c,
	}
	// A tick without frames counts as silence, so speech still ends when
	// the client stops streaming.
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	fed := false
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				c.log.Debug("audio: source ended")
				return
			}
			p.feed(f.Data)
			fed = true
		case <-ticker.C:
			if !fed {
				p.silence()
			}
			fed = false
		}
	}
}

// processor holds the per-run state of the capture loop.
type processor struct {
	cfg      CaptureConfig
	frameLen int
	tick     time.Duration
	sess     vad.SessionHandle
	deb      *Debouncer
	thr      *ChunkThrottle
	c        *Capture

	pending []byte
	pos     time.Duration
	utt     []byte
	uttFrom time.Duration
}

// feed splits incoming PCM into ticks of exactly frameLen bytes.
func (p *processor) feed(data []byte) {
	p.pending = append(p.pending, data...)
	for len(p.pending) >= p.frameLen {
		frame := make([]byte, p.frameLen)
		copy(frame, p.pending[:p.frameLen])
		p.pending = p.pending[p.frameLen:]
		p.step(frame)
		p.pos += p.tick
	}
}

// silence advances the stream by one tick of missing audio. It only
// matters while speech is active.
func (p *processor) silence() {
	if !p.deb.Speaking() {
		return
	}
	if p.deb.Observe(false, p.pos) == EdgeEnd {
		p.finish()
	}
	p.pos += p.tick
}

func (p *processor) step(frame []byte) {
	ev, err := p.sess.ProcessFrame(frame)
	if err != nil {
		if p.c.onError != nil {
			p.c.onError(fmt.Errorf("audio: vad: %w", err))
		}
		ev = types.VADEvent{Type: types.VADSilence}
	}
	speech := ev.Type.IsSpeech()

	edge := p.deb.Observe(speech, p.pos)
	if edge == EdgeStart {
		p.utt = p.utt[:0]
		p.uttFrom = p.pos
		if p.c.onStart != nil {
			p.c.onStart(p.pos)
		}
	}
	if p.deb.Speaking() || edge == EdgeEnd {
		p.utt = append(p.utt, frame...)
	}

	if p.thr.Admit(speech) && p.c.onChunk != nil {
		p.c.onChunk(Chunk{Data: frame, Timestamp: p.pos, IsSpeech: true})
	}

	switch {
	case edge == EdgeEnd:
		p.finish()
	case p.deb.Speaking() && p.pos+p.tick-p.uttFrom >= p.cfg.MaxUtterance:
		p.c.log.Warn("audio: utterance exceeded maximum length, cutting", "max", p.cfg.MaxUtterance)
		p.deb.Reset()
		p.sess.Reset()
		p.finish()
	}
}

func (p *processor) finish() {
	u := Utterance{
		PCM:        append([]byte(nil), p.utt...),
		SampleRate: p.cfg.VAD.SampleRate,
		Start:      p.uttFrom,
		End:        p.pos + p.tick,
	}
	p.utt = p.utt[:0]
	p.thr.Reset()
	if p.c.onEnd != nil {
		p.c.onEnd(u)
	}
}
