// Package app wires all Lumi subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, StartConversation opens live voice sessions, and Shutdown
// tears everything down in order.
//
// Storage and providers are passed in by the caller, so tests can use the
// in-memory stores and the provider mock packages.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumi-journal/lumi/internal/config"
	"github.com/lumi-journal/lumi/internal/conversation"
	"github.com/lumi-journal/lumi/internal/greeting"
	"github.com/lumi-journal/lumi/internal/health"
	"github.com/lumi-journal/lumi/internal/journal"
	"github.com/lumi-journal/lumi/internal/kv"
	"github.com/lumi-journal/lumi/internal/observe"
	"github.com/lumi-journal/lumi/internal/persona"
	"github.com/lumi-journal/lumi/internal/responder"
	"github.com/lumi-journal/lumi/internal/session"
	"github.com/lumi-journal/lumi/internal/speech"
	"github.com/lumi-journal/lumi/internal/transcription"
	"github.com/lumi-journal/lumi/pkg/audio"
	"github.com/lumi-journal/lumi/pkg/provider/embeddings"
	"github.com/lumi-journal/lumi/pkg/provider/llm"
	"github.com/lumi-journal/lumi/pkg/provider/stt"
	"github.com/lumi-journal/lumi/pkg/provider/tts"
	"github.com/lumi-journal/lumi/pkg/provider/vad"
	"github.com/lumi-journal/lumi/pkg/types"
)

// ErrConversationActive is returned by StartConversation when the user
// already has a live conversation.
var ErrConversationActive = errors.New("app: conversation already active for user")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// Stores holds the persistence backends chosen by main.go.
type Stores struct {
	Personas persona.Store
	Journal  journal.Store
	KV       kv.Store
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	log       *slog.Logger
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	personas    *persona.Service
	journal     *session.JournalGuard
	responder   *responder.Responder
	transcriber *transcription.Handler
	synth       *speech.Synthesizer
	greeter     *greeting.Service
	summariser  session.Summariser

	mu            sync.Mutex
	sessionCfg    session.Config
	conversations map[string]*Conversation
	closing       bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of a handler built
// on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCloser registers fn to run during Shutdown after all conversations
// have ended, for example to close a database pool.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. An LLM provider and
// all three stores are required; STT, TTS, embeddings and VAD are optional
// and their absence disables the matching feature.
func New(cfg *config.Config, providers *Providers, stores Stores, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	if stores.Personas == nil || stores.Journal == nil || stores.KV == nil {
		return nil, errors.New("app: persona, journal and kv stores are required")
	}
	a := &App{
		cfg:           cfg,
		providers:     providers,
		log:           slog.Default(),
		conversations: make(map[string]*Conversation),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Persona and journal ───────────────────────────────────────────
	a.personas = persona.NewService(stores.Personas)
	a.journal = session.NewJournalGuard(stores.Journal)
	a.summariser = session.NewLLMSummariser(providers.LLM)
	a.sessionCfg = sessionConfig(cfg.Session)

	// ── 2. Responder ─────────────────────────────────────────────────────
	ropts := []responder.Option{
		responder.WithPersonas(a.personas),
		responder.WithMetrics(a.metrics),
	}
	if providers.Embeddings != nil {
		ropts = append(ropts, responder.WithReflections(providers.Embeddings, a.journal, responder.DefaultRelated))
	}
	a.responder = responder.New(providers.LLM, ropts...)

	// ── 3. Voice in and out ──────────────────────────────────────────────
	if providers.STT != nil {
		a.transcriber = transcription.New(providers.STT,
			transcription.WithLogger(a.log),
			transcription.OnFallbackToText(func(code stt.Code) {
				a.metrics.RecordFallback(context.Background(), "transcription", string(code))
			}),
		)
	}
	if providers.TTS != nil {
		a.synth = speech.New(providers.TTS,
			speech.WithVoice(voiceFromConfig(cfg.Speech)),
			speech.WithMaxFailures(cfg.Speech.MaxFailures),
			speech.WithMetrics(a.metrics),
			speech.OnDisabled(func(failures int) {
				a.log.Error("speech synthesis disabled", "consecutive_failures", failures)
			}),
		)
	}

	// ── 4. Greeting ──────────────────────────────────────────────────────
	loc, err := time.LoadLocation(cfg.Greeting.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: greeting timezone: %w", err)
	}
	a.greeter = greeting.New(providers.LLM, a.personas, stores.KV,
		greeting.WithLocation(loc),
		greeting.WithLogger(a.log),
	)

	a.log.Info("app initialised",
		"voice_input", a.transcriber != nil && providers.VAD != nil,
		"voice_output", a.synth != nil,
		"reflections", providers.Embeddings != nil,
	)
	return a, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Personas returns the persona service.
func (a *App) Personas() *persona.Service { return a.personas }

// Journal returns the guarded journal store.
func (a *App) Journal() *session.JournalGuard { return a.journal }

// Responder returns the reply generator.
func (a *App) Responder() *responder.Responder { return a.responder }

// Transcriber returns the transcription handler, or nil without STT.
func (a *App) Transcriber() *transcription.Handler { return a.transcriber }

// Synthesizer returns the speech synthesizer, or nil without TTS.
func (a *App) Synthesizer() *speech.Synthesizer { return a.synth }

// Greeter returns the daily greeting service.
func (a *App) Greeter() *greeting.Service { return a.greeter }

// Checks returns the readiness checks for /readyz.
func (a *App) Checks() []health.Checker {
	checks := []health.Checker{{
		Name: "journal",
		Check: func(context.Context) error {
			if a.journal.IsDegraded() {
				return errors.New("journal store unavailable")
			}
			return nil
		},
	}}
	if a.synth != nil {
		speechCheck := func(context.Context) error {
			if a.synth.Disabled() {
				return speech.ErrDisabled
			}
			return nil
		}
		checks = append(checks, health.Checker{Name: "speech", Check: speechCheck, Optional: true})
	}
	return checks
}

// ─── Conversations ───────────────────────────────────────────────────────────

// StartConversation opens a live conversation for userID. Events are
// delivered to emit until the conversation closes. A user can have one
// conversation at a time.
func (a *App) StartConversation(ctx context.Context, userID string, emit Sink) (*Conversation, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return nil, errors.New("app: shutting down")
	}
	if _, ok := a.conversations[userID]; ok {
		return nil, ErrConversationActive
	}

	// The machine and the session manager call back into the conversation
	// they belong to, which is only built after them.
	var conv *Conversation
	var convMu sync.Mutex
	current := func() *Conversation {
		convMu.Lock()
		defer convMu.Unlock()
		return conv
	}

	log := a.log.With("user_id", userID)
	machine, err := conversation.New(conversationConfig(a.cfg.Conversation),
		conversation.WithLogger(log),
		conversation.OnStateChange(func(next, prev conversation.State) {
			a.metrics.RecordTransition(ctx, string(prev), string(next))
			emit(StateEvent(next))
			if c := current(); c != nil {
				c.onStateChange(next, prev)
			}
		}),
		conversation.OnTimeout(func(s conversation.State) {
			if c := current(); c != nil {
				c.onTimeout(s)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create state machine: %w", err)
	}

	sessions := session.NewManager(a.journal, a.sessionCfg,
		session.WithSummariser(a.summariser),
		session.WithEmbedder(a.providers.Embeddings),
		session.WithMetrics(a.metrics),
		session.WithLogger(log),
		session.OnEnded(func(r session.Result) {
			emit(SessionEndedEvent(r))
			if r.Reason == session.ReasonEndPhrase || r.Reason == session.ReasonInactivity {
				if c := current(); c != nil {
					go c.Close(context.Background())
				}
			}
		}),
	)

	deps := ConversationDeps{
		Machine:  machine,
		Sessions: sessions,
		Replier:  a.responder,
		Personas: a.personas,
		Metrics:  a.metrics,
		Logger:   a.log,
	}
	if a.transcriber != nil && a.providers.VAD != nil {
		deps.Transcriber = a.transcriber
		deps.Source = audio.NewChanSource(audio.Format{SampleRate: a.cfg.Audio.InputSampleRate, Channels: 1}, 0)
		deps.Capture = a.newCapture
	}
	if a.synth != nil {
		deps.Voice = a.synth
	}

	c, err := NewConversation(ctx, userID, deps, emit)
	if err != nil {
		machine.Close()
		return nil, err
	}
	convMu.Lock()
	conv = c
	convMu.Unlock()
	a.conversations[userID] = c
	go a.greet(c.ctx, userID, emit)

	go func() {
		<-c.Done()
		a.mu.Lock()
		if a.conversations[userID] == c {
			delete(a.conversations, userID)
		}
		a.mu.Unlock()
	}()
	return c, nil
}

// greet sends the day's greeting unless the user was already greeted today.
func (a *App) greet(ctx context.Context, userID string, emit Sink) {
	res, ok, err := a.greeter.Greeting(ctx, userID, time.Now())
	if err != nil {
		a.log.Warn("app: greeting failed", "user_id", userID, "err", err)
		return
	}
	if ok {
		emit(Event{Type: EventGreeting, Speaker: string(types.SpeakerAI), Text: res.Text, Fallback: res.Fallback})
	}
}

// newCapture builds the capture pipeline for one conversation.
func (a *App) newCapture(src audio.Source, opts ...audio.CaptureOption) *audio.Capture {
	return audio.NewCapture(a.providers.VAD, src, audio.CaptureConfig{
		SilenceDuration: a.cfg.Audio.SilenceDuration,
		ChunkEvery:      a.cfg.Audio.ChunkEvery,
		MaxUtterance:    a.cfg.Audio.MaxUtterance,
	}, opts...)
}

// Conversation returns the live conversation of userID, if any.
func (a *App) Conversation(userID string) (*Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conversations[userID]
	return c, ok
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Voice
// changes take effect on the next reply; end phrase changes on the next
// conversation.
func (a *App) ApplyConfig(next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged && a.synth != nil {
		a.synth.SetVoice(voiceFromConfig(d.NewSpeech))
		a.log.Info("voice changed", "voice_id", d.NewSpeech.VoiceID)
	}
	if d.EndPhrasesChanged {
		a.mu.Lock()
		a.sessionCfg = sessionConfig(next.Session)
		a.mu.Unlock()
		a.log.Info("end phrases changed", "count", len(next.Session.EndPhrases))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every live conversation, waits for background persona
// updates, then runs the registered closers in order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closing = true
		live := make([]*Conversation, 0, len(a.conversations))
		for _, c := range a.conversations {
			live = append(live, c)
		}
		a.mu.Unlock()

		a.log.Info("shutting down", "conversations", len(live), "closers", len(a.closers))

		var wg sync.WaitGroup
		for _, c := range live {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Close(ctx)
			}()
		}
		wg.Wait()
		a.responder.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func voiceFromConfig(sc config.SpeechConfig) speech.Voice {
	return speech.Voice{
		ID:    sc.VoiceID,
		Model: sc.ModelID,
		Settings: types.VoiceSettings{
			Stability:       sc.Stability,
			SimilarityBoost: sc.SimilarityBoost,
			Style:           sc.Style,
			SpeakerBoost:    sc.SpeakerBoost,
		},
	}
}

func sessionConfig(sc config.SessionConfig) session.Config {
	return session.Config{
		InactivityTimeout:  sc.InactivityTimeout,
		EndDelay:           sc.EndDelay,
		EndPhrases:         sc.EndPhrases,
		PhoneticEndPhrases: sc.PhoneticEndPhrases,
	}
}

// conversationConfig overlays configured timeouts on the defaults.
func conversationConfig(cc config.ConversationConfig) conversation.Config {
	out := conversation.DefaultConfig()
	for name, d := range cc.Timeouts {
		out.Timeouts[conversation.State(name)] = d
	}
	if cc.StrictTurns != nil {
		out.StrictTurnEnforcement = *cc.StrictTurns
	}
	if cc.MaxHistory > 0 {
		out.MaxHistorySize = cc.MaxHistory
	}
	return out
}
