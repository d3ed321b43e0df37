package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/lumi-journal/lumi/internal/conversation"
	"github.com/lumi-journal/lumi/internal/observe"
	"github.com/lumi-journal/lumi/internal/responder"
	"github.com/lumi-journal/lumi/internal/session"
	"github.com/lumi-journal/lumi/internal/speech"
	"github.com/lumi-journal/lumi/internal/transcription"
	"github.com/lumi-journal/lumi/pkg/audio"
	"github.com/lumi-journal/lumi/pkg/provider/stt"
	"github.com/lumi-journal/lumi/pkg/types"
)

// turnQueueSize bounds utterances and typed messages waiting to be handled.
const turnQueueSize = 4

// Event types sent to the client of a [Conversation].
const (
	EventState          = "state"
	EventTranscript     = "transcript"
	EventProgress       = "progress"
	EventReply          = "reply"
	EventAudio          = "audio"
	EventSpeechError    = "speech_error"
	EventFallbackToText = "fallback_to_text"
	EventGreeting       = "greeting"
	EventSessionEnded   = "session_ended"
	EventPersonaUpdated = "persona_updated"
	EventAudioLevel     = "audio_level"
	EventError          = "error"
)

// Event is one message from a [Conversation] to its client.
type Event struct {
	Type      string  `json:"type"`
	State     string  `json:"state,omitempty"`
	Speaker   string  `json:"speaker,omitempty"`
	Text      string  `json:"text,omitempty"`
	AudioURL  string  `json:"audio_url,omitempty"`
	AudioSize int     `json:"audio_size,omitempty"`
	Fallback  bool    `json:"fallback,omitempty"`
	Code      string  `json:"code,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Outcome   string  `json:"outcome,omitempty"`
	Level     float64 `json:"level,omitempty"`
}

// Sink receives conversation events. It is called from several goroutines
// and must be safe for concurrent use.
type Sink func(Event)

// Transcriber turns an utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req transcription.Request, progress transcription.ProgressFunc) (string, error)
}

// Replier generates Lumi's reply to a user turn.
type Replier interface {
	Generate(ctx context.Context, req responder.Request) responder.Response
}

// Voice renders a reply as audio.
type Voice interface {
	Synthesize(ctx context.Context, text string) (speech.Clip, error)
}

// PersonaFeed signals every persona write for a user.
type PersonaFeed interface {
	Subscribe(userID string) (<-chan struct{}, func())
}

// turn is one unit of user input: either a finished utterance or typed text.
type turn struct {
	utterance *audio.Utterance
	text      string
}

// Conversation drives one live voice session: capture events feed the turn
// state machine, user turns are transcribed and answered, and every line is
// appended to the journaling session. All exported methods are safe for
// concurrent use.
type Conversation struct {
	userID      string
	machine     *conversation.Machine
	sessions    *session.Manager
	transcriber Transcriber
	replier     Replier
	voice       Voice
	capture     *audio.Capture
	source      *audio.ChanSource
	metrics     *observe.Metrics
	emit        Sink
	log         *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	turns       chan turn
	done        chan struct{}
	unsubscribe func()

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	// Guards the turn in flight. turnGen increases for every new turn and
	// again when a processing timeout supersedes the current one.
	turnMu      sync.Mutex
	turnGen     uint64
	turnCancel  context.CancelFunc
	replied     bool
	fallbackDue bool
}

// ConversationDeps are the collaborators of a [Conversation]. Transcriber,
// Voice and Capture may be nil, which disables voice input or audio replies.
type ConversationDeps struct {
	Machine     *conversation.Machine
	Sessions    *session.Manager
	Transcriber Transcriber
	Replier     Replier
	Voice       Voice
	Source      *audio.ChanSource
	Capture     func(src audio.Source, opts ...audio.CaptureOption) *audio.Capture
	Personas    PersonaFeed
	Metrics     *observe.Metrics
	Logger      *slog.Logger
}

// NewConversation starts a journaling session for userID and, when voice
// input is available, starts audio capture. The conversation runs until
// [Conversation.Close] or until ctx is cancelled.
func NewConversation(ctx context.Context, userID string, deps ConversationDeps, emit Sink) (*Conversation, error) {
	if deps.Machine == nil || deps.Sessions == nil || deps.Replier == nil {
		return nil, errors.New("app: conversation: machine, sessions and replier are required")
	}
	if emit == nil {
		emit = func(Event) {}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Conversation{
		userID:      userID,
		machine:     deps.Machine,
		sessions:    deps.Sessions,
		transcriber: deps.Transcriber,
		replier:     deps.Replier,
		voice:       deps.Voice,
		source:      deps.Source,
		metrics:     deps.Metrics,
		emit:        emit,
		log:         log.With("user_id", userID),
		turns:       make(chan turn, turnQueueSize),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if _, err := c.sessions.Start(userID); err != nil {
		c.cancel()
		return nil, fmt.Errorf("app: conversation: %w", err)
	}

	if deps.Personas != nil {
		updates, unsubscribe := deps.Personas.Subscribe(userID)
		c.unsubscribe = unsubscribe
		go func() {
			for range updates {
				c.emit(Event{Type: EventPersonaUpdated})
			}
		}()
	}

	if deps.Capture != nil && deps.Source != nil && c.transcriber != nil {
		c.capture = deps.Capture(deps.Source,
			audio.OnSpeechStart(c.onSpeechStart),
			audio.OnSpeechEnd(c.onSpeechEnd),
			audio.OnChunk(c.onChunk),
			audio.OnCaptureError(func(err error) { c.log.Warn("conversation: capture error", "err", err) }),
			audio.WithCaptureLogger(c.log),
		)
		if err := c.capture.Start(c.ctx); err != nil {
			c.emit(Event{Type: EventFallbackToText, Code: audio.ErrorKind(err)})
			c.log.Warn("conversation: voice capture unavailable, text only", "err", err)
			c.capture = nil
		}
	}

	if c.metrics != nil {
		c.metrics.ActiveConversations.Add(ctx, 1)
	}
	go c.run()
	go func() {
		select {
		case <-ctx.Done():
			c.Close(context.Background())
		case <-c.done:
		}
	}()
	c.log.Info("conversation started", "voice", c.capture != nil)
	return c, nil
}

// UserID returns the user the conversation belongs to.
func (c *Conversation) UserID() string { return c.userID }

// State returns the current turn state.
func (c *Conversation) State() conversation.State { return c.machine.State() }

// PushAudio feeds client PCM into the capture pipeline.
func (c *Conversation) PushAudio(ctx context.Context, pcm []byte) error {
	if c.capture == nil {
		return ErrVoiceUnavailable
	}
	return c.source.Push(ctx, pcm)
}

// SendText queues typed user input. It bypasses transcription.
func (c *Conversation) SendText(text string) error {
	return c.enqueue(turn{text: text})
}

// PlaybackFinished tells the conversation the client finished playing the
// last reply, handing the floor back to the user.
func (c *Conversation) PlaybackFinished() {
	if c.machine.State() == conversation.StateSpeaking {
		c.machine.WaitForUser()
	}
}

// End ends the journaling session at the user's request and closes the
// conversation.
func (c *Conversation) End(ctx context.Context) (session.Result, error) {
	res, err := c.sessions.End(ctx, session.ReasonUserRequest)
	c.Close(ctx)
	return res, err
}

// Done is closed once the conversation has shut down.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// Close stops capture, waits for the turn in flight and ends the session
// with [session.ReasonDisconnect] if it is still running. It is idempotent.
func (c *Conversation) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		if c.capture != nil {
			if err := c.capture.Stop(); err != nil {
				c.log.Warn("conversation: stop capture", "err", err)
			}
		}
		if c.source != nil {
			_ = c.source.Close()
		}
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.cancel()
		c.mu.Lock()
		c.closed = true
		close(c.turns)
		c.mu.Unlock()
		<-c.done

		if c.sessions.Active() {
			if _, err := c.sessions.End(ctx, session.ReasonDisconnect); err != nil && !errors.Is(err, session.ErrNoSession) {
				c.log.Warn("conversation: end session", "err", err)
			}
		}
		c.sessions.Close(ctx)
		c.machine.Close()
		if c.metrics != nil {
			c.metrics.ActiveConversations.Add(ctx, -1)
		}
		c.log.Info("conversation closed")
	})
}

// ErrVoiceUnavailable is returned by PushAudio when the conversation runs
// without voice capture.
var ErrVoiceUnavailable = errors.New("app: voice input unavailable")

// ErrClosed is returned when input arrives after Close.
var ErrClosed = errors.New("app: conversation closed")

func (c *Conversation) enqueue(t turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.turns <- t:
		return nil
	default:
		return fmt.Errorf("app: conversation busy, %d turns queued", turnQueueSize)
	}
}

// onSpeechStart runs on the capture goroutine.
func (c *Conversation) onSpeechStart(time.Duration) {
	if !c.machine.StartListening() {
		c.log.Debug("conversation: speech ignored", "state", c.machine.State())
	}
}

// onSpeechEnd runs on the capture goroutine and must not block.
func (c *Conversation) onSpeechEnd(u audio.Utterance) {
	if c.machine.State() != conversation.StateListening {
		return
	}
	if err := c.enqueue(turn{utterance: &u}); err != nil {
		c.log.Warn("conversation: dropping utterance", "err", err)
		c.machine.Stop()
	}
}

// onChunk runs on the capture goroutine.
func (c *Conversation) onChunk(ch audio.Chunk) {
	level := math.Min(audio.RMS(ch.Data)/math.MaxInt16, 1)
	c.emit(Event{Type: EventAudioLevel, Level: math.Round(level*1000) / 1000})
}

// run handles queued turns one at a time until Close.
func (c *Conversation) run() {
	defer close(c.done)
	for t := range c.turns {
		if c.ctx.Err() != nil {
			continue
		}
		c.handle(c.ctx, t)
	}
}

// handle runs one user turn through transcription, reply generation and
// synthesis, keeping the state machine and the session in step.
func (c *Conversation) handle(ctx context.Context, t turn) {
	typ := conversation.MessageAudio
	text := strings.TrimSpace(t.text)
	if t.utterance == nil {
		typ = conversation.MessageText
		if text == "" {
			return
		}
	}
	ctx, span := observe.StartTurn(ctx, c.userID, string(typ))
	defer span.End()
	log := observe.Logger(ctx)

	ctx, gen := c.beginTurn(ctx)
	defer c.endTurn(gen)

	if t.utterance == nil {
		// Typed input takes the user turn the same way speech does.
		c.machine.StartListening()
	}
	if !c.machine.StartProcessing() {
		log.Warn("conversation: turn rejected", "state", c.machine.State(), "err", c.machine.LastError())
		c.emit(Event{Type: EventError, Code: "turn_rejected", Text: "Lumi is still answering."})
		return
	}

	if t.utterance != nil {
		var err error
		text, err = c.transcriber.Transcribe(ctx, transcription.Request{Audio: t.utterance.WAV()}, func(p transcription.Progress) {
			c.emit(Event{Type: EventProgress, Text: string(p.Stage)})
		})
		switch {
		case c.superseded(gen):
			log.Debug("conversation: transcription outlived its turn", "err", err)
			return
		case errors.Is(err, transcription.ErrFallbackToText):
			log.Warn("conversation: transcription asked for text input", "err", err)
			c.machine.Stop()
			c.emit(Event{Type: EventFallbackToText, Code: string(stt.CodeOf(err))})
			return
		case err != nil:
			log.Debug("conversation: transcription ended", "err", err)
			c.machine.Stop()
			return
		}
	}

	history, _ := c.sessions.Current()
	c.machine.AddMessage(types.SpeakerUser, text, typ)
	c.emit(Event{Type: EventTranscript, Speaker: string(types.SpeakerUser), Text: text})
	if _, err := c.sessions.Append(types.SpeakerUser, text); err != nil {
		log.Warn("conversation: append user entry", "err", err)
	}

	resp := c.replier.Generate(ctx, responder.Request{
		UserID:     c.userID,
		Transcript: text,
		History:    history.Entries,
	})
	span.SetAttributes(observe.AttrTurnFallback.Bool(resp.Fallback))
	if !c.claimReply(gen) {
		log.Info("conversation: dropping reply of a timed-out turn", "turn", gen)
		span.AddEvent("reply dropped")
		return
	}

	c.machine.AddMessage(types.SpeakerAI, resp.Text, conversation.MessageText)
	if !c.machine.StartSpeaking() && c.machine.State() != conversation.StateSpeaking {
		log.Warn("conversation: cannot start speaking", "state", c.machine.State(), "err", c.machine.LastError())
	}
	c.emit(Event{Type: EventReply, Speaker: string(types.SpeakerAI), Text: resp.Text, Fallback: resp.Fallback})

	spoke := false
	if c.voice != nil {
		clip, err := c.voice.Synthesize(ctx, resp.Text)
		var se *speech.Error
		switch {
		case errors.As(err, &se):
			c.emit(Event{Type: EventSpeechError, Code: string(se.Code), Fallback: se.ShouldFallbackToText()})
		case err != nil:
			c.emit(Event{Type: EventSpeechError, Code: string(speech.CodeFailed), Fallback: true})
		default:
			c.emit(Event{Type: EventAudio, AudioURL: clip.AudioURL, AudioSize: clip.AudioSize})
			spoke = true
		}
	}
	if _, err := c.sessions.Append(types.SpeakerAI, resp.Text); err != nil {
		log.Warn("conversation: append ai entry", "err", err)
	}

	// With audio the client reports the end of playback; without it the
	// floor goes back to the user right away.
	if !spoke {
		c.machine.WaitForUser()
	}
}

// beginTurn registers a new turn in flight and returns its context and
// generation.
func (c *Conversation) beginTurn(ctx context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	c.turnGen++
	c.turnCancel = cancel
	c.replied = false
	c.fallbackDue = false
	return ctx, c.turnGen
}

// endTurn releases the context of turn gen.
func (c *Conversation) endTurn(gen uint64) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnGen == gen && c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
}

func (c *Conversation) superseded(gen uint64) bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.turnGen != gen
}

// claimReply reports whether turn gen may still answer. Once it has, a
// processing timeout no longer replaces the reply.
func (c *Conversation) claimReply(gen uint64) bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnGen != gen {
		return false
	}
	c.replied = true
	return true
}

// onTimeout runs on the machine's timer goroutine just before a timed-out
// state is left. A processing timeout cancels the turn in flight and
// schedules a fallback reply for when the machine reaches speaking.
func (c *Conversation) onTimeout(s conversation.State) {
	if s != conversation.StateProcessing {
		return
	}
	c.turnMu.Lock()
	if c.replied {
		c.turnMu.Unlock()
		return
	}
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	c.turnGen++
	c.fallbackDue = true
	c.turnMu.Unlock()
	c.log.Warn("conversation: reply too slow, answering with a fallback")
}

// onStateChange runs after every executed transition.
func (c *Conversation) onStateChange(next, prev conversation.State) {
	if next != conversation.StateSpeaking || prev != conversation.StateProcessing {
		return
	}
	c.turnMu.Lock()
	due := c.fallbackDue
	c.fallbackDue = false
	c.turnMu.Unlock()
	if due {
		c.replyWithFallback()
	}
}

// replyWithFallback answers a timed-out turn with a canned line and hands
// the floor back to the user.
func (c *Conversation) replyWithFallback() {
	resp := responder.FallbackResponse()
	if c.metrics != nil {
		c.metrics.RecordFallback(c.ctx, "conversation", "processing_timeout")
	}
	c.machine.AddMessage(types.SpeakerAI, resp.Text, conversation.MessageText)
	c.emit(Event{Type: EventReply, Speaker: string(types.SpeakerAI), Text: resp.Text, Fallback: true})
	if _, err := c.sessions.Append(types.SpeakerAI, resp.Text); err != nil {
		c.log.Warn("conversation: append ai entry", "err", err)
	}
	c.machine.WaitForUser()
}

// SessionEndedEvent describes a finished journaling session.
func SessionEndedEvent(r session.Result) Event {
	return Event{
		Type:      EventSessionEnded,
		SessionID: r.Session.ID,
		Outcome:   string(r.Outcome),
		Text:      string(r.Reason),
	}
}

// StateEvent describes a turn state change.
func StateEvent(next conversation.State) Event {
	return Event{Type: EventState, State: string(next)}
}
