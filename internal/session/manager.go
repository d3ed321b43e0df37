package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumi-journal/lumi/internal/journal"
	"github.com/lumi-journal/lumi/internal/observe"
	"github.com/lumi-journal/lumi/pkg/provider/embeddings"
	"github.com/lumi-journal/lumi/pkg/types"
)

// Defaults for [Config].
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultEndDelay          = 2 * time.Second

	timerEndTimeout = time.Minute
)

var (
	// ErrNoSession is returned when an operation needs an active session.
	ErrNoSession = errors.New("session: no active session")

	// ErrActive is returned by Start while a session is running.
	ErrActive = errors.New("session: a session is already active")
)

// EndReason records why a session ended.
type EndReason string

const (
	ReasonUserRequest EndReason = "user_request"
	ReasonEndPhrase   EndReason = "end_phrase"
	ReasonInactivity  EndReason = "inactivity"
	ReasonDisconnect  EndReason = "disconnect"
	ReasonShutdown    EndReason = "shutdown"
)

// Outcome is what happened to an ended session.
type Outcome string

const (
	OutcomeDiscarded Outcome = "discarded"
	OutcomePersisted Outcome = "persisted"
	OutcomeFailed    Outcome = "failed"
)

// Result describes an ended session.
type Result struct {
	Session Session
	Reason  EndReason
	Outcome Outcome

	// Entry is the journal entry that was (or failed to be) saved. It is
	// zero for discarded sessions.
	Entry journal.Entry

	// Err is the save error for OutcomeFailed.
	Err error
}

// Config tunes a [Manager]. Zero values take defaults.
type Config struct {
	InactivityTimeout time.Duration
	EndDelay          time.Duration
	EndPhrases        []string

	// PhoneticEndPhrases also accepts end phrases that sound alike.
	PhoneticEndPhrases bool
}

// Option configures a [Manager].
type Option func(*Manager)

// WithSummariser sets the summariser used for meaningful sessions. Without
// one, sessions are saved without summary fields.
func WithSummariser(s Summariser) Option {
	return func(m *Manager) { m.summariser = s }
}

// WithEmbedder embeds summaries so related sessions can be recalled later.
func WithEmbedder(e embeddings.Provider) Option {
	return func(m *Manager) { m.embedder = e }
}

// WithClock sets the time source for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDFunc sets the session ID generator. Defaults to random UUIDs.
func WithIDFunc(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithMetrics records session outcomes.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// OnEnded registers a callback invoked with every ended session, after
// persistence. It runs on the goroutine that ended the session.
func OnEnded(fn func(Result)) Option {
	return func(m *Manager) { m.onEnded = fn }
}

// Manager owns at most one active session at a time.
type Manager struct {
	cfg        Config
	store      journal.Store
	summariser Summariser
	embedder   embeddings.Provider
	detector   *EndPhraseDetector
	now        func() time.Time
	newID      func() string
	metrics    *observe.Metrics
	log        *slog.Logger
	onEnded    func(Result)

	mu         sync.Mutex
	current    *Session
	idle       *time.Timer
	pendingEnd *time.Timer
	closed     bool
	wg         sync.WaitGroup
}

// NewManager creates a Manager that saves meaningful sessions to store.
func NewManager(store journal.Store, cfg Config, opts ...Option) *Manager {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.EndDelay <= 0 {
		cfg.EndDelay = DefaultEndDelay
	}
	m := &Manager{
		cfg:   cfg,
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.detector = NewEndPhraseDetector(cfg.EndPhrases, cfg.PhoneticEndPhrases)
	return m
}

// Start begins a session for userID.
func (m *Manager) Start(userID string) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("session: start: empty user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Session{}, fmt.Errorf("session: start: manager closed")
	}
	if m.current != nil {
		return Session{}, ErrActive
	}
	s := &Session{ID: m.newID(), UserID: userID, StartedAt: m.now()}
	m.current = s
	m.armIdleLocked(s.ID)
	m.log.Info("session started", "session_id", s.ID, "user_id", userID)
	return s.clone(), nil
}

// Append adds a transcript entry to the active session and restarts the
// inactivity timer. Blank text is ignored. For user entries that contain an
// end phrase, it reports endRequested and ends the session after the
// configured delay.
func (m *Manager) Append(speaker types.Speaker, text string) (endRequested bool, err error) {
	if !speaker.Valid() {
		return false, fmt.Errorf("session: append: invalid speaker %q", speaker)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil {
		return false, ErrNoSession
	}
	s.Entries = append(s.Entries, types.TranscriptEntry{Speaker: speaker, Text: text, Timestamp: m.now()})
	m.armIdleLocked(s.ID)

	if speaker != types.SpeakerUser {
		return false, nil
	}
	phrase, ok := m.detector.Match(text)
	if !ok {
		return false, nil
	}
	if m.pendingEnd == nil {
		id := s.ID
		m.pendingEnd = time.AfterFunc(m.cfg.EndDelay, func() { m.endIfCurrent(id, ReasonEndPhrase) })
		m.log.Info("session: end phrase detected", "session_id", id, "phrase", phrase, "delay", m.cfg.EndDelay)
	}
	return true, nil
}

// End ends the active session now, persisting it if meaningful.
func (m *Manager) End(ctx context.Context, reason EndReason) (Result, error) {
	m.mu.Lock()
	s := m.takeLocked()
	m.mu.Unlock()
	if s == nil {
		return Result{}, ErrNoSession
	}
	return m.finish(ctx, *s, reason), nil
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Current returns a copy of the active session.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return m.current.clone(), true
}

// Close ends any active session with [ReasonShutdown] and waits for
// timer-triggered ends in flight. Start fails afterwards.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	s := m.takeLocked()
	m.mu.Unlock()
	if s != nil {
		m.finish(ctx, *s, ReasonShutdown)
	}
	m.wg.Wait()
}

// armIdleLocked (re)starts the inactivity timer. Must be called with m.mu held.
func (m *Manager) armIdleLocked(id string) {
	if m.idle != nil {
		m.idle.Stop()
	}
	m.idle = time.AfterFunc(m.cfg.InactivityTimeout, func() { m.endIfCurrent(id, ReasonInactivity) })
}

// takeLocked detaches the active session and stops its timers. Must be
// called with m.mu held.
func (m *Manager) takeLocked() *Session {
	s := m.current
	m.current = nil
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	if m.pendingEnd != nil {
		m.pendingEnd.Stop()
		m.pendingEnd = nil
	}
	return s
}

// endIfCurrent is the timer path. A timer that fires after its session was
// already ended or replaced does nothing.
func (m *Manager) endIfCurrent(id string, reason EndReason) {
	m.mu.Lock()
	if m.closed || m.current == nil || m.current.ID != id {
		m.mu.Unlock()
		return
	}
	s := m.takeLocked()
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timerEndTimeout)
	defer cancel()
	m.finish(ctx, *s, reason)
}

func (m *Manager) finish(ctx context.Context, s Session, reason EndReason) Result {
	now := m.now()
	log := m.log.With("session_id", s.ID, "user_id", s.UserID, "reason", reason)
	res := Result{Session: s, Reason: reason, Outcome: OutcomeDiscarded}

	if !IsMeaningful(s, now) {
		log.Info("session ended, not meaningful, discarding", "entries", len(s.Entries))
		m.report(ctx, res)
		return res
	}

	entry := journal.Entry{
		ID:         s.ID,
		UserID:     s.UserID,
		StartedAt:  s.StartedAt,
		EndedAt:    now,
		Duration:   now.Sub(s.StartedAt),
		EndReason:  string(reason),
		Transcript: s.Entries,
	}
	if m.summariser != nil {
		sum, err := m.summariser.Summarise(ctx, s.Entries)
		if err != nil {
			log.Warn("session: summarise failed, saving without summary", "error", err)
		} else {
			entry.Summary, entry.Reflection, entry.FollowUpQuestion = sum.Summary, sum.Reflection, sum.FollowUpQuestion
		}
	}
	if m.embedder != nil && entry.Summary != "" {
		vec, err := m.embedder.Embed(ctx, entry.Summary)
		if err != nil {
			log.Warn("session: embed summary failed", "error", err)
		} else {
			entry.Embedding = vec
		}
	}

	res.Entry = entry
	if err := m.store.Save(ctx, entry); err != nil {
		log.Error("session: save failed", "error", err)
		res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("session: save: %w", err)
	} else {
		res.Outcome = OutcomePersisted
		log.Info("session ended and saved", "entries", len(s.Entries), "duration", entry.Duration, "summarised", entry.Summary != "")
	}
	m.report(ctx, res)
	return res
}

func (m *Manager) report(ctx context.Context, res Result) {
	if m.metrics != nil {
		m.metrics.RecordSessionEnded(ctx, string(res.Outcome))
	}
	if m.onEnded != nil {
		m.onEnded(res)
	}
}
