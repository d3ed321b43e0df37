package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxTransitionHistory bounds the executed-transition history.
const maxTransitionHistory = 20

// Sentinel errors reported through [Machine.LastError] and the error callback.
var (
	// ErrInvalidTransition is reported when a requested move is not in the
	// adjacency table of the current state.
	ErrInvalidTransition = errors.New("conversation: invalid transition")

	// ErrTurnViolation is reported when a party tries to start its turn while
	// the other party holds the floor.
	ErrTurnViolation = errors.New("conversation: turn violation")

	// ErrClosed is reported for requests made after [Machine.Close].
	ErrClosed = errors.New("conversation: machine closed")
)

// TransitionError describes a rejected transition request.
type TransitionError struct {
	From   State
	To     State
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: %s -> %s (%s)", e.Err, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%v: %s -> %s", e.Err, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// TurnViolation is passed to the turn-violation callback.
type TurnViolation struct {
	// AttemptedState is the state that was requested.
	AttemptedState State

	// CurrentTurn is the party that actually holds the floor.
	CurrentTurn TurnOwner

	// CurrentState is the state the machine was in when the request arrived.
	CurrentState State
}

// Transition records one executed state change.
type Transition struct {
	From      State
	To        State
	At        time.Time
	Duration  time.Duration
	Reason    string
	TurnOwner TurnOwner
	Valid     bool
}

// Snapshot is a point-in-time copy of the machine's state data.
type Snapshot struct {
	Current    State
	Previous   State
	StartedAt  time.Time
	Allowed    []State
	Timeout    time.Duration
	TurnOwner  TurnOwner
	History    []Transition
	LastError  error
	Strict     bool
	MessageLen int
}

// Stopper cancels a scheduled timer. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Option configures a [Machine].
type Option func(*Machine)

// WithLogger sets the logger used for transition diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithAfterFunc overrides how timeout timers are scheduled. Intended for
// tests that drive timeouts by hand.
func WithAfterFunc(fn func(time.Duration, func()) Stopper) Option {
	return func(m *Machine) { m.afterFunc = fn }
}

// OnStateChange registers a callback invoked after every executed transition.
func OnStateChange(fn func(next, prev State)) Option {
	return func(m *Machine) { m.onChange = fn }
}

// OnError registers a callback invoked for every rejected transition.
func OnError(fn func(error)) Option {
	return func(m *Machine) { m.onError = fn }
}

// OnTurnViolation registers a callback invoked when strict turn enforcement
// rejects a request.
func OnTurnViolation(fn func(TurnViolation)) Option {
	return func(m *Machine) { m.onViolation = fn }
}

// OnTimeout registers a callback invoked before a timeout-driven transition
// is executed. It receives the state that timed out.
func OnTimeout(fn func(State)) Option {
	return func(m *Machine) { m.onTimeout = fn }
}

// Machine is the turn-based conversation state machine. It is safe for
// concurrent use; transitions are applied serially. Callbacks run on the
// goroutine that caused the transition, after the internal lock is released.
type Machine struct {
	cfg Config
	log *slog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) Stopper

	onChange    func(next, prev State)
	onError     func(error)
	onViolation func(TurnViolation)
	onTimeout   func(State)

	mu        sync.Mutex
	current   State
	previous  State
	startedAt time.Time
	history   []Transition
	lastErr   error
	timer     Stopper
	gen       uint64
	closed    bool
	messages  *messageWindow
}

// New creates a Machine in [StateIdle]. It returns an error when cfg has a
// timeout successor that is not an allowed transition.
func New(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg: cfg,
		log: slog.Default(),
		now: time.Now,
		afterFunc: func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		},
		current:  StateIdle,
		previous: StateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	m.startedAt = m.now()
	m.messages = newMessageWindow(cfg.MaxHistorySize, m.now)
	m.armLocked()
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TurnOwner returns the party holding the floor in the current state.
func (m *Machine) TurnOwner() TurnOwner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return OwnerOf(m.current)
}

// CurrentDuration returns how long the current state has been active.
func (m *Machine) CurrentDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.startedAt)
}

// TimeRemaining returns how long until the current state times out, or 0 if
// it has no timeout.
func (m *Machine) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Remaining(m.current, m.now().Sub(m.startedAt), m.cfg)
}

// CanUserStartTurn reports whether the user may start speaking now.
func (m *Machine) CanUserStartTurn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canUserStart(m.current)
}

// CanAIStartTurn reports whether the AI may start its turn now.
func (m *Machine) CanAIStartTurn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canAIStart(m.current)
}

func canUserStart(s State) bool {
	return s == StateIdle || s == StateWaitingForUser
}

func canAIStart(s State) bool {
	return s == StateIdle || s == StateWaitingForAI || s == StateProcessing
}

// History returns a copy of the most recent executed transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// LastError returns the error of the most recent rejected request, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ClearError resets the last error.
func (m *Machine) ClearError() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
}

// Snapshot returns a copy of the machine's state data.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := make([]Transition, len(m.history))
	copy(hist, m.history)
	return Snapshot{
		Current:    m.current,
		Previous:   m.previous,
		StartedAt:  m.startedAt,
		Allowed:    AllowedFrom(m.current),
		Timeout:    m.cfg.Timeouts[m.current],
		TurnOwner:  OwnerOf(m.current),
		History:    hist,
		LastError:  m.lastErr,
		Strict:     m.cfg.StrictTurnEnforcement,
		MessageLen: m.messages.len(),
	}
}

// StartListening starts the user's turn.
func (m *Machine) StartListening() bool {
	return m.TransitionTo(StateListening, "user started speaking")
}

// StartProcessing hands the floor to the AI after the user finished.
func (m *Machine) StartProcessing() bool {
	return m.TransitionTo(StateProcessing, "user finished speaking")
}

// StartSpeaking starts AI speech playback.
func (m *Machine) StartSpeaking() bool {
	return m.TransitionTo(StateSpeaking, "ai response ready")
}

// WaitForUser passes the floor back to the user.
func (m *Machine) WaitForUser() bool {
	return m.TransitionTo(StateWaitingForUser, "awaiting user")
}

// WaitForAI parks the conversation while the AI needs more time.
func (m *Machine) WaitForAI() bool {
	return m.TransitionTo(StateWaitingForAI, "awaiting ai")
}

// Stop returns the conversation to idle.
func (m *Machine) Stop() bool {
	return m.TransitionTo(StateIdle, "stopped")
}

// TransitionTo requests a move to state to. It returns false when the move
// is rejected; the reason is then available from [Machine.LastError].
// Requesting the current state is a no-op that returns true and does not
// restart the state's timeout.
func (m *Machine) TransitionTo(to State, reason string) bool {
	m.mu.Lock()
	if m.closed {
		err := &TransitionError{From: m.current, To: to, Reason: reason, Err: ErrClosed}
		m.lastErr = err
		m.mu.Unlock()
		m.emitError(err)
		return false
	}
	if to == m.current {
		m.mu.Unlock()
		return true
	}

	from := m.current
	if m.cfg.StrictTurnEnforcement {
		if v, ok := m.violationLocked(to); ok {
			err := &TransitionError{From: from, To: to, Reason: reason, Err: ErrTurnViolation}
			m.lastErr = err
			m.mu.Unlock()
			m.log.Warn("conversation: turn violation",
				"from", from, "attempted", to, "current_turn", v.CurrentTurn)
			m.emitError(err)
			if m.onViolation != nil {
				m.onViolation(v)
			}
			return false
		}
	}
	if !IsAllowed(from, to) {
		err := &TransitionError{From: from, To: to, Reason: reason, Err: ErrInvalidTransition}
		m.lastErr = err
		m.mu.Unlock()
		m.log.Warn("conversation: invalid transition", "from", from, "to", to, "reason", reason)
		m.emitError(err)
		return false
	}

	t := m.applyLocked(to, reason)
	m.mu.Unlock()
	m.announce(t)
	return true
}

// violationLocked checks turn ownership for requests that start a turn.
func (m *Machine) violationLocked(to State) (TurnViolation, bool) {
	var allowed bool
	switch to {
	case StateListening:
		allowed = canUserStart(m.current)
	case StateSpeaking:
		allowed = canAIStart(m.current)
	default:
		return TurnViolation{}, false
	}
	if allowed {
		return TurnViolation{}, false
	}
	return TurnViolation{
		AttemptedState: to,
		CurrentTurn:    OwnerOf(m.current),
		CurrentState:   m.current,
	}, true
}

// applyLocked executes a validated transition, records it and re-arms the
// timeout timer. m.mu must be held.
func (m *Machine) applyLocked(to State, reason string) Transition {
	now := m.now()
	t := Transition{
		From:      m.current,
		To:        to,
		At:        now,
		Duration:  now.Sub(m.startedAt),
		Reason:    reason,
		TurnOwner: OwnerOf(to),
		Valid:     true,
	}
	m.previous = m.current
	m.current = to
	m.startedAt = now
	m.lastErr = nil

	m.history = append(m.history, t)
	if n := len(m.history); n > maxTransitionHistory {
		m.history = append(m.history[:0:0], m.history[n-maxTransitionHistory:]...)
	}
	m.armLocked()
	return t
}

// armLocked cancels any pending timeout and schedules one for the current
// state. The generation counter lets a timer that already fired recognise
// that it has been superseded.
func (m *Machine) armLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	d := m.cfg.Timeouts[m.current]
	if d <= 0 || m.closed {
		return
	}
	gen := m.gen
	m.timer = m.afterFunc(d, func() { m.fireTimeout(gen) })
}

func (m *Machine) fireTimeout(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	state := m.current
	next, ok := DecideTimeout(state, m.now().Sub(m.startedAt), m.cfg)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.onTimeout != nil {
		m.onTimeout(state)
	}

	m.mu.Lock()
	// A transition may have happened while the callback ran.
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	t := m.applyLocked(next, "timeout in "+string(state))
	m.mu.Unlock()
	m.log.Info("conversation: state timed out", "state", state, "next", next)
	m.announce(t)
}

func (m *Machine) announce(t Transition) {
	m.log.Debug("conversation: transition",
		"from", t.From, "to", t.To, "turn", t.TurnOwner,
		"duration_ms", t.Duration.Milliseconds(), "reason", t.Reason)
	if m.onChange != nil {
		m.onChange(t.To, t.From)
	}
}

func (m *Machine) emitError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}

// Reset returns the machine to idle and clears history, messages and the
// last error. The idle state's timeout, if any, is re-armed.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.current
	m.previous = StateIdle
	m.current = StateIdle
	m.startedAt = m.now()
	m.history = nil
	m.lastErr = nil
	m.messages.reset()
	m.armLocked()
	m.mu.Unlock()
	if prev != StateIdle && m.onChange != nil {
		m.onChange(StateIdle, prev)
	}
}

// Close cancels pending timers. Timeouts that fire afterwards are ignored
// and further transition requests are rejected with [ErrClosed].
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
