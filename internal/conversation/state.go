// Package conversation implements the turn-based state machine that decides
// who may speak next in a journaling conversation.
//
// A [Machine] moves between the six [State] values along a fixed adjacency
// table. Every state maps to exactly one [TurnOwner]. Each state can carry a
// timeout; when it elapses the machine moves to the state's timeout successor
// so neither party can stall the conversation. The machine performs no I/O:
// it only reports transitions through callbacks so that transcription,
// response generation and speech synthesis can react.
package conversation

import (
	"fmt"
	"time"
)

// State is a conversation state.
type State string

const (
	StateIdle           State = "idle"
	StateListening      State = "listening"
	StateProcessing     State = "processing"
	StateSpeaking       State = "speaking"
	StateWaitingForUser State = "waiting_for_user"
	StateWaitingForAI   State = "waiting_for_ai"
)

// States lists every state in declaration order.
var States = []State{
	StateIdle,
	StateListening,
	StateProcessing,
	StateSpeaking,
	StateWaitingForUser,
	StateWaitingForAI,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// TurnOwner names the party that currently holds the floor.
type TurnOwner string

const (
	TurnNone TurnOwner = "none"
	TurnUser TurnOwner = "user"
	TurnAI   TurnOwner = "ai"
)

// transitions is the adjacency table of allowed moves.
var transitions = map[State][]State{
	StateIdle:           {StateListening, StateWaitingForUser},
	StateListening:      {StateProcessing, StateIdle},
	StateProcessing:     {StateSpeaking, StateWaitingForAI, StateIdle},
	StateSpeaking:       {StateWaitingForUser, StateIdle},
	StateWaitingForUser: {StateListening, StateIdle},
	StateWaitingForAI:   {StateProcessing, StateSpeaking, StateIdle},
}

// OwnerOf returns the turn owner implied by s.
func OwnerOf(s State) TurnOwner {
	switch s {
	case StateListening, StateWaitingForUser:
		return TurnUser
	case StateProcessing, StateSpeaking, StateWaitingForAI:
		return TurnAI
	default:
		return TurnNone
	}
}

// AllowedFrom returns a copy of the states reachable from s.
func AllowedFrom(s State) []State {
	next := transitions[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// IsAllowed reports whether from → to is in the adjacency table.
func IsAllowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config controls timeouts, turn enforcement and message retention.
type Config struct {
	// Timeouts maps a state to how long it may stay active. Zero or missing
	// disables the timeout for that state.
	Timeouts map[State]time.Duration

	// TimeoutSuccessors maps a state to the state entered when its timeout
	// elapses. Every successor must be allowed by the adjacency table.
	TimeoutSuccessors map[State]State

	// StrictTurnEnforcement rejects turn starts by the party that does not
	// hold the floor and reports them as turn violations. When false, only
	// the adjacency table is checked.
	StrictTurnEnforcement bool

	// MaxHistorySize bounds the retained conversation messages. Older
	// messages are dropped first.
	MaxHistorySize int
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Timeouts: map[State]time.Duration{
			StateIdle:           0,
			StateListening:      30 * time.Second,
			StateProcessing:     20 * time.Second,
			StateSpeaking:       60 * time.Second,
			StateWaitingForUser: 45 * time.Second,
			StateWaitingForAI:   15 * time.Second,
		},
		TimeoutSuccessors:     DefaultTimeoutSuccessors(),
		StrictTurnEnforcement: true,
		MaxHistorySize:        50,
	}
}

// DefaultTimeoutSuccessors returns the standard timeout successor table.
func DefaultTimeoutSuccessors() map[State]State {
	return map[State]State{
		StateListening:      StateIdle,
		StateProcessing:     StateSpeaking,
		StateSpeaking:       StateWaitingForUser,
		StateWaitingForUser: StateIdle,
		StateWaitingForAI:   StateIdle,
	}
}

// Validate checks that every timeout successor is itself a legal transition.
func (c Config) Validate() error {
	for from, to := range c.TimeoutSuccessors {
		if !from.Valid() || !to.Valid() {
			return fmt.Errorf("conversation: unknown state in timeout successor %q -> %q", from, to)
		}
		if !IsAllowed(from, to) {
			return fmt.Errorf("conversation: timeout successor %q -> %q is not an allowed transition", from, to)
		}
	}
	for s, d := range c.Timeouts {
		if !s.Valid() {
			return fmt.Errorf("conversation: timeout configured for unknown state %q", s)
		}
		if d < 0 {
			return fmt.Errorf("conversation: negative timeout for state %q", s)
		}
		if d > 0 {
			if _, ok := c.TimeoutSuccessors[s]; !ok {
				return fmt.Errorf("conversation: state %q has a timeout but no successor", s)
			}
		}
	}
	if c.MaxHistorySize < 0 {
		return fmt.Errorf("conversation: max history size must not be negative")
	}
	return nil
}
