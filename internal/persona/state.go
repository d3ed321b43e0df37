// Package persona keeps the small, evolving profile Lumi holds about each
// user and uses to personalise replies.
//
// Updates are merges, never replacements: named fields are overwritten,
// the two free-text journals (personality snapshot and conversational notes)
// grow by timestamped appends, and the extra map is merged key by key. Only
// an explicit [Service.Reset] replaces the whole record.
package persona

import (
	"maps"
	"strings"
	"time"
)

// EntryTimeLayout formats the timestamp prefix of appended notes.
const EntryTimeLayout = "2006-01-02 15:04"

// State is a user's persona record.
type State struct {
	UserID              string         `json:"user_id"`
	PreferredName       string         `json:"preferred_name,omitempty"`
	TonePreferences     string         `json:"tone_preferences,omitempty"`
	ReflectionFocus     string         `json:"reflection_focus,omitempty"`
	PersonalitySnapshot string         `json:"personality_snapshot,omitempty"`
	ConversationalNotes string         `json:"conversational_notes,omitempty"`
	InternalNotes       string         `json:"internal_notes,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`

	// Version increases by one on every write and guards compare-and-swap.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Extra = maps.Clone(s.Extra)
	return s
}

// Update is a partial change to a [State]. Nil fields are left untouched.
// PersonalitySnapshot and ConversationalNotes are appended, not replaced.
// A nil value in Extra deletes the key.
type Update struct {
	PreferredName       *string        `json:"preferred_name,omitempty"`
	TonePreferences     *string        `json:"tone_preferences,omitempty"`
	ReflectionFocus     *string        `json:"reflection_focus,omitempty"`
	PersonalitySnapshot *string        `json:"personality_snapshot,omitempty"`
	ConversationalNotes *string        `json:"conversational_notes,omitempty"`
	InternalNotes       *string        `json:"internal_notes,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`
}

// IsEmpty reports whether u changes nothing.
func (u Update) IsEmpty() bool {
	return u.PreferredName == nil && u.TonePreferences == nil && u.ReflectionFocus == nil &&
		u.PersonalitySnapshot == nil && u.ConversationalNotes == nil && u.InternalNotes == nil &&
		len(u.Extra) == 0
}

// Merge applies u to current and returns the result. It is pure: current is
// not modified and version bookkeeping is left to the caller.
func Merge(current State, u Update, now time.Time) State {
	next := current.Clone()

	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&next.PreferredName, u.PreferredName)
	set(&next.TonePreferences, u.TonePreferences)
	set(&next.ReflectionFocus, u.ReflectionFocus)
	set(&next.InternalNotes, u.InternalNotes)

	if u.PersonalitySnapshot != nil {
		next.PersonalitySnapshot = appendEntry(next.PersonalitySnapshot, *u.PersonalitySnapshot, now)
	}
	if u.ConversationalNotes != nil {
		next.ConversationalNotes = appendEntry(next.ConversationalNotes, *u.ConversationalNotes, now)
	}

	if len(u.Extra) > 0 {
		if next.Extra == nil {
			next.Extra = make(map[string]any, len(u.Extra))
		}
		for k, v := range u.Extra {
			if v == nil {
				delete(next.Extra, k)
				continue
			}
			next.Extra[k] = v
		}
		if len(next.Extra) == 0 {
			next.Extra = nil
		}
	}
	return next
}

// appendEntry adds a "[2006-01-02 15:04] text" line to existing. Blank text
// leaves existing unchanged.
func appendEntry(existing, text string, now time.Time) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return existing
	}
	line := "[" + now.Format(EntryTimeLayout) + "] " + text
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
