// Package journal persists meaningful journaling sessions together with the
// AI-written summary, reflection and follow-up question, and recalls related
// past sessions by summary embedding.
package journal

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lumi-journal/lumi/pkg/types"
)

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 20

// ErrNotFound is returned by Get for unknown or foreign sessions.
var ErrNotFound = errors.New("journal: session not found")

// Entry is one saved session.
type Entry struct {
	ID               string                  `json:"id"`
	UserID           string                  `json:"user_id"`
	StartedAt        time.Time               `json:"started_at"`
	EndedAt          time.Time               `json:"ended_at"`
	Duration         time.Duration           `json:"-"`
	EndReason        string                  `json:"end_reason,omitempty"`
	Transcript       []types.TranscriptEntry `json:"transcript"`
	Summary          string                  `json:"summary,omitempty"`
	Reflection       string                  `json:"reflection,omitempty"`
	FollowUpQuestion string                  `json:"follow_up_question,omitempty"`

	// Embedding is the summary embedding. Empty when no summary was written
	// or no embeddings provider is configured.
	Embedding []float32 `json:"-"`
}

// DurationSeconds is the session length rounded down to whole seconds.
func (e Entry) DurationSeconds() int { return int(e.Duration / time.Second) }

// Store persists journal entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts or replaces e.
	Save(ctx context.Context, e Entry) error

	// Get returns the session id owned by userID, or ErrNotFound.
	Get(ctx context.Context, userID, id string) (Entry, error)

	// List returns userID's sessions, newest first.
	List(ctx context.Context, userID string, limit int) ([]Entry, error)

	// Related returns up to k of userID's summarised sessions closest to
	// embedding. Stores without similarity search return the most recent
	// summarised sessions instead.
	Related(ctx context.Context, userID string, embedding []float32, k int) ([]Entry, error)
}

// MemoryStore is an in-process [Store] with exact cosine similarity.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Save implements [Store].
func (m *MemoryStore) Save(_ context.Context, e Entry) error {
	if e.ID == "" || e.UserID == "" {
		return errors.New("journal: entry id and user id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Transcript = slices.Clone(e.Transcript)
	e.Embedding = slices.Clone(e.Embedding)
	m.entries[e.ID] = e
	return nil
}

// Get implements [Store].
func (m *MemoryStore) Get(_ context.Context, userID, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.UserID != userID {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List implements [Store].
func (m *MemoryStore) List(_ context.Context, userID string, limit int) ([]Entry, error) {
	return m.filter(userID, listLimit(limit), func(Entry) bool { return true }), nil
}

// Related implements [Store].
func (m *MemoryStore) Related(_ context.Context, userID string, embedding []float32, k int) ([]Entry, error) {
	if k <= 0 {
		return nil, nil
	}
	candidates := m.filter(userID, 0, func(e Entry) bool {
		return e.Summary != "" && len(e.Embedding) == len(embedding) && len(embedding) > 0
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return cosine(candidates[i].Embedding, embedding) > cosine(candidates[j].Embedding, embedding)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (m *MemoryStore) filter(userID string, limit int, keep func(Entry) bool) []Entry {
	m.mu.RLock()
	var out []Entry
	for _, e := range m.entries {
		if e.UserID == userID && keep(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
