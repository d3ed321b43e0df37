package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/lumi-journal/lumi/internal/journal"
)

// JournalGuard wraps a [journal.Store] so that read failures degrade to
// empty results instead of interrupting a conversation. Writes still return
// their error because losing a journal entry must be visible to the caller.
// Every operation updates the degraded flag reported by [JournalGuard.IsDegraded].
//
// JournalGuard implements [journal.Store].
type JournalGuard struct {
	store    journal.Store
	degraded atomic.Bool
}

var _ journal.Store = (*JournalGuard)(nil)

// NewJournalGuard creates a new [JournalGuard] wrapping the given store.
func NewJournalGuard(store journal.Store) *JournalGuard {
	return &JournalGuard{store: store}
}

// Save writes e and records whether the store is healthy.
func (g *JournalGuard) Save(ctx context.Context, e journal.Entry) error {
	err := g.store.Save(ctx, e)
	g.degraded.Store(err != nil)
	return err
}

// Get passes through; a missing entry is not a store failure.
func (g *JournalGuard) Get(ctx context.Context, userID, id string) (journal.Entry, error) {
	e, err := g.store.Get(ctx, userID, id)
	if err != nil && !errors.Is(err, journal.ErrNotFound) {
		g.degraded.Store(true)
		return e, err
	}
	g.degraded.Store(false)
	return e, err
}

// List returns recent entries, or an empty slice when the store fails.
func (g *JournalGuard) List(ctx context.Context, userID string, limit int) ([]journal.Entry, error) {
	entries, err := g.store.List(ctx, userID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("journal guard: List failed, returning empty", "user_id", userID, "error", err)
		return []journal.Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Related returns related entries, or an empty slice when the store fails.
func (g *JournalGuard) Related(ctx context.Context, userID string, embedding []float32, k int) ([]journal.Entry, error) {
	entries, err := g.store.Related(ctx, userID, embedding, k)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("journal guard: Related failed, returning empty", "user_id", userID, "error", err)
		return []journal.Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// IsDegraded reports whether the most recent operation failed.
func (g *JournalGuard) IsDegraded() bool {
	return g.degraded.Load()
}
