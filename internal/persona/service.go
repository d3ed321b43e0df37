package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxAttempts bounds the read-merge-write loop of [Service.Apply].
const DefaultMaxAttempts = 5

// Option configures a [Service].
type Option func(*Service)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxAttempts sets how many compare-and-swap rounds Apply tries.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Service reads and merges persona records on top of a [Store] and fans out
// change notifications. It is safe for concurrent use.
type Service struct {
	store       Store
	now         func() time.Time
	maxAttempts int

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewService creates a Service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		subs:        make(map[string]map[chan struct{}]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the user's persona, creating an empty record on first read.
func (s *Service) Get(ctx context.Context, userID string) (State, error) {
	if userID == "" {
		return State{}, errors.New("persona: user id must not be empty")
	}
	st, err := s.store.Load(ctx, userID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return State{}, fmt.Errorf("persona: load: %w", err)
	}

	now := s.now().UTC()
	st = State{UserID: userID, Version: 1, CreatedAt: now, UpdatedAt: now}
	switch err := s.store.Insert(ctx, st); {
	case err == nil:
		slog.Debug("persona: created record", "user_id", userID)
		return st, nil
	case errors.Is(err, ErrVersionConflict):
		// Created concurrently.
		st, err = s.store.Load(ctx, userID)
		if err != nil {
			return State{}, fmt.Errorf("persona: load: %w", err)
		}
		return st, nil
	default:
		return State{}, fmt.Errorf("persona: create: %w", err)
	}
}

// Apply merges u into the user's persona and returns the stored result.
// Lost compare-and-swap races are retried up to the configured attempts.
func (s *Service) Apply(ctx context.Context, userID string, u Update) (State, error) {
	if u.IsEmpty() {
		return s.Get(ctx, userID)
	}
	return s.write(ctx, userID, "apply", func(cur State, now time.Time) State {
		return Merge(cur, u, now)
	})
}

// Reset replaces the user's persona with an empty record. It is the only
// operation that discards data.
func (s *Service) Reset(ctx context.Context, userID string) (State, error) {
	return s.write(ctx, userID, "reset", func(cur State, _ time.Time) State {
		return State{UserID: cur.UserID, CreatedAt: cur.CreatedAt}
	})
}

func (s *Service) write(ctx context.Context, userID, op string, next func(State, time.Time) State) (State, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, err := s.Get(ctx, userID)
		if err != nil {
			return State{}, err
		}
		now := s.now().UTC()
		st := next(cur, now)
		st.UserID = userID
		st.Version = cur.Version + 1
		st.UpdatedAt = now

		err = s.store.Update(ctx, st, cur.Version)
		if err == nil {
			s.notify(userID)
			return st, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return State{}, fmt.Errorf("persona: %s: %w", op, err)
		}
		slog.Debug("persona: version conflict, retrying", "user_id", userID, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return State{}, fmt.Errorf("persona: %s: %w", op, err)
		}
	}
	return State{}, fmt.Errorf("persona: %s: %w after %d attempts", op, ErrVersionConflict, s.maxAttempts)
}

// Subscribe returns a channel that receives a signal after every successful
// write to userID's persona. Signals coalesce: a slow reader sees at most
// one pending signal. Call cancel to unsubscribe; the channel is then
// closed.
func (s *Service) Subscribe(userID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	set, ok := s.subs[userID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		s.subs[userID] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[userID], ch)
			if len(s.subs[userID]) == 0 {
				delete(s.subs, userID)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Service) notify(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
