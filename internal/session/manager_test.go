package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumi-journal/lumi/internal/journal"
	embmock "github.com/lumi-journal/lumi/pkg/provider/embeddings/mock"
	"github.com/lumi-journal/lumi/pkg/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubSummariser struct {
	sum Summary
	err error
}

func (s stubSummariser) Summarise(context.Context, []types.TranscriptEntry) (Summary, error) {
	return s.sum, s.err
}

type saveErrStore struct {
	*journal.MemoryStore
}

func (saveErrStore) Save(context.Context, journal.Entry) error { return errors.New("disk full") }

func newTestManager(t *testing.T, store journal.Store, cfg Config, opts ...Option) (*Manager, *fakeClock, chan Result) {
	t.Helper()
	clk := &fakeClock{t: start}
	ended := make(chan Result, 4)
	opts = append([]Option{
		WithClock(clk.Now),
		WithIDFunc(func() string { return "sess-1" }),
		OnEnded(func(r Result) { ended <- r }),
	}, opts...)
	m := NewManager(store, cfg, opts...)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, clk, ended
}

func converse(t *testing.T, m *Manager, clk *fakeClock) {
	t.Helper()
	for _, e := range []struct {
		s    types.Speaker
		text string
	}{
		{types.SpeakerAI, "How was your day?"},
		{types.SpeakerUser, "I spent the afternoon in the garden."},
	} {
		if _, err := m.Append(e.s, e.text); err != nil {
			t.Fatalf("Append: %v", err)
		}
		clk.Advance(10 * time.Second)
	}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session end")
		return Result{}
	}
}

func TestManager_StartAppendEnd(t *testing.T) {
	store := journal.NewMemoryStore()
	emb := &embmock.Provider{EmbedResult: []float32{0.5, 0.5}}
	m, clk, ended := newTestManager(t, store, Config{},
		WithSummariser(stubSummariser{sum: Summary{Summary: "You gardened.", Reflection: "Nature calms you.", FollowUpQuestion: "What will you plant?"}}),
		WithEmbedder(emb),
	)

	if m.Active() {
		t.Fatal("active before Start")
	}
	s, err := m.Start("u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.ID != "sess-1" || s.UserID != "u1" || !s.StartedAt.Equal(start) {
		t.Errorf("session = %+v", s)
	}
	if _, err := m.Start("u1"); !errors.Is(err, ErrActive) {
		t.Errorf("second Start err = %v, want ErrActive", err)
	}

	converse(t, m, clk)
	if _, err := m.Append(types.SpeakerUser, "   "); err != nil {
		t.Errorf("blank Append: %v", err)
	}
	cur, ok := m.Current()
	if !ok || len(cur.Entries) != 2 {
		t.Fatalf("Current = %+v, %v", cur, ok)
	}

	res, err := m.End(context.Background(), ReasonUserRequest)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.Outcome != OutcomePersisted || res.Reason != ReasonUserRequest {
		t.Errorf("result = %+v", res)
	}
	if r := waitResult(t, ended); r.Outcome != OutcomePersisted {
		t.Errorf("OnEnded outcome = %v", r.Outcome)
	}
	if m.Active() {
		t.Error("still active after End")
	}

	saved, err := store.Get(context.Background(), "u1", "sess-1")
	if err != nil {
		t.Fatalf("journal Get: %v", err)
	}
	if saved.Summary != "You gardened." || saved.FollowUpQuestion != "What will you plant?" {
		t.Errorf("saved = %+v", saved)
	}
	if saved.Duration != 20*time.Second || saved.EndReason != "user_request" || len(saved.Transcript) != 2 {
		t.Errorf("saved = %+v", saved)
	}
	if len(saved.Embedding) != 2 {
		t.Errorf("embedding = %v", saved.Embedding)
	}
	if calls := emb.Calls(); len(calls) != 1 || calls[0] != "You gardened." {
		t.Errorf("embed calls = %v", calls)
	}

	if _, err := m.End(context.Background(), ReasonUserRequest); !errors.Is(err, ErrNoSession) {
		t.Errorf("End without session err = %v", err)
	}
	if _, err := m.Append(types.SpeakerUser, "hi"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Append without session err = %v", err)
	}
}

func TestManager_DiscardsTrivialSession(t *testing.T) {
	store := journal.NewMemoryStore()
	m, _, _ := newTestManager(t, store, Config{})
	_, _ = m.Start("u1")
	_, _ = m.Append(types.SpeakerUser, "hello")

	res, err := m.End(context.Background(), ReasonUserRequest)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.Outcome != OutcomeDiscarded {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if list, _ := store.List(context.Background(), "u1", 0); len(list) != 0 {
		t.Errorf("discarded session saved: %v", list)
	}
}

func TestManager_SummariserFailureStillSaves(t *testing.T) {
	store := journal.NewMemoryStore()
	m, clk, _ := newTestManager(t, store, Config{}, WithSummariser(stubSummariser{err: errors.New("llm down")}))
	_, _ = m.Start("u1")
	converse(t, m, clk)

	res, _ := m.End(context.Background(), ReasonUserRequest)
	if res.Outcome != OutcomePersisted || res.Entry.Summary != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestManager_SaveFailure(t *testing.T) {
	m, clk, _ := newTestManager(t, saveErrStore{journal.NewMemoryStore()}, Config{})
	_, _ = m.Start("u1")
	converse(t, m, clk)

	res, _ := m.End(context.Background(), ReasonUserRequest)
	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Errorf("result = %+v", res)
	}
}

func TestManager_EndPhraseEndsAfterDelay(t *testing.T) {
	m, clk, ended := newTestManager(t, journal.NewMemoryStore(), Config{EndDelay: 20 * time.Millisecond})
	_, _ = m.Start("u1")
	converse(t, m, clk)

	if req, _ := m.Append(types.SpeakerAI, "Goodbye Lumi is what you'd say"); req {
		t.Error("AI entries must not trigger end phrases")
	}
	req, err := m.Append(types.SpeakerUser, "That's all for today, thank you.")
	if err != nil || !req {
		t.Fatalf("Append = %v, %v", req, err)
	}
	if !m.Active() {
		t.Error("session ended before the delay")
	}
	r := waitResult(t, ended)
	if r.Reason != ReasonEndPhrase || r.Outcome != OutcomePersisted {
		t.Errorf("result = %+v", r)
	}
	if m.Active() {
		t.Error("still active after end phrase")
	}
}

func TestManager_InactivityTimeout(t *testing.T) {
	m, _, ended := newTestManager(t, journal.NewMemoryStore(), Config{InactivityTimeout: 30 * time.Millisecond})
	_, _ = m.Start("u1")

	r := waitResult(t, ended)
	if r.Reason != ReasonInactivity || r.Outcome != OutcomeDiscarded {
		t.Errorf("result = %+v", r)
	}
	if m.Active() {
		t.Error("still active after inactivity")
	}
}

func TestManager_StaleTimerIgnored(t *testing.T) {
	ids := []string{"a", "b"}
	var n int
	m, _, ended := newTestManager(t, journal.NewMemoryStore(), Config{EndDelay: 30 * time.Millisecond},
		WithIDFunc(func() string { id := ids[n]; n++; return id }))

	_, _ = m.Start("u1")
	_, _ = m.Append(types.SpeakerUser, "end session")
	_, _ = m.End(context.Background(), ReasonUserRequest)
	<-ended

	s, err := m.Start("u1")
	if err != nil || s.ID != "b" {
		t.Fatalf("Start = %+v, %v", s, err)
	}
	time.Sleep(80 * time.Millisecond)
	if !m.Active() {
		t.Error("stale end-phrase timer ended the new session")
	}
}

func TestManager_CloseEndsActiveSession(t *testing.T) {
	m, _, ended := newTestManager(t, journal.NewMemoryStore(), Config{})
	_, _ = m.Start("u1")
	m.Close(context.Background())

	if r := waitResult(t, ended); r.Reason != ReasonShutdown {
		t.Errorf("reason = %v", r.Reason)
	}
	if _, err := m.Start("u1"); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestManager_Validation(t *testing.T) {
	m, _, _ := newTestManager(t, journal.NewMemoryStore(), Config{})
	if _, err := m.Start(""); err == nil {
		t.Error("expected error for empty user")
	}
	_, _ = m.Start("u1")
	if _, err := m.Append(types.Speaker("narrator"), "text"); err == nil {
		t.Error("expected error for invalid speaker")
	}
}
