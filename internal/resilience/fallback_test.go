package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

// errRejected stands for a request the backend refused on its merits, such
// as audio with no speech in it.
var errRejected = errors.New("request rejected")

func notRejected(err error) bool { return !errors.Is(err, errRejected) }

// newGroup builds a group over named backends whose breakers ignore
// errRejected and open after two failures.
func newGroup(names ...string) *FallbackGroup[string] {
	cfg := FallbackConfig{CircuitBreaker: CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		IsFailure:    notRejected,
	}}
	fg := NewFallbackGroup(names[0], names[0], cfg)
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fail      map[string]error
		wantTried []string
		wantErr   error
	}{
		{
			name:      "primary answers",
			wantTried: []string{"whisper-local"},
		},
		{
			name:      "outage fails over",
			fail:      map[string]error{"whisper-local": errTest},
			wantTried: []string{"whisper-local", "openai"},
		},
		{
			name:      "rejected request stays on the primary",
			fail:      map[string]error{"whisper-local": errRejected},
			wantTried: []string{"whisper-local"},
			wantErr:   errRejected,
		},
		{
			name:      "rejection by a fallback is returned as is",
			fail:      map[string]error{"whisper-local": errTest, "openai": errRejected},
			wantTried: []string{"whisper-local", "openai"},
			wantErr:   errRejected,
		},
		{
			name:      "every backend down",
			fail:      map[string]error{"whisper-local": errTest, "openai": errTest},
			wantTried: []string{"whisper-local", "openai"},
			wantErr:   ErrAllFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup("whisper-local", "openai")

			var tried []string
			err := fg.Execute(func(v string) error {
				tried = append(tried, v)
				return tt.fail[v]
			})
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried %v, want %v", tried, tt.wantTried)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if errors.Is(tt.wantErr, errRejected) && errors.Is(err, ErrAllFailed) {
				t.Error("a rejected request must not be reported as an outage")
			}
		})
	}
}

func TestFallbackGroup_RejectionsKeepBreakerClosed(t *testing.T) {
	t.Parallel()
	fg := newGroup("elevenlabs", "coqui")

	for range 5 {
		_ = fg.Execute(func(string) error { return errRejected })
	}
	for _, b := range fg.Breakers() {
		if b.State != StateClosed {
			t.Errorf("breaker %s = %s after rejected requests, want closed", b.Name, b.State)
		}
	}

	// Two real outages open the primary; later calls go straight to coqui.
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "elevenlabs" {
				return errTest
			}
			return nil
		})
	}
	var tried []string
	if err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(tried, []string{"coqui"}) {
		t.Errorf("tried %v, want only coqui while elevenlabs is open", tried)
	}
	if got := fg.Breakers()[0]; got.Name != "elevenlabs" || got.State != StateOpen {
		t.Errorf("primary breaker = %+v, want elevenlabs open", got)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fail    map[string]error
		want    string
		wantErr error
	}{
		{"primary result", nil, "gpt:reply", nil},
		{"fallback result", map[string]error{"gpt": errTest}, "gemini:reply", nil},
		{"rejection ends the chain", map[string]error{"gpt": errRejected}, "", errRejected},
		{"all down", map[string]error{"gpt": errTest, "gemini": errTest}, "", ErrAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup("gpt", "gemini")

			calls := 0
			got, err := ExecuteWithResult(fg, func(v string) (string, error) {
				calls++
				if err := tt.fail[v]; err != nil {
					return "partial", err
				}
				return v + ":reply", nil
			})
			if got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if errors.Is(tt.wantErr, errRejected) && calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestExecuteIndexed_ReportsEntry(t *testing.T) {
	t.Parallel()
	fg := newGroup("gpt", "gemini", "ollama")

	var indices []int
	got, err := executeIndexed(fg, func(i int, v string) (string, error) {
		indices = append(indices, i)
		if i < 2 {
			return "", errTest
		}
		return v, nil
	})
	if err != nil || got != "ollama" {
		t.Fatalf("executeIndexed = %q, %v", got, err)
	}
	if !slices.Equal(indices, []int{0, 1, 2}) {
		t.Errorf("indices = %v", indices)
	}
}
