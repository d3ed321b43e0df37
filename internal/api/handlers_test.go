package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumi-journal/lumi/internal/app"
	"github.com/lumi-journal/lumi/internal/config"
	"github.com/lumi-journal/lumi/internal/journal"
	"github.com/lumi-journal/lumi/internal/kv"
	"github.com/lumi-journal/lumi/internal/persona"
	"github.com/lumi-journal/lumi/pkg/provider/llm"
	llmmock "github.com/lumi-journal/lumi/pkg/provider/llm/mock"
	"github.com/lumi-journal/lumi/pkg/provider/stt"
	sttmock "github.com/lumi-journal/lumi/pkg/provider/stt/mock"
	"github.com/lumi-journal/lumi/pkg/provider/tts"
	ttsmock "github.com/lumi-journal/lumi/pkg/provider/tts/mock"
	"github.com/lumi-journal/lumi/pkg/types"
)

const reply = "It sounds like today asked a lot of you. What helped most?"

// harness is a running API server backed by mock providers.
type harness struct {
	srv     *httptest.Server
	auth    *Authenticator
	journal *journal.MemoryStore
	token   string
}

func newHarness(t *testing.T, providers *app.Providers) *harness {
	t.Helper()
	if providers.LLM == nil {
		providers.LLM = &llmmock.Provider{
			CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
				if req.JSON {
					return &llm.CompletionResponse{Content: "{}"}, nil
				}
				return &llm.CompletionResponse{Content: reply}, nil
			},
		}
	}
	cfg := &config.Config{
		Auth:      config.AuthConfig{JWTSecret: testSecret},
		Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "openai"}},
	}
	config.ApplyDefaults(cfg)

	store := journal.NewMemoryStore()
	a, err := app.New(cfg, providers, app.Stores{
		Personas: persona.NewMemoryStore(),
		Journal:  store,
		KV:       kv.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	auth := NewAuthenticator(testSecret, "", "")
	token, err := auth.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	srv := httptest.NewServer(New(a, auth, WithMetricsHandler(metrics)).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return &harness{srv: srv, auth: auth, journal: store, token: token}
}

// do sends an authenticated request and decodes a JSON response into out.
func (h *harness) do(t *testing.T, method, path string, body io.Reader, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	wav := bytes.Repeat([]byte{1, 2}, 800)

	tests := []struct {
		name         string
		provider     *sttmock.Provider
		body         []byte
		wantStatus   int
		wantText     string
		wantCode     string
		wantFallback bool
	}{
		{
			name:       "success",
			provider:   &sttmock.Provider{Results: []stt.Result{{Text: " I went for a run. ", Confidence: 0.9, Duration: 2 * time.Second, Language: "en"}}},
			body:       wav,
			wantStatus: http.StatusOK,
			wantText:   "I went for a run.",
		},
		{
			name:       "empty audio",
			provider:   &sttmock.Provider{},
			wantStatus: http.StatusBadRequest,
			wantCode:   string(stt.CodeInvalidAudio),
		},
		{
			name:         "fallback to text",
			provider:     &sttmock.Provider{Errors: []error{stt.NewError(stt.CodeAudioTooLarge, nil)}},
			body:         wav,
			wantStatus:   http.StatusRequestEntityTooLarge,
			wantCode:     string(stt.CodeAudioTooLarge),
			wantFallback: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &app.Providers{STT: tt.provider})

			var out struct {
				Text     string  `json:"text"`
				Duration float64 `json:"duration"`
				Code     string  `json:"code"`
				Message  string  `json:"message"`
				Fallback bool    `json:"should_fallback_to_text"`
			}
			status := h.do(t, http.MethodPost, "/v1/transcribe", bytes.NewReader(tt.body), &out)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", status, tt.wantStatus, out)
			}
			if out.Text != tt.wantText || out.Code != tt.wantCode || out.Fallback != tt.wantFallback {
				t.Errorf("response = %+v", out)
			}
			if tt.wantStatus == http.StatusOK && out.Duration != 2 {
				t.Errorf("duration = %v, want 2", out.Duration)
			}
			if tt.wantCode != "" && out.Message == "" {
				t.Error("error responses should carry a user message")
			}
		})
	}
}

func TestTranscribe_NoProvider(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})
	var out errorBody
	if status := h.do(t, http.MethodPost, "/v1/transcribe", strings.NewReader("RIFF"), &out); status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if out.Code != string(stt.CodeUnavailable) {
		t.Errorf("code = %q", out.Code)
	}
}

func TestRespond(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})

	var out struct {
		Response string `json:"response"`
		Fallback bool   `json:"fallback"`
	}
	status := h.do(t, http.MethodPost, "/v1/respond", jsonBody(t, respondRequest{
		Transcript: "Work was long but I made time for a walk.",
		History:    []types.TranscriptEntry{{Speaker: types.SpeakerAI, Text: "How was your day?"}},
	}), &out)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if out.Response != reply || out.Fallback {
		t.Errorf("response = %+v", out)
	}

	if status := h.do(t, http.MethodPost, "/v1/respond", strings.NewReader("{"), nil); status != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", status)
	}
}

func TestSpeech(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		voice := &ttsmock.Provider{Result: tts.Result{Audio: []byte("mp3"), ContentType: "audio/mpeg"}}
		h := newHarness(t, &app.Providers{TTS: voice})

		var out struct {
			AudioURL  string `json:"audio_url"`
			AudioSize int    `json:"audio_size"`
		}
		status := h.do(t, http.MethodPost, "/v1/speech", jsonBody(t, speechRequest{Text: "Hello there", VoiceID: "v2"}), &out)
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if !strings.HasPrefix(out.AudioURL, "data:audio/mpeg;base64,") || out.AudioSize != 3 {
			t.Errorf("clip = %+v", out)
		}
		if len(voice.SynthesizeCalls) != 1 || voice.SynthesizeCalls[0].Req.VoiceID != "v2" {
			t.Errorf("synthesize calls = %+v", voice.SynthesizeCalls)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()
		voice := &ttsmock.Provider{Err: &tts.StatusError{Provider: "mock", StatusCode: http.StatusTooManyRequests}}
		h := newHarness(t, &app.Providers{TTS: voice})

		var out errorBody
		status := h.do(t, http.MethodPost, "/v1/speech", jsonBody(t, speechRequest{Text: "Hello"}), &out)
		if status != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", status)
		}
		if out.Code != "TTS_RATE_LIMIT" || !out.ShouldFallbackToText {
			t.Errorf("error = %+v", out)
		}
	})

	t.Run("empty text", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &app.Providers{TTS: &ttsmock.Provider{}})
		var out errorBody
		if status := h.do(t, http.MethodPost, "/v1/speech", jsonBody(t, speechRequest{Text: "  "}), &out); status != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", status)
		}
		if !out.ShouldFallbackToText {
			t.Error("speech errors should ask for the text fallback")
		}
	})

	t.Run("retry", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &app.Providers{TTS: &ttsmock.Provider{}})
		if status := h.do(t, http.MethodPost, "/v1/speech/retry", nil, nil); status != http.StatusNoContent {
			t.Errorf("status = %d, want 204", status)
		}
	})
}

func TestPersona(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})

	var st persona.State
	if status := h.do(t, http.MethodGet, "/v1/persona", nil, &st); status != http.StatusOK {
		t.Fatalf("GET status = %d", status)
	}
	if st.UserID != "user-1" {
		t.Errorf("user id = %q, want user-1", st.UserID)
	}

	name := "Sam"
	note := "prefers evening check-ins"
	status := h.do(t, http.MethodPatch, "/v1/persona", jsonBody(t, persona.Update{
		PreferredName:       &name,
		ConversationalNotes: &note,
	}), &st)
	if status != http.StatusOK {
		t.Fatalf("PATCH status = %d", status)
	}
	if st.PreferredName != "Sam" || !strings.Contains(st.ConversationalNotes, note) {
		t.Errorf("patched persona = %+v", st)
	}

	if status := h.do(t, http.MethodPatch, "/v1/persona", strings.NewReader(`{"unknown":1}`), nil); status != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", status)
	}

	if status := h.do(t, http.MethodDelete, "/v1/persona", nil, &st); status != http.StatusOK {
		t.Fatalf("DELETE status = %d", status)
	}
	if st.PreferredName != "" || st.ConversationalNotes != "" {
		t.Errorf("reset persona = %+v", st)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})
	started := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	for _, e := range []journal.Entry{
		{ID: "s1", UserID: "user-1", StartedAt: started, EndedAt: started.Add(90 * time.Second), Duration: 90 * time.Second, Summary: "A calm evening."},
		{ID: "s2", UserID: "user-1", StartedAt: started.Add(24 * time.Hour), EndedAt: started.Add(24*time.Hour + time.Minute), Duration: time.Minute},
		{ID: "s3", UserID: "someone-else", StartedAt: started, EndedAt: started.Add(time.Minute), Duration: time.Minute},
	} {
		if err := h.journal.Save(context.Background(), e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	var list struct {
		Sessions []sessionView `json:"sessions"`
	}
	if status := h.do(t, http.MethodGet, "/v1/sessions", nil, &list); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(list.Sessions) != 2 || list.Sessions[0].ID != "s2" {
		t.Errorf("sessions = %+v, want s2 then s1", list.Sessions)
	}

	var one sessionView
	if status := h.do(t, http.MethodGet, "/v1/sessions/s1", nil, &one); status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if one.Summary != "A calm evening." || one.DurationSeconds != 90 {
		t.Errorf("session = %+v", one)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"foreign session", "/v1/sessions/s3", http.StatusNotFound},
		{"unknown session", "/v1/sessions/nope", http.StatusNotFound},
		{"bad limit", "/v1/sessions?limit=0", http.StatusBadRequest},
		{"limit", "/v1/sessions?limit=1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.do(t, http.MethodGet, tt.path, nil, nil); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGreeting_OncePerDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})

	var first, second greetingResponse
	if status := h.do(t, http.MethodGet, "/v1/greeting", nil, &first); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if first.Text == "" || first.AlreadyGreeted {
		t.Errorf("first greeting = %+v", first)
	}
	h.do(t, http.MethodGet, "/v1/greeting", nil, &second)
	if !second.AlreadyGreeted || second.Text != "" {
		t.Errorf("second greeting = %+v", second)
	}
}

func TestRoutes_PublicAndProtected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/v1/persona", http.StatusUnauthorized},
		{"/v1/sessions", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := h.srv.Client().Get(h.srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
