package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lumi-journal/lumi/pkg/provider/tts"
	"github.com/lumi-journal/lumi/pkg/types"
)

func TestBuildRequest_DefaultsWhenZero(t *testing.T) {
	got := buildRequest(tts.Request{Text: "Hi"}, defaultModel)
	if got.ModelID != defaultModel {
		t.Errorf("model = %q, want %q", got.ModelID, defaultModel)
	}
	if got.VoiceSettings.Stability != DefaultSettings.Stability ||
		got.VoiceSettings.SimilarityBoost != DefaultSettings.SimilarityBoost {
		t.Errorf("voice settings = %+v, want defaults", got.VoiceSettings)
	}
}

func TestBuildRequest_Overrides(t *testing.T) {
	got := buildRequest(tts.Request{
		Text:     "Hi",
		ModelID:  "eleven_multilingual_v2",
		Settings: types.VoiceSettings{Stability: 0.9, SimilarityBoost: 0.1},
	}, defaultModel)
	if got.ModelID != "eleven_multilingual_v2" {
		t.Errorf("model = %q", got.ModelID)
	}
	if got.VoiceSettings.Stability != 0.9 || got.VoiceSettings.SimilarityBoost != 0.1 {
		t.Errorf("voice settings = %+v", got.VoiceSettings)
	}
}

func TestSynthesize(t *testing.T) {
	var (
		gotPath, gotKey, gotFormat string
		gotBody                    synthesisRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fakeaudio"))
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL), WithVoice("voice-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Synthesize(context.Background(), tts.Request{Text: "Welcome back."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(res.Audio) != "ID3fakeaudio" || res.ContentType != "audio/mpeg" {
		t.Errorf("result = %q %q", res.Audio, res.ContentType)
	}
	if gotPath != "/v1/text-to-speech/voice-1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotFormat != defaultOutputFmt {
		t.Errorf("output_format = %q", gotFormat)
	}
	if gotBody.Text != "Welcome back." {
		t.Errorf("body text = %q", gotBody.Text)
	}
}

func TestSynthesize_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi"})
	var se *tts.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *tts.StatusError", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", se.StatusCode)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "  "}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestParseVoicesResponse_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Provider != "elevenlabs" {
		t.Errorf("expected Provider 'elevenlabs', got %q", rachel.Provider)
	}
	if rachel.Labels["gender"] != "female" {
		t.Errorf("expected gender 'female', got %q", rachel.Labels["gender"])
	}
	if rachel.Labels["category"] != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Labels["category"])
	}

	adam := profiles[1]
	if adam.ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", adam.ID)
	}
}

func TestParseVoicesResponse_Empty(t *testing.T) {
	raw := []byte(`{"voices":[]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected 0 profiles, got %d", len(profiles))
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	_, err := parseVoicesResponse([]byte(`{invalid`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseVoicesResponse_NoLabels(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
		]
	}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	// category is empty, so it should not appear in metadata.
	if _, ok := profiles[0].Labels["category"]; ok {
		t.Error("expected no 'category' key in labels when category is empty")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("expected outputFormat 'pcm_24000', got %q", p.outputFormat)
	}
}
