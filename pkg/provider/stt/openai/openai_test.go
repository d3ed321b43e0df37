package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lumi-journal/lumi/pkg/audio"
	"github.com/lumi-journal/lumi/pkg/provider/stt"
	"github.com/lumi-journal/lumi/pkg/provider/stt/openai"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestTranscribe(t *testing.T) {
	var gotModel, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseMultipartForm(1 << 20)
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " Today felt calm. "})
	}))
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL), openai.WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wav := audio.EncodeWAV(make([]byte, 3200), 16000, 1)
	res, err := p.Transcribe(context.Background(), stt.Request{Audio: wav})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Today felt calm." {
		t.Errorf("Text = %q", res.Text)
	}
	if gotModel != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", gotModel)
	}
	if gotLang != "en" {
		t.Errorf("language = %q, want en", gotLang)
	}
}

func TestTranscribe_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   stt.Code
	}{
		{"rate limit", http.StatusTooManyRequests, stt.CodeRateLimit},
		{"too large", http.StatusRequestEntityTooLarge, stt.CodeAudioTooLarge},
		{"bad audio", http.StatusBadRequest, stt.CodeInvalidAudio},
		{"server", http.StatusBadGateway, stt.CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			}))
			defer srv.Close()

			p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL))
			_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF")})
			if got := stt.CodeOf(err); got != tt.want {
				t.Errorf("code = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}
