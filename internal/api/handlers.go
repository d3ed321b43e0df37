package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lumi-journal/lumi/internal/greeting"
	"github.com/lumi-journal/lumi/internal/journal"
	"github.com/lumi-journal/lumi/internal/observe"
	"github.com/lumi-journal/lumi/internal/persona"
	"github.com/lumi-journal/lumi/internal/responder"
	"github.com/lumi-journal/lumi/internal/speech"
	"github.com/lumi-journal/lumi/internal/transcription"
	"github.com/lumi-journal/lumi/pkg/provider/stt"
	"github.com/lumi-journal/lumi/pkg/types"
)

// Session list paging.
const (
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
	Language   string  `json:"language,omitempty"`
}

// handleTranscribe handles POST /v1/transcribe. The body is the recorded
// audio; an optional prompt query parameter biases recognition.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	h := s.app.Transcriber()
	if h == nil {
		writeTranscriptionError(w, stt.CodeUnavailable)
		return
	}
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeTranscriptionError(w, stt.CodeAudioTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, string(stt.CodeInvalidAudio), "could not read audio")
		return
	}

	res, err := h.TranscribeResult(r.Context(), transcription.Request{
		Audio:  audio,
		Prompt: r.URL.Query().Get("prompt"),
	}, nil)
	switch {
	case errors.Is(err, transcription.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, string(stt.CodeInvalidAudio), "audio is empty")
		return
	case err != nil:
		observe.Logger(r.Context()).Warn("api: transcription failed", "err", err)
		writeTranscriptionError(w, stt.CodeOf(err))
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{
		Text:       res.Text,
		Confidence: res.Confidence,
		Duration:   res.Duration.Seconds(),
		Language:   res.Language,
	})
}

func writeTranscriptionError(w http.ResponseWriter, code stt.Code) {
	writeJSON(w, code.Status(), errorBody{
		Error:                http.StatusText(code.Status()),
		Code:                 string(code),
		Message:              code.UserMessage(),
		ShouldFallbackToText: !code.Retryable(),
	})
}

type respondRequest struct {
	Transcript string                  `json:"transcript"`
	History    []types.TranscriptEntry `json:"history,omitempty"`
}

// handleRespond handles POST /v1/respond. It always answers 200; failures
// are reported through the fallback flag of the reply.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp := s.app.Responder().Generate(r.Context(), responder.Request{
		UserID:     UserIDFromContext(r.Context()),
		Transcript: req.Transcript,
		History:    req.History,
	})
	writeJSON(w, http.StatusOK, resp)
}

type speechRequest struct {
	Text          string               `json:"text"`
	VoiceID       string               `json:"voice_id,omitempty"`
	ModelID       string               `json:"model_id,omitempty"`
	VoiceSettings *types.VoiceSettings `json:"voice_settings,omitempty"`
}

// handleSpeech handles POST /v1/speech.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	synth := s.app.Synthesizer()
	if synth == nil {
		writeSpeechError(w, &speech.Error{Code: speech.CodeUnavailable})
		return
	}
	var req speechRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v := speech.Voice{ID: req.VoiceID, Model: req.ModelID}
	if req.VoiceSettings != nil {
		v.Settings = *req.VoiceSettings
	}
	clip, err := synth.SynthesizeWith(r.Context(), req.Text, v)
	if err != nil {
		var se *speech.Error
		if !errors.As(err, &se) {
			se = &speech.Error{Code: speech.CodeFailed, Err: err}
		}
		observe.Logger(r.Context()).Warn("api: speech failed", "code", se.Code, "err", err)
		writeSpeechError(w, se)
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func writeSpeechError(w http.ResponseWriter, se *speech.Error) {
	status := se.Code.Status()
	writeJSON(w, status, errorBody{
		Error:                http.StatusText(status),
		Code:                 string(se.Code),
		Message:              se.Error(),
		ShouldFallbackToText: se.ShouldFallbackToText(),
	})
}

// handleSpeechRetry handles POST /v1/speech/retry. It leaves the persistent
// error state entered after repeated synthesis failures.
func (s *Server) handleSpeechRetry(w http.ResponseWriter, _ *http.Request) {
	if synth := s.app.Synthesizer(); synth != nil {
		synth.Retry()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Personas().Get(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.personaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePatchPersona merges the body into the stored persona. Snapshot and
// note fields are appended rather than replaced.
func (s *Server) handlePatchPersona(w http.ResponseWriter, r *http.Request) {
	var u persona.Update
	if !decodeJSON(w, r, &u) {
		return
	}
	st, err := s.app.Personas().Apply(r.Context(), UserIDFromContext(r.Context()), u)
	if err != nil {
		s.personaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetPersona(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Personas().Reset(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.personaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) personaError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, persona.ErrVersionConflict) {
		writeError(w, http.StatusConflict, "persona_conflict", "persona changed concurrently, try again")
		return
	}
	observe.Logger(r.Context()).Error("api: persona", "err", err)
	writeError(w, http.StatusInternalServerError, "persona_unavailable", "persona could not be loaded or saved")
}

// sessionView is a journal entry as returned to clients.
type sessionView struct {
	journal.Entry
	DurationSeconds int `json:"duration_seconds"`
}

func viewOf(e journal.Entry) sessionView {
	return sessionView{Entry: e, DurationSeconds: e.DurationSeconds()}
}

// handleListSessions handles GET /v1/sessions?limit=n, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxSessionLimit)
	}
	entries, err := s.app.Journal().List(r.Context(), UserIDFromContext(r.Context()), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("api: list sessions", "err", err)
		writeError(w, http.StatusInternalServerError, "journal_unavailable", "sessions could not be loaded")
		return
	}
	views := make([]sessionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	e, err := s.app.Journal().Get(r.Context(), UserIDFromContext(r.Context()), id)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	case err != nil:
		observe.Logger(r.Context()).Error("api: get session", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "journal_unavailable", "session could not be loaded")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(e))
}

type greetingResponse struct {
	greeting.Result
	AlreadyGreeted bool `json:"already_greeted"`
}

// handleGreeting handles GET /v1/greeting. A user is greeted once per local
// day; later calls report already_greeted without generating anything.
func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	res, ok, err := s.app.Greeter().Greeting(r.Context(), UserIDFromContext(r.Context()), s.now())
	if err != nil {
		observe.Logger(r.Context()).Error("api: greeting", "err", err)
		writeError(w, http.StatusInternalServerError, "greeting_unavailable", "greeting could not be prepared")
		return
	}
	writeJSON(w, http.StatusOK, greetingResponse{Result: res, AlreadyGreeted: !ok})
}
