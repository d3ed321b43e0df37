package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/lumi-journal/lumi/internal/app"
	"github.com/lumi-journal/lumi/internal/observe"
)

// Conversation socket tuning.
const (
	outboundBuffer = 64
	writeTimeout   = 5 * time.Second
	maxMessageSize = 1 << 20
)

// Client message types on the conversation socket. Binary messages carry
// 16-bit little-endian mono PCM at the configured input sample rate.
const (
	clientText             = "text"
	clientPlaybackFinished = "playback_finished"
	clientEnd              = "end"
)

type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// handleConversation handles GET /v1/conversations/ws. The server sends
// [app.Event] values as JSON text messages until the conversation ends.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	log := observe.Logger(observe.WithUserID(r.Context(), userID))

	if _, ok := s.app.Conversation(userID); ok {
		writeError(w, http.StatusConflict, "conversation_active", "a conversation is already running for this user")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		log.Warn("api: websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	// ctx bounds the conversation and the event writer. Reads use the
	// request context since cancelling a read tears the socket down.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := newEventWriter(ws)
	go out.run(ctx)

	conv, err := s.app.StartConversation(ctx, userID, out.send)
	if err != nil {
		code := "conversation_failed"
		if errors.Is(err, app.ErrConversationActive) {
			code = "conversation_active"
		}
		out.send(app.Event{Type: app.EventError, Code: code, Text: err.Error()})
		cancel()
		out.drain()
		_ = ws.Close(websocket.StatusPolicyViolation, code)
		return
	}
	log.Info("api: conversation socket open")

	// A conversation that ends on its own delivers its last events and
	// closes the socket, which unblocks the read loop.
	go func() {
		select {
		case <-conv.Done():
			cancel()
			out.drain()
			_ = ws.Close(websocket.StatusNormalClosure, "session ended")
		case <-ctx.Done():
		}
	}()

	s.readLoop(r.Context(), ws, conv, out.send)

	conv.Close(context.WithoutCancel(ctx))
	cancel()
	out.drain()
	if err := ws.Close(websocket.StatusNormalClosure, "conversation ended"); err != nil {
		log.Debug("api: websocket close", "err", err)
	}
	log.Info("api: conversation socket closed")
}

// readLoop feeds client messages to conv until the socket or the
// conversation ends.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conv *app.Conversation, send app.Sink) {
	log := observe.Logger(observe.WithUserID(ctx, conv.UserID()))
	voiceWarned := false
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				log.Debug("api: conversation socket ended", "err", err)
			} else {
				log.Warn("api: websocket read error", "err", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			err := conv.PushAudio(ctx, data)
			switch {
			case errors.Is(err, app.ErrVoiceUnavailable):
				if !voiceWarned {
					voiceWarned = true
					send(app.Event{Type: app.EventFallbackToText, Code: "voice_unavailable"})
				}
			case err != nil:
				log.Debug("api: push audio", "err", err)
				return
			}
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			send(app.Event{Type: app.EventError, Code: "invalid_message", Text: err.Error()})
			continue
		}
		switch msg.Type {
		case clientText:
			if err := conv.SendText(msg.Text); err != nil {
				send(app.Event{Type: app.EventError, Code: "text_rejected", Text: err.Error()})
			}
		case clientPlaybackFinished:
			conv.PlaybackFinished()
		case clientEnd:
			if _, err := conv.End(context.WithoutCancel(ctx)); err != nil {
				log.Warn("api: end conversation", "err", err)
			}
			return
		default:
			send(app.Event{Type: app.EventError, Code: "unknown_message", Text: msg.Type})
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, e app.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, b)
}

// eventWriter serialises conversation events onto the socket from a single
// goroutine so slow clients never block the conversation.
type eventWriter struct {
	ws     *websocket.Conn
	events chan app.Event
	done   chan struct{}
}

func newEventWriter(ws *websocket.Conn) *eventWriter {
	return &eventWriter{
		ws:     ws,
		events: make(chan app.Event, outboundBuffer),
		done:   make(chan struct{}),
	}
}

// send queues e. Events are dropped once the buffer is full.
func (w *eventWriter) send(e app.Event) {
	select {
	case <-w.done:
	case w.events <- e:
	default:
		observe.Logger(context.Background()).Warn("api: client too slow, dropping event", "type", e.Type)
	}
}

func (w *eventWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case e := <-w.events:
			if err := writeEvent(context.WithoutCancel(ctx), w.ws, e); err != nil {
				return
			}
		case <-ctx.Done():
			w.flush()
			return
		}
	}
}

// flush writes whatever is still queued, used once the request is done so
// the final session_ended event reaches the client.
func (w *eventWriter) flush() {
	for {
		select {
		case e := <-w.events:
			if err := writeEvent(context.Background(), w.ws, e); err != nil {
				return
			}
		default:
			return
		}
	}
}

// drain waits for the writer goroutine to flush and exit. The writer's
// context must already be cancelled.
func (w *eventWriter) drain() {
	select {
	case <-w.done:
	case <-time.After(writeTimeout):
	}
}
