package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lumi-journal/lumi/internal/app"
	"github.com/lumi-journal/lumi/internal/session"
)

func (h *harness) dial(t *testing.T, ctx context.Context) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/conversations/ws"
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + h.token}},
	})
}

// readUntil reads events until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, typ string) app.Event {
	t.Helper()
	for {
		var e app.Event
		if err := wsjson.Read(ctx, c, &e); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if e.Type == typ {
			return e
		}
	}
}

func TestConversationSocket_TextTurnAndEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := h.dial(t, ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	if err := wsjson.Write(ctx, c, clientMessage{Type: clientText, Text: "I finally finished the garden today."}); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if e := readUntil(t, ctx, c, app.EventTranscript); e.Text != "I finally finished the garden today." {
		t.Errorf("transcript = %+v", e)
	}
	if e := readUntil(t, ctx, c, app.EventReply); e.Text != reply {
		t.Errorf("reply = %+v", e)
	}
	for e := readUntil(t, ctx, c, app.EventState); e.State != "waiting_for_user"; e = readUntil(t, ctx, c, app.EventState) {
		if e.State == "idle" {
			t.Fatalf("conversation fell back to idle instead of handing the floor back")
		}
	}

	if err := wsjson.Write(ctx, c, clientMessage{Type: clientEnd}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	if e := readUntil(t, ctx, c, app.EventSessionEnded); e.Text != string(session.ReasonUserRequest) {
		t.Errorf("session ended = %+v", e)
	}

	var e app.Event
	err = wsjson.Read(ctx, c, &e)
	for err == nil {
		err = wsjson.Read(ctx, c, &e)
	}
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal closure", err)
	}
}

func TestConversationSocket_AudioWithoutVoice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := h.dial(t, ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, websocket.MessageBinary, make([]byte, 640)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if e := readUntil(t, ctx, c, app.EventFallbackToText); e.Code != "voice_unavailable" {
		t.Errorf("fallback event = %+v", e)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := readUntil(t, ctx, c, app.EventError); e.Code != "unknown_message" {
		t.Errorf("error event = %+v", e)
	}
}

func TestConversationSocket_OnePerUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := h.dial(t, ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.CloseNow()
	// The greeting is sent once the conversation is registered.
	readUntil(t, ctx, first, app.EventGreeting)

	_, resp, err := h.dial(t, ctx)
	if err == nil {
		t.Fatal("second dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second dial response = %v, want 409", resp)
	}
}

func TestConversationSocket_Unauthenticated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &app.Providers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/conversations/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial without token: resp = %v, err = %v", resp, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Error("dial should fail fast")
	}
}
