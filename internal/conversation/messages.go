package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/lumi-journal/lumi/pkg/types"
)

// MessageType records how a message entered the conversation.
type MessageType string

const (
	MessageAudio MessageType = "audio"
	MessageText  MessageType = "text"
)

// Message is one immutable utterance of the conversation.
type Message struct {
	ID        string
	Speaker   types.Speaker
	Content   string
	Type      MessageType
	Timestamp time.Time
}

// messageWindow keeps the newest messages up to a fixed size.
// Access is guarded by the owning Machine's mutex.
type messageWindow struct {
	max  int
	now  func() time.Time
	msgs []Message
}

func newMessageWindow(limit int, now func() time.Time) *messageWindow {
	return &messageWindow{max: limit, now: now}
}

func (w *messageWindow) add(speaker types.Speaker, content string, typ MessageType) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Content:   content,
		Type:      typ,
		Timestamp: w.now(),
	}
	w.msgs = append(w.msgs, msg)
	if w.max > 0 && len(w.msgs) > w.max {
		drop := len(w.msgs) - w.max
		w.msgs = append(w.msgs[:0:0], w.msgs[drop:]...)
	}
	return msg
}

func (w *messageWindow) list() []Message {
	out := make([]Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

func (w *messageWindow) len() int { return len(w.msgs) }

func (w *messageWindow) reset() { w.msgs = nil }

// AddMessage appends a message to the conversation history. When the history
// exceeds the configured maximum the oldest messages are dropped.
func (m *Machine) AddMessage(speaker types.Speaker, content string, typ MessageType) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages.add(speaker, content, typ)
}

// Messages returns the retained history, oldest first.
func (m *Machine) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages.list()
}

// ChatHistory converts the retained messages into LLM chat messages.
func (m *Machine) ChatHistory() []types.Message {
	msgs := m.Messages()
	out := make([]types.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, types.Message{Role: types.RoleFor(msg.Speaker), Content: msg.Content})
	}
	return out
}
