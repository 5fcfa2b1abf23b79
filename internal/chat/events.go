package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/roomcast/internal/domain"
)

// Inbound event names.
const (
	EventJoinRoom    = "joinRoom"
	EventSendMessage = "sendMessage"
	EventPing        = "ping"
)

// Event names used in both directions.
const (
	EventTyping     = "typing"
	EventStopTyping = "stopTyping"
)

// Outbound event names.
const (
	EventRoomList       = "roomList"
	EventRoomUsers      = "roomUsers"
	EventChatHistory    = "chatHistory"
	EventReceiveMessage = "receiveMessage"
	EventMessageFailed  = "messageFailed"
	EventPong           = "pong"
)

// Event is one outbound frame: {"event": name, "data": payload}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Frame is one inbound frame with its payload left undecoded.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is the data of a joinRoom frame.
type JoinPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// SendPayload is the data of a sendMessage frame. Room and Username are
// accepted for wire compatibility; the session's joined pair wins.
type SendPayload struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// HistoryItem is one element of a chatHistory payload.
type HistoryItem struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is the payload of receiveMessage.
type ChatMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// TypingPayload is the payload of outbound typing and stopTyping.
type TypingPayload struct {
	Username string `json:"username"`
}

// MessageFailed is sent to the sender only when its message was not stored.
type MessageFailed struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// DecodeFrame parses an inbound frame envelope.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event name")
	}
	return f, nil
}

func roomListEvent(names []string) Event {
	return Event{Name: EventRoomList, Data: names}
}

func roomUsersEvent(users []string) Event {
	return Event{Name: EventRoomUsers, Data: users}
}

func historyEvent(msgs []domain.Message) Event {
	items := make([]HistoryItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, HistoryItem{Username: m.Username, Message: m.Text, CreatedAt: m.CreatedAt})
	}
	return Event{Name: EventChatHistory, Data: items}
}

func messageEvent(msg domain.Message) Event {
	return Event{Name: EventReceiveMessage, Data: ChatMessage{
		Username:  msg.Username,
		Message:   msg.Text,
		Timestamp: msg.TimestampMillis(),
	}}
}

// systemNotice builds a non-persisted message from the reserved author.
func systemNotice(text string, at time.Time) Event {
	return Event{Name: EventReceiveMessage, Data: ChatMessage{
		Username:  domain.SystemAuthor,
		Message:   text,
		Timestamp: at.UnixMilli(),
	}}
}
