// Package domain contains core domain types for the chat service.
package domain

import (
	"time"
)

// SystemAuthor is the reserved sender name of non-persisted notices.
const SystemAuthor = "Chat"

// Message is a persisted chat message. Once read from the store it is
// treated as immutable.
type Message struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TimestampMillis returns the creation time as epoch milliseconds.
func (m *Message) TimestampMillis() int64 {
	return m.CreatedAt.UnixMilli()
}
