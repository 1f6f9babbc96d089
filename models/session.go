package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is shown for a conversation until its first message names it.
const DefaultTitle = "新对话"

type Role string

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleNotification Role = "system-notification"
)

// Valid reports whether r is one of the known message roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleNotification:
		return true
	}
	return false
}

// Message is one turn of a conversation. Timestamp is only used for
// display; position in ChatSession.Messages is the order.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is a persisted conversation. The json names follow the
// blob layout of the browser widget so old payloads stay readable.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

func NewChatSession(now time.Time) *ChatSession {
	return &ChatSession{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		CreatedAt: now,
		Messages:  []Message{},
	}
}

func NewMessage(role Role, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
}

// Clone returns a deep copy that shares no slice memory with s.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}
