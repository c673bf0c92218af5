// Package domain contains core domain types for the tutoring backend.
package domain

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks a message typed or spoken by the student.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the tutor model.
	RoleAssistant Role = "assistant"
)

// Message is a single conversation entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type,omitempty"`
}

// RecentMessages returns at most the last n messages.
func RecentMessages(msgs []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
