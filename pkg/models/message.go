// Package models defines the core entities shared across the pipeline:
// messages, references, plans, routing profiles, critic reports, and the
// session trace. Types here are plain data — behavior lives in the stage
// packages that produce and consume them.
package models

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation message. Messages are immutable input
// to a session; stages receive them by value and never mutate them.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// LastUserMessage returns the content of the most recent user message,
// or "" if none exists.
func LastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
