package chat

import "time"

// Roles a transcript message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one half of a persisted turn. Transcript order is append
// order and defines the conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
