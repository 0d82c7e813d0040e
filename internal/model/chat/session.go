package chat

import "time"

// SessionInfo summarizes a session's transcript. Start and update times
// are nil for sessions with no messages yet.
type SessionInfo struct {
	SessionID        string     `json:"session_id"`
	MessageCount     int        `json:"message_count"`
	StartTime        *time.Time `json:"start_time"`
	LastUpdate       *time.Time `json:"last_update"`
	ConversationName string     `json:"conversation_name,omitempty"`
}
