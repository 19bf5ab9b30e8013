package models

import (
	"time"
)

// Message represents a role-tagged chat message sent to a provider
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used in ChatRequest messages
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is the normalized unit passed to a provider adapter:
// an ordered sequence of role-tagged messages (system first, then
// alternating user/assistant history, then the new user input).
type ChatRequest struct {
	Messages []Message
}

// ConversationTurn is one (user input, model output) pair recorded
// in a user's conversation history
type ConversationTurn struct {
	UserInput string    `json:"user_input"`
	BotOutput string    `json:"bot_output"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// UserProfile holds per-user state the bot needs between messages
type UserProfile struct {
	UserID     int64  `json:"user_id"`
	Username   string `json:"username"`
	Model      string `json:"model"`
	Tier       string `json:"tier"`
	InProgress bool   `json:"in_progress"`
}

// QuotaMap maps a logical model identifier to its remaining request count
type QuotaMap map[string]int

// LastMessage references the most recent outbound message for a user,
// so the next reply can replace its keyboard. Last-write-wins.
type LastMessage struct {
	ChatID    int64
	MessageID int
	Text      string
}
