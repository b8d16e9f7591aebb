package apiclient

import "time"

// UserSnapshot is the server's projection of a participant.
type UserSnapshot struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Avatar   string  `json:"avatar,omitempty"`
	Verified bool    `json:"verified,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
}

// Preview is the last-message projection in a conversation summary.
type Preview struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary is one entry of the directory fetch.
type ConversationSummary struct {
	ConversationID string       `json:"conversation_id"`
	OtherUser      UserSnapshot `json:"other_user"`
	LastMessage    *Preview     `json:"last_message,omitempty"`
	UnreadCount    int          `json:"unread_count"`
}

// MessageRecord is the server-authoritative form of a message.
type MessageRecord struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Sender         UserSnapshot `json:"sender"`
	Recipient      UserSnapshot `json:"recipient"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SendRequest is the body of the send endpoint.
type SendRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Type        string `json:"type"`
}
