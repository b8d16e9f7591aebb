package transport

import "encoding/json"

// Event kinds received from the server.
const (
	// EventNewMessage carries a freshly delivered message.
	EventNewMessage = "new_message"
	// EventUserTyping carries a peer's typing notification.
	EventUserTyping = "user_typing"
	// EventStopTyping carries a peer's explicit stop notification.
	EventStopTyping = "stop_typing"
	// EventPresence carries a peer's online/offline change.
	EventPresence = "presence"
)

// Event kinds published to the server.
const (
	// PublishSendMessage is the channel-side accelerator for a send; the
	// REST request remains the system of record.
	PublishSendMessage = "send_message"
	// PublishTyping and PublishStopTyping carry the local composer's
	// typing state.
	PublishTyping     = "typing"
	PublishStopTyping = "stop_typing"
)

// Envelope is the wire format on the socket: a kind tag and an opaque
// payload decoded by the subscribed handler.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of EventNewMessage.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	RecipientID    string `json:"recipient_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

// TypingPayload is the payload of EventUserTyping and EventStopTyping.
type TypingPayload struct {
	UserID string `json:"user_id"`
}

// PresencePayload is the payload of EventPresence.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
