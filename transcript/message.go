package transcript

import (
	"strings"
	"time"
)

// Status represents the delivery state of a message.
type Status uint8

const (
	// StatusPending means the optimistic entry has not been persisted yet.
	StatusPending Status = iota
	// StatusSent means the server has accepted and persisted the message.
	StatusSent
	// StatusDelivered means the recipient's session has received the message.
	StatusDelivered
	// StatusFailed means the send request failed; terminal until retried.
	StatusFailed
)

// String returns the lowercase wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// rank orders statuses for monotonic merging. Failed is terminal for a
// local entry but loses to any server-confirmed status, since a server
// record proves the send in fact succeeded.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusFailed:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	default:
		return -1
	}
}

// mergeStatus keeps the more authoritative of two statuses. Never
// regresses: the result rank is >= both inputs for the non-failed
// ordering, and Failed survives only against Pending.
func mergeStatus(a, b Status) Status {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// Message is one entry of a conversation transcript. Ownership is never
// stored on the message; it is derived at snapshot time from the sender
// id and the resolved current-user identity.
type Message struct {
	// ID is a client-generated temporary id until the server record
	// arrives, then the permanent server id.
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	// CreatedAt is client-proposed while pending, server-authoritative
	// once confirmed.
	CreatedAt time.Time
	Status    Status
	// Authoritative reports whether ID and CreatedAt came from the server.
	Authoritative bool
	// Read reports whether the current user has read this message. Only
	// meaningful for messages from the peer.
	Read bool
}

// Entry is the rendered projection of a Message handed to the
// presentation layer. IsOwn is computed when the snapshot is taken.
type Entry struct {
	Message
	IsOwn bool
}

// normalizeContent canonicalizes content for the de-duplication key.
// Trailing/leading whitespace differences between the optimistic entry
// and the server echo must not defeat the match.
func normalizeContent(content string) string {
	return strings.TrimSpace(content)
}

// sameLogical reports whether two records describe the same logical
// message. Records sharing an authoritative id are the same; otherwise
// they match on (sender, recipient, normalized content) with timestamps
// within the window. This single predicate backs every ingestion path.
func sameLogical(a, b *Message, window time.Duration) bool {
	if a.Authoritative && b.Authoritative {
		return a.ID == b.ID
	}
	if a.SenderID != b.SenderID || a.RecipientID != b.RecipientID {
		return false
	}
	if normalizeContent(a.Content) != normalizeContent(b.Content) {
		return false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

// before reports transcript display order: by timestamp, tie-broken by id
// so the order is stable across merges from any source.
func before(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
