// Package directory maintains the ordered conversation list: peer
// snapshots, last-message previews, and unread counts, reconciled
// against full REST refreshes and live push events.
//
// Unread counts are derived wherever possible: once a conversation's
// transcript is loaded the count is recomputed from transcript state, and
// only conversations with no loaded transcript fall back to the
// server-reported figure. Keeping one source of truth removes drift
// between the two stores.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorebird/chatsync/apiclient"
	"github.com/chorebird/chatsync/limits"
)

// ProvisionalPrefix marks client-synthesized conversation ids that have
// no server-side record yet.
const ProvisionalPrefix = "new_"

// ProvisionalID derives the deterministic temporary id for a first
// conversation with a peer.
func ProvisionalID(peerID string) string {
	return ProvisionalPrefix + peerID
}

// IsProvisional reports whether id names a client-synthesized
// conversation.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Peer is the other participant's profile snapshot.
type Peer struct {
	ID       string
	Name     string
	Avatar   string
	Verified bool
	Rating   float64
}

// Preview is the last-message projection shown in the list.
type Preview struct {
	Content   string
	CreatedAt time.Time
}

// Conversation is one directory entry.
type Conversation struct {
	ID          string
	Peer        Peer
	LastMessage *Preview
	UnreadCount int
	// Provisional is true until the first message persists and the
	// client id is remapped to the server id.
	Provisional bool
}

// Lister fetches the authoritative conversation list.
// *apiclient.Client satisfies it.
type Lister interface {
	Conversations(ctx context.Context) ([]apiclient.ConversationSummary, error)
}

// UnreadDeriver recomputes unread counts from transcript state. The
// transcript store satisfies it. Loaded must report true only once the
// conversation's server history has been merged; a transcript that has
// seen nothing but pushes is a partial view, and deriving from it
// would shrink the count below the server's figure.
type UnreadDeriver interface {
	UnreadCount(conversationID string) (int, bool)
	Loaded(conversationID string) bool
}

// ChangeCallback fires after any directory mutation.
type ChangeCallback func()

// Directory owns the conversation list and the current selection. Safe
// for concurrent use.
type Directory struct {
	mu            sync.Mutex
	conversations []*Conversation
	selected      string
	api           Lister
	deriver       UnreadDeriver
	onChange      ChangeCallback
}

// New creates an empty Directory. deriver may be nil; server-reported
// unread counts are then used as-is.
func New(api Lister, deriver UnreadDeriver) *Directory {
	return &Directory{api: api, deriver: deriver}
}

// OnChange registers the single change callback; re-registering replaces
// it.
func (d *Directory) OnChange(cb ChangeCallback) {
	d.mu.Lock()
	d.onChange = cb
	d.mu.Unlock()
}

func (d *Directory) notify() {
	d.mu.Lock()
	cb := d.onChange
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Load fetches the authoritative list and fully replaces the in-memory
// one, preserving the current selection if that conversation is still
// present. A provisional selection always survives the replace (the
// server cannot know about it yet). Network failure leaves an empty list
// and returns a recoverable error; it never panics the session.
func (d *Directory) Load(ctx context.Context) error {
	summaries, err := d.api.Conversations(ctx)
	if err != nil {
		d.mu.Lock()
		var keep []*Conversation
		for _, c := range d.conversations {
			if c.Provisional {
				keep = append(keep, c)
			}
		}
		d.conversations = keep
		if d.selected != "" && !IsProvisional(d.selected) {
			d.selected = ""
		}
		d.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"error":    err,
		}).Warn("Conversation list fetch failed")
		d.notify()
		return fmt.Errorf("load conversations: %w", err)
	}

	d.mu.Lock()
	var fresh []*Conversation
	for _, s := range summaries {
		c := &Conversation{
			ID: s.ConversationID,
			Peer: Peer{
				ID:       s.OtherUser.ID,
				Name:     s.OtherUser.Name,
				Avatar:   s.OtherUser.Avatar,
				Verified: s.OtherUser.Verified,
				Rating:   s.OtherUser.Rating,
			},
			UnreadCount: s.UnreadCount,
		}
		if s.LastMessage != nil {
			c.LastMessage = &Preview{
				Content:   limits.TruncatePreview(s.LastMessage.Content),
				CreatedAt: s.LastMessage.CreatedAt,
			}
		}
		fresh = append(fresh, c)
	}
	// Provisional conversations the server does not know about survive.
	for _, c := range d.conversations {
		if c.Provisional && findByPeer(fresh, c.Peer.ID) == nil {
			fresh = append(fresh, c)
		}
	}
	sortByRecency(fresh)
	d.conversations = fresh
	if d.selected != "" && d.findLocked(d.selected) == nil {
		d.selected = ""
	}
	count := len(fresh)
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Load",
		"conversations": count,
	}).Debug("Conversation list replaced")
	d.notify()
	return nil
}

// StartConversation opens a chat with peer. If a conversation with that
// peer already exists it is selected and its id returned with
// existing=true; otherwise a provisional entry is synthesized and
// selected, and the caller must not attempt a history fetch for it.
func (d *Directory) StartConversation(peer Peer) (id string, existing bool) {
	d.mu.Lock()
	if c := findByPeer(d.conversations, peer.ID); c != nil {
		d.selected = c.ID
		id = c.ID
		d.mu.Unlock()
		d.notify()
		return id, true
	}

	c := &Conversation{
		ID:          ProvisionalID(peer.ID),
		Peer:        peer,
		Provisional: true,
	}
	d.conversations = append([]*Conversation{c}, d.conversations...)
	d.selected = c.ID
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartConversation",
		"peer":     peer.ID,
		"id":       c.ID,
	}).Debug("Provisional conversation synthesized")
	d.notify()
	return c.ID, false
}

// ApplyIncomingMessage updates the matching conversation's preview and
// unread count for a message observed on any ingestion path. When no
// matching conversation exists (a first message from an unknown peer) a
// new entry is prepended.
func (d *Directory) ApplyIncomingMessage(conversationID string, peer Peer, content string, at time.Time, fromSelf bool) {
	d.mu.Lock()
	c := d.findLocked(conversationID)
	if c == nil {
		c = findByPeer(d.conversations, peer.ID)
	}
	if c == nil {
		c = &Conversation{ID: conversationID, Peer: peer}
		d.conversations = append([]*Conversation{c}, d.conversations...)
	}
	if c.LastMessage == nil || !at.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = &Preview{
			Content:   limits.TruncatePreview(content),
			CreatedAt: at,
		}
	}
	if !fromSelf && d.selected != c.ID {
		c.UnreadCount++
	}
	sortByRecency(d.conversations)
	d.mu.Unlock()
	d.notify()
}

// AdoptServerConversation remaps a provisional entry to its
// server-assigned id once the first message has persisted.
func (d *Directory) AdoptServerConversation(provisionalID, serverID string) {
	if serverID == "" || provisionalID == serverID {
		return
	}
	d.mu.Lock()
	c := d.findLocked(provisionalID)
	if c == nil {
		d.mu.Unlock()
		return
	}
	c.ID = serverID
	c.Provisional = false
	if d.selected == provisionalID {
		d.selected = serverID
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "AdoptServerConversation",
		"provisional_id": provisionalID,
		"server_id":      serverID,
	}).Debug("Provisional conversation adopted")
	d.notify()
}

// Select makes conversationID the current selection. Unknown ids are
// rejected.
func (d *Directory) Select(conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findLocked(conversationID) == nil {
		return fmt.Errorf("unknown conversation %q", conversationID)
	}
	d.selected = conversationID
	return nil
}

// Selected returns the currently selected conversation.
func (d *Directory) Selected() (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.findLocked(d.selected)
	if c == nil {
		return Conversation{}, false
	}
	return d.projectLocked(c), true
}

// MarkRead zeroes the conversation's unread count after a successful
// mark-read round trip.
func (d *Directory) MarkRead(conversationID string) {
	d.mu.Lock()
	if c := d.findLocked(conversationID); c != nil {
		c.UnreadCount = 0
	}
	d.mu.Unlock()
	d.notify()
}

// List returns the conversations in recency order. Unread counts are
// derived from transcript state for loaded conversations.
func (d *Directory) List() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		out = append(out, d.projectLocked(c))
	}
	return out
}

// projectLocked copies a conversation, substituting the derived unread
// count where the transcript can supply one.
func (d *Directory) projectLocked(c *Conversation) Conversation {
	out := *c
	if c.LastMessage != nil {
		preview := *c.LastMessage
		out.LastMessage = &preview
	}
	if d.deriver != nil && d.deriver.Loaded(c.ID) {
		if n, ok := d.deriver.UnreadCount(c.ID); ok {
			out.UnreadCount = n
		}
	}
	return out
}

func (d *Directory) findLocked(id string) *Conversation {
	if id == "" {
		return nil
	}
	for _, c := range d.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func findByPeer(list []*Conversation, peerID string) *Conversation {
	for _, c := range list {
		if c.Peer.ID == peerID {
			return c
		}
	}
	return nil
}

// sortByRecency orders by last-message time, newest first; conversations
// with no messages yet (provisional) sort to the top.
func sortByRecency(list []*Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		switch {
		case a.LastMessage == nil && b.LastMessage == nil:
			return false
		case a.LastMessage == nil:
			return true
		case b.LastMessage == nil:
			return false
		default:
			return a.LastMessage.CreatedAt.After(b.LastMessage.CreatedAt)
		}
	})
}
