package transcript

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chorebird/chatsync/internal/metrics"
)

// DefaultDedupWindow is the timestamp tolerance for content-based
// de-duplication when no authoritative id is known yet. Configurable per
// store; 3 seconds covers clock skew between the optimistic local
// timestamp and the server's without risking collapse of a genuinely
// repeated message typed several seconds later.
const DefaultDedupWindow = 3 * time.Second

var (
	// ErrNotFound indicates no entry with the given id exists.
	ErrNotFound = errors.New("transcript entry not found")

	// ErrStaleToken indicates an async result arrived for a conversation
	// that is no longer active. The result is discarded, never applied.
	ErrStaleToken = errors.New("stale conversation token")
)

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Ownership answers ownership queries against the resolved current-user
// identity. identity.Resolver satisfies it.
type Ownership interface {
	IsOwn(senderID string) bool
	UserID() (string, bool)
}

// ChangeCallback is invoked after a transcript mutation, with the id of
// the affected conversation. An empty id means every conversation view
// should refresh (identity resolution).
type ChangeCallback func(conversationID string)

// Token guards async history results against conversation switches. A
// token is captured when a conversation activates and checked before any
// late result is applied.
type Token uint64

// Store owns the message lifecycle for every conversation transcript.
// Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	logs     map[string][]*Message
	loaded   map[string]bool
	window   time.Duration
	clock    TimeProvider
	owner    Ownership
	onChange ChangeCallback

	activeConv  string
	activeToken Token
}

// NewStore creates a Store deriving ownership from owner. A zero or
// negative window falls back to DefaultDedupWindow.
func NewStore(owner Ownership, window time.Duration) *Store {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Store{
		logs:   make(map[string][]*Message),
		loaded: make(map[string]bool),
		window: window,
		clock:  realClock{},
		owner:  owner,
	}
}

// SetTimeProvider injects a deterministic clock for tests.
func (s *Store) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp != nil {
		s.clock = tp
	}
}

// OnChange registers the single change callback. Re-registering replaces
// the previous callback.
func (s *Store) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	s.onChange = cb
	s.mu.Unlock()
}

func (s *Store) notify(conversationID string) {
	s.mu.Lock()
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb(conversationID)
	}
}

// Activate marks conversationID as the active conversation and returns
// the token its async results must carry. Any result bearing an older
// token is discarded on arrival.
func (s *Store) Activate(conversationID string) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeConv = conversationID
	s.activeToken++
	return s.activeToken
}

// AppendOptimistic inserts a pending message at the tail of the
// conversation's order and returns it. The entry carries a locally unique
// temporary id until Reconcile replaces it with the server record.
func (s *Store) AppendOptimistic(conversationID, senderID, recipientID, content string) Message {
	msg := &Message{
		ID:             "tmp-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		Status:         StatusPending,
		Read:           true,
	}

	s.mu.Lock()
	msg.CreatedAt = s.clock.Now()
	s.logs[conversationID] = append(s.logs[conversationID], msg)
	out := *msg
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "AppendOptimistic",
		"conversation": conversationID,
		"temp_id":      out.ID,
	}).Debug("Optimistic entry appended")

	s.notify(conversationID)
	return out
}

// Reconcile replaces the optimistic entry's temporary id, timestamp, and
// status with the server's authoritative record. If the optimistic entry
// is gone (cleared by a concurrent reload) the authoritative message is
// ingested directly under the de-duplication rule.
func (s *Store) Reconcile(tempID string, authoritative Message) {
	authoritative.Authoritative = true
	if authoritative.Status.rank() < StatusSent.rank() {
		authoritative.Status = StatusSent
	}
	authoritative.Read = true

	s.mu.Lock()
	entry := s.findLocked(authoritative.ConversationID, tempID)
	if entry == nil {
		s.ingestLocked(authoritative.ConversationID, &authoritative)
		s.mu.Unlock()
		s.notify(authoritative.ConversationID)
		return
	}

	entry.ID = authoritative.ID
	entry.CreatedAt = authoritative.CreatedAt
	entry.Status = mergeStatus(entry.Status, authoritative.Status)
	entry.Authoritative = true
	// The push echo may have landed before the send response. Collapse
	// any second copy the echo created.
	s.collapseDuplicatesLocked(authoritative.ConversationID, entry)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Reconcile",
		"conversation": authoritative.ConversationID,
		"temp_id":      tempID,
		"server_id":    authoritative.ID,
	}).Debug("Optimistic entry reconciled")

	s.notify(authoritative.ConversationID)
}

// MarkFailed flags the optimistic entry as failed. Confirmed entries are
// never regressed.
func (s *Store) MarkFailed(tempID, conversationID string) error {
	s.mu.Lock()
	entry := s.findLocked(conversationID, tempID)
	if entry == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if entry.Authoritative {
		s.mu.Unlock()
		return nil
	}
	entry.Status = StatusFailed
	s.mu.Unlock()

	metrics.SendFailures.Inc()
	s.notify(conversationID)
	return nil
}

// Remove deletes an entry by id, used when a failed optimistic entry's
// text is restored to the composer instead of being kept as a retryable
// row. Confirmed entries cannot be removed.
func (s *Store) Remove(tempID, conversationID string) (Message, error) {
	s.mu.Lock()
	log := s.logs[conversationID]
	for i, m := range log {
		if m.ID == tempID {
			if m.Authoritative {
				s.mu.Unlock()
				return Message{}, ErrNotFound
			}
			out := *m
			s.logs[conversationID] = append(log[:i], log[i+1:]...)
			s.mu.Unlock()
			s.notify(conversationID)
			return out, nil
		}
	}
	s.mu.Unlock()
	return Message{}, ErrNotFound
}

// ApplyIncomingPush merges a pushed message into the transcript. Matching
// an existing entry merges (keeping the more authoritative status);
// otherwise the message is appended. Pushed messages from the peer arrive
// unread.
func (s *Store) ApplyIncomingPush(msg Message) {
	msg.Authoritative = msg.ID != ""
	if msg.Status.rank() < StatusDelivered.rank() && msg.Status != StatusFailed {
		// Presence on the channel proves delivery to this session.
		msg.Status = StatusDelivered
	}

	s.mu.Lock()
	msg.Read = s.owner != nil && s.owner.IsOwn(msg.SenderID)
	s.ingestLocked(msg.ConversationID, &msg)
	s.mu.Unlock()

	s.notify(msg.ConversationID)
}

// MergeHistory merges REST-fetched history into the conversation's log.
// The token captured at activation must still be current; a late result
// for a conversation the user has switched away from is discarded.
func (s *Store) MergeHistory(conversationID string, token Token, history []Message) error {
	s.mu.Lock()
	if token != s.activeToken || conversationID != s.activeConv {
		s.mu.Unlock()
		metrics.StaleResultsDropped.Inc()
		logrus.WithFields(logrus.Fields{
			"function":     "MergeHistory",
			"conversation": conversationID,
		}).Debug("Discarding stale history result")
		return ErrStaleToken
	}
	for i := range history {
		m := history[i]
		m.Authoritative = m.ID != ""
		m.ConversationID = conversationID
		if m.Status.rank() < StatusSent.rank() {
			m.Status = StatusSent
		}
		s.ingestLocked(conversationID, &m)
	}
	s.loaded[conversationID] = true
	s.mu.Unlock()

	s.notify(conversationID)
	return nil
}

// RemapConversation moves a provisional conversation's entries under the
// server-assigned id once the first message persists. Moved entries run
// through the de-duplication rule: a concurrent push may already have
// filed the same message under the server id. A remapped conversation
// counts as loaded: it was born client-side, so its log is the complete
// history.
func (s *Store) RemapConversation(provisionalID, serverID string) {
	s.mu.Lock()
	entries := s.logs[provisionalID]
	if len(entries) > 0 {
		for _, m := range entries {
			m.ConversationID = serverID
			s.ingestLocked(serverID, m)
		}
		s.sortLocked(serverID)
		s.loaded[serverID] = true
	}
	delete(s.logs, provisionalID)
	delete(s.loaded, provisionalID)
	if s.activeConv == provisionalID {
		s.activeConv = serverID
	}
	s.mu.Unlock()

	s.notify(serverID)
}

// MarkOwnership re-derives ownership-dependent views after the identity
// resolver becomes available. Ownership is never stored on entries, so
// there is nothing to rewrite; the pass exists to tell every subscriber
// to take fresh snapshots. Idempotent and re-entrant.
func (s *Store) MarkOwnership() {
	s.notify("")
}

// MarkRead marks every message in the conversation read. Returns the
// number of entries that changed state.
func (s *Store) MarkRead(conversationID string) int {
	s.mu.Lock()
	changed := 0
	for _, m := range s.logs[conversationID] {
		if !m.Read {
			m.Read = true
			changed++
		}
	}
	s.mu.Unlock()

	if changed > 0 {
		s.notify(conversationID)
	}
	return changed
}

// UnreadCount derives the number of unread peer messages in the
// conversation. The boolean is false while the current-user identity is
// unresolved, in which case no meaningful count can be derived and the
// caller should fall back to the server-reported figure.
func (s *Store) UnreadCount(conversationID string) (int, bool) {
	if s.owner == nil {
		return 0, false
	}
	if _, ok := s.owner.UserID(); !ok {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.logs[conversationID] {
		if !m.Read && !s.owner.IsOwn(m.SenderID) {
			count++
		}
	}
	return count, true
}

// Loaded reports whether server history has been merged for the
// conversation. Entries that arrived over push alone do not count:
// until the backlog is fetched the local log may be a strict subset
// of the server's, and unread figures derived from it would
// under-count.
func (s *Store) Loaded(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[conversationID]
}

// HasEntries reports whether any entries exist for the conversation,
// loaded or not.
func (s *Store) HasEntries(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[conversationID]) > 0
}

// LastMessage returns the newest entry of the conversation, if any.
func (s *Store) LastMessage(conversationID string) (Entry, bool) {
	snap := s.Snapshot(conversationID)
	if len(snap) == 0 {
		return Entry{}, false
	}
	return snap[len(snap)-1], true
}

// Snapshot returns the conversation's entries in display order with
// IsOwn computed against the current identity. The returned slice is a
// copy; mutating it does not affect the store.
func (s *Store) Snapshot(conversationID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sortLocked(conversationID)
	log := s.logs[conversationID]
	out := make([]Entry, 0, len(log))
	for _, m := range log {
		e := Entry{Message: *m}
		if s.owner != nil {
			e.IsOwn = s.owner.IsOwn(m.SenderID)
		}
		out = append(out, e)
	}
	return out
}

// findLocked returns the entry with the given id, or nil.
func (s *Store) findLocked(conversationID, id string) *Message {
	for _, m := range s.logs[conversationID] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ingestLocked inserts msg unless it matches an existing entry, in which
// case the two merge. This is the single implementation of the
// de-duplication rule; every ingestion path funnels through it. An exact
// id match wins over the content-key fallback so a record never merges
// into a coincidental look-alike when its own entry is present.
func (s *Store) ingestLocked(conversationID string, msg *Message) {
	var match *Message
	if msg.Authoritative {
		for _, existing := range s.logs[conversationID] {
			if existing.Authoritative && existing.ID == msg.ID {
				match = existing
				break
			}
		}
	}
	if match == nil {
		for _, existing := range s.logs[conversationID] {
			if sameLogical(existing, msg, s.window) {
				match = existing
				break
			}
		}
	}
	if match != nil {
		existing := match
		if msg.Authoritative {
			existing.ID = msg.ID
			existing.CreatedAt = msg.CreatedAt
			existing.Authoritative = true
		}
		existing.Status = mergeStatus(existing.Status, msg.Status)
		// Reads never un-read.
		existing.Read = existing.Read || msg.Read
		metrics.DuplicatesCollapsed.Inc()
		logrus.WithFields(logrus.Fields{
			"function":     "ingest",
			"conversation": conversationID,
			"id":           existing.ID,
		}).Debug("Duplicate message collapsed")
		return
	}

	cp := *msg
	s.logs[conversationID] = append(s.logs[conversationID], &cp)
}

// collapseDuplicatesLocked removes entries that became duplicates of
// keep after it acquired its authoritative identity. Only id-identical
// records collapse here: a content match could be a different in-flight
// send of the same text, which must stay its own entry.
func (s *Store) collapseDuplicatesLocked(conversationID string, keep *Message) {
	log := s.logs[conversationID]
	out := log[:0]
	for _, m := range log {
		if m != keep && m.Authoritative && m.ID == keep.ID {
			keep.Status = mergeStatus(keep.Status, m.Status)
			keep.Read = keep.Read || m.Read
			metrics.DuplicatesCollapsed.Inc()
			continue
		}
		out = append(out, m)
	}
	s.logs[conversationID] = out
}

func (s *Store) sortLocked(conversationID string) {
	log := s.logs[conversationID]
	sort.SliceStable(log, func(i, j int) bool {
		return before(log[i], log[j])
	})
}
