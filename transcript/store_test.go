package transcript

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*Store, *mockOwnership, *mockTimeProvider) {
	owner := &mockOwnership{}
	clock := newMockTimeProvider()
	s := NewStore(owner, 0)
	s.SetTimeProvider(clock)
	return s, owner, clock
}

func TestAppendOptimistic(t *testing.T) {
	s, owner, _ := newTestStore()
	owner.resolve("me")

	msg := s.AppendOptimistic("c1", "me", "peer", "Hi")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.False(t, msg.Authoritative)

	snap := s.Snapshot("c1")
	require.Len(t, snap, 1)
	assert.Equal(t, "Hi", snap[0].Content)
	assert.True(t, snap[0].IsOwn)
	assert.True(t, snap[0].Read, "own messages are born read")
}

func TestReconcile_ReplacesOptimisticEntry(t *testing.T) {
	s, owner, clock := newTestStore()
	owner.resolve("me")

	msg := s.AppendOptimistic("c1", "me", "peer", "Hi")
	serverTime := clock.Now().Add(400 * time.Millisecond)

	s.Reconcile(msg.ID, Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "me",
		RecipientID:    "peer",
		Content:        "Hi",
		CreatedAt:      serverTime,
	})

	snap := s.Snapshot("c1")
	require.Len(t, snap, 1, "reconcile must not add a second entry")
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, StatusSent, snap[0].Status)
	assert.True(t, snap[0].Authoritative)
	assert.True(t, snap[0].CreatedAt.Equal(serverTime), "timestamp becomes server-authoritative")
}

// The central no-duplication scenario: the push echo of the user's own
// message lands before the send response does. Both must collapse into
// the one optimistic entry.
func TestEchoBeforeReconcile_SingleEntry(t *testing.T) {
	s, owner, clock := newTestStore()
	owner.resolve("me")

	msg := s.AppendOptimistic("c1", "me", "peer", "Hi")

	echoTime := clock.Now().Add(time.Second)
	s.ApplyIncomingPush(Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "me",
		RecipientID:    "peer",
		Content:        "Hi",
		CreatedAt:      echoTime,
	})

	snap := s.Snapshot("c1")
	require.Len(t, snap, 1, "echo must merge, not append")
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, StatusDelivered, snap[0].Status)
	assert.True(t, snap[0].IsOwn)

	// The late send response reconciles against a temp id that no longer
	// exists; the id-based rule must still keep a single entry.
	s.Reconcile(msg.ID, Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "me",
		RecipientID:    "peer",
		Content:        "Hi",
		CreatedAt:      echoTime,
	})

	snap = s.Snapshot("c1")
	require.Len(t, snap, 1)
	assert.Equal(t, StatusDelivered, snap[0].Status, "sent must not regress delivered")
}

func TestReconcile_MissingOptimisticInsertsDirectly(t *testing.T) {
	s, _, clock := newTestStore()

	s.Reconcile("tmp-gone", Message{
		ID:             "m9",
		ConversationID: "c1",
		SenderID:       "me",
		RecipientID:    "peer",
		Content:        "resurfaced",
		CreatedAt:      clock.Now(),
	})

	snap := s.Snapshot("c1")
	require.Len(t, snap, 1)
	assert.Equal(t, "m9", snap[0].ID)
	assert.Equal(t, StatusSent, snap[0].Status)
}

func TestOrderStability_ArrivalOrderIrrelevant(t *testing.T) {
	s, _, clock := newTestStore()
	base := clock.Now()

	// Push events arrive newest-first; history arrives oldest-first.
	for i := 5; i >= 1; i-- {
		s.ApplyIncomingPush(Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "c1",
			SenderID:       "peer",
			RecipientID:    "me",
			Content:        fmt.Sprintf("msg %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}

	token := s.Activate("c1")
	history := []Message{
		{ID: "m0", SenderID: "peer", RecipientID: "me", Content: "msg 0", CreatedAt: base},
		{ID: "m3", SenderID: "peer", RecipientID: "me", Content: "msg 3", CreatedAt: base.Add(3 * time.Minute)},
	}
	require.NoError(t, s.MergeHistory("c1", token, history))

	snap := s.Snapshot("c1")
	require.Len(t, snap, 6, "m3 must de-duplicate against the pushed copy")
	for i := 0; i < len(snap)-1; i++ {
		assert.True(t, snap[i].CreatedAt.Before(snap[i+1].CreatedAt) ||
			(snap[i].CreatedAt.Equal(snap[i+1].CreatedAt) && snap[i].ID < snap[i+1].ID),
			"display order must follow (timestamp, id)")
	}
	assert.Equal(t, "m0", snap[0].ID)
	assert.Equal(t, "m5", snap[5].ID)
}

func TestDedup_WindowBoundaries(t *testing.T) {
	s, _, clock := newTestStore()
	base := clock.Now()

	push := func(id string, at time.Time) {
		s.ApplyIncomingPush(Message{
			ID: id, ConversationID: "c1",
			SenderID: "peer", RecipientID: "me",
			Content: "ok", CreatedAt: at,
		})
	}

	// Two server-identified records never collapse across different ids.
	push("m1", base)
	push("m2", base.Add(time.Second))
	assert.Len(t, s.Snapshot("c1"), 2)

	// A record without an id inside the window collapses into m2.
	push("", base.Add(time.Second+DefaultDedupWindow))
	assert.Len(t, s.Snapshot("c1"), 2)

	// Outside the window it is a genuinely repeated message.
	push("", base.Add(time.Second+DefaultDedupWindow+time.Millisecond).Add(DefaultDedupWindow))
	assert.Len(t, s.Snapshot("c1"), 3)
}

func TestOwnership_DerivedAfterLateResolution(t *testing.T) {
	s, owner, clock := newTestStore()

	// Messages ingested before the identity resolves.
	s.ApplyIncomingPush(Message{
		ID: "m1", ConversationID: "c1",
		SenderID: "me", RecipientID: "peer",
		Content: "mine", CreatedAt: clock.Now(),
	})
	s.ApplyIncomingPush(Message{
		ID: "m2", ConversationID: "c1",
		SenderID: "peer", RecipientID: "me",
		Content: "theirs", CreatedAt: clock.Now().Add(time.Minute),
	})

	for _, e := range s.Snapshot("c1") {
		assert.False(t, e.IsOwn, "nothing is owned while unresolved")
	}

	owner.resolve("me")

	var notified []string
	s.OnChange(func(conversationID string) {
		notified = append(notified, conversationID)
	})
	s.MarkOwnership()
	assert.Equal(t, []string{""}, notified, "ownership pass refreshes every view")

	snap := s.Snapshot("c1")
	assert.True(t, snap[0].IsOwn)
	assert.False(t, snap[1].IsOwn)

	// Idempotent and re-entrant.
	s.MarkOwnership()
	snap = s.Snapshot("c1")
	assert.True(t, snap[0].IsOwn)
}

func TestStaleHistoryDiscarded(t *testing.T) {
	s, _, clock := newTestStore()

	tokenA := s.Activate("a")
	s.Activate("b")

	err := s.MergeHistory("a", tokenA, []Message{
		{ID: "m1", SenderID: "p", RecipientID: "me", Content: "late", CreatedAt: clock.Now()},
	})
	assert.True(t, errors.Is(err, ErrStaleToken))
	assert.Empty(t, s.Snapshot("a"), "stale history must not be applied")
	assert.Empty(t, s.Snapshot("b"), "stale history must never leak into the new view")
}

func TestMonotonicStatus(t *testing.T) {
	s, owner, clock := newTestStore()
	owner.resolve("me")

	msg := s.AppendOptimistic("c1", "me", "peer", "Hi")
	s.Reconcile(msg.ID, Message{
		ID: "m1", ConversationID: "c1",
		SenderID: "me", RecipientID: "peer",
		Content: "Hi", CreatedAt: clock.Now(),
	})

	// A confirmed entry cannot be failed.
	require.NoError(t, s.MarkFailed("m1", "c1"))
	snap := s.Snapshot("c1")
	assert.Equal(t, StatusSent, snap[0].Status)

	// Re-ingesting the same record with a weaker status does not regress.
	s.ApplyIncomingPush(Message{
		ID: "m1", ConversationID: "c1",
		SenderID: "me", RecipientID: "peer",
		Content: "Hi", CreatedAt: clock.Now(),
		Status: StatusDelivered,
	})
	s.Activate("c1")
	tok := s.Activate("c1")
	require.NoError(t, s.MergeHistory("c1", tok, []Message{{
		ID: "m1", SenderID: "me", RecipientID: "peer",
		Content: "Hi", CreatedAt: clock.Now(),
	}}))

	snap = s.Snapshot("c1")
	require.Len(t, snap, 1)
	assert.Equal(t, StatusDelivered, snap[0].Status)
}

func TestMarkFailedAndRemove(t *testing.T) {
	s, owner, _ := newTestStore()
	owner.resolve("me")

	msg := s.AppendOptimistic("c1", "me", "peer", "will fail")
	require.NoError(t, s.MarkFailed(msg.ID, "c1"))

	snap := s.Snapshot("c1")
	require.Len(t, snap, 1)
	assert.Equal(t, StatusFailed, snap[0].Status, "failed sends stay visible, never vanish silently")

	removed, err := s.Remove(msg.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, "will fail", removed.Content)
	assert.Empty(t, s.Snapshot("c1"))

	_, err = s.Remove("nope", "c1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnreadCounts_PerConversationIsolation(t *testing.T) {
	s, owner, clock := newTestStore()

	push := func(conv, id string) {
		s.ApplyIncomingPush(Message{
			ID: id, ConversationID: conv,
			SenderID: "peer", RecipientID: "me",
			Content: "hello " + id, CreatedAt: clock.Now(),
		})
		clock.Advance(time.Minute)
	}

	push("a", "a1")
	push("a", "a2")
	push("a", "a3")

	// Unresolved identity: no derivable count.
	_, ok := s.UnreadCount("a")
	assert.False(t, ok)

	owner.resolve("me")

	count, ok := s.UnreadCount("a")
	require.True(t, ok)
	assert.Equal(t, 3, count)
	count, _ = s.UnreadCount("b")
	assert.Equal(t, 0, count)

	assert.Equal(t, 3, s.MarkRead("a"))

	count, _ = s.UnreadCount("a")
	assert.Equal(t, 0, count, "mark-read drives unread to zero")
	assert.Equal(t, 0, s.MarkRead("a"), "idempotent")

	push("b", "b1")
	count, _ = s.UnreadCount("b")
	assert.Equal(t, 1, count)
	count, _ = s.UnreadCount("a")
	assert.Equal(t, 0, count, "other conversations unaffected")
}

func TestRemapConversation(t *testing.T) {
	s, owner, clock := newTestStore()
	owner.resolve("me")

	provisional := "new_peer9"
	s.Activate(provisional)
	msg := s.AppendOptimistic(provisional, "me", "peer9", "first contact")

	s.RemapConversation(provisional, "c77")
	s.Reconcile(msg.ID, Message{
		ID: "m1", ConversationID: "c77",
		SenderID: "me", RecipientID: "peer9",
		Content: "first contact", CreatedAt: clock.Now(),
	})

	assert.Empty(t, s.Snapshot(provisional))
	snap := s.Snapshot("c77")
	require.Len(t, snap, 1)
	assert.Equal(t, "m1", snap[0].ID)
	assert.True(t, s.Loaded("c77"), "a client-born conversation carries its full log")
}

// Loaded must mean the backlog was actually fetched. A single pushed
// message is not a loaded log, and treating it as one would make
// derived unread counts shrink below the server's figure.
func TestLoaded_RequiresHistoryMerge(t *testing.T) {
	s, owner, clock := newTestStore()
	owner.resolve("me")

	s.ApplyIncomingPush(Message{
		ID: "m9", ConversationID: "c1",
		SenderID: "peer", RecipientID: "me",
		Content: "ping", CreatedAt: clock.Now(),
	})

	assert.True(t, s.HasEntries("c1"))
	assert.False(t, s.Loaded("c1"), "push alone does not load a conversation")

	token := s.Activate("c1")
	require.NoError(t, s.MergeHistory("c1", token, []Message{
		{ID: "m1", SenderID: "peer", RecipientID: "me", Content: "old", CreatedAt: clock.Now().Add(-time.Hour)},
	}))
	assert.True(t, s.Loaded("c1"))
}

func TestRemapCollapsesAgainstServerLog(t *testing.T) {
	s, owner, clock := newTestStore()
	owner.resolve("me")

	provisional := "new_peer9"
	msg := s.AppendOptimistic(provisional, "me", "peer9", "first contact")
	s.Reconcile(msg.ID, Message{
		ID: "m1", ConversationID: provisional,
		SenderID: "me", RecipientID: "peer9",
		Content: "first contact", CreatedAt: clock.Now(),
	})

	// The push echo landed under the server id before the remap.
	s.ApplyIncomingPush(Message{
		ID: "m1", ConversationID: "c77",
		SenderID: "me", RecipientID: "peer9",
		Content: "first contact", CreatedAt: clock.Now(),
	})

	s.RemapConversation(provisional, "c77")

	snap := s.Snapshot("c77")
	require.Len(t, snap, 1, "echo and moved entry collapse to one")
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, StatusDelivered, snap[0].Status)
}

func TestStatusString(t *testing.T) {
	testCases := []struct {
		status Status
		want   string
	}{
		{StatusPending, "pending"},
		{StatusSent, "sent"},
		{StatusDelivered, "delivered"},
		{StatusFailed, "failed"},
		{Status(200), "unknown"},
	}
	for _, tc := range testCases {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}
