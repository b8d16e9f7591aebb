package chatsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorebird/chatsync/apiclient"
	"github.com/chorebird/chatsync/config"
	"github.com/chorebird/chatsync/directory"
	"github.com/chorebird/chatsync/harness"
	"github.com/chorebird/chatsync/limits"
	"github.com/chorebird/chatsync/transport"
)

func testConfig(b *harness.Backend) config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = b.URL()
	cfg.Socket.URL = b.WSURL()
	cfg.Socket.BackoffBase = config.Duration(50 * time.Millisecond)
	cfg.Socket.BackoffCap = config.Duration(100 * time.Millisecond)
	return cfg
}

func startSession(t *testing.T, b *harness.Backend, userID string) *Session {
	t.Helper()
	s, err := New(testConfig(b), b.Token(userID))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.Eventually(t, func() bool {
		return s.ConnectionStatus() == transport.StatusConnected
	}, 3*time.Second, 10*time.Millisecond, "channel never connected")
	return s
}

func TestSendConfirmsAndCollapsesEcho(t *testing.T) {
	b := harness.New()
	defer b.Close()
	b.AddUser(apiclient.UserSnapshot{ID: "u2", Name: "Rosa"})

	s := startSession(t, b, "u1")

	id, err := s.StartConversationWithPeer(context.Background(), directory.Peer{ID: "u2", Name: "Rosa"})
	require.NoError(t, err)
	assert.True(t, directory.IsProvisional(id))

	_, err = s.SendMessage(context.Background(), "hello from u1")
	require.NoError(t, err)

	// The REST confirmation and the websocket echo both carry the same
	// record; the transcript must end up with exactly one entry.
	require.Eventually(t, func() bool {
		selected, ok := s.SelectedConversation()
		if !ok || directory.IsProvisional(selected.ID) {
			return false
		}
		entries := s.Transcript(selected.ID)
		return len(entries) == 1 && entries[0].Authoritative
	}, 3*time.Second, 10*time.Millisecond)

	selected, _ := s.SelectedConversation()
	entries := s.Transcript(selected.ID)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsOwn)
	assert.Equal(t, "hello from u1", entries[0].Content)
	assert.Equal(t, "u1", entries[0].SenderID)
}

func TestIncomingPushReachesDirectoryAndTranscript(t *testing.T) {
	b := harness.New()
	defer b.Close()
	b.AddUser(apiclient.UserSnapshot{ID: "u2", Name: "Rosa"})

	s := startSession(t, b, "u1")

	var mu sync.Mutex
	var lastList []directory.Conversation
	s.OnDirectoryChanged(func(list []directory.Conversation) {
		mu.Lock()
		lastList = list
		mu.Unlock()
	})

	rec := b.PushMessage("u2", "u1", "are you still interested?")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastList) == 1 && lastList[0].UnreadCount == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	conv := lastList[0]
	mu.Unlock()
	assert.Equal(t, rec.ConversationID, conv.ID)
	assert.Equal(t, "u2", conv.Peer.ID)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "are you still interested?", conv.LastMessage.Content)

	entries := s.Transcript(conv.ID)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsOwn)
	assert.False(t, entries[0].Read)
}

func TestSelectLoadsHistoryAndMarksRead(t *testing.T) {
	b := harness.New()
	defer b.Close()
	b.AddUser(apiclient.UserSnapshot{ID: "u2", Name: "Rosa"})
	seeded := b.SeedMessage("u2", "u1", "earlier message", time.Now().UTC().Add(-time.Hour))

	s := startSession(t, b, "u1")

	require.Eventually(t, func() bool {
		return len(s.Conversations()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SelectConversation(context.Background(), seeded.ConversationID))
	require.Eventually(t, func() bool {
		entries := s.Transcript(seeded.ConversationID)
		return len(entries) == 1 && entries[0].Read
	}, 3*time.Second, 10*time.Millisecond)

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestRemoteTypingSurfacesAndDecays(t *testing.T) {
	b := harness.New()
	defer b.Close()

	s := startSession(t, b, "u1")

	type change struct {
		peer   string
		typing bool
	}
	changes := make(chan change, 4)
	s.OnPeerTyping(func(peerID string, isTyping bool) {
		changes <- change{peerID, isTyping}
	})

	b.PushTyping("u1", "u2", true)

	select {
	case c := <-changes:
		assert.Equal(t, change{"u2", true}, c)
	case <-time.After(3 * time.Second):
		t.Fatal("typing change never surfaced")
	}
	assert.True(t, s.PeerTyping("u2"))

	b.PushTyping("u1", "u2", false)
	select {
	case c := <-changes:
		assert.Equal(t, change{"u2", false}, c)
	case <-time.After(3 * time.Second):
		t.Fatal("stop change never surfaced")
	}
	assert.False(t, s.PeerTyping("u2"))
}

func TestPeerPresenceSurfaces(t *testing.T) {
	b := harness.New()
	defer b.Close()

	s := startSession(t, b, "u1")

	type presence struct {
		peer   string
		online bool
	}
	changes := make(chan presence, 4)
	s.OnPeerPresence(func(peerID string, online bool) {
		changes <- presence{peerID, online}
	})

	peer := startSession(t, b, "u2")

	select {
	case p := <-changes:
		assert.Equal(t, presence{"u2", true}, p)
	case <-time.After(3 * time.Second):
		t.Fatal("online presence never surfaced")
	}

	peer.Close()
	select {
	case p := <-changes:
		assert.Equal(t, presence{"u2", false}, p)
	case <-time.After(3 * time.Second):
		t.Fatal("offline presence never surfaced")
	}
}

func TestFailedSendStaysVisibleAndRestoresText(t *testing.T) {
	b := harness.New()
	defer b.Close()
	b.AddUser(apiclient.UserSnapshot{ID: "u2", Name: "Rosa"})

	s := startSession(t, b, "u1")
	_, err := s.StartConversationWithPeer(context.Background(), directory.Peer{ID: "u2", Name: "Rosa"})
	require.NoError(t, err)

	restored := make(chan string, 1)
	s.OnSendFailed(func(conversationID, tempID, text string) {
		restored <- text
	})

	b.SetFailSends(true)
	tempID, err := s.SendMessage(context.Background(), "doomed")
	require.Error(t, err)
	require.NotEmpty(t, tempID)

	select {
	case text := <-restored:
		assert.Equal(t, "doomed", text)
	case <-time.After(3 * time.Second):
		t.Fatal("failure callback never fired")
	}

	selected, ok := s.SelectedConversation()
	require.True(t, ok)
	entries := s.Transcript(selected.ID)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Authoritative)

	// Retry succeeds once the backend recovers.
	b.SetFailSends(false)
	_, err = s.RetrySend(context.Background(), tempID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		selected, ok := s.SelectedConversation()
		if !ok {
			return false
		}
		entries := s.Transcript(selected.ID)
		return len(entries) == 1 && entries[0].Authoritative
	}, 3*time.Second, 10*time.Millisecond)
}

// Push content is bounded before it reaches the transcript. Outbound
// sends already enforce the tighter compose limits, so this guards
// against a misbehaving server only.
func TestOversizedPushRejected(t *testing.T) {
	p := transport.MessagePayload{
		ID: "m1", ConversationID: "c1",
		SenderID: "u2", RecipientID: "u1",
		Content:   strings.Repeat("x", limits.MaxMessageBytes+1),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := messageFromPush(p)
	require.ErrorIs(t, err, limits.ErrTooLarge)

	p.Content = "fine"
	msg, err := messageFromPush(p)
	require.NoError(t, err)
	assert.Equal(t, "fine", msg.Content)
}

func TestUpdateTokenKeepsIdentity(t *testing.T) {
	b := harness.New()
	defer b.Close()
	b.AddUser(apiclient.UserSnapshot{ID: "u2", Name: "Rosa"})

	s := startSession(t, b, "u1")

	// A token minted for someone else must be rejected outright.
	require.Error(t, s.UpdateToken(b.Token("u2")))
	assert.Equal(t, "u1", s.UserID())

	// A refreshed token for the same user is accepted and requests
	// keep working.
	require.NoError(t, s.UpdateToken(b.Token("u1")))

	_, err := s.StartConversationWithPeer(context.Background(), directory.Peer{ID: "u2", Name: "Rosa"})
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "still me")
	require.NoError(t, err)
}
