// Package chatsync implements a client-side conversation synchronization
// engine for marketplace messaging: a directory of conversations, per
// conversation transcripts with optimistic sends, a persistent push
// channel with reconnection, and typing indicators, all reconciled
// against the REST API as the system of record.
//
// Example:
//
//	cfg := config.Default()
//	cfg.API.BaseURL = "https://api.example.com"
//	cfg.Socket.URL = "wss://api.example.com/ws"
//
//	session, err := chatsync.New(cfg, sessionToken)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.OnTranscriptChanged(func(conversationID string, entries []transcript.Entry) {
//		render(entries)
//	})
//	session.SelectConversation(ctx, conversationID)
//	session.SendMessage(ctx, "On my way!")
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorebird/chatsync/apiclient"
	"github.com/chorebird/chatsync/compose"
	"github.com/chorebird/chatsync/config"
	"github.com/chorebird/chatsync/directory"
	"github.com/chorebird/chatsync/identity"
	"github.com/chorebird/chatsync/limits"
	"github.com/chorebird/chatsync/transcript"
	"github.com/chorebird/chatsync/transport"
	"github.com/chorebird/chatsync/typing"
)

// ErrNoSelection indicates an operation that needs a selected
// conversation was called without one.
var ErrNoSelection = errors.New("no conversation selected")

// TranscriptCallback observes transcript changes for one conversation.
type TranscriptCallback func(conversationID string, entries []transcript.Entry)

// DirectoryCallback observes conversation list changes.
type DirectoryCallback func(conversations []directory.Conversation)

// TypingCallback observes remote typing flag changes.
type TypingCallback func(peerID string, isTyping bool)

// StatusCallback observes push channel state transitions.
type StatusCallback func(status transport.Status)

// PresenceCallback observes peer online/offline changes.
type PresenceCallback func(peerID string, online bool)

// SendFailureCallback observes failed sends, carrying the original text
// so the composer input can be restored.
type SendFailureCallback func(conversationID, tempID, text string)

// Session is one signed-in user's conversation engine. Create with New,
// release with Close. Safe for concurrent use.
type Session struct {
	cfg      config.Config
	identity *identity.Resolver
	api      *apiclient.Client
	store    *transcript.Store
	dir      *directory.Directory
	channel  *transport.Channel
	pipeline *compose.Pipeline
	typing   *typing.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	onTranscript TranscriptCallback
	onDirectory  DirectoryCallback
	onTyping     TypingCallback
	onStatus     StatusCallback
	onPresence   PresenceCallback
	onSendFail   SendFailureCallback
	pollCancel   context.CancelFunc
	closed       bool
}

// New resolves the session token, connects the push channel, and kicks
// off the initial conversation list load. The returned Session is live;
// register callbacks immediately after New to observe the initial loads.
func New(cfg config.Config, token string) (*Session, error) {
	resolver := identity.NewResolver()
	if err := resolver.Resolve(token); err != nil {
		return nil, err
	}
	userID, _ := resolver.UserID()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		identity: resolver,
		api:      apiclient.New(cfg.API.BaseURL, token),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.store = transcript.NewStore(resolver, cfg.Sync.DedupWindow.Std())
	s.dir = directory.New(s.api, s.store)
	s.channel = transport.NewChannel(transport.Config{
		URL:         cfg.Socket.URL,
		Token:       token,
		BackoffBase: cfg.Socket.BackoffBase.Std(),
		BackoffCap:  cfg.Socket.BackoffCap.Std(),
		MaxRetries:  cfg.Socket.MaxRetries,
	})
	s.typing = typing.NewCoordinator(s.channel,
		cfg.Typing.Debounce.Std(), cfg.Typing.Idle.Std(), cfg.Typing.Decay.Std())
	s.pipeline = compose.NewPipeline(s.store, s.api, s.channel, resolver, compose.Callbacks{
		OnConfirmed: s.handleConfirmed,
		OnFailed:    s.handleSendFailed,
	})

	resolver.OnResolve(func(string) { s.store.MarkOwnership() })
	s.store.OnChange(s.handleTranscriptChange)
	s.dir.OnChange(s.handleDirectoryChange)
	s.typing.OnRemoteChange(s.handleRemoteTyping)

	s.channel.OnStatus(s.handleStatus)
	s.channel.Subscribe(transport.EventNewMessage, s.handleNewMessage)
	s.channel.Subscribe(transport.EventUserTyping, func(p json.RawMessage) { s.handleTypingEvent(p, true) })
	s.channel.Subscribe(transport.EventStopTyping, func(p json.RawMessage) { s.handleTypingEvent(p, false) })
	s.channel.Subscribe(transport.EventPresence, s.handlePresence)

	if err := s.channel.Connect(ctx, userID); err != nil {
		cancel()
		return nil, err
	}
	go func() {
		if err := s.dir.Load(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"error":    err,
			}).Warn("Initial conversation list load failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  userID,
	}).Info("Session started")
	return s, nil
}

// Close disconnects the channel and releases every resource. Further
// calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.typing.Close()
	s.channel.Disconnect()
	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Session closed")
}

// UpdateToken installs a refreshed session token. The token must name
// the same user the session was created for; a token for anyone else
// is rejected and nothing changes. Requests pick up the new token
// immediately, the push channel on its next reconnect.
func (s *Session) UpdateToken(token string) error {
	if err := s.identity.Resolve(token); err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	s.api.SetToken(token)
	s.channel.SetToken(token)
	logrus.WithFields(logrus.Fields{
		"function": "UpdateToken",
	}).Info("Session token refreshed")
	return nil
}

// OnTranscriptChanged registers the transcript observer; re-registering
// replaces it.
func (s *Session) OnTranscriptChanged(cb TranscriptCallback) {
	s.mu.Lock()
	s.onTranscript = cb
	s.mu.Unlock()
}

// OnDirectoryChanged registers the conversation list observer.
func (s *Session) OnDirectoryChanged(cb DirectoryCallback) {
	s.mu.Lock()
	s.onDirectory = cb
	s.mu.Unlock()
}

// OnPeerTyping registers the remote typing observer.
func (s *Session) OnPeerTyping(cb TypingCallback) {
	s.mu.Lock()
	s.onTyping = cb
	s.mu.Unlock()
}

// OnConnectionStatus registers the channel status observer.
func (s *Session) OnConnectionStatus(cb StatusCallback) {
	s.mu.Lock()
	s.onStatus = cb
	s.mu.Unlock()
}

// OnPeerPresence registers the peer presence observer.
func (s *Session) OnPeerPresence(cb PresenceCallback) {
	s.mu.Lock()
	s.onPresence = cb
	s.mu.Unlock()
}

// OnSendFailed registers the failed-send observer.
func (s *Session) OnSendFailed(cb SendFailureCallback) {
	s.mu.Lock()
	s.onSendFail = cb
	s.mu.Unlock()
}

// UserID returns the signed-in user's identifier.
func (s *Session) UserID() string {
	id, _ := s.identity.UserID()
	return id
}

// ConnectionStatus returns the push channel's current state.
func (s *Session) ConnectionStatus() transport.Status {
	return s.channel.Status()
}

// Conversations returns the directory in recency order.
func (s *Session) Conversations() []directory.Conversation {
	return s.dir.List()
}

// Transcript returns the given conversation's entries in display order.
func (s *Session) Transcript(conversationID string) []transcript.Entry {
	return s.store.Snapshot(conversationID)
}

// SelectedConversation returns the current selection.
func (s *Session) SelectedConversation() (directory.Conversation, bool) {
	return s.dir.Selected()
}

// PeerTyping reports whether the peer is currently typing.
func (s *Session) PeerTyping(peerID string) bool {
	return s.typing.IsTyping(peerID)
}

// SelectConversation makes conversationID current and starts its history
// fetch in the background. Switching again before the fetch lands is
// safe: the older result is discarded on arrival. Provisional
// conversations have no server history and skip the fetch.
func (s *Session) SelectConversation(ctx context.Context, conversationID string) error {
	if err := s.dir.Select(conversationID); err != nil {
		return err
	}
	token := s.store.Activate(conversationID)
	if directory.IsProvisional(conversationID) {
		return nil
	}
	go s.loadHistory(conversationID, token)
	return nil
}

// StartConversationWithPeer opens a chat with peer, reusing the existing
// conversation when one exists and synthesizing a provisional entry
// otherwise. Either way the conversation becomes the current selection.
func (s *Session) StartConversationWithPeer(ctx context.Context, peer directory.Peer) (string, error) {
	id, existing := s.dir.StartConversation(peer)
	token := s.store.Activate(id)
	if existing && !directory.IsProvisional(id) {
		go s.loadHistory(id, token)
	}
	return id, nil
}

// SendMessage delivers content to the selected conversation's peer. It
// blocks until the persist request settles; drive it from a goroutine to
// keep input handling responsive. The returned temp id identifies the
// optimistic entry until the server record replaces it.
func (s *Session) SendMessage(ctx context.Context, content string) (string, error) {
	selected, ok := s.dir.Selected()
	if !ok {
		return "", ErrNoSelection
	}
	s.typing.StopNow(selected.Peer.ID)
	return s.pipeline.Send(ctx, selected.ID, selected.Peer.ID, content)
}

// RetrySend re-runs a failed send from the selected conversation.
func (s *Session) RetrySend(ctx context.Context, tempID string) (string, error) {
	selected, ok := s.dir.Selected()
	if !ok {
		return "", ErrNoSelection
	}
	return s.pipeline.Retry(ctx, selected.ID, tempID)
}

// MarkRead marks the selected conversation read, locally and on the
// server. The local state flips regardless; a failed round trip only
// means the server count catches up on the next refresh.
func (s *Session) MarkRead(ctx context.Context) error {
	selected, ok := s.dir.Selected()
	if !ok {
		return ErrNoSelection
	}
	s.store.MarkRead(selected.ID)
	s.dir.MarkRead(selected.ID)
	if directory.IsProvisional(selected.ID) {
		return nil
	}
	return s.api.MarkRead(ctx, selected.ID)
}

// ComposerKeystroke records typing activity in the composer for the
// selected conversation, driving debounced typing indicators.
func (s *Session) ComposerKeystroke() {
	if selected, ok := s.dir.Selected(); ok {
		s.typing.Keystroke(selected.Peer.ID)
	}
}

// Refresh reloads the conversation list and the selected conversation's
// history from the API.
func (s *Session) Refresh(ctx context.Context) error {
	err := s.dir.Load(ctx)
	if selected, ok := s.dir.Selected(); ok && !directory.IsProvisional(selected.ID) {
		token := s.store.Activate(selected.ID)
		s.loadHistory(selected.ID, token)
	}
	return err
}

// loadHistory fetches and merges one conversation's history, then marks
// it read. The token gates the merge against selection changes.
func (s *Session) loadHistory(conversationID string, token transcript.Token) {
	ctx, cancel := context.WithTimeout(s.ctx, apiclient.DefaultTimeout)
	defer cancel()

	records, err := s.api.History(ctx, conversationID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "loadHistory",
			"conversation": conversationID,
			"error":        err,
		}).Warn("History fetch failed")
		return
	}
	history := make([]transcript.Message, 0, len(records))
	for _, rec := range records {
		history = append(history, messageFromRecord(conversationID, rec))
	}
	if err := s.store.MergeHistory(conversationID, token, history); err != nil {
		return
	}
	s.store.MarkRead(conversationID)
	s.dir.MarkRead(conversationID)
	markCtx, markCancel := context.WithTimeout(s.ctx, apiclient.DefaultTimeout)
	defer markCancel()
	if err := s.api.MarkRead(markCtx, conversationID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "loadHistory",
			"conversation": conversationID,
			"error":        err,
		}).Debug("Mark-read round trip failed")
	}
}

// handleConfirmed runs after a send persists: provisional conversations
// adopt the server id and the directory preview updates.
func (s *Session) handleConfirmed(rec *apiclient.MessageRecord) {
	provisional := directory.ProvisionalID(rec.Recipient.ID)
	if rec.ConversationID != "" {
		if s.store.HasEntries(provisional) {
			s.store.RemapConversation(provisional, rec.ConversationID)
		}
		s.dir.AdoptServerConversation(provisional, rec.ConversationID)
	}
	s.dir.ApplyIncomingMessage(rec.ConversationID, directory.Peer{
		ID:   rec.Recipient.ID,
		Name: rec.Recipient.Name,
	}, rec.Content, rec.CreatedAt, true)
}

func (s *Session) handleSendFailed(conversationID, tempID, text string) {
	s.mu.Lock()
	cb := s.onSendFail
	s.mu.Unlock()
	if cb != nil {
		cb(conversationID, tempID, text)
	}
}

// handleNewMessage ingests one pushed message into the transcript and
// the directory.
func (s *Session) handleNewMessage(payload json.RawMessage) {
	var p transport.MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleNewMessage",
			"error":    err,
		}).Warn("Malformed push payload dropped")
		return
	}
	msg, err := messageFromPush(p)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleNewMessage",
			"error":    err,
		}).Warn("Invalid push message dropped")
		return
	}

	fromSelf := s.identity.IsOwn(msg.SenderID)
	peer := directory.Peer{ID: msg.SenderID, Name: p.SenderName}
	if fromSelf {
		peer = directory.Peer{ID: msg.RecipientID}
	}
	// A first push for a peer we only track provisionally reveals the
	// server-assigned conversation id.
	if msg.ConversationID != "" {
		prov := directory.ProvisionalID(peer.ID)
		if s.store.HasEntries(prov) {
			s.store.RemapConversation(prov, msg.ConversationID)
		}
		s.dir.AdoptServerConversation(prov, msg.ConversationID)
	}

	s.store.ApplyIncomingPush(msg)
	s.dir.ApplyIncomingMessage(msg.ConversationID, peer, msg.Content, msg.CreatedAt, fromSelf)
	if !fromSelf {
		s.typing.NoteRemote(msg.SenderID, false)
	}
}

func (s *Session) handleTypingEvent(payload json.RawMessage, isTyping bool) {
	var p transport.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return
	}
	s.typing.NoteRemote(p.UserID, isTyping)
}

func (s *Session) handlePresence(payload json.RawMessage) {
	var p transport.PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return
	}
	// A peer going offline cannot still be typing.
	if !p.Online {
		s.typing.NoteRemote(p.UserID, false)
	}
	s.mu.Lock()
	cb := s.onPresence
	s.mu.Unlock()
	if cb != nil {
		cb(p.UserID, p.Online)
	}
}

func (s *Session) handleRemoteTyping(peerID string, isTyping bool) {
	s.mu.Lock()
	cb := s.onTyping
	s.mu.Unlock()
	if cb != nil {
		cb(peerID, isTyping)
	}
}

// handleTranscriptChange fans a transcript mutation out to the
// registered observers. An empty conversation id means ownership
// resolved; every derived view refreshes.
func (s *Session) handleTranscriptChange(conversationID string) {
	s.mu.Lock()
	tcb := s.onTranscript
	dcb := s.onDirectory
	s.mu.Unlock()

	if conversationID == "" {
		if selected, ok := s.dir.Selected(); ok && tcb != nil {
			tcb(selected.ID, s.store.Snapshot(selected.ID))
		}
	} else if tcb != nil {
		tcb(conversationID, s.store.Snapshot(conversationID))
	}
	// Unread counts and previews derive from transcript state.
	if dcb != nil {
		dcb(s.dir.List())
	}
}

func (s *Session) handleDirectoryChange() {
	s.mu.Lock()
	cb := s.onDirectory
	s.mu.Unlock()
	if cb != nil {
		cb(s.dir.List())
	}
}

// handleStatus reacts to channel transitions: a recovered connection
// triggers a catch-up refresh, an offline channel starts the REST poll
// loop that substitutes for pushes until the channel returns.
func (s *Session) handleStatus(status transport.Status) {
	s.mu.Lock()
	cb := s.onStatus
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	switch status {
	case transport.StatusConnected:
		s.stopPolling()
		go func() {
			if err := s.Refresh(s.ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleStatus",
					"error":    err,
				}).Warn("Catch-up refresh failed")
			}
		}()
	case transport.StatusOffline:
		s.startPolling()
	}

	if cb != nil {
		cb(status)
	}
}

// startPolling begins the REST catch-up loop used while the channel is
// offline. Idempotent.
func (s *Session) startPolling() {
	s.mu.Lock()
	if s.pollCancel != nil || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.pollCancel = cancel
	s.mu.Unlock()

	interval := s.cfg.Sync.PollInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logrus.WithFields(logrus.Fields{
		"function": "startPolling",
		"interval": interval,
	}).Info("Channel offline, polling for updates")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "poll",
						"error":    err,
					}).Debug("Poll refresh failed")
				}
			}
		}
	}()
}

func (s *Session) stopPolling() {
	s.mu.Lock()
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	s.mu.Unlock()
}

// messageFromRecord converts a REST record into a transcript message
// filed under conversationID.
func messageFromRecord(conversationID string, rec apiclient.MessageRecord) transcript.Message {
	return transcript.Message{
		ID:             rec.ID,
		ConversationID: conversationID,
		SenderID:       rec.Sender.ID,
		RecipientID:    rec.Recipient.ID,
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt,
		Status:         transcript.StatusSent,
	}
}

// messageFromPush converts a push payload into a transcript message.
func messageFromPush(p transport.MessagePayload) (transcript.Message, error) {
	if err := limits.ValidateIncoming(p.Content); err != nil {
		return transcript.Message{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
	if err != nil {
		at, err = time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil {
			return transcript.Message{}, err
		}
	}
	return transcript.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		RecipientID:    p.RecipientID,
		Content:        p.Content,
		CreatedAt:      at,
	}, nil
}
