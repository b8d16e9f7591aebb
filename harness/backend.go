// Package harness provides an in-process marketplace backend: the REST
// endpoints and websocket push channel the engine consumes, with
// scriptable state. Integration tests drive the real transport and api
// client against it instead of mocking either.
package harness

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/chorebird/chatsync/apiclient"
	"github.com/chorebird/chatsync/transport"
)

type conversation struct {
	id      string
	userA   string
	userB   string
	unread  map[string]int // per user
	updated time.Time
}

type storedMessage struct {
	rec apiclient.MessageRecord
}

// Backend is the scripted server. Create with New, stop with Close.
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	users         map[string]apiclient.UserSnapshot
	conversations []*conversation
	messages      map[string][]storedMessage
	sessions      map[string]*websocket.Conn
	nextConv      int
	nextMsg       int
	failSends     bool
	failLists     bool
}

// New starts the backend.
func New() *Backend {
	b := &Backend{
		users:    make(map[string]apiclient.UserSnapshot),
		messages: make(map[string][]storedMessage),
		sessions: make(map[string]*websocket.Conn),
	}

	r := chi.NewRouter()
	r.Get("/conversations", b.handleConversations)
	r.Get("/conversations/{id}/messages", b.handleHistory)
	r.Post("/conversations/{id}/read", b.handleMarkRead)
	r.Post("/messages", b.handleSend)
	r.Get("/ws", b.handleWS)

	b.server = httptest.NewServer(r)
	return b
}

// Close stops the server and every session socket.
func (b *Backend) Close() {
	b.mu.Lock()
	for _, conn := range b.sessions {
		conn.Close()
	}
	b.sessions = make(map[string]*websocket.Conn)
	b.mu.Unlock()
	b.server.Close()
}

// URL is the REST base URL.
func (b *Backend) URL() string { return b.server.URL }

// WSURL is the websocket endpoint.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// Token mints a session token for userID the way the marketplace's auth
// service does.
func (b *Backend) Token(userID string) string {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("harness-secret"))
	if err != nil {
		panic(err)
	}
	return signed
}

// AddUser registers a user profile.
func (b *Backend) AddUser(u apiclient.UserSnapshot) {
	b.mu.Lock()
	b.users[u.ID] = u
	b.mu.Unlock()
}

// SetFailSends makes POST /messages return 502 until cleared.
func (b *Backend) SetFailSends(fail bool) {
	b.mu.Lock()
	b.failSends = fail
	b.mu.Unlock()
}

// SetFailLists makes GET /conversations return 502 until cleared.
func (b *Backend) SetFailLists(fail bool) {
	b.mu.Lock()
	b.failLists = fail
	b.mu.Unlock()
}

// SeedMessage persists a message without any push, as if it happened
// before the session connected.
func (b *Backend) SeedMessage(senderID, recipientID, content string, at time.Time) apiclient.MessageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.storeLocked(senderID, recipientID, content, at)
	return rec
}

// PushMessage persists a message and pushes new_message to both
// participants' sessions, mimicking live delivery.
func (b *Backend) PushMessage(senderID, recipientID, content string) apiclient.MessageRecord {
	b.mu.Lock()
	rec := b.storeLocked(senderID, recipientID, content, time.Now().UTC())
	b.pushLocked(recipientID, rec)
	b.pushLocked(senderID, rec)
	b.mu.Unlock()
	return rec
}

// PushTyping delivers a user_typing (or stop_typing) event to userID.
func (b *Backend) PushTyping(toUserID, fromUserID string, typing bool) {
	kind := transport.EventUserTyping
	if !typing {
		kind = transport.EventStopTyping
	}
	payload, _ := json.Marshal(transport.TypingPayload{UserID: fromUserID})
	b.mu.Lock()
	b.sendEnvelopeLocked(toUserID, transport.Envelope{Type: kind, Payload: payload})
	b.mu.Unlock()
}

func (b *Backend) identity(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(auth, "Bearer "), claims); err != nil {
		return "", false
	}
	id, _ := claims["user_id"].(string)
	return id, id != ""
}

func (b *Backend) findConversationLocked(userA, userB string) *conversation {
	for _, c := range b.conversations {
		if (c.userA == userA && c.userB == userB) || (c.userA == userB && c.userB == userA) {
			return c
		}
	}
	return nil
}

func (b *Backend) storeLocked(senderID, recipientID, content string, at time.Time) apiclient.MessageRecord {
	c := b.findConversationLocked(senderID, recipientID)
	if c == nil {
		b.nextConv++
		c = &conversation{
			id:     fmt.Sprintf("c%d", b.nextConv),
			userA:  senderID,
			userB:  recipientID,
			unread: map[string]int{},
		}
		b.conversations = append(b.conversations, c)
	}
	b.nextMsg++
	rec := apiclient.MessageRecord{
		ID:             fmt.Sprintf("m%d", b.nextMsg),
		ConversationID: c.id,
		Sender:         b.userLocked(senderID),
		Recipient:      b.userLocked(recipientID),
		Content:        content,
		CreatedAt:      at,
	}
	b.messages[c.id] = append(b.messages[c.id], storedMessage{rec: rec})
	c.unread[recipientID]++
	c.updated = at
	return rec
}

func (b *Backend) userLocked(id string) apiclient.UserSnapshot {
	if u, ok := b.users[id]; ok {
		return u
	}
	return apiclient.UserSnapshot{ID: id, Name: id}
}

func (b *Backend) pushLocked(userID string, rec apiclient.MessageRecord) {
	payload, _ := json.Marshal(transport.MessagePayload{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.Sender.ID,
		SenderName:     rec.Sender.Name,
		RecipientID:    rec.Recipient.ID,
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339Nano),
	})
	b.sendEnvelopeLocked(userID, transport.Envelope{Type: transport.EventNewMessage, Payload: payload})
}

func (b *Backend) sendEnvelopeLocked(userID string, env transport.Envelope) {
	conn := b.sessions[userID]
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		delete(b.sessions, userID)
	}
}

func (b *Backend) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.identity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b.mu.Lock()
	if b.failLists {
		b.mu.Unlock()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	var out []apiclient.ConversationSummary
	for _, c := range b.conversations {
		if c.userA != userID && c.userB != userID {
			continue
		}
		other := c.userA
		if other == userID {
			other = c.userB
		}
		s := apiclient.ConversationSummary{
			ConversationID: c.id,
			OtherUser:      b.userLocked(other),
			UnreadCount:    c.unread[userID],
		}
		if msgs := b.messages[c.id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1].rec
			s.LastMessage = &apiclient.Preview{Content: last.Content, CreatedAt: last.CreatedAt}
		}
		out = append(out, s)
	}
	b.mu.Unlock()
	writeJSON(w, out)
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.identity(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	msgs := b.messages[id]
	out := make([]apiclient.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.rec)
	}
	b.mu.Unlock()
	writeJSON(w, out)
}

func (b *Backend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.identity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	for _, c := range b.conversations {
		if c.id == id {
			c.unread[userID] = 0
		}
	}
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.identity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req apiclient.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == "" || req.Content == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	if b.failSends {
		b.mu.Unlock()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	rec := b.storeLocked(userID, req.RecipientID, req.Content, time.Now().UTC())
	// The recipient's session gets the push; the sender's gets the echo.
	b.pushLocked(req.RecipientID, rec)
	b.pushLocked(userID, rec)
	b.mu.Unlock()
	writeJSON(w, rec)
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	if prev := b.sessions[userID]; prev != nil {
		prev.Close()
	}
	b.sessions[userID] = conn
	b.broadcastPresenceLocked(userID, true)
	b.mu.Unlock()

	go b.readSession(userID, conn)
}

// readSession forwards channel-side publishes: typing indicators reach
// the peer as user_typing/stop_typing, send_message accelerates delivery
// to the recipient's session without persisting (REST owns persistence).
func (b *Backend) readSession(userID string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.sessions[userID] == conn {
			delete(b.sessions, userID)
			b.broadcastPresenceLocked(userID, false)
		}
		b.mu.Unlock()
	}()

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		var target struct {
			RecipientID string `json:"recipient_id"`
		}
		if err := json.Unmarshal(env.Payload, &target); err != nil || target.RecipientID == "" {
			continue
		}
		switch env.Type {
		case transport.PublishTyping, transport.PublishStopTyping:
			kind := transport.EventUserTyping
			if env.Type == transport.PublishStopTyping {
				kind = transport.EventStopTyping
			}
			payload, _ := json.Marshal(transport.TypingPayload{UserID: userID})
			b.mu.Lock()
			b.sendEnvelopeLocked(target.RecipientID, transport.Envelope{Type: kind, Payload: payload})
			b.mu.Unlock()
		}
	}
}

// broadcastPresenceLocked tells every other session about userID's
// online state.
func (b *Backend) broadcastPresenceLocked(userID string, online bool) {
	payload, _ := json.Marshal(transport.PresencePayload{UserID: userID, Online: online})
	env := transport.Envelope{Type: transport.EventPresence, Payload: payload}
	for id := range b.sessions {
		if id != userID {
			b.sendEnvelopeLocked(id, env)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
