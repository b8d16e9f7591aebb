package compose

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chorebird/chatsync/apiclient"
)

// ErrSendRejected is the test sentinel for a failing persist request.
var ErrSendRejected = errors.New("send rejected")

// mockSender implements Sender with scripted success or failure.
type mockSender struct {
	mu         sync.Mutex
	shouldFail bool
	nextID     int
	requests   []apiclient.SendRequest
	now        time.Time
}

func newMockSender() *mockSender {
	return &mockSender{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (m *mockSender) Send(_ context.Context, req apiclient.SendRequest) (*apiclient.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.shouldFail {
		return nil, ErrSendRejected
	}
	m.nextID++
	return &apiclient.MessageRecord{
		ID:        "m" + string(rune('0'+m.nextID)),
		Sender:    apiclient.UserSnapshot{ID: "me"},
		Recipient: apiclient.UserSnapshot{ID: req.RecipientID},
		Content:   req.Content,
		CreatedAt: m.now.Add(time.Duration(m.nextID) * time.Second),
	}, nil
}

// mockPublisher records channel publishes and can simulate a dead
// connection.
type mockPublisher struct {
	mu        sync.Mutex
	offline   bool
	published []string
}

func (m *mockPublisher) Publish(kind string, _ interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return errors.New("not connected")
	}
	m.published = append(m.published, kind)
	return nil
}

// mockIdentity implements Identity.
type mockIdentity struct {
	userID   string
	resolved bool
}

func (m *mockIdentity) UserID() (string, bool) {
	return m.userID, m.resolved
}

func (m *mockIdentity) IsOwn(senderID string) bool {
	return m.resolved && senderID == m.userID
}
