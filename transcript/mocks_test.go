package transcript

import (
	"sync"
	"time"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	m.mu.Unlock()
}

// mockOwnership implements Ownership with a settable identity, mirroring
// the asynchronous resolution of the real resolver.
type mockOwnership struct {
	mu       sync.Mutex
	userID   string
	resolved bool
}

func (m *mockOwnership) resolve(userID string) {
	m.mu.Lock()
	m.userID = userID
	m.resolved = true
	m.mu.Unlock()
}

func (m *mockOwnership) IsOwn(senderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved && senderID == m.userID
}

func (m *mockOwnership) UserID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID, m.resolved
}
