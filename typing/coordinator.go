// Package typing coordinates typing indicators: debounced emission of
// typing/stop_typing events for the local composer, and decay of remote
// typing state so a lost stop_typing event can never leave a peer
// "typing" forever.
package typing

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorebird/chatsync/transport"
)

const (
	// DefaultDebounce suppresses re-emission of typing within this window
	// of the previous emission.
	DefaultDebounce = 2 * time.Second
	// DefaultIdle is the keystroke-free period after which stop_typing is
	// emitted.
	DefaultIdle = 2 * time.Second
	// DefaultDecay is how long a remote typing flag survives without
	// renewal. Longer than the sender's debounce so an active typist does
	// not flicker.
	DefaultDecay = 5 * time.Second
)

// Emitter publishes typing events over the live channel, best-effort.
// The transport channel satisfies it; while disconnected every emit
// fails and the indicator simply does not travel.
type Emitter interface {
	Publish(kind string, payload interface{}) error
}

// RemoteCallback is invoked when a peer's typing flag changes.
type RemoteCallback func(peerID string, isTyping bool)

// Scheduler abstracts the clock and timer creation for deterministic
// tests.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the stoppable handle AfterFunc returns.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type typingPayload struct {
	RecipientID string `json:"recipient_id"`
}

// Coordinator manages both directions of typing state. Safe for
// concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	emitter  Emitter
	sched    Scheduler
	debounce time.Duration
	idle     time.Duration
	decay    time.Duration

	lastEmit  time.Time
	lastPeer  string
	stopTimer Timer

	remote      map[string]bool
	decayTimers map[string]Timer
	onRemote    RemoteCallback
	closed      bool
}

// NewCoordinator creates a Coordinator with the given windows; zero
// values fall back to the defaults.
func NewCoordinator(emitter Emitter, debounce, idle, decay time.Duration) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &Coordinator{
		emitter:     emitter,
		sched:       realScheduler{},
		debounce:    debounce,
		idle:        idle,
		decay:       decay,
		remote:      make(map[string]bool),
		decayTimers: make(map[string]Timer),
	}
}

// SetScheduler injects a deterministic clock and timer source for
// tests.
func (c *Coordinator) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s != nil {
		c.sched = s
	}
}

// OnRemoteChange registers the callback for remote flag changes;
// re-registering replaces it.
func (c *Coordinator) OnRemoteChange(cb RemoteCallback) {
	c.mu.Lock()
	c.onRemote = cb
	c.mu.Unlock()
}

// Keystroke records composer activity toward recipientID. Emits typing
// at most once per debounce window and (re)schedules the stop_typing
// emission for when the user goes idle.
func (c *Coordinator) Keystroke(recipientID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.sched.Now()
	emit := recipientID != c.lastPeer || now.Sub(c.lastEmit) >= c.debounce
	if emit {
		c.lastEmit = now
		c.lastPeer = recipientID
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.stopTimer = c.sched.AfterFunc(c.idle, func() { c.emitStop(recipientID) })
	c.mu.Unlock()

	if emit {
		// Best-effort: a disconnected channel drops the indicator.
		if err := c.emitter.Publish(transport.PublishTyping, typingPayload{RecipientID: recipientID}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Keystroke",
				"recipient": recipientID,
			}).Debug("Typing indicator not emitted, channel down")
		}
	}
}

// StopNow emits stop_typing immediately, used when a message is sent
// (the composer is empty again).
func (c *Coordinator) StopNow(recipientID string) {
	c.mu.Lock()
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.mu.Unlock()
	c.emitStop(recipientID)
}

func (c *Coordinator) emitStop(recipientID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastEmit = time.Time{}
	c.lastPeer = ""
	c.mu.Unlock()
	_ = c.emitter.Publish(transport.PublishStopTyping, typingPayload{RecipientID: recipientID})
}

// NoteRemote records a peer's typing event. A true flag auto-expires
// after the decay window even if no stop_typing ever arrives.
func (c *Coordinator) NoteRemote(peerID string, isTyping bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if t := c.decayTimers[peerID]; t != nil {
		t.Stop()
		delete(c.decayTimers, peerID)
	}
	changed := c.remote[peerID] != isTyping
	if isTyping {
		c.remote[peerID] = true
		c.decayTimers[peerID] = c.sched.AfterFunc(c.decay, func() { c.expire(peerID) })
	} else {
		delete(c.remote, peerID)
	}
	cb := c.onRemote
	c.mu.Unlock()

	if changed && cb != nil {
		cb(peerID, isTyping)
	}
}

func (c *Coordinator) expire(peerID string) {
	c.mu.Lock()
	if c.closed || !c.remote[peerID] {
		c.mu.Unlock()
		return
	}
	delete(c.remote, peerID)
	delete(c.decayTimers, peerID)
	cb := c.onRemote
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "expire",
		"peer":     peerID,
	}).Debug("Remote typing flag decayed")
	if cb != nil {
		cb(peerID, false)
	}
}

// IsTyping reports whether the peer is currently typing.
func (c *Coordinator) IsTyping(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote[peerID]
}

// Close stops every timer. Further calls are no-ops.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	for id, t := range c.decayTimers {
		t.Stop()
		delete(c.decayTimers, id)
	}
}
