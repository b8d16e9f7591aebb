// Package identity resolves the current authenticated user's identity
// from the session token and notifies dependents when it becomes known.
//
// Resolution is asynchronous with respect to message ingestion: messages
// may load before the session token is available. Components must never
// assume a default identity; they query the resolver at read time and
// subscribe for the resolution event to refresh derived state.
package identity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnresolved indicates the current user identity is not yet known.
	ErrUnresolved = errors.New("current user identity unresolved")

	// ErrBadToken indicates the session token could not be parsed or is
	// missing an identity claim.
	ErrBadToken = errors.New("invalid session token")
)

// Claims mirrors the identity fields of the marketplace session token.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ResolveCallback is invoked exactly once when the identity resolves.
type ResolveCallback func(userID string)

// Resolver exposes the current user's stable identifier once the session
// token has been seen. Safe for concurrent use.
type Resolver struct {
	mu        sync.Mutex
	userID    string
	username  string
	resolved  bool
	callbacks []ResolveCallback
}

// NewResolver creates an unresolved Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// UserID returns the current user's identifier. The boolean reports
// whether the identity has resolved; callers must defer ownership
// comparisons until it is true.
func (r *Resolver) UserID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID, r.resolved
}

// Username returns the resolved display name, if any.
func (r *Resolver) Username() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.username, r.resolved
}

// Resolve extracts the user identity from the session token and fires
// pending callbacks. The token signature is not verified here: the server
// issued it and verifies it on every API call; the client only reads the
// identity claims. Resolve is idempotent for the same user and rejects a
// token naming a different user mid-session.
func (r *Resolver) Resolve(token string) error {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"error":    err,
		}).Warn("Failed to parse session token")
		return fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	userID := claims.UserID
	if userID == "" {
		// Older tokens carry the id in the subject claim.
		userID = claims.Subject
	}
	if userID == "" {
		return fmt.Errorf("%w: no identity claim", ErrBadToken)
	}

	r.mu.Lock()
	if r.resolved {
		same := r.userID == userID
		r.mu.Unlock()
		if !same {
			return fmt.Errorf("%w: token names a different user", ErrBadToken)
		}
		return nil
	}
	r.userID = userID
	r.username = claims.Username
	r.resolved = true
	callbacks := r.callbacks
	r.callbacks = nil
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Resolve",
		"user_id":  userID,
	}).Info("Current user identity resolved")

	for _, cb := range callbacks {
		cb(userID)
	}
	return nil
}

// ResolveStatic installs a known identity directly, bypassing token
// parsing. Used by tests and by callers that already hold the user id.
func (r *Resolver) ResolveStatic(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrBadToken)
	}

	r.mu.Lock()
	if r.resolved {
		same := r.userID == userID
		r.mu.Unlock()
		if !same {
			return fmt.Errorf("%w: conflicting user id", ErrBadToken)
		}
		return nil
	}
	r.userID = userID
	r.resolved = true
	callbacks := r.callbacks
	r.callbacks = nil
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(userID)
	}
	return nil
}

// OnResolve registers a callback fired when the identity resolves. If the
// identity is already resolved the callback fires immediately on the
// calling goroutine.
func (r *Resolver) OnResolve(cb ResolveCallback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	if r.resolved {
		userID := r.userID
		r.mu.Unlock()
		cb(userID)
		return
	}
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// IsOwn reports whether senderID belongs to the current user. Returns
// false while unresolved; callers refresh via OnResolve.
func (r *Resolver) IsOwn(senderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved && senderID == r.userID
}
