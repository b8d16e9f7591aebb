// Package apiclient implements the request/response side of the
// conversation engine: directory fetch, history fetch, message send, and
// mark-read, against the marketplace API. The API is the system of record;
// the push channel is only an accelerator on top of it.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

var (
	// ErrNetworkFailure indicates a request did not reach the server or
	// the server returned a failure status. Callers treat it as a
	// recoverable, retryable condition.
	ErrNetworkFailure = errors.New("network failure")
)

// DefaultTimeout bounds every request when the caller's context carries
// no deadline of its own.
const DefaultTimeout = 10 * time.Second

// Client talks to the marketplace messaging API. Safe for concurrent use.
type Client struct {
	baseURL string
	mu      sync.RWMutex
	token   string
	http    *fasthttp.Client
	timeout time.Duration
}

// New creates a Client for the given API base URL and session token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &fasthttp.Client{
			ReadTimeout:  DefaultTimeout,
			WriteTimeout: DefaultTimeout,
		},
		timeout: DefaultTimeout,
	}
}

// SetToken replaces the session token for subsequent requests. Safe to
// call while requests are in flight; those keep the token they started
// with.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	if err := c.http.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"method":   method,
			"path":     path,
			"error":    err,
		}).Warn("API request failed")
		return fmt.Errorf("%w: %s %s: %v", ErrNetworkFailure, method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: %s %s: status %d", ErrNetworkFailure, method, path, status)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%w: %s %s: decode: %v", ErrNetworkFailure, method, path, err)
		}
	}
	return nil
}

// Conversations fetches the authoritative conversation list.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var list []ConversationSummary
	if err := c.do(ctx, fasthttp.MethodGet, "/conversations", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// History fetches the persisted messages of one conversation, oldest
// first. The transcript store re-sorts on merge regardless.
func (c *Client) History(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	var msgs []MessageRecord
	path := "/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Send persists a message and returns the server-authoritative record.
func (c *Client) Send(ctx context.Context, req SendRequest) (*MessageRecord, error) {
	var rec MessageRecord
	if err := c.do(ctx, fasthttp.MethodPost, "/messages", req, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: send returned no message id", ErrNetworkFailure)
	}
	return &rec, nil
}

// MarkRead marks every message of the conversation as read for the
// current user.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + conversationID + "/read"
	return c.do(ctx, fasthttp.MethodPost, path, nil, nil)
}
