// Package compose turns a send action into an optimistic transcript
// entry, a persist request, and a best-effort channel publish, then
// reconciles the optimistic entry with the server's record.
//
// Each outgoing message moves through an explicit state machine:
//
//	Composing -> Optimistic -> Persisting -> Confirmed | Failed
//
// Composing is the input buffer and never a transcript entity. On submit
// the draft appears immediately as a pending entry; confirmation swaps in
// the authoritative id and timestamp; failure flags the entry and hands
// the original text back so the user can retry. Multiple sends may be in
// flight at once, each reconciled independently by its temporary id.
package compose

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/chorebird/chatsync/apiclient"
	"github.com/chorebird/chatsync/limits"
	"github.com/chorebird/chatsync/transcript"
	"github.com/chorebird/chatsync/transport"
)

// ErrUnresolved indicates a send was attempted before the current user
// identity resolved. Sends cannot be attributed without it.
var ErrUnresolved = errors.New("cannot send before identity resolves")

// Sender persists messages. *apiclient.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, req apiclient.SendRequest) (*apiclient.MessageRecord, error)
}

// Publisher pushes events over the live channel, best-effort. The
// transport channel satisfies it; a publish failure is ignored because
// the REST send remains the system of record.
type Publisher interface {
	Publish(kind string, payload interface{}) error
}

// Identity supplies the resolved current-user id.
type Identity interface {
	UserID() (string, bool)
}

// Callbacks notify the embedding session about pipeline outcomes.
type Callbacks struct {
	// OnConfirmed fires after a successful persist and reconcile, with
	// the server record. The session refreshes the directory entry and
	// adopts provisional conversations here.
	OnConfirmed func(rec *apiclient.MessageRecord)
	// OnFailed fires after a failed persist, carrying the original text
	// so the composer input can be restored.
	OnFailed func(conversationID, tempID, text string)
}

// sendMessagePayload is the wire form of the channel-side accelerator.
type sendMessagePayload struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	TempID      string `json:"temp_id"`
}

// Pipeline coordinates optimistic delivery for outgoing messages.
type Pipeline struct {
	store     *transcript.Store
	api       Sender
	channel   Publisher
	identity  Identity
	callbacks Callbacks
}

// NewPipeline wires a Pipeline. channel may be nil when no live
// connection exists; the pipeline then runs REST-only.
func NewPipeline(store *transcript.Store, api Sender, channel Publisher, id Identity, cb Callbacks) *Pipeline {
	return &Pipeline{
		store:     store,
		api:       api,
		channel:   channel,
		identity:  id,
		callbacks: cb,
	}
}

// Send validates and delivers one message. It blocks until the persist
// request settles; callers drive it from a goroutine to keep the UI
// responsive. The returned temp id identifies the optimistic entry until
// reconciliation.
func (p *Pipeline) Send(ctx context.Context, conversationID, recipientID, content string) (string, error) {
	if err := limits.ValidateContent(content); err != nil {
		return "", err
	}
	senderID, ok := p.identity.UserID()
	if !ok {
		return "", ErrUnresolved
	}

	// Optimistic: visible immediately, input already cleared by caller.
	draft := p.store.AppendOptimistic(conversationID, senderID, recipientID, content)

	// Best-effort accelerator. A silent failure here is fine: the REST
	// send is authoritative and the recipient catches up on refresh.
	if p.channel != nil {
		if err := p.channel.Publish(transport.PublishSendMessage, sendMessagePayload{
			RecipientID: recipientID,
			Content:     content,
			TempID:      draft.ID,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Send",
				"temp_id":  draft.ID,
			}).Debug("Channel publish skipped, REST fallback carries the send")
		}
	}

	// Persisting.
	rec, err := p.api.Send(ctx, apiclient.SendRequest{
		RecipientID: recipientID,
		Content:     content,
		Type:        "text",
	})
	if err != nil {
		p.fail(conversationID, draft.ID, content)
		return draft.ID, fmt.Errorf("send message: %w", err)
	}

	// Confirmed.
	p.confirm(conversationID, draft.ID, rec)
	return draft.ID, nil
}

// Retry re-sends a failed entry. The failed row is removed and the whole
// pipeline runs again with the same content, producing a fresh temp id.
func (p *Pipeline) Retry(ctx context.Context, conversationID, tempID string) (string, error) {
	failed, err := p.store.Remove(tempID, conversationID)
	if err != nil {
		return "", err
	}
	return p.Send(ctx, conversationID, failed.RecipientID, failed.Content)
}

func (p *Pipeline) confirm(conversationID, tempID string, rec *apiclient.MessageRecord) {
	// Reconcile under the conversation id the optimistic entry was filed
	// with. For a provisional conversation the session remaps the whole
	// log to the server id afterwards, in OnConfirmed.
	authoritative := transcript.Message{
		ID:             rec.ID,
		ConversationID: conversationID,
		SenderID:       rec.Sender.ID,
		RecipientID:    rec.Recipient.ID,
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt,
		Status:         transcript.StatusSent,
	}
	p.store.Reconcile(tempID, authoritative)

	logrus.WithFields(logrus.Fields{
		"function":     "confirm",
		"conversation": authoritative.ConversationID,
		"server_id":    rec.ID,
	}).Debug("Message confirmed")

	if p.callbacks.OnConfirmed != nil {
		p.callbacks.OnConfirmed(rec)
	}
}

func (p *Pipeline) fail(conversationID, tempID, content string) {
	// The entry stays visible as failed; silent disappearance is not an
	// option. The composer also gets its text back for a quick retry.
	if err := p.store.MarkFailed(tempID, conversationID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fail",
			"temp_id":  tempID,
			"error":    err,
		}).Warn("Could not flag failed send")
	}
	if p.callbacks.OnFailed != nil {
		p.callbacks.OnFailed(conversationID, tempID, content)
	}
}
