// Package dm implements direct-message send: the NIP-17 gift-wrap fan-out
// this core performs for every one-to-one chat, kept independent of the
// concrete transport so the optimistic pending -> confirmed/failed state
// machine is testable without a relay. The NostrWrapper/PoolPublisher
// pair (dm_nostr.go) supplies the real network behaviour, grounded on the
// gift-wrap construction and fan-out-publish pattern the example pack's
// Nostr client uses for its own DM send path.
package dm

import (
	"context"
	"fmt"
	"time"

	"github.com/vectorprivacy/vectorcore/internal/attachment"
	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/netpublish"
	"github.com/vectorprivacy/vectorcore/internal/nostrutil"
	"github.com/vectorprivacy/vectorcore/internal/state"
	"github.com/vectorprivacy/vectorcore/internal/storage"

	"database/sql"
)

// nostrKindPrivateDM is the NIP-17 inner rumor kind (kind 14).
const nostrKindPrivateDM = 14

// nostrKindFileDM is the NIP-17 inner rumor kind for a file attachment
// (kind 15), carrying the DM attachment pipeline's flat decryption tags.
const nostrKindFileDM = 15

// Rumor is the unsigned inner event this package hands to a Wrapper for
// sealing. It carries exactly the fields NIP-17 wraps: no id or signature,
// since rumors are never signed.
type Rumor struct {
	PubKey    string
	CreatedAt int64
	Kind      int
	Tags      [][]string
	Content   string
}

// Wrapper seals a rumor into the pair of gift-wrapped wire events NIP-17
// requires: one readable by the recipient, one readable by the sender's own
// other devices. Both are returned as already-signed, JSON-marshalled wire
// bytes ready for Publisher.
type Wrapper interface {
	Seal(ctx context.Context, rumor Rumor, recipientPubkey string) (toRecipient, toSelf []byte, err error)
}

// Sender drives the optimistic DM send flow: insert-then-publish, with a
// pending -> confirmed/failed transition recorded in storage and announced
// on the event bus.
type Sender struct {
	DB         *sql.DB
	State      *state.State
	Emitter    events.Emitter
	Wrapper    Wrapper
	Publisher  netpublish.Publisher
	SelfPubkey string
	Relays     []string

	// Attachments runs the DM attachment discipline for SendAttachment.
	// Left nil, SendAttachment is unavailable but Send still works — a
	// chat with no attachment server configured can still send text.
	Attachments *attachment.DMPipeline

	// Attempts/Wait configure the recipient-copy publish retry budget.
	// Defaults (12 attempts, 5s) match the spec's DM send retry policy.
	Attempts int
	Wait     time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewSender returns a Sender with the spec's default retry budget.
func NewSender(db *sql.DB, st *state.State, em events.Emitter, w Wrapper, pub netpublish.Publisher, selfPubkey string, relays []string) *Sender {
	return &Sender{
		DB:         db,
		State:      st,
		Emitter:    em,
		Wrapper:    w,
		Publisher:  pub,
		SelfPubkey: selfPubkey,
		Relays:     relays,
		Attempts:   12,
		Wait:       5 * time.Second,
		Now:        time.Now,
	}
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Send inserts an optimistic pending message, seals and publishes it as a
// NIP-17 gift wrap, and transitions the message to confirmed (renamed to
// its rumor id) or failed once the publish attempt settles. The returned
// Message reflects the post-transition row; on failure it is the zeroed
// value and err is non-nil.
func (s *Sender) Send(ctx context.Context, recipientPubkey, content, replyToID string) (storage.Message, error) {
	chatID := recipientPubkey
	if err := storage.UpsertChat(ctx, s.DB, storage.Chat{
		ID:           chatID,
		Kind:         storage.ChatKindDM,
		DMPeerPubkey: recipientPubkey,
		CreatedAt:    s.now().Unix(),
	}); err != nil {
		return storage.Message{}, fmt.Errorf("dm: upsert chat: %w", err)
	}

	pendingID := fmt.Sprintf("pending-%d", s.now().UnixNano())
	sentAtMillis := s.now().UnixMilli()

	pending := storage.Message{
		ID:           pendingID,
		ChatID:       chatID,
		AuthorPubkey: s.SelfPubkey,
		Content:      content,
		ReplyToID:    replyToID,
		Kind:         storage.MessageKindText,
		CreatedAt:    sentAtMillis,
		Pending:      true,
	}
	if _, err := storage.InsertMessage(ctx, s.DB, pending); err != nil {
		return storage.Message{}, fmt.Errorf("dm: insert pending message: %w", err)
	}
	if s.State != nil {
		s.State.TouchChatLastMessage(chatID, sentAtMillis)
	}
	s.emit(events.KindMessageNew, events.MessagePayload{ChatID: chatID, MessageID: pendingID})

	var tags [][]string
	if replyToID != "" {
		tags = append(tags, []string{"e", replyToID, "", "reply"})
	}
	tags = append(tags, []string{"ms", fmt.Sprintf("%d", sentAtMillis%1000)})

	createdAtSeconds := sentAtMillis / 1000
	rumor := Rumor{
		PubKey:    s.SelfPubkey,
		CreatedAt: createdAtSeconds,
		Kind:      nostrKindPrivateDM,
		Tags:      tags,
		Content:   content,
	}
	rumorID := nostrutil.ComputeRumorID(s.SelfPubkey, recipientPubkey, createdAtSeconds, content)

	toRecipient, toSelf, err := s.Wrapper.Seal(ctx, rumor, recipientPubkey)
	if err != nil {
		return s.fail(ctx, chatID, pendingID, fmt.Errorf("dm: seal: %w", err))
	}

	backoff := netpublish.ConstantBackoff(s.attempts(), s.wait())
	if err := netpublish.WithRetry(ctx, s.Publisher, s.Relays, toRecipient, backoff); err != nil {
		return s.fail(ctx, chatID, pendingID, fmt.Errorf("dm: publish: %w", err))
	}

	// Best-effort self-copy: one attempt, never retried, never fails the
	// send — the recipient copy already succeeded, so losing this device's
	// own echo only costs this chat's other-device sync, not delivery.
	_, _ = s.Publisher.Publish(ctx, s.Relays, toSelf)

	if err := storage.ReplaceMessageID(ctx, s.DB, chatID, pendingID, rumorID, rumorID, ""); err != nil {
		return storage.Message{}, fmt.Errorf("dm: confirm message: %w", err)
	}
	s.emit(events.KindMessageUpdate, events.MessagePayload{ChatID: chatID, MessageID: rumorID})

	confirmed, ok, err := storage.FindMessage(ctx, s.DB, chatID, rumorID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("dm: reload confirmed message: %w", err)
	}
	if !ok {
		return storage.Message{}, fmt.Errorf("dm: confirmed message %s vanished after rename", rumorID)
	}
	return confirmed, nil
}

// SendAttachment runs the DM attachment pipeline for plaintext, then sends
// the resulting file-attachment rumor the same optimistic pending ->
// confirmed/failed way Send does, splicing the pipeline's decryption tags
// onto a kind-15 rumor whose content is the uploaded url rather than Send's
// plain kind-14 text.
func (s *Sender) SendAttachment(ctx context.Context, recipientPubkey string, plaintext []byte, mimeType, extension string, img *attachment.ImageMeta, replyToID string) (storage.Message, error) {
	if s.Attachments == nil {
		return storage.Message{}, fmt.Errorf("dm: no attachment pipeline configured")
	}

	chatID := recipientPubkey
	if err := storage.UpsertChat(ctx, s.DB, storage.Chat{
		ID:           chatID,
		Kind:         storage.ChatKindDM,
		DMPeerPubkey: recipientPubkey,
		CreatedAt:    s.now().Unix(),
	}); err != nil {
		return storage.Message{}, fmt.Errorf("dm: upsert chat: %w", err)
	}

	pendingID := fmt.Sprintf("pending-%d", s.now().UnixNano())
	sentAtMillis := s.now().UnixMilli()

	pending := storage.Message{
		ID:           pendingID,
		ChatID:       chatID,
		AuthorPubkey: s.SelfPubkey,
		ReplyToID:    replyToID,
		Kind:         storage.MessageKindFile,
		CreatedAt:    sentAtMillis,
		Pending:      true,
	}
	if _, err := storage.InsertMessage(ctx, s.DB, pending); err != nil {
		return storage.Message{}, fmt.Errorf("dm: insert pending message: %w", err)
	}
	if s.State != nil {
		s.State.TouchChatLastMessage(chatID, sentAtMillis)
	}
	s.emit(events.KindMessageNew, events.MessagePayload{ChatID: chatID, MessageID: pendingID})

	result, attRumor, err := s.Attachments.Send(ctx, chatID, pendingID, plaintext, mimeType, extension, img)
	if err != nil {
		return s.fail(ctx, chatID, pendingID, fmt.Errorf("dm: attachment: %w", err))
	}

	var tags [][]string
	tags = append(tags, attRumor.Tags...)
	if replyToID != "" {
		tags = append(tags, []string{"e", replyToID, "", "reply"})
	}
	tags = append(tags, []string{"ms", fmt.Sprintf("%d", sentAtMillis%1000)})

	createdAtSeconds := sentAtMillis / 1000
	rumor := Rumor{
		PubKey:    s.SelfPubkey,
		CreatedAt: createdAtSeconds,
		Kind:      nostrKindFileDM,
		Tags:      tags,
		Content:   result.Attachment.URL,
	}
	rumorID := nostrutil.ComputeRumorID(s.SelfPubkey, recipientPubkey, createdAtSeconds, result.Attachment.URL)

	toRecipient, toSelf, err := s.Wrapper.Seal(ctx, rumor, recipientPubkey)
	if err != nil {
		return s.fail(ctx, chatID, pendingID, fmt.Errorf("dm: seal: %w", err))
	}

	backoff := netpublish.ConstantBackoff(s.attempts(), s.wait())
	if err := netpublish.WithRetry(ctx, s.Publisher, s.Relays, toRecipient, backoff); err != nil {
		return s.fail(ctx, chatID, pendingID, fmt.Errorf("dm: publish: %w", err))
	}
	_, _ = s.Publisher.Publish(ctx, s.Relays, toSelf)

	if err := storage.ReplaceMessageID(ctx, s.DB, chatID, pendingID, rumorID, rumorID, ""); err != nil {
		return storage.Message{}, fmt.Errorf("dm: confirm message: %w", err)
	}
	_ = storage.ReassignAttachmentMessageID(ctx, s.DB, pendingID, rumorID)
	s.emit(events.KindMessageUpdate, events.MessagePayload{ChatID: chatID, MessageID: rumorID})

	confirmed, ok, err := storage.FindMessage(ctx, s.DB, chatID, rumorID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("dm: reload confirmed message: %w", err)
	}
	if !ok {
		return storage.Message{}, fmt.Errorf("dm: confirmed message %s vanished after rename", rumorID)
	}
	return confirmed, nil
}

func (s *Sender) fail(ctx context.Context, chatID, pendingID string, cause error) (storage.Message, error) {
	_ = storage.MarkMessageFailed(ctx, s.DB, chatID, pendingID, true)
	s.emit(events.KindMessageUpdate, events.MessagePayload{ChatID: chatID, MessageID: pendingID})
	return storage.Message{}, cause
}

func (s *Sender) emit(kind events.Kind, payload any) {
	if s.Emitter == nil {
		return
	}
	s.Emitter.Emit(events.Event{Kind: kind, Payload: payload})
}

func (s *Sender) attempts() int {
	if s.Attempts > 0 {
		return s.Attempts
	}
	return 12
}

func (s *Sender) wait() time.Duration {
	if s.Wait > 0 {
		return s.Wait
	}
	return 5 * time.Second
}
