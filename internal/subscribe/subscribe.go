// Package subscribe implements the long-running notification handler: one
// loop that drains gift-wraps addressed to the active account (DMs, DM
// attachments, MLS welcomes) and another that drains every MLS group
// wrapper event, dispatching each to storage/state/the MLS driver the same
// way a sync pass or a DM send already does. Grounded on the teacher's
// subscribeDMCmd/subscribeGroupCmd (nostr.go), adapted from tea.Cmd/channel
// plumbing to plain interfaces this core can drive without a UI runtime.
package subscribe

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/mls"
	"github.com/vectorprivacy/vectorcore/internal/rumor"
	"github.com/vectorprivacy/vectorcore/internal/state"
	"github.com/vectorprivacy/vectorcore/internal/storage"
)

// mlsWelcomeTag mirrors the tag internal/mls's NostrWelcomeSealer stamps on
// a sealed welcome (mls_nostr.go's welcomeTagName). The two packages agree
// on the wire tag rather than sharing a constant across the package
// boundary, the same way the DM and MLS sides of the gift-wrap already only
// agree on kind numbers and tag names, never Go symbols.
const mlsWelcomeTag = "mls_welcome"

// GiftWrap is one kind-1059 wrapper event addressed to the active account,
// still sealed.
type GiftWrap struct {
	ID  string
	Raw []byte
}

// Rumor is a gift-wrap's decrypted inner event: the unsigned rumor NIP-17
// carries, or (when tagged mls_welcome) a welcome envelope hex-encoded as
// its content.
type Rumor struct {
	ID        string
	PubKey    string
	CreatedAt int64
	Kind      int
	Tags      [][]string
	Content   string
}

// Unwrapper decrypts one sealed gift-wrap event into its inner rumor.
type Unwrapper interface {
	Unwrap(ctx context.Context, raw []byte) (Rumor, error)
}

// GiftWrapSource streams gift-wrap events addressed to the active account
// as they arrive.
type GiftWrapSource interface {
	GiftWraps(ctx context.Context) (<-chan GiftWrap, error)
}

// GroupWrapperSource streams kind-445 wrapper events for every MLS group,
// not pre-filtered by membership — the handler does that filtering itself.
type GroupWrapperSource interface {
	GroupWrappers(ctx context.Context) (<-chan mls.WrapperEvent, error)
}

// GroupDriver is the subset of *mls.Driver the handler drives directly.
// Narrowed to an interface so this package's tests run against a fake
// instead of a full driver, the same way internal/mls itself tests against
// fakeFetcher/fakeSealer rather than real Nostr plumbing.
type GroupDriver interface {
	AcceptWelcome(ctx context.Context, raw []byte) (storage.MlsGroup, error)
	ProcessLiveWrapper(ctx context.Context, w mls.WrapperEvent) error
}

// Handler dispatches decrypted gift-wraps and MLS wrapper events to
// storage, state, and the MLS driver.
type Handler struct {
	DB         *sql.DB
	State      *state.State
	Emitter    events.Emitter
	Unwrapper  Unwrapper
	Mls        GroupDriver
	SelfPubkey string
	Log        *slog.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) emit(kind events.Kind, payload any) {
	if h.Emitter == nil {
		return
	}
	h.Emitter.Emit(events.Event{Kind: kind, Payload: payload})
}

func (h *Handler) logf(format string, args ...any) {
	if h.Log == nil {
		return
	}
	h.Log.Error(fmt.Sprintf(format, args...))
}

// Run drains both sources until ctx is cancelled, logging (never panicking
// on) any single event's dispatch failure so one malformed event can't take
// the whole notifier down.
func (h *Handler) Run(ctx context.Context, giftSource GiftWrapSource, groupSource GroupWrapperSource) error {
	giftWraps, err := giftSource.GiftWraps(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: start gift-wrap feed: %w", err)
	}
	groupWrappers, err := groupSource.GroupWrappers(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: start group-wrapper feed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case gw, ok := <-giftWraps:
			if !ok {
				giftWraps = nil
				continue
			}
			if err := h.HandleGiftWrap(ctx, gw); err != nil {
				h.logf("gift wrap %s: %v", gw.ID, err)
			}
		case w, ok := <-groupWrappers:
			if !ok {
				groupWrappers = nil
				continue
			}
			if err := h.HandleGroupWrapper(ctx, w); err != nil {
				h.logf("group wrapper %s: %v", w.ID, err)
			}
		}
	}
}

// HandleGiftWrap unwraps one gift-wrap event and routes it: an MLS welcome
// goes to the driver's join path; everything else is processed as a DM
// rumor. Already-processed wraps (relay replay, multi-relay duplicate
// delivery) are skipped before the costly unwrap.
func (h *Handler) HandleGiftWrap(ctx context.Context, gw GiftWrap) error {
	already, err := storage.IsEventProcessed(ctx, h.DB, gw.ID)
	if err != nil {
		return fmt.Errorf("subscribe: check processed: %w", err)
	}
	if already {
		return nil
	}

	r, err := h.Unwrapper.Unwrap(ctx, gw.Raw)
	if err != nil {
		return fmt.Errorf("subscribe: unwrap gift wrap %s: %w", gw.ID, err)
	}

	if isMlsWelcome(r.Tags) {
		welcome, err := hex.DecodeString(r.Content)
		if err != nil {
			return fmt.Errorf("subscribe: decode welcome content: %w", err)
		}
		if _, err := h.Mls.AcceptWelcome(ctx, welcome); err != nil {
			return fmt.Errorf("subscribe: accept welcome: %w", err)
		}
	} else if err := h.persistDMRumor(ctx, r, gw.ID); err != nil {
		return err
	}

	return storage.MarkEventProcessed(ctx, h.DB, gw.ID, "", h.now().Unix(), "gift_wrap")
}

// HandleGroupWrapper filters a pushed wrapper event down to groups this
// account is actually a member of before handing it to the driver, so a
// wrapper for a group this account has left or was never in never touches
// the engine at all.
func (h *Handler) HandleGroupWrapper(ctx context.Context, w mls.WrapperEvent) error {
	if w.GroupWireID == "" {
		return nil
	}
	groups, err := storage.ListMlsGroups(ctx, h.DB)
	if err != nil {
		return fmt.Errorf("subscribe: list groups: %w", err)
	}
	member := false
	for _, g := range groups {
		if g.GroupID == w.GroupWireID {
			member = true
			break
		}
	}
	if !member {
		return nil
	}
	return h.Mls.ProcessLiveWrapper(ctx, w)
}

func isMlsWelcome(tags [][]string) bool {
	for _, t := range tags {
		if len(t) >= 1 && t[0] == mlsWelcomeTag {
			return true
		}
	}
	return false
}

// persistDMRumor classifies a decrypted DM rumor and fans it out to
// storage/state/events, mirroring the send side's own chat-upsert/
// state-touch/event-emit sequence (internal/dm's Sender.Send) and the MLS
// sync loop's identical dispatch for group messages (persistRumor in
// internal/mls/mls_sync.go) so a one-to-one chat behaves the same as a
// group chat once a message is decrypted.
func (h *Handler) persistDMRumor(ctx context.Context, r Rumor, wrapperID string) error {
	chatID := dmChatID(h.SelfPubkey, r)

	result := rumor.Process(rumor.Event{
		ID:        r.ID,
		Kind:      r.Kind,
		PubKey:    r.PubKey,
		CreatedAt: r.CreatedAt,
		Content:   r.Content,
		Tags:      toRumorTags(r.Tags),
	}, rumor.Context{SelfPubkey: h.SelfPubkey, ChatID: chatID})

	if err := storage.UpsertChat(ctx, h.DB, storage.Chat{
		ID:           chatID,
		Kind:         storage.ChatKindDM,
		DMPeerPubkey: chatID,
		CreatedAt:    h.now().Unix(),
	}); err != nil {
		return fmt.Errorf("subscribe: upsert chat: %w", err)
	}

	switch result.Kind {
	case rumor.KindTextMessage, rumor.KindFileAttachment:
		msg := storage.Message{
			ID:             result.MessageID,
			ChatID:         chatID,
			EventID:        r.ID,
			WrapperEventID: wrapperID,
			AuthorPubkey:   result.AuthorPubkey,
			Content:        result.Content,
			ReplyToID:      result.ReplyToID,
			Kind:           storage.MessageKindText,
			CreatedAt:      result.CreatedAt,
		}
		if result.Kind == rumor.KindFileAttachment {
			msg.Kind = storage.MessageKindFile
		}
		inserted, err := storage.InsertMessage(ctx, h.DB, msg)
		if err != nil {
			return fmt.Errorf("subscribe: insert message: %w", err)
		}
		if !inserted {
			return nil
		}
		if result.Kind == rumor.KindFileAttachment {
			attachmentID := result.AttachmentHash
			if attachmentID == "" {
				attachmentID = result.MessageID
			}
			_ = storage.InsertAttachment(ctx, h.DB, storage.Attachment{
				ID:        attachmentID,
				MessageID: result.MessageID,
				ChatID:    chatID,
				URL:       result.AttachmentURL,
				MimeType:  result.MimeType,
				Size:      result.AttachmentSize,
				EncKey:    result.AttachmentKey,
				EncNonce:  result.AttachmentNonce,
				Width:     result.AttachmentWidth,
				Height:    result.AttachmentHeight,
				Blurhash:  result.AttachmentBlurhash,
				Reusable:  true,
			})
		}
		_ = storage.TouchChatLastMessage(ctx, h.DB, chatID, result.CreatedAt)
		tagsJSON, _ := json.Marshal(r.Tags)
		_, _ = storage.InsertEvent(ctx, h.DB, storage.Event{
			ID: r.ID, ChatID: chatID, AuthorPubkey: result.AuthorPubkey, Kind: r.Kind,
			CreatedAt: result.CreatedAt, Content: result.Content,
			TagsJSON: string(tagsJSON), RawJSON: r.Content,
		})
		if h.State != nil {
			h.State.TouchChatLastMessage(chatID, result.CreatedAt)
		}
		h.emit(events.KindMessageNew, events.MessagePayload{ChatID: chatID, MessageID: result.MessageID})

	case rumor.KindEdit:
		_ = storage.EditMessage(ctx, h.DB, chatID, result.MessageID, result.Content, result.CreatedAt)
		h.emit(events.KindMessageUpdate, events.MessagePayload{ChatID: chatID, MessageID: result.MessageID})

	case rumor.KindReaction:
		_, _ = storage.InsertReaction(ctx, h.DB, storage.Reaction{
			ID: r.ID, MessageID: result.TargetMessageID, ChatID: chatID,
			AuthorPubkey: result.AuthorPubkey, Emoji: result.Emoji, CreatedAt: result.CreatedAt,
		})

	case rumor.KindTypingIndicator:
		if h.State != nil {
			h.State.SetTyping(chatID, result.AuthorPubkey, time.Unix(result.TypingExpiresAt, 0))
			h.emit(events.KindTypingUpdate, events.TypingUpdatePayload{
				ChatID:        chatID,
				TypingPubkeys: h.State.ActiveTyping(chatID, h.now()),
			})
		}

	case rumor.KindPivxPayment:
		h.emit(events.KindPivxPaymentReceived, events.PivxPaymentPayload{
			ChatID: chatID, TxID: result.TxID, Amount: result.Amount,
		})

	default:
		// leave_request/webxdc/unknown/ignored carry no chat-level action
		// on the receive side.
	}
	return nil
}

// dmChatID resolves a DM rumor to the chat it belongs to: the other
// party's pubkey. An own-device echo (pubkey == self) carries no other
// sender to key the chat by, so it falls back to the "p" tag recipient
// instead.
func dmChatID(selfPubkey string, r Rumor) string {
	if r.PubKey != selfPubkey {
		return r.PubKey
	}
	for _, t := range r.Tags {
		if len(t) >= 2 && t[0] == "p" {
			return t[1]
		}
	}
	return r.PubKey
}

func toRumorTags(tags [][]string) []rumor.Tag {
	out := make([]rumor.Tag, len(tags))
	for i, t := range tags {
		out[i] = rumor.Tag(t)
	}
	return out
}
