package mls

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/mlsengine"
	"github.com/vectorprivacy/vectorcore/internal/rumor"
	"github.com/vectorprivacy/vectorcore/internal/storage"
)

// maxSyncPasses bounds the epoch-ordered retry loop: a commit that arrives
// after the application messages it protects needs at most one extra pass
// per intervening out-of-order event, and real relays rarely reorder more
// than a handful of events within a backfill window.
const maxSyncPasses = 50

// eviction substrings the error an engine's ProcessIncoming returns may carry when this account
// has been removed from a group's tree. Matched only as a fallback to
// Members()-based confirmation, for engines that fail a removed member's
// ProcessIncoming call outright rather than returning SelfRemoved.
var evictionMarkers = []string{"own leaf not found", "evicted"}

// SyncGroupSinceCursor fetches up to 500 wrapper events newer than the
// group's stored cursor in a single request (h-tag filtered, or by kind
// alone with local h filtering when the filtered query returns nothing); it
// does not page through further results. It processes them in epoch order
// with retry for events that
// arrive before the commit they depend on, and advances the cursor and
// desync bookkeeping accordingly. It returns the number of application
// messages it persisted.
func (d *Driver) SyncGroupSinceCursor(ctx context.Context, groupID string) (int, error) {
	lock := d.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	group, ok, err := storage.GetMlsGroup(ctx, d.DB, groupID)
	if err != nil {
		return 0, err
	}
	if !ok || group.Evicted {
		return 0, nil
	}

	cursor, err := storage.GetMlsEventCursor(ctx, d.DB, groupID)
	if err != nil {
		return 0, err
	}

	wrappers, err := d.Fetcher.FetchFiltered(ctx, groupID, cursor.LastCreatedAt, 500)
	if err != nil {
		return 0, fmt.Errorf("mls: fetch wrappers for %s: %w", groupID, err)
	}
	if len(wrappers) == 0 {
		// Some relays mishandle tag filters: fetch by kind alone and keep
		// events whose h tag names this group or that carry no h tag.
		all, err := d.Fetcher.FetchUnfiltered(ctx, cursor.LastCreatedAt, 500)
		if err != nil {
			return 0, fmt.Errorf("mls: fetch unfiltered wrappers for %s: %w", groupID, err)
		}
		for _, w := range all {
			if w.GroupWireID == "" || w.GroupWireID == groupID {
				wrappers = append(wrappers, w)
			}
		}
	}
	wrappers = dedupeNewerThan(wrappers, cursor)
	if len(wrappers) == 0 {
		return 0, nil
	}
	sort.Slice(wrappers, func(i, j int) bool { return wrappers[i].CreatedAt < wrappers[j].CreatedAt })

	pending := wrappers
	messagesPersisted := 0
	var lastUnprocessable []WrapperEvent

	for pass := 0; pass < maxSyncPasses && len(pending) > 0; pass++ {
		var next []WrapperEvent
		progressed := false

		for _, w := range pending {
			already, err := storage.IsEventProcessed(ctx, d.DB, w.ID)
			if err != nil {
				return messagesPersisted, err
			}
			if already {
				d.advanceCursor(ctx, groupID, w)
				progressed = true
				continue
			}

			engine, err := d.Engines(ctx)
			if err != nil {
				return messagesPersisted, err
			}
			outcome, err := engine.ProcessIncoming(ctx, group.EngineGroupID, w.Raw)
			engine.Close()

			if err != nil || outcome.Kind == mlsengine.OutcomeUnprocessable {
				if err != nil && isEvictionError(err) {
					return messagesPersisted, d.CleanupEvictedGroup(ctx, groupID)
				}
				next = append(next, w)
				continue
			}

			progressed = true
			_ = storage.MarkEventProcessed(ctx, d.DB, w.ID, groupID, d.now().Unix(), outcomeLabel(outcome.Kind))
			d.advanceCursor(ctx, groupID, w)

			switch outcome.Kind {
			case mlsengine.OutcomeApplicationMessage:
				if d.persistRumor(ctx, groupID, w, outcome.Plaintext) {
					messagesPersisted++
				}
			case mlsengine.OutcomeCommit:
				_ = storage.SetMlsGroupEpoch(ctx, d.DB, groupID, outcome.NewEpoch)
				if outcome.SelfRemoved || d.selfEvicted(ctx, group.EngineGroupID) {
					return messagesPersisted, d.CleanupEvictedGroup(ctx, groupID)
				}
			case mlsengine.OutcomeProposal:
				// no local state change; the pending commit will reflect it.
			}
		}

		pending = next
		lastUnprocessable = next
		if !progressed {
			break
		}
	}

	if len(lastUnprocessable) == 0 {
		_ = storage.ResetMlsGroupDesync(ctx, d.DB, groupID)
		return messagesPersisted, nil
	}

	// Permanently unprocessable events still advance the cursor — otherwise
	// a single corrupt event would wedge the backfill forever — but count
	// against the desync budget so persistent corruption surfaces to the UI.
	for _, w := range lastUnprocessable {
		_ = storage.MarkEventProcessed(ctx, d.DB, w.ID, groupID, d.now().Unix(), "unprocessable")
		d.advanceCursor(ctx, groupID, w)
	}

	count, err := storage.IncrementMlsGroupDesync(ctx, d.DB, groupID)
	if err != nil {
		return messagesPersisted, err
	}
	if count >= d.rejoinThreshold() {
		_ = storage.SetMlsGroupNeedsRejoin(ctx, d.DB, groupID, true)
		d.emit(events.KindMlsGroupNeedsRejoin, events.MlsGroupPayload{GroupID: groupID, Reason: "repeated unprocessable events"})
	}
	return messagesPersisted, nil
}

// ProcessLiveWrapper dispatches one pushed group-wrapper event the same way
// a sync pass handles a single event (see the loop body in
// SyncGroupSinceCursor), but without its multi-pass retry machinery: live
// delivery already arrives in relay order, so there is nothing to re-sort.
// A wrapper this account authored is skipped outright, since sending
// already persisted it locally; a wrapper for a group this account is not
// (or no longer) a member of is skipped as well. A live event that turns
// out to be unprocessable is left for the next cursor-based sync pass
// rather than retried here.
func (d *Driver) ProcessLiveWrapper(ctx context.Context, w WrapperEvent) error {
	if w.AuthorPubkey != "" && w.AuthorPubkey == d.SelfPubkey {
		return nil
	}

	lock := d.groupLock(w.GroupWireID)
	lock.Lock()
	defer lock.Unlock()

	group, ok, err := storage.GetMlsGroup(ctx, d.DB, w.GroupWireID)
	if err != nil {
		return err
	}
	if !ok || group.Evicted {
		return nil
	}

	already, err := storage.IsEventProcessed(ctx, d.DB, w.ID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	engine, err := d.Engines(ctx)
	if err != nil {
		return err
	}
	outcome, err := engine.ProcessIncoming(ctx, group.EngineGroupID, w.Raw)
	engine.Close()

	if err != nil || outcome.Kind == mlsengine.OutcomeUnprocessable {
		if err != nil && isEvictionError(err) {
			return d.CleanupEvictedGroup(ctx, w.GroupWireID)
		}
		return nil
	}

	_ = storage.MarkEventProcessed(ctx, d.DB, w.ID, w.GroupWireID, d.now().Unix(), outcomeLabel(outcome.Kind))
	d.advanceCursor(ctx, w.GroupWireID, w)

	switch outcome.Kind {
	case mlsengine.OutcomeApplicationMessage:
		d.persistRumor(ctx, w.GroupWireID, w, outcome.Plaintext)
	case mlsengine.OutcomeCommit:
		_ = storage.SetMlsGroupEpoch(ctx, d.DB, w.GroupWireID, outcome.NewEpoch)
		if outcome.SelfRemoved || d.selfEvicted(ctx, group.EngineGroupID) {
			return d.CleanupEvictedGroup(ctx, w.GroupWireID)
		}
	case mlsengine.OutcomeProposal:
	}

	return nil
}

func (d *Driver) advanceCursor(ctx context.Context, groupID string, w WrapperEvent) {
	_ = storage.AdvanceMlsEventCursor(ctx, d.DB, storage.MlsEventCursor{
		GroupID:       groupID,
		LastCreatedAt: w.CreatedAt,
		LastEventID:   w.ID,
	})
}

func (d *Driver) selfEvicted(ctx context.Context, engineGroupID string) bool {
	engine, err := d.Engines(ctx)
	if err != nil {
		return false
	}
	defer engine.Close()
	members, err := engine.Members(ctx, engineGroupID)
	if err != nil {
		return false
	}
	return !containsPubkey(members, d.SelfPubkey)
}

func isEvictionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range evictionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func outcomeLabel(kind mlsengine.OutcomeKind) string {
	switch kind {
	case mlsengine.OutcomeApplicationMessage:
		return "application_message"
	case mlsengine.OutcomeCommit:
		return "commit"
	case mlsengine.OutcomeProposal:
		return "proposal"
	default:
		return "unprocessable"
	}
}

// dedupeNewerThan drops anything at or before the stored cursor position,
// defending against a fetcher that over-returns at the boundary.
func dedupeNewerThan(wrappers []WrapperEvent, cursor storage.MlsEventCursor) []WrapperEvent {
	out := wrappers[:0:0]
	for _, w := range wrappers {
		if w.CreatedAt < cursor.LastCreatedAt {
			continue
		}
		if w.CreatedAt == cursor.LastCreatedAt && w.ID == cursor.LastEventID {
			continue
		}
		out = append(out, w)
	}
	return out
}

func encodeInnerRumor(r InnerRumor) ([]byte, error) {
	return json.Marshal(r)
}

func decodeInnerRumor(raw []byte) (InnerRumor, error) {
	var r InnerRumor
	err := json.Unmarshal(raw, &r)
	return r, err
}

// persistRumor decodes an application message's plaintext and fans it out
// to storage according to the rumor processor's classification, the same
// dispatch the DM receive path uses so a group chat message behaves
// identically to a one-to-one one once decrypted.
func (d *Driver) persistRumor(ctx context.Context, groupID string, w WrapperEvent, plaintext []byte) bool {
	inner, err := decodeInnerRumor(plaintext)
	if err != nil {
		d.emitMlsError(groupID, fmt.Errorf("decode application message: %w", err))
		return false
	}

	tagsJSON, _ := json.Marshal(inner.Tags)
	result := rumor.Process(rumor.Event{
		ID:        w.ID,
		Kind:      inner.Kind,
		PubKey:    inner.PubKey,
		CreatedAt: inner.CreatedAt,
		Content:   inner.Content,
		Tags:      toRumorTags(inner.Tags),
	}, rumor.Context{SelfPubkey: d.SelfPubkey, ChatID: groupID})

	switch result.Kind {
	case rumor.KindTextMessage, rumor.KindFileAttachment:
		msg := storage.Message{
			ID:             result.MessageID,
			ChatID:         groupID,
			EventID:        w.ID,
			WrapperEventID: w.ID,
			AuthorPubkey:   result.AuthorPubkey,
			Content:        result.Content,
			ReplyToID:      result.ReplyToID,
			Kind:           storage.MessageKindText,
			CreatedAt:      result.CreatedAt,
		}
		if result.Kind == rumor.KindFileAttachment {
			msg.Kind = storage.MessageKindFile
		}
		inserted, err := storage.InsertMessage(ctx, d.DB, msg)
		if err != nil || !inserted {
			return false
		}
		if result.Kind == rumor.KindFileAttachment {
			// MLS attachments are never deduplicated across sends (the
			// group's derivation key advances every epoch), so there is no
			// content hash to key the row by — the message id stands in.
			_ = storage.InsertAttachment(ctx, d.DB, storage.Attachment{
				ID:        result.MessageID,
				MessageID: result.MessageID,
				ChatID:    groupID,
				URL:       result.AttachmentURL,
				MimeType:  result.MimeType,
				Size:      result.AttachmentSize,
				Width:     result.AttachmentWidth,
				Height:    result.AttachmentHeight,
				Blurhash:  result.AttachmentBlurhash,
				Reusable:  false,
			})
		}
		_ = storage.TouchChatLastMessage(ctx, d.DB, groupID, result.CreatedAt)
		_, _ = storage.InsertEvent(ctx, d.DB, storage.Event{
			ID: w.ID, ChatID: groupID, AuthorPubkey: result.AuthorPubkey,
			Kind: inner.Kind, CreatedAt: result.CreatedAt, Content: result.Content,
			TagsJSON: string(tagsJSON), RawJSON: string(plaintext),
		})
		if d.State != nil {
			d.State.TouchChatLastMessage(groupID, result.CreatedAt)
		}
		d.emit(events.KindMlsMessageNew, events.MlsMessagePayload{GroupID: groupID, MessageID: result.MessageID})
		return true

	case rumor.KindEdit:
		_ = storage.EditMessage(ctx, d.DB, groupID, result.MessageID, result.Content, result.CreatedAt)
		d.emit(events.KindMlsMessageNew, events.MlsMessagePayload{GroupID: groupID, MessageID: result.MessageID})
		return false

	case rumor.KindReaction:
		_, _ = storage.InsertReaction(ctx, d.DB, storage.Reaction{
			ID: w.ID, MessageID: result.TargetMessageID, ChatID: groupID,
			AuthorPubkey: result.AuthorPubkey, Emoji: result.Emoji, CreatedAt: result.CreatedAt,
		})
		return false

	case rumor.KindLeaveRequest:
		d.emit(events.KindSystemEvent, events.SystemEventPayload{
			Message: fmt.Sprintf("%s left the group", result.AuthorPubkey),
		})
		return false

	default:
		return false
	}
}

func toRumorTags(tags [][]string) []rumor.Tag {
	out := make([]rumor.Tag, len(tags))
	for i, t := range tags {
		out[i] = rumor.Tag(t)
	}
	return out
}
