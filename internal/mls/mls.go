// Package mls implements the group-chat engine driver: MLS group
// create/add/remove/leave against an mlsengine.Engine, welcome dispatch,
// and the per-group sync loop with epoch-ordered retry, eviction
// detection, and an event-level dedup tracker. It follows the
// create-commit-locally / publish / merge-on-confirmation discipline this
// core applies to every MLS state change, mirroring the teacher's own
// evolution-then-confirm pattern for NIP-29 group operations (see
// nostr_group.go's buildPutUserEvent/buildCreateGroupEvent publish calls)
// generalized from a relay-moderated group model to an MLS one.
package mls

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vectorprivacy/vectorcore/internal/attachment"
	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/mlsengine"
	"github.com/vectorprivacy/vectorcore/internal/netpublish"
	"github.com/vectorprivacy/vectorcore/internal/nostrutil"
	"github.com/vectorprivacy/vectorcore/internal/state"
	"github.com/vectorprivacy/vectorcore/internal/storage"

	"database/sql"
)

// Inner rumor kinds this package constructs for MLS application messages.
// Reusing the DM path's kind numbering (rather than the wire kind-9
// convention) is deliberate: the rumor processor classifies purely by
// these values regardless of which transport carried the rumor, so MLS and
// DM rumors share one vocabulary.
const (
	nostrKindChatMessage = 14
	nostrKindLeaveMarker = 5
)

// MemberDevice identifies one device being added to or removed from a
// group.
type MemberDevice struct {
	Pubkey      string
	DeviceID    string
	DisplayName string
}

// KeyPackageEvent is a resolved, not-yet-validated key package.
type KeyPackageEvent struct {
	Pubkey         string
	DeviceID       string
	EventID        string
	Data           []byte
	CreatedAt      int64
	HasEncodingTag bool
}

// KeyPackageResolver resolves a device's latest key package, either from a
// local index or by relay fetch.
type KeyPackageResolver interface {
	Resolve(ctx context.Context, pubkey, deviceID string) (KeyPackageEvent, error)
}

// WrapperEvent is one fetched MLS wrapper, already stripped to the fields
// the sync loop needs.
type WrapperEvent struct {
	ID           string
	CreatedAt    int64
	GroupWireID  string
	AuthorPubkey string
	Raw          []byte
}

// Fetcher retrieves MLS wrapper events for a group's sync pass.
type Fetcher interface {
	// FetchFiltered queries by kind + h-tag = groupWireID, ascending is not
	// required (the driver sorts), newest allowed is unbounded.
	FetchFiltered(ctx context.Context, groupWireID string, since int64, limit int) ([]WrapperEvent, error)
	// FetchUnfiltered queries by kind alone, for relays that misbehave on
	// tag filters; the driver locally filters by h afterwards.
	FetchUnfiltered(ctx context.Context, since int64, limit int) ([]WrapperEvent, error)
}

// WelcomeSealer gift-wraps a welcome message to an invitee, the same
// NIP-17 sealing dm.Wrapper performs for ordinary messages.
type WelcomeSealer interface {
	SealWelcome(ctx context.Context, welcome []byte, recipientPubkey string) (raw []byte, err error)
}

// OutdatedKeyPackageError is returned synchronously from CreateGroup/
// AddMemberDevices when an invitee's key package lacks the mandatory
// encoding tag.
type OutdatedKeyPackageError struct {
	DisplayName string
}

func (e *OutdatedKeyPackageError) Error() string {
	return fmt.Sprintf("mls: outdated key package for %s", e.DisplayName)
}

// InnerRumor is the JSON encoding this driver uses for the plaintext it
// hands to engine.CreateMessage/reads back from ProcessIncoming. No MLS
// library ships in the example pack or wider ecosystem to define this wire
// shape, so the driver owns it: a flat JSON object mirroring the rumor
// processor's Event fields.
type InnerRumor struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// welcomeEnvelope is the payload this driver hands to WelcomeSealer: the raw
// engine welcome plus the wire group id it admits to, since a joining
// account has no other way to learn the id its sync loop must filter
// wrapper fetches by.
type welcomeEnvelope struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	Welcome []byte `json:"welcome"`
}

func encodeWelcomeEnvelope(e welcomeEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeWelcomeEnvelope(raw []byte) (welcomeEnvelope, error) {
	var e welcomeEnvelope
	err := json.Unmarshal(raw, &e)
	return e, err
}

// Driver orchestrates one account's MLS groups.
type Driver struct {
	DB        *sql.DB
	State     *state.State
	Emitter   events.Emitter
	Engines   mlsengine.Factory
	Fetcher   Fetcher
	Sealer    WelcomeSealer
	Publisher netpublish.Publisher
	Resolver  KeyPackageResolver

	// Attachments runs the MLS attachment discipline for SendAttachment.
	// Left nil, SendAttachment is unavailable but SendMessage still works —
	// a group with no attachment server configured can still send text.
	Attachments *attachment.GroupPipeline

	SelfPubkey string
	Relays     []string

	// RejoinThreshold is the number of consecutive sync passes leaving any
	// event permanently unprocessable before mls_group_needs_rejoin fires.
	// Defaults to 5.
	RejoinThreshold int

	// SendAttempts/SendWait configure SendMessage/SendAttachment's publish
	// retry budget. Defaults (12 attempts, 5s) match the DM send path.
	SendAttempts int
	SendWait     time.Duration

	// Now is overridable for tests.
	Now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) sendAttempts() int {
	if d.SendAttempts > 0 {
		return d.SendAttempts
	}
	return 12
}

func (d *Driver) sendWait() time.Duration {
	if d.SendWait > 0 {
		return d.SendWait
	}
	return 5 * time.Second
}

func (d *Driver) rejoinThreshold() int {
	if d.RejoinThreshold > 0 {
		return d.RejoinThreshold
	}
	return 5
}

func (d *Driver) groupLock(groupID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks == nil {
		d.locks = make(map[string]*sync.Mutex)
	}
	l, ok := d.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[groupID] = l
	}
	return l
}

func (d *Driver) emit(kind events.Kind, payload any) {
	if d.Emitter == nil {
		return
	}
	d.Emitter.Emit(events.Event{Kind: kind, Payload: payload})
}

func (d *Driver) emitMlsError(groupID string, err error) {
	if err == nil {
		return
	}
	d.emit(events.KindMlsError, events.MlsErrorPayload{GroupID: groupID, Message: err.Error()})
}

func randomWireGroupID() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func containsPubkey(members []string, pubkey string) bool {
	for _, m := range members {
		if m == pubkey {
			return true
		}
	}
	return false
}

func displayName(m MemberDevice) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Pubkey
}

func toEngineKeyPackage(kp KeyPackageEvent) mlsengine.KeyPackage {
	return mlsengine.KeyPackage{
		Pubkey:    kp.Pubkey,
		DeviceID:  kp.DeviceID,
		EventID:   kp.EventID,
		Data:      kp.Data,
		CreatedAt: kp.CreatedAt,
	}
}

func (d *Driver) resolveMembers(ctx context.Context, members []MemberDevice) ([]mlsengine.KeyPackage, error) {
	kps := make([]mlsengine.KeyPackage, 0, len(members))
	for _, m := range members {
		kp, err := d.Resolver.Resolve(ctx, m.Pubkey, m.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("mls: resolve key package for %s: %w", displayName(m), err)
		}
		if !kp.HasEncodingTag {
			return nil, &OutdatedKeyPackageError{DisplayName: displayName(m)}
		}
		kps = append(kps, toEngineKeyPackage(kp))
	}
	return kps, nil
}

// CreateGroup resolves invitee key packages, creates the group on the
// engine (already merged at epoch 1, per the engine's own contract),
// persists its metadata, and gift-wraps a welcome to every invitee.
func (d *Driver) CreateGroup(ctx context.Context, name string, members []MemberDevice) (storage.MlsGroup, error) {
	kps, err := d.resolveMembers(ctx, members)
	if err != nil {
		return storage.MlsGroup{}, err
	}

	engine, err := d.Engines(ctx)
	if err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: open engine: %w", err)
	}
	result, err := engine.CreateGroup(ctx, mlsengine.KeyPackage{Pubkey: d.SelfPubkey}, kps)
	engine.Close()
	if err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: create group: %w", err)
	}

	wireGroupID := randomWireGroupID()
	group := storage.MlsGroup{
		GroupID:       wireGroupID,
		EngineGroupID: result.EngineGroupID,
		Name:          name,
		CreatedAt:     d.now().Unix(),
		LastEpoch:     result.Epoch,
	}
	if err := storage.UpsertMlsGroup(ctx, d.DB, group); err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: persist group: %w", err)
	}

	envelope, err := encodeWelcomeEnvelope(welcomeEnvelope{GroupID: wireGroupID, Name: name, Welcome: result.Welcome})
	if err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: encode welcome envelope: %w", err)
	}

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m MemberDevice) {
			defer wg.Done()
			raw, err := d.Sealer.SealWelcome(ctx, envelope, m.Pubkey)
			if err != nil {
				d.emitMlsError(wireGroupID, fmt.Errorf("seal welcome for %s: %w", displayName(m), err))
				return
			}
			if _, err := d.Publisher.Publish(ctx, d.Relays, raw); err != nil {
				d.emitMlsError(wireGroupID, fmt.Errorf("publish welcome for %s: %w", displayName(m), err))
			}
		}(m)
	}
	wg.Wait()

	if d.State != nil {
		d.State.UpsertChat(state.ChatSummary{ID: wireGroupID, LastMessageAt: d.now().UnixMilli()})
	}
	d.emit(events.KindMlsGroupInitialSync, events.MlsGroupPayload{GroupID: wireGroupID})

	return group, nil
}

// AcceptWelcome joins the group described by a received, already-unwrapped
// welcome envelope, persisting its metadata the same way CreateGroup does
// for the creator, and creating the chat in state. Called from the
// subscription handler's gift-wrap dispatch; it acquires a fresh engine
// handle for the join and closes it before persisting.
func (d *Driver) AcceptWelcome(ctx context.Context, raw []byte) (storage.MlsGroup, error) {
	env, err := decodeWelcomeEnvelope(raw)
	if err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: decode welcome envelope: %w", err)
	}

	engine, err := d.Engines(ctx)
	if err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: open engine: %w", err)
	}
	result, err := engine.JoinFromWelcome(ctx, env.Welcome, mlsengine.KeyPackage{Pubkey: d.SelfPubkey})
	engine.Close()
	if err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: join from welcome: %w", err)
	}

	group := storage.MlsGroup{
		GroupID:       env.GroupID,
		EngineGroupID: result.EngineGroupID,
		Name:          env.Name,
		CreatedAt:     d.now().Unix(),
		LastEpoch:     result.Epoch,
	}
	if err := storage.UpsertMlsGroup(ctx, d.DB, group); err != nil {
		return storage.MlsGroup{}, fmt.Errorf("mls: persist group: %w", err)
	}

	if d.State != nil {
		d.State.UpsertChat(state.ChatSummary{ID: env.GroupID, LastMessageAt: d.now().UnixMilli()})
	}
	d.emit(events.KindMlsInviteReceived, events.MlsGroupPayload{GroupID: env.GroupID})

	return group, nil
}

// AddMemberDevice adds a single device to a group.
func (d *Driver) AddMemberDevice(ctx context.Context, groupID, pubkey, deviceID, displayName string) error {
	return d.AddMemberDevices(ctx, groupID, []MemberDevice{{Pubkey: pubkey, DeviceID: deviceID, DisplayName: displayName}})
}

// AddMemberDevices validates every invitee's key package synchronously,
// then stages, publishes, and merges the add-members commit in the
// background under the group's lock, emitting mls_group_updated on success
// or mls_error on failure.
func (d *Driver) AddMemberDevices(ctx context.Context, groupID string, members []MemberDevice) error {
	kps, err := d.resolveMembers(ctx, members)
	if err != nil {
		return err
	}

	go d.commitAddMembers(groupID, members, kps)
	return nil
}

func (d *Driver) commitAddMembers(groupID string, members []MemberDevice, kps []mlsengine.KeyPackage) {
	ctx := context.Background()
	lock := d.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	group, ok, err := storage.GetMlsGroup(ctx, d.DB, groupID)
	if err != nil || !ok {
		d.emitMlsError(groupID, fmt.Errorf("mls: group %s not found", groupID))
		return
	}

	engine, err := d.Engines(ctx)
	if err != nil {
		d.emitMlsError(groupID, err)
		return
	}
	bundle, err := engine.AddMembers(ctx, group.EngineGroupID, kps)
	engine.Close()
	if err != nil {
		d.emitMlsError(groupID, fmt.Errorf("mls: stage add-members commit: %w", err))
		return
	}

	backoff := netpublish.ExponentialBackoff(5, 250*time.Millisecond)
	if err := netpublish.WithRetry(ctx, d.Publisher, d.Relays, bundle.Commit, backoff); err != nil {
		d.discardPendingCommit(ctx, group.EngineGroupID)
		d.emitMlsError(groupID, fmt.Errorf("mls: publish add-members commit: %w", err))
		return
	}

	if err := d.mergePendingCommit(ctx, group.EngineGroupID); err != nil {
		d.emitMlsError(groupID, fmt.Errorf("mls: merge add-members commit: %w", err))
		return
	}

	envelope, err := encodeWelcomeEnvelope(welcomeEnvelope{GroupID: groupID, Name: group.Name, Welcome: bundle.Welcome})
	if err != nil {
		d.emitMlsError(groupID, fmt.Errorf("mls: encode welcome envelope: %w", err))
		envelope = nil
	}

	if envelope != nil {
		var wg sync.WaitGroup
		for _, m := range members {
			wg.Add(1)
			go func(m MemberDevice) {
				defer wg.Done()
				raw, err := d.Sealer.SealWelcome(ctx, envelope, m.Pubkey)
				if err != nil {
					return
				}
				_, _ = d.Publisher.Publish(ctx, d.Relays, raw)
			}(m)
		}
		wg.Wait()
	}

	d.refreshEpoch(ctx, groupID, group.EngineGroupID)
	d.emit(events.KindMlsGroupUpdated, events.MlsGroupPayload{GroupID: groupID})
}

// RemoveMemberDevice removes a member's device from a group. It does not
// run a pre-sync: re-processing our own recent commits after removal has
// been observed to corrupt engine tree state.
func (d *Driver) RemoveMemberDevice(ctx context.Context, groupID, pubkey, deviceID string) error {
	lock := d.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	group, ok, err := storage.GetMlsGroup(ctx, d.DB, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mls: group %s not found", groupID)
	}

	engine, err := d.Engines(ctx)
	if err != nil {
		return err
	}
	members, err := engine.Members(ctx, group.EngineGroupID)
	if err != nil {
		engine.Close()
		return fmt.Errorf("mls: list members: %w", err)
	}
	if !containsPubkey(members, pubkey) {
		engine.Close()
		return fmt.Errorf("mls: %s is not a member of group %s", pubkey, groupID)
	}
	bundle, err := engine.RemoveMember(ctx, group.EngineGroupID, pubkey, deviceID)
	engine.Close()
	if err != nil {
		return fmt.Errorf("mls: stage remove-member commit: %w", err)
	}

	backoff := netpublish.ExponentialBackoff(5, 250*time.Millisecond)
	if err := netpublish.WithRetry(ctx, d.Publisher, d.Relays, bundle.Commit, backoff); err != nil {
		d.discardPendingCommit(ctx, group.EngineGroupID)
		d.emitMlsError(groupID, err)
		return fmt.Errorf("mls: publish remove-member commit: %w", err)
	}

	if err := d.mergePendingCommit(ctx, group.EngineGroupID); err != nil {
		return fmt.Errorf("mls: merge remove-member commit: %w", err)
	}

	d.refreshEpoch(ctx, groupID, group.EngineGroupID)
	d.emit(events.KindMlsGroupUpdated, events.MlsGroupPayload{GroupID: groupID})
	return nil
}

// LeaveGroup sends a leave-request application message (best-effort, no
// retry beyond the standard publish budget) and then performs full local
// cleanup regardless of whether the send succeeded.
func (d *Driver) LeaveGroup(ctx context.Context, groupID string) error {
	func() {
		lock := d.groupLock(groupID)
		lock.Lock()
		defer lock.Unlock()

		group, ok, err := storage.GetMlsGroup(ctx, d.DB, groupID)
		if err != nil || !ok {
			return
		}

		rumorBytes, err := encodeInnerRumor(InnerRumor{
			PubKey:    d.SelfPubkey,
			CreatedAt: d.now().Unix(),
			Kind:      nostrKindLeaveMarker,
			Tags:      [][]string{{"e", groupID}},
			Content:   "leave",
		})
		if err != nil {
			return
		}

		engine, err := d.Engines(ctx)
		if err != nil {
			return
		}
		wire, err := engine.CreateMessage(ctx, group.EngineGroupID, rumorBytes)
		engine.Close()
		if err != nil {
			return
		}

		backoff := netpublish.ConstantBackoff(3, 2*time.Second)
		_ = netpublish.WithRetry(ctx, d.Publisher, d.Relays, wire, backoff)
	}()

	return d.leaveCleanup(ctx, groupID)
}

// leaveCleanup removes all local traces of a group the account is leaving
// by its own choice, distinct from CleanupEvictedGroup's lighter touch
// (which keeps the mls_groups row for UI notification).
func (d *Driver) leaveCleanup(ctx context.Context, groupID string) error {
	if err := storage.DeleteMlsGroup(ctx, d.DB, groupID); err != nil {
		return fmt.Errorf("mls: delete group metadata: %w", err)
	}
	if err := storage.DeleteChat(ctx, d.DB, groupID); err != nil {
		return fmt.Errorf("mls: delete chat: %w", err)
	}
	d.emit(events.KindMlsGroupLeft, events.MlsGroupPayload{GroupID: groupID})
	return nil
}

// CleanupEvictedGroup is called once the sync loop confirms this account
// is no longer a member of a group. It marks the group evicted (retaining
// the row for UI notification) and deletes the chat, but — unlike
// LeaveGroup — does not delete the mls_groups row itself.
func (d *Driver) CleanupEvictedGroup(ctx context.Context, groupID string) error {
	if err := storage.MarkMlsGroupEvicted(ctx, d.DB, groupID); err != nil {
		return fmt.Errorf("mls: mark evicted: %w", err)
	}
	if err := storage.DeleteChat(ctx, d.DB, groupID); err != nil {
		return fmt.Errorf("mls: delete chat: %w", err)
	}
	d.emit(events.KindMlsGroupLeft, events.MlsGroupPayload{GroupID: groupID})
	return nil
}

// SendMessage stages a text application message on the engine, publishes it
// with the same bounded retry budget DM sends use, and renames the
// optimistic pending message to its confirmed rumor id on success (or marks
// it failed on exhausted retries). The group lock is held across the whole
// stage-publish-confirm sequence, the same discipline commitAddMembers and
// RemoveMemberDevice already apply to commits.
func (d *Driver) SendMessage(ctx context.Context, groupID, content, replyToID string) (storage.Message, error) {
	group, ok, err := storage.GetMlsGroup(ctx, d.DB, groupID)
	if err != nil {
		return storage.Message{}, err
	}
	if !ok {
		return storage.Message{}, fmt.Errorf("mls: group %s not found", groupID)
	}

	pendingID := fmt.Sprintf("pending-%d", d.now().UnixNano())
	sentAtMillis := d.now().UnixMilli()

	pending := storage.Message{
		ID:           pendingID,
		ChatID:       groupID,
		AuthorPubkey: d.SelfPubkey,
		Content:      content,
		ReplyToID:    replyToID,
		Kind:         storage.MessageKindText,
		CreatedAt:    sentAtMillis,
		Pending:      true,
	}
	if _, err := storage.InsertMessage(ctx, d.DB, pending); err != nil {
		return storage.Message{}, fmt.Errorf("mls: insert pending message: %w", err)
	}
	if d.State != nil {
		d.State.TouchChatLastMessage(groupID, sentAtMillis)
	}
	d.emit(events.KindMlsMessageNew, events.MlsMessagePayload{GroupID: groupID, MessageID: pendingID})

	var tags [][]string
	if replyToID != "" {
		tags = append(tags, []string{"e", replyToID, "", "reply"})
	}
	tags = append(tags, []string{"ms", fmt.Sprintf("%d", sentAtMillis%1000)})

	createdAtSeconds := sentAtMillis / 1000
	rumorID := nostrutil.ComputeRumorID(d.SelfPubkey, groupID, createdAtSeconds, content)

	rumorBytes, err := encodeInnerRumor(InnerRumor{
		ID:        rumorID,
		PubKey:    d.SelfPubkey,
		CreatedAt: createdAtSeconds,
		Kind:      nostrKindChatMessage,
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return d.failPendingMessage(ctx, groupID, pendingID, fmt.Errorf("mls: encode application message: %w", err))
	}

	return d.stageAndPublish(ctx, group, groupID, pendingID, rumorID, rumorBytes)
}

// SendAttachment runs the MLS attachment discipline for plaintext, then
// sends the resulting imeta-tagged rumor into the group the same optimistic
// way SendMessage sends a plain text one. The rumor carries no content text
// of its own — the imeta tag is the whole message.
func (d *Driver) SendAttachment(ctx context.Context, groupID string, plaintext []byte, mimeType string, img *attachment.ImageMeta, replyToID string) (storage.Message, error) {
	group, ok, err := storage.GetMlsGroup(ctx, d.DB, groupID)
	if err != nil {
		return storage.Message{}, err
	}
	if !ok {
		return storage.Message{}, fmt.Errorf("mls: group %s not found", groupID)
	}
	if d.Attachments == nil {
		return storage.Message{}, fmt.Errorf("mls: no attachment pipeline configured")
	}

	pendingID := fmt.Sprintf("pending-%d", d.now().UnixNano())
	sentAtMillis := d.now().UnixMilli()

	pending := storage.Message{
		ID:           pendingID,
		ChatID:       groupID,
		AuthorPubkey: d.SelfPubkey,
		ReplyToID:    replyToID,
		Kind:         storage.MessageKindFile,
		CreatedAt:    sentAtMillis,
		Pending:      true,
	}
	if _, err := storage.InsertMessage(ctx, d.DB, pending); err != nil {
		return storage.Message{}, fmt.Errorf("mls: insert pending message: %w", err)
	}
	if d.State != nil {
		d.State.TouchChatLastMessage(groupID, sentAtMillis)
	}
	d.emit(events.KindMlsMessageNew, events.MlsMessagePayload{GroupID: groupID, MessageID: pendingID})

	attRumor, err := d.Attachments.Send(ctx, group.EngineGroupID, pendingID, plaintext, mimeType, img)
	if err != nil {
		return d.failPendingMessage(ctx, groupID, pendingID, fmt.Errorf("mls: attachment: %w", err))
	}

	url, size := imetaRumorFields(attRumor)
	var width, height int
	var blurhash string
	if img != nil {
		width, height, blurhash = img.Width, img.Height, img.Blurhash
	}
	if err := storage.InsertAttachment(ctx, d.DB, storage.Attachment{
		ID:        pendingID,
		MessageID: pendingID,
		ChatID:    groupID,
		URL:       url,
		MimeType:  mimeType,
		Size:      size,
		Width:     width,
		Height:    height,
		Blurhash:  blurhash,
		Reusable:  false,
	}); err != nil {
		return d.failPendingMessage(ctx, groupID, pendingID, fmt.Errorf("mls: persist attachment: %w", err))
	}

	var tags [][]string
	tags = append(tags, attRumor.Tags...)
	if replyToID != "" {
		tags = append(tags, []string{"e", replyToID, "", "reply"})
	}
	tags = append(tags, []string{"ms", fmt.Sprintf("%d", sentAtMillis%1000)})

	createdAtSeconds := sentAtMillis / 1000
	// Content is deliberately not part of this rumor (the imeta tag carries
	// everything), so pendingID stands in for ComputeRumorID's content
	// input purely to keep same-second sends from colliding.
	rumorID := nostrutil.ComputeRumorID(d.SelfPubkey, groupID, createdAtSeconds, pendingID)

	rumorBytes, err := encodeInnerRumor(InnerRumor{
		ID:        rumorID,
		PubKey:    d.SelfPubkey,
		CreatedAt: createdAtSeconds,
		Kind:      nostrKindChatMessage,
		Tags:      tags,
	})
	if err != nil {
		return d.failPendingMessage(ctx, groupID, pendingID, fmt.Errorf("mls: encode application message: %w", err))
	}

	return d.stageAndPublish(ctx, group, groupID, pendingID, rumorID, rumorBytes)
}

// stageAndPublish runs the shared create_message/publish/confirm-or-fail
// sequence SendMessage and SendAttachment both need, under the group lock
// for its full duration.
func (d *Driver) stageAndPublish(ctx context.Context, group storage.MlsGroup, groupID, pendingID, rumorID string, rumorBytes []byte) (storage.Message, error) {
	lock := d.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	engine, err := d.Engines(ctx)
	if err != nil {
		return d.failPendingMessage(ctx, groupID, pendingID, fmt.Errorf("mls: open engine: %w", err))
	}
	wire, err := engine.CreateMessage(ctx, group.EngineGroupID, rumorBytes)
	engine.Close()
	if err != nil {
		return d.failPendingMessage(ctx, groupID, pendingID, fmt.Errorf("mls: stage application message: %w", err))
	}

	backoff := netpublish.ConstantBackoff(d.sendAttempts(), d.sendWait())
	if err := netpublish.WithRetry(ctx, d.Publisher, d.Relays, wire, backoff); err != nil {
		return d.failPendingMessage(ctx, groupID, pendingID, fmt.Errorf("mls: publish application message: %w", err))
	}

	if err := storage.ReplaceMessageID(ctx, d.DB, groupID, pendingID, rumorID, rumorID, ""); err != nil {
		return storage.Message{}, fmt.Errorf("mls: confirm message: %w", err)
	}
	_ = storage.ReassignAttachmentMessageID(ctx, d.DB, pendingID, rumorID)
	d.emit(events.KindMlsMessageNew, events.MlsMessagePayload{GroupID: groupID, MessageID: rumorID})

	confirmed, ok, err := storage.FindMessage(ctx, d.DB, groupID, rumorID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("mls: reload confirmed message: %w", err)
	}
	if !ok {
		return storage.Message{}, fmt.Errorf("mls: confirmed message %s vanished after rename", rumorID)
	}
	return confirmed, nil
}

// failPendingMessage marks an optimistic pending message failed, mirroring
// dm.Sender.fail's rollback for the DM send path.
func (d *Driver) failPendingMessage(ctx context.Context, groupID, pendingID string, cause error) (storage.Message, error) {
	_ = storage.MarkMessageFailed(ctx, d.DB, groupID, pendingID, true)
	d.emit(events.KindMlsMessageNew, events.MlsMessagePayload{GroupID: groupID, MessageID: pendingID})
	return storage.Message{}, cause
}

// imetaRumorFields extracts the url and size fields GroupPipeline.Send
// stamped onto its single imeta tag, for the attachment row this driver
// persists alongside the rumor.
func imetaRumorFields(r attachment.Rumor) (url string, size int64) {
	for _, t := range r.Tags {
		if len(t) == 0 || t[0] != "imeta" {
			continue
		}
		for _, field := range t[1:] {
			switch {
			case strings.HasPrefix(field, "url "):
				url = field[4:]
			case strings.HasPrefix(field, "size "):
				if n, err := strconv.ParseInt(field[5:], 10, 64); err == nil {
					size = n
				}
			}
		}
	}
	return url, size
}

func (d *Driver) discardPendingCommit(ctx context.Context, engineGroupID string) {
	engine, err := d.Engines(ctx)
	if err != nil {
		return
	}
	defer engine.Close()
	_ = engine.DiscardPendingCommit(ctx, engineGroupID)
}

func (d *Driver) mergePendingCommit(ctx context.Context, engineGroupID string) error {
	engine, err := d.Engines(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	return engine.MergePendingCommit(ctx, engineGroupID)
}

func (d *Driver) refreshEpoch(ctx context.Context, wireGroupID, engineGroupID string) {
	engine, err := d.Engines(ctx)
	if err != nil {
		return
	}
	epoch, err := engine.Epoch(ctx, engineGroupID)
	engine.Close()
	if err != nil {
		return
	}
	_ = storage.SetMlsGroupEpoch(ctx, d.DB, wireGroupID, epoch)
}
