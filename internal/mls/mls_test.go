package mls

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vectorprivacy/vectorcore/internal/attachment"
	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/mlsengine"
	"github.com/vectorprivacy/vectorcore/internal/state"
	"github.com/vectorprivacy/vectorcore/internal/storage"
)

const (
	testSelfPubkey = "0000000000000000000000000000000000000000000000000000000000000a"
	testPeerPubkey = "0000000000000000000000000000000000000000000000000000000000000b"
)

type fakeResolver struct {
	outdated map[string]bool
}

func (r fakeResolver) Resolve(ctx context.Context, pubkey, deviceID string) (KeyPackageEvent, error) {
	return KeyPackageEvent{
		Pubkey:         pubkey,
		DeviceID:       deviceID,
		EventID:        "kp-" + pubkey,
		Data:           []byte("keypackage"),
		CreatedAt:      1,
		HasEncodingTag: !r.outdated[pubkey],
	}, nil
}

type fakeSealer struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSealer) SealWelcome(ctx context.Context, welcome []byte, recipientPubkey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return []byte("sealed:" + recipientPubkey), nil
}

func (s *fakeSealer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (p *fakePublisher) Publish(ctx context.Context, relays []string, raw []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return !p.fail, nil
}

type fakeFetcher struct {
	wrappers []WrapperEvent
}

func (f fakeFetcher) FetchFiltered(ctx context.Context, groupWireID string, since int64, limit int) ([]WrapperEvent, error) {
	return f.wrappers, nil
}

func (f fakeFetcher) FetchUnfiltered(ctx context.Context, since int64, limit int) ([]WrapperEvent, error) {
	return f.wrappers, nil
}

func newTestDriver(t *testing.T, engines mlsengine.Factory, resolver KeyPackageResolver, fetcher Fetcher, sealer WelcomeSealer, pub *fakePublisher, em events.Emitter) *Driver {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(db))

	return &Driver{
		DB:           db,
		State:        state.New(),
		Emitter:      em,
		Engines:      engines,
		Fetcher:      fetcher,
		Sealer:       sealer,
		Publisher:    pub,
		Resolver:     resolver,
		SelfPubkey:   testSelfPubkey,
		Relays:       []string{"wss://relay.test"},
		SendAttempts: 3,
		SendWait:     time.Millisecond,
	}
}

type fakeEncrypter struct{}

func (fakeEncrypter) Encrypt(ctx context.Context, engineGroupID string, plaintext []byte) ([]byte, int, error) {
	return append([]byte("enc:"), plaintext...), 1, nil
}

type fakeUploader struct {
	url string
	err error
}

func (u fakeUploader) Upload(ctx context.Context, servers []string, data []byte, mimeType string, progress func(sent, total int64)) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

func TestCreateGroup_PersistsAndSealsWelcomes(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	sealer := &fakeSealer{}
	pub := &fakePublisher{}
	rec := &events.RecordingEmitter{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, sealer, pub, rec)

	group, err := d.CreateGroup(context.Background(), "friends", []MemberDevice{
		{Pubkey: testPeerPubkey, DeviceID: "dev1", DisplayName: "peer"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, group.GroupID)
	require.Equal(t, uint64(1), group.LastEpoch)

	stored, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, group.EngineGroupID, stored.EngineGroupID)

	require.Equal(t, 1, sealer.count())
	require.Equal(t, 1, pub.calls)

	require.Len(t, rec.Events, 1)
	require.Equal(t, events.KindMlsGroupInitialSync, rec.Events[0].Kind)
}

func TestCreateGroup_OutdatedKeyPackageRejected(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	resolver := fakeResolver{outdated: map[string]bool{testPeerPubkey: true}}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), resolver, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	_, err := d.CreateGroup(context.Background(), "friends", []MemberDevice{
		{Pubkey: testPeerPubkey, DeviceID: "dev1", DisplayName: "peer"},
	})
	require.Error(t, err)
	var outdated *OutdatedKeyPackageError
	require.ErrorAs(t, err, &outdated)
}

func TestAddMemberDevices_MergesOnceCommitConfirmed(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	sealer := &fakeSealer{}
	pub := &fakePublisher{}
	rec := &events.RecordingEmitter{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, sealer, pub, rec)

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	require.NoError(t, d.AddMemberDevices(context.Background(), group.GroupID, []MemberDevice{
		{Pubkey: testPeerPubkey, DeviceID: "dev1", DisplayName: "peer"},
	}))

	require.Eventually(t, func() bool {
		g, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
		return err == nil && ok && g.LastEpoch == 2
	}, time.Second, 5*time.Millisecond)

	engine, err := mlsengine.NewFakeFactory(store)(context.Background())
	require.NoError(t, err)
	members, err := engine.Members(context.Background(), group.EngineGroupID)
	require.NoError(t, err)
	require.Contains(t, members, testPeerPubkey)

	require.Eventually(t, func() bool { return sealer.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRemoveMemberDevice(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, rec)

	group, err := d.CreateGroup(context.Background(), "friends", []MemberDevice{
		{Pubkey: testPeerPubkey, DeviceID: "dev1"},
	})
	require.NoError(t, err)

	require.NoError(t, d.RemoveMemberDevice(context.Background(), group.GroupID, testPeerPubkey, "dev1"))

	engine, err := mlsengine.NewFakeFactory(store)(context.Background())
	require.NoError(t, err)
	members, err := engine.Members(context.Background(), group.EngineGroupID)
	require.NoError(t, err)
	require.NotContains(t, members, testPeerPubkey)

	g, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), g.LastEpoch)
}

func TestRemoveMemberDevice_RejectsNonMember(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	err = d.RemoveMemberDevice(context.Background(), group.GroupID, testPeerPubkey, "dev1")
	require.Error(t, err)
}

func TestLeaveGroup_DeletesGroupAndChat(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, rec)

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	require.NoError(t, d.LeaveGroup(context.Background(), group.GroupID))

	_, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = storage.GetChat(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.False(t, ok)

	require.Contains(t, []events.Kind{rec.Events[len(rec.Events)-1].Kind}, events.KindMlsGroupLeft)
}

func TestCleanupEvictedGroup_RetainsGroupRow(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)
	require.NoError(t, storage.UpsertChat(context.Background(), d.DB, storage.Chat{ID: group.GroupID, Kind: storage.ChatKindMlsGroup, MlsGroupID: group.GroupID}))

	require.NoError(t, d.CleanupEvictedGroup(context.Background(), group.GroupID))

	g, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, g.Evicted)

	_, ok, err = storage.GetChat(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.False(t, ok)
}

func mustEngine(t *testing.T, factory mlsengine.Factory) mlsengine.Engine {
	t.Helper()
	e, err := factory(context.Background())
	require.NoError(t, err)
	return e
}

func TestSyncGroupSinceCursor_PersistsApplicationMessage(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, nil, &fakeSealer{}, &fakePublisher{}, rec)

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	inner := InnerRumor{PubKey: testPeerPubkey, CreatedAt: 100, Kind: nostrKindChatMessage, Content: "hi there"}
	plaintext, err := json.Marshal(inner)
	require.NoError(t, err)

	engine := mustEngine(t, mlsengine.NewFakeFactory(store))
	wire, err := engine.CreateMessage(context.Background(), group.EngineGroupID, plaintext)
	require.NoError(t, err)

	d.Fetcher = fakeFetcher{wrappers: []WrapperEvent{
		{ID: "wrapper-1", CreatedAt: 100, GroupWireID: group.GroupID, Raw: wire},
	}}

	n, err := d.SyncGroupSinceCursor(context.Background(), group.GroupID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs, err := storage.ListMessages(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi there", msgs[0].Content)

	require.Len(t, rec.Events, 2) // initial sync + mls_message_new
	require.Equal(t, events.KindMlsMessageNew, rec.Events[1].Kind)

	cursor, err := storage.GetMlsEventCursor(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.Equal(t, int64(100), cursor.LastCreatedAt)
}

func TestSyncGroupSinceCursor_IsIdempotentUnderReplay(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, nil, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	inner := InnerRumor{PubKey: testPeerPubkey, CreatedAt: 100, Kind: nostrKindChatMessage, Content: "hi there"}
	plaintext, _ := json.Marshal(inner)
	engine := mustEngine(t, mlsengine.NewFakeFactory(store))
	wire, err := engine.CreateMessage(context.Background(), group.EngineGroupID, plaintext)
	require.NoError(t, err)

	wrapper := WrapperEvent{ID: "wrapper-1", CreatedAt: 100, GroupWireID: group.GroupID, Raw: wire}
	d.Fetcher = fakeFetcher{wrappers: []WrapperEvent{wrapper}}

	n1, err := d.SyncGroupSinceCursor(context.Background(), group.GroupID)
	require.NoError(t, err)
	require.Equal(t, 1, n1)

	// Same wrapper fetched again (relay replay): the dedup-by-cursor guard
	// should see it as not-newer-than-cursor and skip it outright.
	n2, err := d.SyncGroupSinceCursor(context.Background(), group.GroupID)
	require.NoError(t, err)
	require.Equal(t, 0, n2)

	msgs, err := storage.ListMessages(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

// flakyEngine wraps a FakeEngine but reports the first attempt at any wire
// message containing needle as unprocessable, simulating an application
// message that arrives at the engine before the commit it depends on and
// becomes processable only on a later retry pass. Every other wire
// message processes normally on the first attempt.
type flakyEngine struct {
	mlsengine.Engine
	needle string

	mu      sync.Mutex
	flaked  map[string]bool
}

func (e *flakyEngine) ProcessIncoming(ctx context.Context, engineGroupID string, wire []byte) (mlsengine.ProcessOutcome, error) {
	if strings.Contains(string(wire), e.needle) {
		key := fmt.Sprintf("%x", wire)
		e.mu.Lock()
		already := e.flaked[key]
		e.flaked[key] = true
		e.mu.Unlock()
		if !already {
			return mlsengine.ProcessOutcome{Kind: mlsengine.OutcomeUnprocessable}, nil
		}
	}
	return e.Engine.ProcessIncoming(ctx, engineGroupID, wire)
}

func TestSyncGroupSinceCursor_RetriesOutOfOrderEventAcrossPasses(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	baseFactory := mlsengine.NewFakeFactory(store)
	flaky := &flakyEngine{needle: "delayed", flaked: make(map[string]bool)}
	factory := func(ctx context.Context) (mlsengine.Engine, error) {
		base, err := baseFactory(ctx)
		if err != nil {
			return nil, err
		}
		flaky.Engine = base
		return flaky, nil
	}

	d := newTestDriver(t, factory, fakeResolver{}, nil, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	delayedInner := InnerRumor{PubKey: testPeerPubkey, CreatedAt: 200, Kind: nostrKindChatMessage, Content: "delayed"}
	delayedPlaintext, _ := json.Marshal(delayedInner)
	delayedWire, err := flaky.Engine.CreateMessage(context.Background(), group.EngineGroupID, delayedPlaintext)
	require.NoError(t, err)

	// A companion event that succeeds on the very first attempt. Without it,
	// a lone flaky event would never get a second pass: this driver only
	// re-attempts a pass's leftovers when some other event in that same
	// pass made progress, mirroring why real epoch-ordered retry exists
	// (an event unblocks once ITS commit lands, not merely with time).
	readyInner := InnerRumor{PubKey: testPeerPubkey, CreatedAt: 199, Kind: nostrKindChatMessage, Content: "ready"}
	readyPlaintext, _ := json.Marshal(readyInner)
	readyWire, err := flaky.Engine.CreateMessage(context.Background(), group.EngineGroupID, readyPlaintext)
	require.NoError(t, err)

	d.Fetcher = fakeFetcher{wrappers: []WrapperEvent{
		{ID: "wrapper-ready", CreatedAt: 199, GroupWireID: group.GroupID, Raw: readyWire},
		{ID: "wrapper-delayed", CreatedAt: 200, GroupWireID: group.GroupID, Raw: delayedWire},
	}}

	n, err := d.SyncGroupSinceCursor(context.Background(), group.GroupID)
	require.NoError(t, err)
	require.Equal(t, 2, n, "both events should be persisted once the retry pass reprocesses the delayed one")

	g, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, g.DesyncCount, "a retry that eventually succeeds must not count against the desync budget")
}

func TestSyncGroupSinceCursor_PermanentlyUnprocessableEventIncrementsDesync(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, nil, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	d.Fetcher = fakeFetcher{wrappers: []WrapperEvent{
		{ID: "wrapper-garbage", CreatedAt: 300, GroupWireID: group.GroupID, Raw: []byte("not a valid wire message")},
	}}

	n, err := d.SyncGroupSinceCursor(context.Background(), group.GroupID)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	g, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, g.DesyncCount)

	cursor, err := storage.GetMlsEventCursor(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.Equal(t, int64(300), cursor.LastCreatedAt, "cursor must still advance past a permanently broken event")
}

func TestSyncGroupSinceCursor_DesyncThresholdTriggersRejoin(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, nil, &fakeSealer{}, &fakePublisher{}, rec)
	d.RejoinThreshold = 2

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d.Fetcher = fakeFetcher{wrappers: []WrapperEvent{
			{ID: fmt.Sprintf("wrapper-bad-%d", i), CreatedAt: int64(400 + i), GroupWireID: group.GroupID, Raw: []byte("garbage")},
		}}
		_, err := d.SyncGroupSinceCursor(context.Background(), group.GroupID)
		require.NoError(t, err)
	}

	g, ok, err := storage.GetMlsGroup(context.Background(), d.DB, group.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, g.NeedsRejoin)

	var sawRejoin bool
	for _, ev := range rec.Events {
		if ev.Kind == events.KindMlsGroupNeedsRejoin {
			sawRejoin = true
		}
	}
	require.True(t, sawRejoin)
}

func TestSendMessage_ConfirmsAndRenamesPendingID(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, pub, rec)

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	msg, err := d.SendMessage(context.Background(), group.GroupID, "hello group", "")
	require.NoError(t, err)

	require.False(t, msg.Pending)
	require.False(t, msg.Failed)
	require.Equal(t, "hello group", msg.Content)
	require.NotContains(t, msg.ID, "pending-")

	stored, ok, err := storage.FindMessage(context.Background(), d.DB, group.GroupID, msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello group", stored.Content)

	var sawPending, sawConfirmed bool
	for _, ev := range rec.Events {
		if ev.Kind != events.KindMlsMessageNew {
			continue
		}
		payload := ev.Payload.(events.MlsMessagePayload)
		if payload.MessageID == msg.ID {
			sawConfirmed = true
		}
		if strings.HasPrefix(payload.MessageID, "pending-") {
			sawPending = true
		}
	}
	require.True(t, sawPending)
	require.True(t, sawConfirmed)
}

func TestSendMessage_ReplyTag(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	msg, err := d.SendMessage(context.Background(), group.GroupID, "a reply", "original-event-id")
	require.NoError(t, err)
	require.Equal(t, "original-event-id", msg.ReplyToID)
}

func TestSendMessage_FailsAfterExhaustingRetriesAndMarksFailed(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{fail: true}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, pub, rec)

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	_, err = d.SendMessage(context.Background(), group.GroupID, "never lands", "")
	require.Error(t, err)

	var pendingID string
	for _, ev := range rec.Events {
		if ev.Kind != events.KindMlsMessageNew {
			continue
		}
		if id := ev.Payload.(events.MlsMessagePayload).MessageID; strings.HasPrefix(id, "pending-") {
			pendingID = id
		}
	}
	require.NotEmpty(t, pendingID)

	stored, ok, err := storage.FindMessage(context.Background(), d.DB, group.GroupID, pendingID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.Failed)
	require.False(t, stored.Pending)
}

func TestSendMessage_UnknownGroupFails(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	_, err := d.SendMessage(context.Background(), "no-such-group", "hi", "")
	require.Error(t, err)
}

func TestSendAttachment_PersistsAttachmentAndReassignsIDOnConfirm(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, pub, rec)
	d.Attachments = &attachment.GroupPipeline{
		Encrypter: fakeEncrypter{},
		Uploader:  fakeUploader{url: "https://blossom.test/blob123"},
	}

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	msg, err := d.SendAttachment(context.Background(), group.GroupID, []byte("plaintext bytes"), "image/jpeg", &attachment.ImageMeta{Width: 10, Height: 20, Blurhash: "abc"}, "")
	require.NoError(t, err)
	require.False(t, msg.Failed)
	require.NotContains(t, msg.ID, "pending-")

	att, ok, err := storage.GetAttachment(context.Background(), d.DB, msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg.ID, att.MessageID)
	require.Equal(t, "https://blossom.test/blob123", att.URL)
	require.Equal(t, "image/jpeg", att.MimeType)
	require.False(t, att.Reusable)
}

func TestSendAttachment_NoPipelineConfiguredFails(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, events.NoopEmitter{})

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	_, err = d.SendAttachment(context.Background(), group.GroupID, []byte("data"), "image/jpeg", nil, "")
	require.Error(t, err)
}

func TestSendAttachment_UploadFailureMarksPendingFailed(t *testing.T) {
	store := mlsengine.NewMemoryStore()
	rec := &events.RecordingEmitter{}
	d := newTestDriver(t, mlsengine.NewFakeFactory(store), fakeResolver{}, fakeFetcher{}, &fakeSealer{}, &fakePublisher{}, rec)
	d.Attachments = &attachment.GroupPipeline{
		Encrypter:   fakeEncrypter{},
		Uploader:    fakeUploader{err: fmt.Errorf("upload refused")},
		Attempts:    1,
		BaseBackoff: time.Millisecond,
	}

	group, err := d.CreateGroup(context.Background(), "friends", nil)
	require.NoError(t, err)

	_, err = d.SendAttachment(context.Background(), group.GroupID, []byte("data"), "image/jpeg", nil, "")
	require.Error(t, err)

	var pendingID string
	for _, ev := range rec.Events {
		if ev.Kind != events.KindMlsMessageNew {
			continue
		}
		if id := ev.Payload.(events.MlsMessagePayload).MessageID; strings.HasPrefix(id, "pending-") {
			pendingID = id
		}
	}
	require.NotEmpty(t, pendingID)

	stored, ok, err := storage.FindMessage(context.Background(), d.DB, group.GroupID, pendingID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.Failed)
}
