package mlsengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// memoryStore is the persistent backing state a real engine implementation
// would keep on disk; FakeEngine handles are cheap views over a shared
// store, mimicking "fresh handle per operation, durable state underneath".
type memoryStore struct {
	mu     sync.Mutex
	groups map[string]*fakeGroup
}

type fakeGroup struct {
	epoch          uint64
	members        map[string]bool // pubkey -> present
	pendingCommit  *pendingCommit
	nextMsgID      int
}

type pendingCommit struct {
	newMembers map[string]bool
	removed    string
	resultEpoch uint64
}

// NewMemoryStore returns a fresh, empty backing store. Tests that need
// several Engine handles to observe the same group state (simulating the
// same account's engine across operations) share one store via
// NewFakeFactory.
func NewMemoryStore() *memoryStore {
	return &memoryStore{groups: make(map[string]*fakeGroup)}
}

// NewFakeFactory returns a Factory producing FakeEngine handles backed by
// the given store.
func NewFakeFactory(store *memoryStore) Factory {
	return func(ctx context.Context) (Engine, error) {
		return &FakeEngine{store: store}, nil
	}
}

// FakeEngine is an in-memory stand-in for a real MLS engine, used by this
// module's tests and by cmd/vectorcore. It performs no cryptography: wire messages are
// opaque tagged blobs, and plaintexts pass through unmodified.
type FakeEngine struct {
	store *memoryStore
}

var errGroupNotFound = errors.New("mlsengine: group not found")
var errNoPendingCommit = errors.New("mlsengine: no pending commit")

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (f *FakeEngine) CreateGroup(ctx context.Context, self KeyPackage, members []KeyPackage) (CreateResult, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	id := randomID()
	g := &fakeGroup{epoch: 1, members: map[string]bool{self.Pubkey: true}}
	for _, m := range members {
		g.members[m.Pubkey] = true
	}
	f.store.groups[id] = g

	return CreateResult{EngineGroupID: id, Epoch: g.epoch, Welcome: []byte("welcome:" + id)}, nil
}

// JoinFromWelcome parses the fake's own "welcome:<id>" wire format (the
// literal string FakeEngine.CreateGroup/AddMembers hand back as a Welcome)
// and adds self to the referenced group.
func (f *FakeEngine) JoinFromWelcome(ctx context.Context, welcome []byte, self KeyPackage) (CreateResult, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	const prefix = "welcome:"
	s := string(welcome)
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return CreateResult{}, errors.New("mlsengine: malformed welcome")
	}
	id := s[len(prefix):]
	g, ok := f.store.groups[id]
	if !ok {
		return CreateResult{}, errGroupNotFound
	}
	g.members[self.Pubkey] = true
	return CreateResult{EngineGroupID: id, Epoch: g.epoch}, nil
}

func (f *FakeEngine) AddMembers(ctx context.Context, engineGroupID string, members []KeyPackage) (CommitBundle, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	g, ok := f.store.groups[engineGroupID]
	if !ok {
		return CommitBundle{}, errGroupNotFound
	}
	added := make(map[string]bool, len(members))
	for _, m := range members {
		added[m.Pubkey] = true
	}
	g.pendingCommit = &pendingCommit{newMembers: added, resultEpoch: g.epoch + 1}

	return CommitBundle{
		Commit:  []byte(fmt.Sprintf("commit:%s:epoch%d", engineGroupID, g.pendingCommit.resultEpoch)),
		Welcome: []byte("welcome:" + engineGroupID),
	}, nil
}

func (f *FakeEngine) RemoveMember(ctx context.Context, engineGroupID string, memberPubkey, deviceID string) (CommitBundle, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	g, ok := f.store.groups[engineGroupID]
	if !ok {
		return CommitBundle{}, errGroupNotFound
	}
	g.pendingCommit = &pendingCommit{removed: memberPubkey, resultEpoch: g.epoch + 1}

	return CommitBundle{
		Commit: []byte(fmt.Sprintf("commit:%s:epoch%d", engineGroupID, g.pendingCommit.resultEpoch)),
	}, nil
}

func (f *FakeEngine) MergePendingCommit(ctx context.Context, engineGroupID string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	g, ok := f.store.groups[engineGroupID]
	if !ok {
		return errGroupNotFound
	}
	if g.pendingCommit == nil {
		return errNoPendingCommit
	}
	for pk := range g.pendingCommit.newMembers {
		g.members[pk] = true
	}
	if g.pendingCommit.removed != "" {
		delete(g.members, g.pendingCommit.removed)
	}
	g.epoch = g.pendingCommit.resultEpoch
	g.pendingCommit = nil
	return nil
}

func (f *FakeEngine) DiscardPendingCommit(ctx context.Context, engineGroupID string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	g, ok := f.store.groups[engineGroupID]
	if !ok {
		return errGroupNotFound
	}
	g.pendingCommit = nil
	return nil
}

func (f *FakeEngine) CreateMessage(ctx context.Context, engineGroupID string, plaintext []byte) ([]byte, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	g, ok := f.store.groups[engineGroupID]
	if !ok {
		return nil, errGroupNotFound
	}
	g.nextMsgID++
	wire := append([]byte(fmt.Sprintf("app:%d:", g.epoch)), plaintext...)
	return wire, nil
}

func (f *FakeEngine) ProcessIncoming(ctx context.Context, engineGroupID string, wire []byte) (ProcessOutcome, error) {
	f.store.mu.Lock()
	g, ok := f.store.groups[engineGroupID]
	f.store.mu.Unlock()
	if !ok {
		return ProcessOutcome{Kind: OutcomeUnprocessable}, errGroupNotFound
	}

	s := string(wire)
	switch {
	case len(s) >= 4 && s[:4] == "app:":
		i := 4
		for i < len(s) && s[i] != ':' {
			i++
		}
		return ProcessOutcome{Kind: OutcomeApplicationMessage, Plaintext: wire[i+1:], NewEpoch: g.epoch}, nil
	case len(s) >= 7 && s[:7] == "commit:":
		return ProcessOutcome{Kind: OutcomeCommit, NewEpoch: g.epoch + 1}, nil
	default:
		return ProcessOutcome{Kind: OutcomeUnprocessable, FailureError: errors.New("mlsengine: malformed wire message")}, nil
	}
}

func (f *FakeEngine) Members(ctx context.Context, engineGroupID string) ([]string, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	g, ok := f.store.groups[engineGroupID]
	if !ok {
		return nil, errGroupNotFound
	}
	out := make([]string, 0, len(g.members))
	for pk := range g.members {
		out = append(out, pk)
	}
	return out, nil
}

func (f *FakeEngine) Epoch(ctx context.Context, engineGroupID string) (uint64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	g, ok := f.store.groups[engineGroupID]
	if !ok {
		return 0, errGroupNotFound
	}
	return g.epoch, nil
}

func (f *FakeEngine) Close() error { return nil }
