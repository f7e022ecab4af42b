package mlsengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newFakeEngine(t *testing.T) *FakeEngine {
	t.Helper()
	factory := NewFakeFactory(NewMemoryStore())
	eng, err := factory(context.Background())
	require.NoError(t, err)
	return eng.(*FakeEngine)
}

func TestCreateGroupStartsAtEpochOne(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)

	self := KeyPackage{Pubkey: "alice"}
	bob := KeyPackage{Pubkey: "bob"}
	res, err := eng.CreateGroup(ctx, self, []KeyPackage{bob})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Epoch)
	require.NotEmpty(t, res.EngineGroupID)

	members, err := eng.Members(ctx, res.EngineGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestJoinFromWelcome(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	factory := NewFakeFactory(store)

	creator, err := factory(ctx)
	require.NoError(t, err)
	res, err := creator.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, nil)
	require.NoError(t, err)

	res2, err := factory(ctx)
	require.NoError(t, err)
	joinRes, err := res2.JoinFromWelcome(ctx, res.Welcome, KeyPackage{Pubkey: "bob"})
	require.NoError(t, err)
	require.Equal(t, res.EngineGroupID, joinRes.EngineGroupID)

	members, err := res2.Members(ctx, res.EngineGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestJoinFromWelcomeMalformed(t *testing.T) {
	eng := newFakeEngine(t)
	_, err := eng.JoinFromWelcome(context.Background(), []byte("not-a-welcome"), KeyPackage{Pubkey: "bob"})
	require.Error(t, err)
}

func TestAddMembersRequiresMergeToTakeEffect(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)

	res, err := eng.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, nil)
	require.NoError(t, err)

	_, err = eng.AddMembers(ctx, res.EngineGroupID, []KeyPackage{{Pubkey: "carol"}})
	require.NoError(t, err)

	// Before merge, the new member must not be visible.
	members, err := eng.Members(ctx, res.EngineGroupID)
	require.NoError(t, err)
	require.NotContains(t, members, "carol")

	require.NoError(t, eng.MergePendingCommit(ctx, res.EngineGroupID))

	members, err = eng.Members(ctx, res.EngineGroupID)
	require.NoError(t, err)
	require.Contains(t, members, "carol")

	epoch, err := eng.Epoch(ctx, res.EngineGroupID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch)
}

func TestRemoveMemberCommitAndMerge(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)

	res, err := eng.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, []KeyPackage{{Pubkey: "bob"}})
	require.NoError(t, err)

	_, err = eng.RemoveMember(ctx, res.EngineGroupID, "bob", "device1")
	require.NoError(t, err)
	require.NoError(t, eng.MergePendingCommit(ctx, res.EngineGroupID))

	members, err := eng.Members(ctx, res.EngineGroupID)
	require.NoError(t, err)
	require.NotContains(t, members, "bob")
}

func TestMergePendingCommitWithoutStagedCommitFails(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	res, err := eng.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, nil)
	require.NoError(t, err)

	err = eng.MergePendingCommit(ctx, res.EngineGroupID)
	require.ErrorIs(t, err, errNoPendingCommit)
}

func TestDiscardPendingCommit(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	res, err := eng.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, nil)
	require.NoError(t, err)

	_, err = eng.AddMembers(ctx, res.EngineGroupID, []KeyPackage{{Pubkey: "carol"}})
	require.NoError(t, err)
	require.NoError(t, eng.DiscardPendingCommit(ctx, res.EngineGroupID))

	// With the staged commit discarded, a subsequent merge must fail —
	// there is nothing left to merge.
	err = eng.MergePendingCommit(ctx, res.EngineGroupID)
	require.ErrorIs(t, err, errNoPendingCommit)
}

func TestCreateMessageAndProcessIncomingRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	res, err := eng.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, nil)
	require.NoError(t, err)

	wire, err := eng.CreateMessage(ctx, res.EngineGroupID, []byte("hello group"))
	require.NoError(t, err)

	outcome, err := eng.ProcessIncoming(ctx, res.EngineGroupID, wire)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplicationMessage, outcome.Kind)
	require.Equal(t, []byte("hello group"), outcome.Plaintext)
}

func TestProcessIncomingCommitMessage(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	res, err := eng.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, nil)
	require.NoError(t, err)

	bundle, err := eng.AddMembers(ctx, res.EngineGroupID, []KeyPackage{{Pubkey: "carol"}})
	require.NoError(t, err)

	outcome, err := eng.ProcessIncoming(ctx, res.EngineGroupID, bundle.Commit)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommit, outcome.Kind)
	require.Equal(t, uint64(2), outcome.NewEpoch)
}

func TestProcessIncomingMalformedWire(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)
	res, err := eng.CreateGroup(ctx, KeyPackage{Pubkey: "alice"}, nil)
	require.NoError(t, err)

	outcome, err := eng.ProcessIncoming(ctx, res.EngineGroupID, []byte("garbage"))
	require.NoError(t, err)
	require.Equal(t, OutcomeUnprocessable, outcome.Kind)
	require.Error(t, outcome.FailureError)
}

func TestOperationsOnUnknownGroupFail(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine(t)

	_, err := eng.Members(ctx, "nonexistent")
	require.ErrorIs(t, err, errGroupNotFound)

	_, err = eng.Epoch(ctx, "nonexistent")
	require.ErrorIs(t, err, errGroupNotFound)

	_, err = eng.AddMembers(ctx, "nonexistent", nil)
	require.ErrorIs(t, err, errGroupNotFound)
}

func TestClose(t *testing.T) {
	eng := newFakeEngine(t)
	require.NoError(t, eng.Close())
}
