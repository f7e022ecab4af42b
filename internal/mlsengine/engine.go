// Package mlsengine defines the boundary between this core and the MLS
// cryptographic library it drives. No Go MLS implementation exists in the
// example pack (or, at the time of writing, the wider ecosystem) — the
// specification itself treats "the MLS library" as an external
// collaborator this core uses but does not define. Engine is that
// collaborator's interface; FakeEngine is an in-memory stand-in used by
// this module's tests and by cmd/vectorcore in place of a real engine.
package mlsengine

import "context"

// KeyPackage is an opaque, published-once-per-device MLS key package.
type KeyPackage struct {
	Pubkey    string
	DeviceID  string
	EventID   string
	Data      []byte
	CreatedAt int64
}

// CreateResult is returned by CreateGroup.
type CreateResult struct {
	EngineGroupID string
	Epoch         uint64
	Welcome       []byte
}

// CommitBundle is the output of a state-changing group operation: a commit
// message to publish, and (for add operations) a welcome for the new
// member. Per the driver's access policy, a commit is never merged into
// local state until its publish is confirmed.
type CommitBundle struct {
	Commit  []byte
	Welcome []byte
}

// OutcomeKind classifies a processed incoming wrapper message.
type OutcomeKind int

const (
	OutcomeApplicationMessage OutcomeKind = iota
	OutcomeCommit
	OutcomeProposal
	OutcomeUnprocessable
)

// ProcessOutcome is the result of feeding one incoming wire message to the
// engine.
type ProcessOutcome struct {
	Kind         OutcomeKind
	Plaintext    []byte
	NewEpoch     uint64
	SelfRemoved  bool
	FailureError error
}

// Engine drives one account's MLS state. Implementations are expected to
// persist their own state keyed by EngineGroupID; this core never holds an
// Engine handle across an await boundary, obtaining a fresh one from a
// Factory for every operation.
type Engine interface {
	// CreateGroup creates a new group with the given initial members,
	// returning its engine-assigned id already merged into local state at
	// epoch 1 (group creation is the one operation that merges immediately
	// rather than waiting for publish confirmation, since there is no
	// earlier epoch to preserve).
	CreateGroup(ctx context.Context, self KeyPackage, members []KeyPackage) (CreateResult, error)

	// JoinFromWelcome processes a received welcome message, joining the
	// group it describes and returning the engine's assigned group id and
	// the epoch the welcome admits at.
	JoinFromWelcome(ctx context.Context, welcome []byte, self KeyPackage) (CreateResult, error)

	// AddMembers stages a commit adding members. The commit must be
	// published and confirmed before MergePendingCommit is called.
	AddMembers(ctx context.Context, engineGroupID string, members []KeyPackage) (CommitBundle, error)

	// RemoveMember stages a commit removing a member's device.
	RemoveMember(ctx context.Context, engineGroupID string, memberPubkey, deviceID string) (CommitBundle, error)

	// MergePendingCommit finalizes the most recently staged commit into
	// local state, advancing the epoch. Called only after publish confirms.
	MergePendingCommit(ctx context.Context, engineGroupID string) error

	// DiscardPendingCommit abandons a staged commit whose publish failed,
	// so a later retry starts clean rather than accumulating staged state.
	DiscardPendingCommit(ctx context.Context, engineGroupID string) error

	// CreateMessage encrypts an application message for the current epoch.
	CreateMessage(ctx context.Context, engineGroupID string, plaintext []byte) ([]byte, error)

	// ProcessIncoming decrypts/validates one incoming wrapper message.
	ProcessIncoming(ctx context.Context, engineGroupID string, wire []byte) (ProcessOutcome, error)

	// Members lists current member pubkeys. Used for eviction detection:
	// the driver only flags eviction on a definite absence from this list,
	// never from an ambiguous processing failure.
	Members(ctx context.Context, engineGroupID string) ([]string, error)

	// Epoch returns the group's current epoch.
	Epoch(ctx context.Context, engineGroupID string) (uint64, error)

	// Close releases any resources this handle opened. Safe to call on
	// every operation's fresh handle once the operation finishes.
	Close() error
}

// Factory produces a fresh Engine handle. The MLS driver calls this once
// per operation rather than holding a long-lived Engine, since the real
// engine's own mutable, file-backed state must never be shared across
// concurrent goroutines or held open across an await.
type Factory func(ctx context.Context) (Engine, error)
