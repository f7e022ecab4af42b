package storage

// ChatKind distinguishes a direct-message chat from an MLS group chat — the
// two variants of the Chat entity in the data model this core implements.
type ChatKind string

const (
	ChatKindDM       ChatKind = "dm"
	ChatKindMlsGroup ChatKind = "mls_group"
)

// Chat is a conversation: either a one-to-one DM keyed by the peer's pubkey,
// or an MLS group keyed by its wire group id.
type Chat struct {
	ID            string
	Kind          ChatKind
	DMPeerPubkey  string
	MlsGroupID    string
	CreatedAt     int64
	LastMessageAt int64
	LastReadAt    int64
}

// Profile is a cached NIP-01 kind-0 metadata snapshot for a pubkey.
type Profile struct {
	Pubkey       string
	Name         string
	DisplayName  string
	About        string
	Picture      string
	Nip05        string
	Nip05Verified bool
	UpdatedAt    int64
}

// Event is the durable record of a decrypted inner rumor, kept independent
// of the Message projection so edits can be replayed from history.
type Event struct {
	ID           string
	ChatID       string
	AuthorPubkey string
	Kind         int
	CreatedAt    int64
	Content      string
	TagsJSON     string
	RawJSON      string
}

// MessageKind distinguishes the chat-message projections the rumor
// processor can produce.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// Message is the chat-visible projection of one or more Events (an edit
// replaces Content but keeps the original message id and position).
type Message struct {
	ID             string
	ChatID         string
	EventID        string
	WrapperEventID string
	AuthorPubkey   string
	Content        string
	ReplyToID      string
	Kind           MessageKind
	CreatedAt      int64
	EditedAt       int64
	Pending        bool
	Failed         bool
}

// Attachment is a content-addressed encrypted blob referenced by a message.
// ID is the sha256 of the original plaintext; Reusable is false for
// MLS-derived keys, which must never be shared across messages.
type Attachment struct {
	ID         string
	MessageID  string
	ChatID     string
	URL        string
	MimeType   string
	Size       int64
	EncKey     string
	EncNonce   string
	LocalPath  string
	Width      int
	Height     int
	Blurhash   string
	Reusable   bool
}

// Reaction is a single emoji reaction to a message, deduplicated by its
// originating event id.
type Reaction struct {
	ID           string
	MessageID    string
	ChatID       string
	AuthorPubkey string
	Emoji        string
	CreatedAt    int64
}

// MlsGroup is the metadata row for a group chat's MLS state.
type MlsGroup struct {
	GroupID       string
	EngineGroupID string
	Name          string
	CreatedAt     int64
	LastEpoch     uint64
	Evicted       bool
	NeedsRejoin   bool
	DesyncCount   int
}

// MlsEventCursor is the strictly-advancing backfill position for one
// group's wrapper-event subscription.
type MlsEventCursor struct {
	GroupID       string
	LastCreatedAt int64
	LastEventID   string
}

// MlsKeyPackage records the most recent published key package per device.
// AddMemberDevices does not consult it; invitee key packages are resolved
// through the driver's KeyPackageResolver.
type MlsKeyPackage struct {
	Pubkey    string
	DeviceID  string
	EventID   string
	CreatedAt int64
}
