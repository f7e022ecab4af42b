// Package events defines the UI event bus: the typed notifications this
// core emits so an (out-of-scope) UI layer can react without polling
// storage. The real sink is owned by the UI; this package only defines the
// shapes and a couple of in-process implementations used by the core itself
// and by tests.
package events

// Kind identifies the UI event variant, mirroring the names listed in the
// external-interfaces section of the specification this core implements.
type Kind string

const (
	KindMessageNew               Kind = "message_new"
	KindMessageUpdate            Kind = "message_update"
	KindMlsMessageNew            Kind = "mls_message_new"
	KindMlsGroupInitialSync      Kind = "mls_group_initial_sync"
	KindMlsGroupUpdated          Kind = "mls_group_updated"
	KindMlsGroupLeft             Kind = "mls_group_left"
	KindMlsGroupNeedsRejoin      Kind = "mls_group_needs_rejoin"
	KindMlsInviteReceived        Kind = "mls_invite_received"
	KindMlsError                 Kind = "mls_error"
	KindAttachmentUploadProgress Kind = "attachment_upload_progress"
	KindTypingUpdate             Kind = "typing-update"
	KindSystemEvent              Kind = "system_event"
	KindPivxPaymentReceived      Kind = "pivx_payment_received"
	KindProgressOperation        Kind = "progress_operation"
)

// Event is the envelope delivered to the UI. Payload holds a Kind-specific
// struct from this package (MessagePayload, TypingUpdatePayload, ...).
type Event struct {
	Kind    Kind
	Payload any
}

// MessagePayload backs message_new and message_update.
type MessagePayload struct {
	ChatID    string
	MessageID string
}

// MlsMessagePayload backs mls_message_new.
type MlsMessagePayload struct {
	GroupID   string
	MessageID string
}

// MlsGroupPayload backs mls_group_initial_sync, mls_group_updated,
// mls_group_left, mls_group_needs_rejoin, and mls_invite_received.
type MlsGroupPayload struct {
	GroupID string
	Reason  string
}

// MlsErrorPayload backs mls_error; it is informational only, never unwound
// to a caller (background errors never surface as Go errors to the UI).
type MlsErrorPayload struct {
	GroupID string
	Message string
}

// AttachmentProgressPayload backs attachment_upload_progress.
type AttachmentProgressPayload struct {
	AttachmentID string
	BytesSent    int64
	TotalBytes   int64
	Done         bool
	Failed       bool
}

// TypingUpdatePayload backs typing-update.
type TypingUpdatePayload struct {
	ChatID        string
	TypingPubkeys []string
}

// SystemEventPayload backs system_event, a catch-all for advisory notices.
type SystemEventPayload struct {
	Message string
}

// PivxPaymentPayload backs pivx_payment_received.
type PivxPaymentPayload struct {
	ChatID string
	TxID   string
	Amount string
}

// ProgressOperationPayload backs progress_operation, emitted by the legacy
// JSON migration runner as it walks the import.
type ProgressOperationPayload struct {
	Operation string
	Done      int
	Total     int
}

// Emitter delivers events to whatever owns the UI surface.
type Emitter interface {
	Emit(Event)
}

// ChanEmitter is a channel-backed Emitter for a real UI process to consume.
// Emit drops the event rather than blocking forever if the channel is full,
// since a stalled UI must never stall the core.
type ChanEmitter struct {
	ch chan Event
}

// NewChanEmitter returns a ChanEmitter with the given buffer size.
func NewChanEmitter(buffer int) *ChanEmitter {
	return &ChanEmitter{ch: make(chan Event, buffer)}
}

// C exposes the receive side for the UI process to range over.
func (e *ChanEmitter) C() <-chan Event {
	return e.ch
}

// Emit implements Emitter.
func (e *ChanEmitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
	}
}

// NoopEmitter discards every event; useful in tests that don't care about
// the UI-facing side effects.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// RecordingEmitter keeps every event in memory, for assertions in tests.
type RecordingEmitter struct {
	Events []Event
}

// Emit implements Emitter.
func (r *RecordingEmitter) Emit(ev Event) {
	r.Events = append(r.Events, ev)
}
