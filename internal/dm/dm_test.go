package dm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vectorprivacy/vectorcore/internal/attachment"
	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/state"
	"github.com/vectorprivacy/vectorcore/internal/storage"
)

type fakeAttachmentUploader struct {
	url string
	err error
}

func (u fakeAttachmentUploader) Upload(ctx context.Context, servers []string, data []byte, mimeType string, progress func(sent, total int64)) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

var errSeal = errors.New("seal failed")

const (
	testSelfPubkey      = "0000000000000000000000000000000000000000000000000000000000000a"
	testRecipientPubkey = "0000000000000000000000000000000000000000000000000000000000000b"
)

type fakeWrapper struct {
	err error
}

func (w fakeWrapper) Seal(ctx context.Context, rumor Rumor, recipientPubkey string) ([]byte, []byte, error) {
	if w.err != nil {
		return nil, nil, w.err
	}
	return []byte("to-recipient:" + rumor.Content), []byte("to-self:" + rumor.Content), nil
}

type fakePublisher struct {
	acceptAfter int
	calls       int
	alwaysFail  bool
}

func (p *fakePublisher) Publish(ctx context.Context, relays []string, raw []byte) (bool, error) {
	p.calls++
	if p.alwaysFail {
		return false, nil
	}
	return p.calls >= p.acceptAfter, nil
}

func newTestSender(t *testing.T, w Wrapper, pub *fakePublisher, em events.Emitter) *Sender {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(db))

	s := NewSender(db, state.New(), em, w, pub, testSelfPubkey, []string{"wss://relay.test"})
	s.Attempts = 3
	s.Wait = time.Millisecond
	return s
}

func TestSend_Confirms(t *testing.T) {
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{acceptAfter: 2}
	s := newTestSender(t, fakeWrapper{}, pub, rec)

	msg, err := s.Send(context.Background(), testRecipientPubkey, "hello there", "")
	require.NoError(t, err)

	require.False(t, msg.Pending)
	require.False(t, msg.Failed)
	require.Equal(t, "hello there", msg.Content)
	require.Equal(t, testRecipientPubkey, msg.ChatID)
	require.NotEmpty(t, msg.ID)
	require.NotContains(t, msg.ID, "pending-")

	// recipient publish attempted twice (accept on 2nd) plus one best-effort
	// self-copy publish.
	require.Equal(t, 3, pub.calls)

	require.Len(t, rec.Events, 2)
	require.Equal(t, events.KindMessageNew, rec.Events[0].Kind)
	require.Equal(t, events.KindMessageUpdate, rec.Events[1].Kind)

	stored, ok, err := storage.FindMessage(context.Background(), s.DB, testRecipientPubkey, msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg.Content, stored.Content)
}

func TestSend_ReplyTag(t *testing.T) {
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{acceptAfter: 1}
	s := newTestSender(t, fakeWrapper{}, pub, rec)

	msg, err := s.Send(context.Background(), testRecipientPubkey, "a reply", "original-event-id")
	require.NoError(t, err)
	require.Equal(t, "original-event-id", msg.ReplyToID)
}

func TestSend_FailsAfterExhaustingRetries(t *testing.T) {
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{alwaysFail: true}
	s := newTestSender(t, fakeWrapper{}, pub, rec)

	_, err := s.Send(context.Background(), testRecipientPubkey, "never lands", "")
	require.Error(t, err)

	require.Equal(t, s.Attempts, pub.calls)

	require.Len(t, rec.Events, 2)
	require.Equal(t, events.KindMessageNew, rec.Events[0].Kind)
	require.Equal(t, events.KindMessageUpdate, rec.Events[1].Kind)

	msgID := rec.Events[0].Payload.(events.MessagePayload).MessageID
	stored, ok, err := storage.FindMessage(context.Background(), s.DB, testRecipientPubkey, msgID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.Failed)
	require.False(t, stored.Pending)
}

func TestSend_SealErrorFailsImmediately(t *testing.T) {
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{acceptAfter: 1}
	sealErr := fakeWrapper{err: errSeal}
	s := newTestSender(t, sealErr, pub, rec)

	_, err := s.Send(context.Background(), testRecipientPubkey, "boom", "")
	require.Error(t, err)
	require.Equal(t, 0, pub.calls)

	msgID := rec.Events[0].Payload.(events.MessagePayload).MessageID
	stored, ok, err := storage.FindMessage(context.Background(), s.DB, testRecipientPubkey, msgID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.Failed)
}

func TestSendAttachment_ConfirmsAndPersistsRow(t *testing.T) {
	rec := &events.RecordingEmitter{}
	pub := &fakePublisher{acceptAfter: 1}
	s := newTestSender(t, fakeWrapper{}, pub, rec)
	s.Attachments = &attachment.DMPipeline{
		DB:       s.DB,
		Uploader: fakeAttachmentUploader{url: "https://blossom.test/blob456"},
	}

	msg, err := s.SendAttachment(context.Background(), testRecipientPubkey, []byte("plaintext bytes"), "image/png", "png", &attachment.ImageMeta{Width: 4, Height: 8, Blurhash: "xyz"}, "")
	require.NoError(t, err)
	require.False(t, msg.Pending)
	require.False(t, msg.Failed)
	require.NotContains(t, msg.ID, "pending-")

	// DM attachments are keyed by content hash, not message id.
	sum := sha256.Sum256([]byte("plaintext bytes"))
	hash := hex.EncodeToString(sum[:])
	att, ok, err := storage.GetAttachment(context.Background(), s.DB, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg.ID, att.MessageID)
	require.Equal(t, "https://blossom.test/blob456", att.URL)
}

func TestSendAttachment_NoPipelineConfiguredFails(t *testing.T) {
	s := newTestSender(t, fakeWrapper{}, &fakePublisher{acceptAfter: 1}, events.NoopEmitter{})

	_, err := s.SendAttachment(context.Background(), testRecipientPubkey, []byte("data"), "image/png", "png", nil, "")
	require.Error(t, err)
}

func TestSendAttachment_UploadFailureMarksPendingFailed(t *testing.T) {
	rec := &events.RecordingEmitter{}
	s := newTestSender(t, fakeWrapper{}, &fakePublisher{acceptAfter: 1}, rec)
	s.Attachments = &attachment.DMPipeline{
		DB:          s.DB,
		Uploader:    fakeAttachmentUploader{err: errors.New("upload refused")},
		Attempts:    1,
		BaseBackoff: time.Millisecond,
	}

	_, err := s.SendAttachment(context.Background(), testRecipientPubkey, []byte("data"), "image/png", "png", nil, "")
	require.Error(t, err)

	msgID := rec.Events[0].Payload.(events.MessagePayload).MessageID
	stored, ok, err := storage.FindMessage(context.Background(), s.DB, testRecipientPubkey, msgID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.Failed)
}
