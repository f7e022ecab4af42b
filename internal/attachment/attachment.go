// Package attachment implements the two encryption disciplines this core
// applies to chat attachments: explicit AES-GCM key/nonce with
// content-hash dedup for DMs, and MLS-derived keys with no dedup at all
// for groups (the group's derivation key advances every epoch, so reusing
// a ciphertext across sends would reuse a broken key). Both disciplines
// share one uploader with progress reporting and multi-server failover,
// grounded on the teacher's blossomUploadCmd (blossom.go).
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vectorprivacy/vectorcore/internal/cryptoutil"
	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/storage"

	"database/sql"
)

// emptyFileHash is the sha256 of zero-length input. The dedup search must
// never treat it as a real content identity: a zero-byte "attachment" is
// not a file anyone intends to reuse, and several clients historically
// produced it as a placeholder.
var emptyFileHash = hashHex(nil)

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ImageMeta carries image-specific fields the caller computed externally
// (blurhash generation and pixel-dimension decoding are media-codec
// concerns this core treats as an external collaborator, per spec §1).
type ImageMeta struct {
	Blurhash string
	Width    int
	Height   int
}

// Uploader sends an already-encrypted blob to a set of candidate servers,
// failing over between them, and reports progress keyed to the caller's
// optimistic message id.
type Uploader interface {
	Upload(ctx context.Context, servers []string, data []byte, mimeType string, progress func(sent, total int64)) (url string, err error)
}

// LiveProber HEAD-checks a remote URL, the liveness gate a dedup candidate
// must pass before its ciphertext is reused.
type LiveProber interface {
	Probe(ctx context.Context, url string) bool
}

// Rumor is the tag set an attachment contributes to its carrying message's
// rumor — either a DM file-attachment's explicit decryption tags, or an
// MLS group message's single opaque imeta tag. Consumers (internal/dm,
// internal/mls) append these to their own rumor before sealing/sending.
type Rumor struct {
	Tags [][]string
}

// Result is what a pipeline call hands back to the caller: the persisted
// attachment row and whether it reused a prior upload.
type Result struct {
	Attachment storage.Attachment
	Reused     bool
}

// DMPipeline implements the §4.6 DM discipline: dedup by content hash
// across every chat, explicit AES-GCM key/nonce on a miss, and a local
// plaintext cache for future reuse.
type DMPipeline struct {
	DB           *sql.DB
	Emitter      events.Emitter
	Uploader     Uploader
	Prober       LiveProber
	Servers      []string
	DownloadsDir string // "<downloads>/vector"

	Attempts    int           // default 3
	BaseBackoff time.Duration // default 2s
}

func (p *DMPipeline) attempts() int {
	if p.Attempts > 0 {
		return p.Attempts
	}
	return 3
}

func (p *DMPipeline) baseBackoff() time.Duration {
	if p.BaseBackoff > 0 {
		return p.BaseBackoff
	}
	return 2 * time.Second
}

// Send runs the full DM attachment discipline for one plaintext blob and
// returns the attachment rumor tags to splice into the carrying message.
func (p *DMPipeline) Send(ctx context.Context, chatID, messageID string, plaintext []byte, mimeType, extension string, img *ImageMeta) (Result, Rumor, error) {
	hash := hashHex(plaintext)

	if hash != emptyFileHash {
		if candidate, ok, err := storage.FindReusableAttachment(ctx, p.DB, hash); err == nil && ok {
			if p.Prober == nil || p.Prober.Probe(ctx, candidate.URL) {
				return Result{Attachment: candidate, Reused: true}, p.dmRumor(candidate, extension), nil
			}
		}
	}

	key, err := cryptoutil.GenerateKey()
	if err != nil {
		return Result{}, Rumor{}, fmt.Errorf("attachment: generate key: %w", err)
	}
	nonce, err := cryptoutil.GenerateNonce()
	if err != nil {
		return Result{}, Rumor{}, fmt.Errorf("attachment: generate nonce: %w", err)
	}
	ciphertext, err := cryptoutil.Encrypt(key, nonce, plaintext)
	if err != nil {
		return Result{}, Rumor{}, fmt.Errorf("attachment: encrypt: %w", err)
	}

	url, err := p.uploadWithFailover(ctx, messageID, ciphertext, mimeType)
	if err != nil {
		return Result{}, Rumor{}, fmt.Errorf("attachment: upload: %w", err)
	}

	a := storage.Attachment{
		ID:        hash,
		MessageID: messageID,
		ChatID:    chatID,
		URL:       url,
		MimeType:  mimeType,
		Size:      int64(len(ciphertext)),
		EncKey:    hex.EncodeToString(key),
		EncNonce:  hex.EncodeToString(nonce),
		Reusable:  true,
	}
	if img != nil {
		a.Width, a.Height, a.Blurhash = img.Width, img.Height, img.Blurhash
	}
	if err := storage.InsertAttachment(ctx, p.DB, a); err != nil {
		return Result{}, Rumor{}, fmt.Errorf("attachment: persist: %w", err)
	}

	if err := p.cachePlaintext(hash, extension, plaintext); err != nil {
		// Caching is for future dedup only; a failure here must not fail
		// the send that already succeeded.
		_ = err
	}

	return Result{Attachment: a}, p.dmRumor(a, extension), nil
}

func (p *DMPipeline) dmRumor(a storage.Attachment, extension string) Rumor {
	tags := [][]string{
		{"file-type", a.MimeType},
		{"size", fmt.Sprintf("%d", a.Size)},
		{"encryption-algorithm", "aes-gcm"},
		{"decryption-key", a.EncKey},
		{"decryption-nonce", a.EncNonce},
		{"ox", a.ID},
	}
	if extension != "" {
		tags = append(tags, []string{"extension", extension})
	}
	if a.Blurhash != "" {
		tags = append(tags, []string{"blurhash", a.Blurhash})
		tags = append(tags, []string{"dim", fmt.Sprintf("%dx%d", a.Width, a.Height)})
	}
	return Rumor{Tags: tags}
}

func (p *DMPipeline) cachePlaintext(hash, extension string, plaintext []byte) error {
	if p.DownloadsDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.DownloadsDir, 0o700); err != nil {
		return err
	}
	name := hash
	if extension != "" {
		name += "." + extension
	}
	return os.WriteFile(filepath.Join(p.DownloadsDir, name), plaintext, 0o600)
}

// uploadWithFailover drives the uploader with bounded retry, emitting
// attachment_upload_progress keyed by messageID so the UI can correlate
// progress to the pending bubble it already shows.
func (p *DMPipeline) uploadWithFailover(ctx context.Context, messageID string, data []byte, mimeType string) (string, error) {
	var lastErr error
	total := int64(len(data))

	progress := func(sent, total int64) {
		p.emit(events.AttachmentProgressPayload{
			AttachmentID: messageID,
			BytesSent:    sent,
			TotalBytes:   total,
		})
	}

	for attempt := 0; attempt < p.attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.baseBackoff() * time.Duration(1<<uint(attempt-1))):
			}
		}
		url, err := p.Uploader.Upload(ctx, p.Servers, data, mimeType, progress)
		if err == nil {
			p.emit(events.AttachmentProgressPayload{AttachmentID: messageID, BytesSent: total, TotalBytes: total, Done: true})
			return url, nil
		}
		lastErr = err
	}

	p.emit(events.AttachmentProgressPayload{AttachmentID: messageID, TotalBytes: total, Failed: true})
	return "", fmt.Errorf("attachment: all upload attempts failed: %w", lastErr)
}

func (p *DMPipeline) emit(payload events.AttachmentProgressPayload) {
	if p.Emitter == nil {
		return
	}
	p.Emitter.Emit(events.Event{Kind: events.KindAttachmentUploadProgress, Payload: payload})
}

// MlsMediaEncrypter is the MLS library's media manager: deriving a
// per-attachment key from the group's current epoch secret and encrypting
// the plaintext under it. Genuinely external per spec §1 (the MLS library
// itself is a consumed collaborator), mirroring mlsengine.Engine's own
// boundary.
type MlsMediaEncrypter interface {
	Encrypt(ctx context.Context, engineGroupID string, plaintext []byte) (ciphertext []byte, schemeVersion int, err error)
}

// GroupPipeline implements the §4.6 MLS discipline: every send is
// re-encrypted under the group's current derived key, so ciphertexts are
// never reused even for identical plaintext sent twice.
type GroupPipeline struct {
	Emitter     events.Emitter
	Encrypter   MlsMediaEncrypter
	Uploader    Uploader
	Servers     []string
	Attempts    int
	BaseBackoff time.Duration
}

func (p *GroupPipeline) attempts() int {
	if p.Attempts > 0 {
		return p.Attempts
	}
	return 3
}

func (p *GroupPipeline) baseBackoff() time.Duration {
	if p.BaseBackoff > 0 {
		return p.BaseBackoff
	}
	return 2 * time.Second
}

// Send encrypts plaintext under the group's current epoch key, uploads it,
// and returns the single imeta tag an MLS chat-message rumor carries for
// the attachment — no explicit key/nonce tags, since the recipient derives
// the same key from the group's own MLS state.
func (p *GroupPipeline) Send(ctx context.Context, engineGroupID, messageID string, plaintext []byte, mimeType string, img *ImageMeta) (Rumor, error) {
	ciphertext, schemeVersion, err := p.Encrypter.Encrypt(ctx, engineGroupID, plaintext)
	if err != nil {
		return Rumor{}, fmt.Errorf("attachment: mls encrypt: %w", err)
	}

	url, err := p.uploadWithFailover(ctx, messageID, ciphertext, mimeType)
	if err != nil {
		return Rumor{}, fmt.Errorf("attachment: mls upload: %w", err)
	}

	fields := []string{
		"url " + url,
		fmt.Sprintf("size %d", len(ciphertext)),
		fmt.Sprintf("v %d", schemeVersion),
	}
	if img != nil {
		if img.Blurhash != "" {
			fields = append(fields, "blurhash "+img.Blurhash)
		}
		if img.Width > 0 && img.Height > 0 {
			fields = append(fields, fmt.Sprintf("dim %dx%d", img.Width, img.Height))
		}
	}
	return Rumor{Tags: [][]string{append([]string{"imeta"}, fields...)}}, nil
}

func (p *GroupPipeline) uploadWithFailover(ctx context.Context, messageID string, data []byte, mimeType string) (string, error) {
	var lastErr error
	total := int64(len(data))
	progress := func(sent, total int64) {
		p.emit(events.AttachmentProgressPayload{AttachmentID: messageID, BytesSent: sent, TotalBytes: total})
	}

	for attempt := 0; attempt < p.attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.baseBackoff() * time.Duration(1<<uint(attempt-1))):
			}
		}
		url, err := p.Uploader.Upload(ctx, p.Servers, data, mimeType, progress)
		if err == nil {
			p.emit(events.AttachmentProgressPayload{AttachmentID: messageID, BytesSent: total, TotalBytes: total, Done: true})
			return url, nil
		}
		lastErr = err
	}
	p.emit(events.AttachmentProgressPayload{AttachmentID: messageID, TotalBytes: total, Failed: true})
	return "", fmt.Errorf("attachment: all upload attempts failed: %w", lastErr)
}

func (p *GroupPipeline) emit(payload events.AttachmentProgressPayload) {
	if p.Emitter == nil {
		return
	}
	p.Emitter.Emit(events.Event{Kind: events.KindAttachmentUploadProgress, Payload: payload})
}
