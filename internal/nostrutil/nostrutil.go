// Package nostrutil collects small key- and tag-handling helpers shared
// across the DM and MLS packages and the CLI, grounded on the inline tag
// literals and nip19 usage the example pack's Nostr client repeats in
// every command.
package nostrutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Keys is a derived keypair plus its bech32 encodings.
type Keys struct {
	PrivateKey string
	PublicKey  string
	Nsec       string
	Npub       string
}

// LoadKeys reads a private key from keyFile (if non-empty, nsec or hex) or
// the NOSTR_PRIVATE_KEY environment variable, and derives the public key
// and both bech32 encodings.
func LoadKeys(keyFile string) (Keys, error) {
	var raw string
	if keyFile != "" {
		path := keyFile
		if strings.HasPrefix(path, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Keys{}, fmt.Errorf("read private key file %q: %w", path, err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		raw = os.Getenv("NOSTR_PRIVATE_KEY")
	}
	if raw == "" {
		return Keys{}, fmt.Errorf("no private key: set a key file or NOSTR_PRIVATE_KEY")
	}
	return KeysFromSecret(raw)
}

// KeysFromSecret derives a full Keys struct from an nsec or raw hex secret.
func KeysFromSecret(raw string) (Keys, error) {
	sk := raw
	if strings.HasPrefix(raw, "nsec") {
		prefix, val, err := nip19.Decode(raw)
		if err != nil {
			return Keys{}, fmt.Errorf("decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return Keys{}, fmt.Errorf("expected nsec prefix, got %s", prefix)
		}
		sk = val.(string)
	}

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Keys{}, fmt.Errorf("derive public key: %w", err)
	}
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return Keys{}, fmt.Errorf("encode npub: %w", err)
	}
	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		return Keys{}, fmt.Errorf("encode nsec: %w", err)
	}

	return Keys{PrivateKey: sk, PublicKey: pk, Nsec: nsec, Npub: npub}, nil
}

// GenerateKeys creates a fresh keypair, for first-run account creation.
func GenerateKeys() (Keys, error) {
	sk := nostr.GeneratePrivateKey()
	return KeysFromSecret(sk)
}

// ReplyTag builds a NIP-10 marked-reply tag.
func ReplyTag(eventID string) nostr.Tag {
	return nostr.Tag{"e", eventID, "", "reply"}
}

// EditTag builds the tag marking a rumor as replacing an earlier message.
func EditTag(eventID string) nostr.Tag {
	return nostr.Tag{"e", eventID, "", "edit"}
}

// ReactionTag builds an ["e", targetID] tag for a reaction event.
func ReactionTag(targetID string) nostr.Tag {
	return nostr.Tag{"e", targetID}
}

// MillisecondTag builds the ["ms", "<fractional-ms>"] tag that recovers
// sub-second ordering for events sharing a created_at second.
func MillisecondTag(fractionalMillis int64) nostr.Tag {
	return nostr.Tag{"ms", fmt.Sprintf("%d", fractionalMillis)}
}

// ImetaTag builds a NIP-92 imeta tag describing one attachment.
func ImetaTag(url, mime string, size int64, extra ...string) nostr.Tag {
	tag := nostr.Tag{"imeta", "url " + url, "m " + mime}
	if size > 0 {
		tag = append(tag, fmt.Sprintf("size %d", size))
	}
	tag = append(tag, extra...)
	return tag
}

// GroupTag builds the ["h", groupID] tag identifying an MLS wrapper
// event's wire group id.
func GroupTag(groupID string) nostr.Tag {
	return nostr.Tag{"h", groupID}
}

// ComputeRumorID derives a stable local-bookkeeping id for an unsigned NIP-17
// rumor. NIP-59 rumors are never signed, so the library exposes no id; a
// sender needs one anyway to recognize its own self-copy echo as the same
// message rather than a duplicate. authorPubkey is always the rumor's
// PubKey; peerPubkey is the counterparty — the recipient when computed by
// the sender, or the original recipient (read back off the rumor's "p" tag)
// when computed for a self-authored echo received back from a relay.
func ComputeRumorID(authorPubkey, peerPubkey string, createdAt int64, content string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", authorPubkey, peerPubkey, createdAt, content)))
	return hex.EncodeToString(h[:])
}

// FirstGroupTag returns the wire group id from an event's tags, if present.
func FirstGroupTag(tags nostr.Tags) (string, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == "h" {
			return t[1], true
		}
	}
	return "", false
}
