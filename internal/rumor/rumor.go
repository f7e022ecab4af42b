// Package rumor implements the protocol-agnostic processor that turns a
// decrypted inner event (a "rumor" — the unsigned event carried inside a
// NIP-59 gift-wrap or an MLS application message) into a typed outcome. It
// is a pure function: no network, no storage, no locks. Both the DM
// receive path and the MLS driver's sync loop funnel their decrypted
// rumors through the same Process call, so a reply tag or an edit means
// the same thing regardless of which transport carried it.
package rumor

import (
	"strconv"
	"strings"
)

// Kind of a decrypted rumor, matched exhaustively by every consumer.
type Kind string

const (
	KindTextMessage             Kind = "text_message"
	KindFileAttachment          Kind = "file_attachment"
	KindReaction                Kind = "reaction"
	KindTypingIndicator         Kind = "typing_indicator"
	KindLeaveRequest            Kind = "leave_request"
	KindWebxdcPeerAdvertisement Kind = "webxdc_peer_advertisement"
	KindEdit                    Kind = "edit"
	KindPivxPayment             Kind = "pivx_payment"
	KindUnknownEvent            Kind = "unknown_event"
	KindIgnored                 Kind = "ignored"
)

// Nostr rumor kinds this processor recognizes. Anything else falls through
// to KindUnknownEvent so new kinds degrade gracefully instead of being
// silently dropped.
const (
	nostrKindChatMessage = 14
	nostrKindReaction    = 7
	nostrKindFile        = 15
	nostrKindTyping      = 20
	nostrKindDelete      = 5
)

// Tag is a single Nostr tag: ["e", id, relay, marker] etc.
type Tag []string

// Event is the subset of a decrypted rumor's fields the processor needs.
// It is intentionally narrower than a full signed Nostr event — a rumor
// has no signature.
type Event struct {
	ID        string
	Kind      int
	PubKey    string
	CreatedAt int64
	Content   string
	Tags      []Tag
}

// Context carries the information Process needs beyond the rumor itself:
// whose perspective this is being processed from, and which chat it
// belongs to.
type Context struct {
	SelfPubkey string
	ChatID     string
}

// Result is the tagged outcome of processing one rumor. Only the fields
// relevant to Kind are populated; callers are expected to switch on Kind
// exhaustively rather than guess from which fields are non-zero.
type Result struct {
	Kind Kind

	MessageID    string
	ChatID       string
	AuthorPubkey string
	Content      string
	CreatedAt    int64
	ReplyToID    string
	SelfAuthored bool

	// FileAttachment / Edit. Key/Nonce/Hash/Extension are only ever set for
	// a DM attachment (kind 15's flat decryption tags); an MLS attachment's
	// single imeta tag carries no such fields, since the recipient derives
	// its key from the group's own MLS state rather than an explicit one.
	AttachmentURL       string
	MimeType            string
	AttachmentSize      int64
	AttachmentKey       string
	AttachmentNonce     string
	AttachmentHash      string
	AttachmentExtension string
	AttachmentBlurhash  string
	AttachmentWidth     int
	AttachmentHeight    int

	// Reaction
	TargetMessageID string
	Emoji           string

	// TypingIndicator
	TypingExpiresAt int64

	// PivxPayment
	TxID   string
	Amount string

	// WebxdcPeerAdvertisement
	AppID string

	Reason string // set for Ignored/UnknownEvent
}

// Process classifies a single decrypted rumor. It never returns an error:
// anything it cannot confidently classify becomes KindUnknownEvent or
// KindIgnored, since a rumor processor that panics or errors on a
// malformed-but-harmless event would take down the whole receive path.
func Process(ev Event, ctx Context) Result {
	base := Result{
		Kind:         KindUnknownEvent,
		MessageID:    ev.ID,
		ChatID:       ctx.ChatID,
		AuthorPubkey: ev.PubKey,
		Content:      ev.Content,
		CreatedAt:    recoverMillisecondTimestamp(ev),
		ReplyToID:    replyTarget(ev.Tags),
		SelfAuthored: ev.PubKey == ctx.SelfPubkey,
	}

	switch ev.Kind {
	case nostrKindChatMessage:
		if editID, ok := editTarget(ev.Tags); ok {
			base.Kind = KindEdit
			base.MessageID = editID
			return base
		}
		if base.ReplyToID == "" {
			if targetID, emoji, ok := reactionFields(ev); ok {
				base.Kind = KindReaction
				base.TargetMessageID = targetID
				base.Emoji = emoji
				return base
			}
		}
		if f, ok := imetaAttachment(ev.Tags); ok {
			base.Kind = KindFileAttachment
			base.AttachmentURL = f.url
			base.MimeType = f.mime
			base.AttachmentSize = f.size
			base.AttachmentBlurhash = f.blurhash
			base.AttachmentWidth = f.width
			base.AttachmentHeight = f.height
			return base
		}
		if appID, ok := webxdcAdvertisement(ev.Tags); ok {
			base.Kind = KindWebxdcPeerAdvertisement
			base.AppID = appID
			return base
		}
		if txID, amount, ok := pivxPayment(ev.Tags); ok {
			base.Kind = KindPivxPayment
			base.TxID = txID
			base.Amount = amount
			return base
		}
		base.Kind = KindTextMessage
		return base

	case nostrKindReaction:
		targetID, emoji, ok := reactionFields(ev)
		if !ok {
			base.Kind = KindIgnored
			base.Reason = "reaction missing target id"
			return base
		}
		base.Kind = KindReaction
		base.TargetMessageID = targetID
		base.Emoji = emoji
		if base.Emoji == "" {
			base.Emoji = ev.Content
		}
		return base

	case nostrKindFile:
		// DM file attachments carry flat decryption tags rather than an
		// imeta tag — that convention belongs only to MLS/MIP-04 group
		// attachments above. The url itself travels in the rumor's content,
		// since none of these tags name one.
		base.Kind = KindFileAttachment
		base.AttachmentURL = ev.Content
		base.MimeType, _ = firstTagValue(ev.Tags, "file-type")
		if sizeStr, ok := firstTagValue(ev.Tags, "size"); ok {
			if n, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
				base.AttachmentSize = n
			}
		}
		base.AttachmentKey, _ = firstTagValue(ev.Tags, "decryption-key")
		base.AttachmentNonce, _ = firstTagValue(ev.Tags, "decryption-nonce")
		base.AttachmentHash, _ = firstTagValue(ev.Tags, "ox")
		base.AttachmentExtension, _ = firstTagValue(ev.Tags, "extension")
		if blurhash, ok := firstTagValue(ev.Tags, "blurhash"); ok {
			base.AttachmentBlurhash = blurhash
			if dim, ok := firstTagValue(ev.Tags, "dim"); ok {
				base.AttachmentWidth, base.AttachmentHeight, _ = parseDim(dim)
			}
		}
		return base

	case nostrKindTyping:
		base.Kind = KindTypingIndicator
		base.TypingExpiresAt = ev.CreatedAt + typingTTLSeconds
		return base

	case nostrKindDelete:
		if targetID, ok := firstTagValue(ev.Tags, "e"); ok {
			base.Kind = KindLeaveRequest
			base.TargetMessageID = targetID
			return base
		}
		base.Kind = KindIgnored
		base.Reason = "delete event with no e tag"
		return base

	default:
		base.Kind = KindUnknownEvent
		base.Reason = "unrecognized rumor kind"
		return base
	}
}

// typingTTLSeconds is how long a typing indicator stays active once
// received, absent a renewed one.
const typingTTLSeconds = 15

// replyTarget extracts the reply target from a ["e", id, "", "reply"] tag,
// the NIP-10 marked-reply convention.
func replyTarget(tags []Tag) string {
	for _, t := range tags {
		if len(t) >= 4 && t[0] == "e" && t[3] == "reply" {
			return t[1]
		}
	}
	return ""
}

// editTarget reads a ["e", id, "", "edit"] style marker identifying which
// message this rumor's content replaces.
func editTarget(tags []Tag) (string, bool) {
	for _, t := range tags {
		if len(t) >= 4 && t[0] == "e" && t[3] == "edit" {
			return t[1], true
		}
	}
	return "", false
}

// reactionFields reads ["e", targetID] plus an optional ["emoji", ...] tag.
func reactionFields(ev Event) (targetID, emoji string, ok bool) {
	targetID, ok = firstTagValue(ev.Tags, "e")
	if !ok {
		return "", "", false
	}
	if v, has := firstTagValue(ev.Tags, "emoji"); has {
		emoji = v
	}
	return targetID, emoji, true
}

// imetaFields is one ["imeta", ...] tag's parsed fields — the MLS/MIP-04
// attachment convention, carrying no explicit decryption material since the
// recipient derives its key from the group's own MLS state.
type imetaFields struct {
	url, mime, blurhash string
	size                int64
	width, height       int
}

// imetaAttachment parses a single ["imeta", "url <url>", "m <mime>", ...]
// tag, the NIP-92 media-metadata convention this core's attachment
// pipeline relies on for MLS group attachments.
func imetaAttachment(tags []Tag) (imetaFields, bool) {
	for _, t := range tags {
		if len(t) == 0 || t[0] != "imeta" {
			continue
		}
		var f imetaFields
		for _, field := range t[1:] {
			switch {
			case strings.HasPrefix(field, "url "):
				f.url = field[4:]
			case strings.HasPrefix(field, "m "):
				f.mime = field[2:]
			case strings.HasPrefix(field, "size "):
				if n, err := strconv.ParseInt(field[5:], 10, 64); err == nil {
					f.size = n
				}
			case strings.HasPrefix(field, "blurhash "):
				f.blurhash = field[9:]
			case strings.HasPrefix(field, "dim "):
				f.width, f.height, _ = parseDim(field[4:])
			}
		}
		return f, f.url != ""
	}
	return imetaFields{}, false
}

// parseDim reads a "<width>x<height>" dimension field.
func parseDim(s string) (width, height int, ok bool) {
	w, h, found := strings.Cut(s, "x")
	if !found {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return width, height, true
}

// webxdcAdvertisement reads a ["webxdc", appID] tag.
func webxdcAdvertisement(tags []Tag) (appID string, ok bool) {
	return firstTagValue(tags, "webxdc")
}

// pivxPayment reads ["pivx_tx", txid] and ["pivx_amount", amount] tags.
func pivxPayment(tags []Tag) (txID, amount string, ok bool) {
	txID, ok = firstTagValue(tags, "pivx_tx")
	if !ok {
		return "", "", false
	}
	amount, _ = firstTagValue(tags, "pivx_amount")
	return txID, amount, true
}

func firstTagValue(tags []Tag, key string) (string, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1], true
		}
	}
	return "", false
}

// recoverMillisecondTimestamp upgrades ev.CreatedAt (second precision) to
// millisecond precision when the rumor carries a ["ms", "<fractional-ms>"]
// tag, the convention clients use to preserve ordering of events that land
// in the same second.
func recoverMillisecondTimestamp(ev Event) int64 {
	msStr, ok := firstTagValue(ev.Tags, "ms")
	if !ok {
		return ev.CreatedAt * 1000
	}
	frac, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil || frac < 0 || frac > 999 {
		return ev.CreatedAt * 1000
	}
	return ev.CreatedAt*1000 + frac
}
