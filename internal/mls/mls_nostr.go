package mls

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip17"
)

// Real kind numbers for the MLS-over-Nostr wire events this driver
// exchanges: 443 publishes a device's key package, 445 carries a group's
// encrypted application/commit/proposal messages tagged by "h" = wire
// group id. Welcomes ride the DM gift-wrap machinery instead of a
// dedicated kind, since no confirmed library helper exists in the example
// pack for constructing an arbitrary-kind NIP-59 wrap (see SealWelcome).
const (
	nostrKindMlsKeyPackage = 443
	nostrKindMlsGroupEvent = 445
)

// collectWindow bounds how long FetchFiltered/FetchUnfiltered wait for a
// relay's backlog before treating the subscription as drained — relays
// close out historical results well before this, but a slow one must not
// wedge a sync pass forever.
const collectWindow = 8 * time.Second

// NostrFetcher retrieves kind-445 wrapper events from a relay pool, the
// MLS-over-Nostr analogue of the teacher's kind-9 group-message
// subscription in nostr_group.go.
type NostrFetcher struct {
	Pool   *nostr.SimplePool
	Relays []string
	Log    *slog.Logger
}

// FetchFiltered implements Fetcher.
func (f NostrFetcher) FetchFiltered(ctx context.Context, groupWireID string, since int64, limit int) ([]WrapperEvent, error) {
	ts := nostr.Timestamp(since)
	return f.collect(ctx, nostr.Filter{
		Kinds: []int{nostrKindMlsGroupEvent},
		Tags:  nostr.TagMap{"h": {groupWireID}},
		Since: &ts,
		Limit: limit,
	})
}

// FetchUnfiltered implements Fetcher, for relays that drop tag filters.
func (f NostrFetcher) FetchUnfiltered(ctx context.Context, since int64, limit int) ([]WrapperEvent, error) {
	ts := nostr.Timestamp(since)
	return f.collect(ctx, nostr.Filter{
		Kinds: []int{nostrKindMlsGroupEvent},
		Since: &ts,
		Limit: limit,
	})
}

func (f NostrFetcher) collect(ctx context.Context, filter nostr.Filter) ([]WrapperEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, collectWindow)
	defer cancel()

	var out []WrapperEvent
	for ie := range f.Pool.SubscribeMany(ctx, f.Relays, filter) {
		raw, err := json.Marshal(ie.Event)
		if err != nil {
			f.logf("fetch: marshal event %s: %v", ie.ID, err)
			continue
		}
		out = append(out, WrapperEvent{
			ID:           ie.ID,
			CreatedAt:    int64(ie.Event.CreatedAt),
			GroupWireID:  firstTag(ie.Event.Tags, "h"),
			AuthorPubkey: ie.Event.PubKey,
			Raw:          raw,
		})
	}
	return out, nil
}

func (f NostrFetcher) logf(format string, args ...any) {
	if f.Log == nil {
		return
	}
	f.Log.Debug(fmt.Sprintf(format, args...))
}

func firstTag(tags nostr.Tags, key string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// NostrKeyPackageResolver fetches a device's latest kind-443 key package
// event from the relays. It keeps no local cache: when the relay query
// comes back empty, Resolve returns an error.
type NostrKeyPackageResolver struct {
	Pool   *nostr.SimplePool
	Relays []string
}

// Resolve implements KeyPackageResolver.
func (r NostrKeyPackageResolver) Resolve(ctx context.Context, pubkey, deviceID string) (KeyPackageEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	re := r.Pool.QuerySingle(ctx, r.Relays, nostr.Filter{
		Kinds:   []int{nostrKindMlsKeyPackage},
		Authors: []string{pubkey},
		Tags:    nostr.TagMap{"d": {deviceID}},
		Limit:   1,
	})
	if re == nil {
		return KeyPackageEvent{}, fmt.Errorf("mls: no key package found for %s/%s", pubkey, deviceID)
	}

	_, hasEncoding := firstTagOK(re.Tags, "mls_protocol_version")
	return KeyPackageEvent{
		Pubkey:         pubkey,
		DeviceID:       deviceID,
		EventID:        re.ID,
		Data:           []byte(re.Content),
		CreatedAt:      int64(re.CreatedAt),
		HasEncodingTag: hasEncoding,
	}, nil
}

func firstTagOK(tags nostr.Tags, key string) (string, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1], true
		}
	}
	return "", false
}

// NostrWelcomeSealer gift-wraps a welcome the same way the DM path seals a
// chat message: the welcome's bytes, hex-encoded, ride as the content of a
// NIP-17 rumor distinguished by a dedicated tag. MLS has no standardized
// Nostr wrapper of its own in this codebase's dependency set, so the
// driver reuses the one gift-wrap primitive already proven to work rather
// than hand-constructing a second NIP-59 wrap path.
type NostrWelcomeSealer struct {
	Keyer nostr.Keyer
}

const welcomeTagName = "mls_welcome"

// SealWelcome implements WelcomeSealer.
func (s NostrWelcomeSealer) SealWelcome(ctx context.Context, welcome []byte, recipientPubkey string) ([]byte, error) {
	content := hex.EncodeToString(welcome)
	tags := nostr.Tags{{welcomeTagName, "1"}}

	_, toRecipientEvt, err := nip17.PrepareMessage(ctx, content, tags, s.Keyer, recipientPubkey, nil)
	if err != nil {
		return nil, fmt.Errorf("mls: seal welcome: %w", err)
	}
	raw, err := json.Marshal(toRecipientEvt)
	if err != nil {
		return nil, fmt.Errorf("mls: marshal welcome wrap: %w", err)
	}
	return raw, nil
}
