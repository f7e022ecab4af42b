package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip59"

	"github.com/vectorprivacy/vectorcore/internal/mls"
)

// nostrKindGiftWrap is the NIP-59 outer kind every DM and MLS welcome rides
// inside of.
const nostrKindGiftWrap = 1059

// nostrKindMlsGroupEvent mirrors internal/mls/mls_nostr.go's own constant;
// the two packages agree on the kind number, not a shared Go symbol.
const nostrKindMlsGroupEvent = 445

// giftWrapBacklogAdjustment compensates for NIP-59's randomized gift-wrap
// timestamps (up to +/-2 days) so a since-filtered subscription doesn't
// miss a wrap whose outer created_at lands in the past relative to the
// rumor it carries.
const giftWrapBacklogAdjustment = 3 * 24 * 60 * 60

// NostrGiftWrapSource subscribes to kind-1059 events addressed to the
// active account, grounded on the teacher's subscribeDMCmd (nostr_dm.go).
type NostrGiftWrapSource struct {
	Pool       *nostr.SimplePool
	Relays     []string
	SelfPubkey string
	Since      int64
	Log        *slog.Logger
}

// GiftWraps implements GiftWrapSource.
func (s NostrGiftWrapSource) GiftWraps(ctx context.Context) (<-chan GiftWrap, error) {
	adjusted := s.Since - giftWrapBacklogAdjustment
	if adjusted < 0 {
		adjusted = 0
	}
	since := nostr.Timestamp(adjusted)

	ch := make(chan GiftWrap)
	go func() {
		defer close(ch)
		for ie := range s.Pool.SubscribeMany(ctx, s.Relays, nostr.Filter{
			Kinds: []int{nostrKindGiftWrap},
			Tags:  nostr.TagMap{"p": {s.SelfPubkey}},
			Since: &since,
		}) {
			raw, err := json.Marshal(ie.Event)
			if err != nil {
				s.logf("marshal gift wrap %s: %v", ie.ID, err)
				continue
			}
			select {
			case ch <- GiftWrap{ID: ie.ID, Raw: raw}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s NostrGiftWrapSource) logf(format string, args ...any) {
	if s.Log == nil {
		return
	}
	s.Log.Error(fmt.Sprintf(format, args...))
}

// NostrGroupWrapperSource subscribes to every kind-445 MLS wrapper event
// across the relay set, unfiltered by group: the handler's own membership
// check decides which ones matter, the live-feed analogue of
// mls.NostrFetcher's FetchUnfiltered.
type NostrGroupWrapperSource struct {
	Pool   *nostr.SimplePool
	Relays []string
	Since  int64
	Log    *slog.Logger
}

// GroupWrappers implements GroupWrapperSource.
func (s NostrGroupWrapperSource) GroupWrappers(ctx context.Context) (<-chan mls.WrapperEvent, error) {
	since := nostr.Timestamp(s.Since)
	ch := make(chan mls.WrapperEvent)
	go func() {
		defer close(ch)
		for ie := range s.Pool.SubscribeMany(ctx, s.Relays, nostr.Filter{
			Kinds: []int{nostrKindMlsGroupEvent},
			Since: &since,
		}) {
			raw, err := json.Marshal(ie.Event)
			if err != nil {
				s.logf("marshal group wrapper %s: %v", ie.ID, err)
				continue
			}
			select {
			case ch <- mls.WrapperEvent{
				ID:           ie.ID,
				CreatedAt:    int64(ie.Event.CreatedAt),
				GroupWireID:  firstTagValue(ie.Event.Tags, "h"),
				AuthorPubkey: ie.Event.PubKey,
				Raw:          raw,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s NostrGroupWrapperSource) logf(format string, args ...any) {
	if s.Log == nil {
		return
	}
	s.Log.Error(fmt.Sprintf(format, args...))
}

func firstTagValue(tags nostr.Tags, key string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// NostrUnwrapper decrypts a gift-wrap's outer JSON via NIP-59, grounded
// directly on the teacher's nip59.GiftUnwrap call in subscribeDMCmd.
type NostrUnwrapper struct {
	Keyer nostr.Keyer
}

// Unwrap implements Unwrapper.
func (u NostrUnwrapper) Unwrap(ctx context.Context, raw []byte) (Rumor, error) {
	var outer nostr.Event
	if err := json.Unmarshal(raw, &outer); err != nil {
		return Rumor{}, fmt.Errorf("subscribe: unmarshal gift wrap: %w", err)
	}

	inner, err := nip59.GiftUnwrap(outer, func(otherPubkey, ciphertext string) (string, error) {
		return u.Keyer.Decrypt(ctx, ciphertext, otherPubkey)
	})
	if err != nil {
		return Rumor{}, fmt.Errorf("subscribe: gift unwrap: %w", err)
	}

	tags := make([][]string, len(inner.Tags))
	for i, t := range inner.Tags {
		tags[i] = []string(t)
	}
	return Rumor{
		ID:        inner.ID,
		PubKey:    inner.PubKey,
		CreatedAt: int64(inner.CreatedAt),
		Kind:      inner.Kind,
		Tags:      tags,
		Content:   inner.Content,
	}, nil
}
