package dm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip17"
)

// NostrWrapper seals rumors using nip17.PrepareMessage, the same call the
// example pack's client uses for its own gift-wrap construction. It ignores
// Rumor.Tags' ms/reply entries only insofar as PrepareMessage already
// accepts arbitrary extra tags — they pass straight through to the sealed
// rumor.
type NostrWrapper struct {
	Keyer nostr.Keyer
}

// Seal implements Wrapper.
func (w NostrWrapper) Seal(ctx context.Context, rumor Rumor, recipientPubkey string) (toRecipient, toSelf []byte, err error) {
	var tags nostr.Tags
	for _, t := range rumor.Tags {
		tags = append(tags, nostr.Tag(t))
	}

	toSelfEvt, toRecipientEvt, err := nip17.PrepareMessage(ctx, rumor.Content, tags, w.Keyer, recipientPubkey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("nip17 prepare message: %w", err)
	}

	toRecipient, err = json.Marshal(toRecipientEvt)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal recipient gift wrap: %w", err)
	}
	toSelf, err = json.Marshal(toSelfEvt)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal self gift wrap: %w", err)
	}
	return toRecipient, toSelf, nil
}

// PoolPublisher fans a wire event out to every relay in the given set
// concurrently, reporting acceptance if at least one relay's Publish call
// succeeds — the same "don't let one dead relay block the rest" discipline
// the example pack's send path uses.
type PoolPublisher struct {
	Pool *nostr.SimplePool
	Log  *slog.Logger
}

// Publish implements netpublish.Publisher.
func (p PoolPublisher) Publish(ctx context.Context, relays []string, raw []byte) (bool, error) {
	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return false, fmt.Errorf("unmarshal wire event: %w", err)
	}

	var wg sync.WaitGroup
	var accepted atomic.Bool
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := p.Pool.EnsureRelay(url)
			if err != nil {
				p.logf("publish: connect %s: %v", url, err)
				return
			}
			if err := r.Publish(ctx, evt); err != nil {
				p.logf("publish: publish to %s: %v", url, err)
				return
			}
			accepted.Store(true)
		}(url)
	}
	wg.Wait()

	return accepted.Load(), nil
}

func (p PoolPublisher) logf(format string, args ...any) {
	if p.Log == nil {
		return
	}
	p.Log.Debug(fmt.Sprintf(format, args...))
}
