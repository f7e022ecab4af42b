// Package netpublish implements the bounded-retry publish discipline this
// core repeats at every relay boundary: gift-wrap publish for DMs, MLS
// commit/application-message publish, welcome dispatch. Every one of these
// treats "at least one relay accepted" as success and retries with backoff
// until a caller-supplied budget is exhausted, so the policy lives once
// here instead of being re-implemented per caller.
package netpublish

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrNoRelayAccepted is wrapped into a retryable error on every attempt
// that reaches no relay, so WithRetry's backoff keeps trying until the
// budget named by the caller's retry.Backoff is exhausted.
var ErrNoRelayAccepted = errors.New("netpublish: no relay accepted the event")

// Publisher sends a single signed wire event (already JSON-marshalled) to
// a set of relay URLs, reporting whether at least one relay accepted it.
// A transport error on one relay is not fatal — only a non-nil err return
// aborts the attempt outright; a false accepted with nil err means every
// relay was reachable but none stored the event.
type Publisher interface {
	Publish(ctx context.Context, relays []string, raw []byte) (accepted bool, err error)
}

// WithRetry republishes raw to relays using backoff until Publisher
// reports acceptance or the backoff is exhausted. It returns the last
// error seen (ErrNoRelayAccepted if every attempt simply found no taker).
func WithRetry(ctx context.Context, pub Publisher, relays []string, raw []byte, backoff retry.Backoff) error {
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		accepted, err := pub.Publish(ctx, relays, raw)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !accepted {
			return retry.RetryableError(ErrNoRelayAccepted)
		}
		return nil
	})
}

// ConstantBackoff builds the fixed-interval, bounded-attempt backoff the
// DM send path uses (spec: up to 12 attempts, 5s between attempts).
func ConstantBackoff(attempts int, wait time.Duration) retry.Backoff {
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(wait))
}

// ExponentialBackoff builds the bounded exponential backoff the MLS
// add-member commit publish uses (spec: 5 attempts, 250ms base).
func ExponentialBackoff(attempts int, base time.Duration) retry.Backoff {
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}
