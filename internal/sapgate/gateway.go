package sapgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type GatewayOption func(*Gateway)

// WithClock replaces the clock used to stamp and age cache entries.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.cache = newSnapshotCache(now) }
}

func WithGatewayLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.log = l.With().Str("component", "gateway").Logger()
		g.staleLog = newRateLimitedLogger(g.log, time.Minute)
	}
}

// Gateway loads upstream resources through a Fetcher and falls back to the
// last good payload of the same key while it is younger than the TTL.
type Gateway struct {
	fetcher *Fetcher
	policy  RetryPolicy
	ttl     time.Duration

	cache *snapshotCache
	group singleflight.Group

	log      zerolog.Logger
	staleLog *rateLimitedLogger
}

func NewGateway(f *Fetcher, policy RetryPolicy, ttl time.Duration, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		fetcher: f,
		policy:  policy,
		ttl:     ttl,
		cache:   newSnapshotCache(nil),
		log:     zerolog.Nop(),
	}
	g.staleLog = newRateLimitedLogger(g.log, time.Minute)
	for _, o := range opts {
		o(g)
	}
	return g
}

// Load fetches key from upstream. Concurrent loads of the same key share one
// fetch cycle; a caller whose ctx ends stops waiting without aborting the
// shared cycle, which stays bounded by the policy's overall timeout.
func (g *Gateway) Load(ctx context.Context, key string, req Request) (Result, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return g.load(context.WithoutCancel(ctx), key, req)
	})
	select {
	case <-ctx.Done():
		return Result{}, &FetchError{Kind: KindCanceled, Message: "caller stopped waiting", Err: context.Cause(ctx)}
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

func (g *Gateway) load(ctx context.Context, key string, req Request) (Result, error) {
	payload, err := g.fetcher.Fetch(ctx, req, g.policy)
	if err == nil {
		ent := g.cache.Put(key, payload)
		return Result{Payload: payload, CapturedAt: ent.CapturedAt}, nil
	}
	if !fallbackEligible(err) {
		return Result{}, err
	}

	if ent, ok := g.cache.Fresh(key, g.ttl); ok {
		g.staleLog.Warn(key, func(e *zerolog.Event) {
			e.Str("key", key).Dur("age", ent.Age(g.cache.now())).Err(RootCause(err)).Msg("upstream unavailable, serving cached payload")
		})
		return Result{
			Payload:         ent.Payload,
			ServedFromCache: true,
			CapturedAt:      ent.CapturedAt,
			Cause:           err,
		}, nil
	}

	msg := "no cached payload"
	if ent, ok := g.cache.Get(key); ok {
		msg = fmt.Sprintf("cached payload is %s old, ttl is %s", ent.Age(g.cache.now()).Round(time.Millisecond), g.ttl)
	}
	g.log.Error().Str("key", key).Err(err).Msg("upstream unavailable and nothing fresh to serve")

	fe := &FetchError{Kind: KindNoFreshCache, Message: msg, Err: err}
	var inner *FetchError
	if errors.As(err, &inner) {
		fe.Attempts = inner.Attempts
		fe.StatusCode = inner.StatusCode
	}
	return Result{}, fe
}

// Do runs an uncached fetch cycle with the gateway's policy.
func (g *Gateway) Do(ctx context.Context, req Request) (Payload, error) {
	return g.fetcher.Fetch(ctx, req, g.policy)
}

// DoOnce runs a single attempt. Used for calls that must not be repeated.
func (g *Gateway) DoOnce(ctx context.Context, req Request) (Payload, error) {
	return g.fetcher.Fetch(ctx, req, g.policy.SingleAttempt())
}

// Snapshot returns the cached entry for key regardless of age.
func (g *Gateway) Snapshot(key string) (CacheEntry, bool) {
	return g.cache.Get(key)
}

// fallbackEligible is true when upstream was unavailable rather than
// answering definitively.
func fallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindRetriesExhausted, KindOverallTimeout:
		return true
	default:
		return false
	}
}
