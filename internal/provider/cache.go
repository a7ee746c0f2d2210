package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"quantdesk/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*Cached)(nil)

const defaultLoadTimeout = 2 * time.Minute

// Cached wraps a Provider with a bounded, TTL-expiring cache keyed by query
// and as-of day. Concurrent misses for the same key share one upstream call.
// Returned slices and maps are shared between callers and must not be
// modified.
//
// A shared upstream call does not inherit any single caller's cancellation:
// it runs on a detached context bounded by the load timeout, and each caller
// stops waiting when its own context ends.
type Cached struct {
	next        Provider
	lru         *expirable.LRU[string, any] // nil when caching is disabled
	loadTimeout time.Duration
	now         func() time.Time
	group       singleflight.Group
}

// NewCached creates a Cached provider holding at most size entries, each
// valid for ttl. A non-positive ttl or size disables caching.
func NewCached(next Provider, ttl time.Duration, size int) *Cached {
	c := &Cached{
		next:        next,
		loadTimeout: defaultLoadTimeout,
		now:         time.Now,
	}
	if ttl > 0 && size > 0 {
		c.lru = expirable.NewLRU[string, any](size, nil, ttl)
	}
	return c
}

// WithLoadTimeout bounds each shared upstream call. A non-positive d leaves
// loads bounded only by the upstream's own deadlines.
func (c *Cached) WithLoadTimeout(d time.Duration) *Cached {
	c.loadTimeout = d
	return c
}

// Universe implements Provider.
func (c *Cached) Universe(ctx context.Context, asOf time.Time, f UniverseFilter) ([]domain.StockInfo, error) {
	key := fmt.Sprintf("universe|%s|%t|%t|%t", asOf.Format("2006-01-02"),
		f.IncludeGrowthBoard, f.IncludeSciTechBoard, f.ExcludeST)
	v, err := c.get(ctx, key, func(ctx context.Context) (any, error) {
		return c.next.Universe(ctx, asOf, f)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.StockInfo), nil
}

// DailyBars implements Provider.
func (c *Cached) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	key := fmt.Sprintf("bars|%s|%s|%s", symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	v, err := c.get(ctx, key, func(ctx context.Context) (any, error) {
		return c.next.DailyBars(ctx, symbol, start, end)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Bar), nil
}

// FundamentalFields implements Provider. Entries are keyed by the current
// day so a new day always refetches.
func (c *Cached) FundamentalFields(ctx context.Context, symbol string) (map[string]any, error) {
	key := fmt.Sprintf("fundamental|%s|%s", symbol, c.now().Format("2006-01-02"))
	v, err := c.get(ctx, key, func(ctx context.Context) (any, error) {
		return c.next.FundamentalFields(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// Len returns the number of live entries.
func (c *Cached) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *Cached) get(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if c.lru == nil {
		return load(ctx)
	}
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		lctx := context.WithoutCancel(ctx)
		if c.loadTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, c.loadTimeout)
			defer cancel()
		}
		v, err := load(lctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
