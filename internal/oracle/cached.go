package oracle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned by PriceCache implementations when no entry exists.
var ErrCacheMiss = errors.New("oracle: cache miss")

// PriceCache stores the last observed value per asset along with the time it
// was observed.
type PriceCache interface {
	GetValue(ctx context.Context, assetID string) (uint64, time.Time, error)
	SetValue(ctx context.Context, assetID string, value uint64, observedAt time.Time) error
}

// CachedOracle collapses concurrent lookups for the same asset into one
// upstream call and serves values younger than MaxAge from the cache.
type CachedOracle struct {
	upstream PriceOracle
	cache    PriceCache
	maxAge   time.Duration
	group    singleflight.Group
	logger   *slog.Logger
	nowFn    func() time.Time
	// fetchTimeout bounds the shared upstream call, which outlives any single
	// caller's cancellation.
	fetchTimeout time.Duration
}

const defaultFetchTimeout = 10 * time.Second

func NewCachedOracle(upstream PriceOracle, cache PriceCache, maxAge time.Duration) *CachedOracle {
	return &CachedOracle{
		upstream: upstream,
		cache:    cache,
		maxAge:   maxAge,
		logger:   slog.Default(),
		nowFn:    time.Now,

		fetchTimeout: defaultFetchTimeout,
	}
}

// SetFetchTimeout bounds the upstream lookup shared by concurrent callers.
func (c *CachedOracle) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		c.fetchTimeout = d
	}
}

func (c *CachedOracle) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

func (c *CachedOracle) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		c.nowFn = fn
	}
}

func (c *CachedOracle) ObservedValue(ctx context.Context, assetID string) (uint64, error) {
	asset := normaliseAsset(assetID)
	if c.cache != nil && c.maxAge > 0 {
		value, observedAt, err := c.cache.GetValue(ctx, asset)
		switch {
		case err == nil && c.nowFn().Sub(observedAt) <= c.maxAge:
			return value, nil
		case err != nil && !errors.Is(err, ErrCacheMiss):
			c.logger.Warn("price cache read failed", "asset", asset, "error", err)
		}
	}

	// The lookup is shared, so it must not die with whichever caller started it.
	// Each caller still gives up on its own ctx below.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(asset, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(fetchCtx, c.fetchTimeout)
		defer cancel()
		value, err := c.upstream.ObservedValue(fetchCtx, asset)
		if err != nil {
			return uint64(0), err
		}
		if c.cache != nil {
			if err := c.cache.SetValue(fetchCtx, asset, value, c.nowFn()); err != nil {
				c.logger.Warn("price cache write failed", "asset", asset, "error", err)
			}
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return 0, wrapUnavailable("cached oracle", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, wrapUnavailable("cached oracle", res.Err)
		}
		return res.Val.(uint64), nil
	}
}

func (c *CachedOracle) AuthorityValid(ctx context.Context) (bool, error) {
	if v, ok := c.upstream.(Verifier); ok {
		return v.AuthorityValid(ctx)
	}
	return true, nil
}

func (c *CachedOracle) VerifyAssetExists(ctx context.Context, assetID string) (bool, error) {
	if v, ok := c.upstream.(Verifier); ok {
		return v.VerifyAssetExists(ctx, assetID)
	}
	return true, nil
}

func (c *CachedOracle) Ping(ctx context.Context) error {
	if h, ok := c.upstream.(HealthChecker); ok {
		return h.Ping(ctx)
	}
	return nil
}

// MemoryPriceCache is an in-process PriceCache.
type MemoryPriceCache struct {
	mu      sync.Mutex
	entries map[string]cachedValue
}

type cachedValue struct {
	value      uint64
	observedAt time.Time
}

func NewMemoryPriceCache() *MemoryPriceCache {
	return &MemoryPriceCache{entries: make(map[string]cachedValue)}
}

func (m *MemoryPriceCache) GetValue(_ context.Context, assetID string) (uint64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[normaliseAsset(assetID)]
	if !ok {
		return 0, time.Time{}, ErrCacheMiss
	}
	return e.value, e.observedAt, nil
}

func (m *MemoryPriceCache) SetValue(_ context.Context, assetID string, value uint64, observedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[normaliseAsset(assetID)] = cachedValue{value: value, observedAt: observedAt}
	return nil
}
