package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"floorescrow/internal/oracle"
)

// PriceCache stores each asset's last observed floor as a hash at
// "floor:{asset}" with fields "value" and "ts" (Unix nanoseconds).
type PriceCache struct {
	client *Client
	ttl    time.Duration
}

// NewPriceCache creates a PriceCache. A positive ttl expires idle entries.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{client: c, ttl: ttl}
}

func (pc *PriceCache) SetValue(ctx context.Context, assetID string, value uint64, observedAt time.Time) error {
	key := pc.client.key("floor:", assetID)
	pipe := pc.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"value": strconv.FormatUint(value, 10),
		"ts":    strconv.FormatInt(observedAt.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set floor %s: %w", assetID, err)
	}
	return nil
}

// GetValue returns oracle.ErrCacheMiss when the asset has no entry.
func (pc *PriceCache) GetValue(ctx context.Context, assetID string) (uint64, time.Time, error) {
	vals, err := pc.client.rdb.HGetAll(ctx, pc.client.key("floor:", assetID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get floor %s: %w", assetID, err)
	}
	valueStr, ok := vals["value"]
	if !ok {
		return 0, time.Time{}, oracle.ErrCacheMiss
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse floor %s: %w", assetID, err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, oracle.ErrCacheMiss
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", assetID, err)
	}
	return value, time.Unix(0, tsNano), nil
}

var _ oracle.PriceCache = (*PriceCache)(nil)
