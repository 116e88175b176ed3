// Package hotcache provides an optional Redis-backed cache of the
// latest bar per symbol. The data service writes the latest bar on each
// run_ready; no UI endpoint reads from it.
// Grounded in the teacher's datapipeline.StorageManager (sorted-set
// storage keyed by timestamp score, trimmed to a retention window).
package hotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arai-quant/barrunner/internal/bar"
)

// Cache wraps a Redis client for latest-bar and recent-bar reads.
type Cache struct {
	rdb       *redis.Client
	retention int64 // max entries kept per symbol's sorted set
}

// New builds a Cache against addr, keeping up to retention recent bars
// per symbol key.
func New(addr string, retention int64) *Cache {
	if retention <= 0 {
		retention = 500
	}
	return &Cache{
		rdb:       redis.NewClient(&redis.Options{Addr: addr}),
		retention: retention,
	}
}

func keyFor(k bar.SymbolKey) string {
	return fmt.Sprintf("barrunner:bars:%s", k.String())
}

func latestKeyFor(k bar.SymbolKey) string {
	return fmt.Sprintf("barrunner:latest:%s", k.String())
}

// SetLatest stores b as the latest bar for key and appends it to the
// key's sorted set, trimming to the retention window, matching
// StorageManager's ZAdd + ZRemRangeByRank trim-on-write pattern.
func (c *Cache) SetLatest(ctx context.Context, key bar.SymbolKey, b bar.Bar) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("hotcache: marshal bar: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, latestKeyFor(key), data, 0)
	pipe.ZAdd(ctx, keyFor(key), redis.Z{Score: float64(b.TS), Member: data})
	pipe.ZRemRangeByRank(ctx, keyFor(key), 0, -c.retention-1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("hotcache: set latest: %w", err)
	}
	return nil
}

// GetLatest returns the most recently stored bar for key.
func (c *Cache) GetLatest(ctx context.Context, key bar.SymbolKey) (bar.Bar, bool, error) {
	data, err := c.rdb.Get(ctx, latestKeyFor(key)).Bytes()
	if err == redis.Nil {
		return bar.Bar{}, false, nil
	}
	if err != nil {
		return bar.Bar{}, false, fmt.Errorf("hotcache: get latest: %w", err)
	}
	var b bar.Bar
	if err := json.Unmarshal(data, &b); err != nil {
		return bar.Bar{}, false, fmt.Errorf("hotcache: unmarshal latest: %w", err)
	}
	return b, true, nil
}

// GetRecent returns up to limit of the most recent bars for key,
// oldest first.
func (c *Cache) GetRecent(ctx context.Context, key bar.SymbolKey, limit int64) ([]bar.Bar, error) {
	raws, err := c.rdb.ZRange(ctx, keyFor(key), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hotcache: get recent: %w", err)
	}
	out := make([]bar.Bar, 0, len(raws))
	for _, raw := range raws {
		var b bar.Bar
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// HealthCheck pings Redis with a short timeout.
func (c *Cache) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error { return c.rdb.Close() }
