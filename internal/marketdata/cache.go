package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is the Redis-backed hot store for high-frequency market data:
// ticks, L1/L2 snapshots and 1s bars, all with TTLs. The in-memory view
// in the pipeline is authoritative; the cache exists so other processes
// (and a restarted engine) can read a recent picture without replaying
// the feed. All writes are best-effort.
type Cache struct {
	client *redis.Client
	cfg    CacheTTLs
}

// CacheTTLs holds per-feed expiry settings
type CacheTTLs struct {
	Tick      time.Duration
	Book      time.Duration
	SecondBar time.Duration
	VREState  time.Duration
}

// DefaultCacheTTLs returns the standard expiry ladder
func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{
		Tick:      60 * time.Second,
		Book:      30 * time.Second,
		SecondBar: 120 * time.Second,
		VREState:  300 * time.Second,
	}
}

// NewCache creates a market-data cache. A nil client produces a no-op
// cache, which keeps paper-mode tests free of Redis.
func NewCache(client *redis.Client, ttls CacheTTLs) *Cache {
	return &Cache{client: client, cfg: ttls}
}

func (c *Cache) enabled() bool { return c != nil && c.client != nil }

// PushTick appends a tick to the symbol's recent-tick list, trimming to
// a bounded length.
func (c *Cache) PushTick(ctx context.Context, t Tick) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		log.Warn().Err(err).Str("symbol", t.Symbol).Msg("Failed to marshal tick for cache")
		return
	}
	key := fmt.Sprintf("md:ticks:%s:%s", t.Exchange, t.Symbol)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, 999)
	pipe.Expire(ctx, key, c.cfg.Tick)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache tick")
	}
}

// RecentTicks returns up to n most recent cached ticks, newest first.
func (c *Cache) RecentTicks(ctx context.Context, exchange, symbol string, n int) ([]Tick, error) {
	if !c.enabled() {
		return nil, nil
	}
	key := fmt.Sprintf("md:ticks:%s:%s", exchange, symbol)
	raw, err := c.client.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("tick cache read failed: %w", err)
	}
	ticks := make([]Tick, 0, len(raw))
	for _, item := range raw {
		var t Tick
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable cached tick")
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

// SetL1 stores the latest top-of-book snapshot
func (c *Cache) SetL1(ctx context.Context, exchange, symbol string, q L1Quote) {
	c.setJSON(ctx, fmt.Sprintf("md:l1:%s:%s", exchange, symbol), q, c.cfg.Book)
}

// GetL1 reads the cached top-of-book snapshot
func (c *Cache) GetL1(ctx context.Context, exchange, symbol string) (L1Quote, bool, error) {
	var q L1Quote
	ok, err := c.getJSON(ctx, fmt.Sprintf("md:l1:%s:%s", exchange, symbol), &q)
	return q, ok, err
}

// SetL2 stores the latest depth snapshot
func (c *Cache) SetL2(ctx context.Context, exchange, symbol string, b L2Book) {
	c.setJSON(ctx, fmt.Sprintf("md:l2:%s:%s", exchange, symbol), b, c.cfg.Book)
}

// GetL2 reads the cached depth snapshot
func (c *Cache) GetL2(ctx context.Context, exchange, symbol string) (L2Book, bool, error) {
	var b L2Book
	ok, err := c.getJSON(ctx, fmt.Sprintf("md:l2:%s:%s", exchange, symbol), &b)
	return b, ok, err
}

// PushSecondBar appends a closed 1s bar to the symbol's rolling list
func (c *Cache) PushSecondBar(ctx context.Context, exchange string, bar Bar) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(bar)
	if err != nil {
		log.Warn().Err(err).Str("symbol", bar.Symbol).Msg("Failed to marshal 1s bar for cache")
		return
	}
	key := fmt.Sprintf("md:bars1s:%s:%s", exchange, bar.Symbol)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, 299)
	pipe.Expire(ctx, key, c.cfg.SecondBar)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache 1s bar")
	}
}

// SetVREState publishes per-symbol regime state for external readers
func (c *Cache) SetVREState(ctx context.Context, symbol string, state any) {
	c.setJSON(ctx, fmt.Sprintf("vre:state:%s", symbol), state, c.cfg.VREState)
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to marshal value for cache")
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to write cache key")
	}
}

func (c *Cache) getJSON(ctx context.Context, key string, out any) (bool, error) {
	if !c.enabled() {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache read failed: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("cache decode failed: %w", err)
	}
	return true, nil
}

// Health checks Redis connectivity
func (c *Cache) Health(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return nil
}
