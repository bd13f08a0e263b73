// Package cache implements a TTL result cache persisted through a kv.Store.
// Entries expire lazily on read and are pruned by a periodic sweep that also
// enforces a soft maximum entry count.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	"github.com/JakeFAU/gradepop-crawler/internal/kv"
	"github.com/JakeFAU/gradepop-crawler/internal/metrics"
)

// Entry is the persisted form of one cached payload.
type Entry[T any] struct {
	Key       string        `json:"key"`
	Payload   T             `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry is stale at now.
func (e Entry[T]) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) >= e.TTL
}

// Config controls naming and limits for a Cache.
type Config struct {
	// Name labels metrics and logs.
	Name string
	// Prefix namespaces keys inside the kv.Store.
	Prefix     string
	DefaultTTL time.Duration
	// MaxEntries is enforced by Sweep; zero disables the limit.
	MaxEntries int
}

// Cache stores payloads of type T.
type Cache[T any] struct {
	store  kv.Store
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Cache over store.
func New[T any](store kv.Store, clock crawler.Clock, cfg Config, logger *zap.Logger) *Cache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cache:" + cfg.Name + ":"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	return &Cache[T]{store: store, clock: clock, cfg: cfg, logger: logger.Named("cache").With(zap.String("cache", cfg.Name))}
}

// Get returns the payload for key. Absent and expired entries are misses;
// expired entries are removed.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	entry, err := kv.GetJSON[Entry[T]](ctx, c.store, c.storageKey(key))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		metrics.ObserveCacheLookup(c.cfg.Name, false)
		return zero, false, nil
	case err != nil && isDecodeError(err):
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.remove(ctx, key)
		metrics.ObserveCacheLookup(c.cfg.Name, false)
		return zero, false, nil
	case err != nil:
		return zero, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if entry.Expired(c.clock.Now()) {
		c.remove(ctx, key)
		metrics.ObserveCacheLookup(c.cfg.Name, false)
		return zero, false, nil
	}
	metrics.ObserveCacheLookup(c.cfg.Name, true)
	return entry.Payload, true, nil
}

// Set stores payload under key, overwriting any previous entry. A
// non-positive ttl uses the configured default.
func (c *Cache[T]) Set(ctx context.Context, key string, payload T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	entry := Entry[T]{Key: key, Payload: payload, Timestamp: c.clock.Now(), TTL: ttl}
	if err := kv.SetJSON(ctx, c.store, c.storageKey(key), entry); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if err := c.store.Remove(ctx, c.storageKey(key)); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Sweep removes expired entries, then evicts the oldest entries beyond
// MaxEntries. It returns how many entries were removed.
func (c *Cache[T]) Sweep(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, c.cfg.Prefix)
	if err != nil {
		return 0, fmt.Errorf("cache sweep list: %w", err)
	}
	now := c.clock.Now()

	type liveEntry struct {
		storageKey string
		timestamp  time.Time
	}
	live := make([]liveEntry, 0, len(keys))
	removed := 0
	for _, storageKey := range keys {
		entry, err := kv.GetJSON[Entry[json.RawMessage]](ctx, c.store, storageKey)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil || entry.Expired(now) {
			if rmErr := c.store.Remove(ctx, storageKey); rmErr != nil {
				return removed, fmt.Errorf("cache sweep remove: %w", rmErr)
			}
			removed++
			continue
		}
		live = append(live, liveEntry{storageKey: storageKey, timestamp: entry.Timestamp})
	}

	if c.cfg.MaxEntries > 0 && len(live) > c.cfg.MaxEntries {
		sort.SliceStable(live, func(i, j int) bool { return live[i].timestamp.Before(live[j].timestamp) })
		for _, e := range live[:len(live)-c.cfg.MaxEntries] {
			if err := c.store.Remove(ctx, e.storageKey); err != nil {
				return removed, fmt.Errorf("cache sweep evict: %w", err)
			}
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache swept", zap.Int("removed", removed), zap.Int("scanned", len(keys)))
	}
	return removed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (c *Cache[T]) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	for {
		if err := c.clock.Sleep(ctx, every); err != nil {
			return
		}
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Warn("cache sweep failed", zap.Error(err))
		}
	}
}

func (c *Cache[T]) storageKey(key string) string {
	return c.cfg.Prefix + key
}

func (c *Cache[T]) remove(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, c.storageKey(key)); err != nil {
		c.logger.Warn("cache remove failed", zap.String("key", key), zap.Error(err))
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
