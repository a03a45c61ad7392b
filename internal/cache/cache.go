// Package cache is a soft-expiring cache for rendered read-API responses.
// Stale or invalidated entries are still served while a background refresh
// recomputes them, so readers never block on aggregation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// RefreshFunc recomputes the value for a key. It runs in the background after
// a stale read; the returned value replaces the cached entry.
type RefreshFunc func(ctx context.Context, key string) (any, error)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// SoftTTL is how long an entry is served without triggering a refresh.
	SoftTTL time.Duration
	// HardTTL is when an unrefreshed entry is dropped entirely.
	HardTTL time.Duration

	// Refresh is optional; without it stale entries are served as-is until
	// the hard TTL evicts them.
	Refresh RefreshFunc
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SoftTTL == 0 {
		cfg.SoftTTL = time.Hour
	}
	if cfg.HardTTL == 0 {
		cfg.HardTTL = 24 * time.Hour
	}
	return nil
}

type entry struct {
	value       any
	invalidated bool
	softExpiry  time.Time
}

type Cache struct {
	log     *slog.Logger
	clock   clockwork.Clock
	softTTL time.Duration
	refresh RefreshFunc

	inner *ttlcache.Cache[string, *entry]

	mu         sync.Mutex
	refreshing map[string]bool
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	inner := ttlcache.New(
		ttlcache.WithTTL[string, *entry](cfg.HardTTL),
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	)
	return &Cache{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		softTTL:    cfg.SoftTTL,
		refresh:    cfg.Refresh,
		inner:      inner,
		refreshing: make(map[string]bool),
	}, nil
}

// Start runs the expired-entry janitor until Stop.
func (c *Cache) Start() {
	go c.inner.Start()
}

func (c *Cache) Stop() {
	c.inner.Stop()
}

func (c *Cache) Set(key string, value any) {
	c.inner.Set(key, &entry{
		value:      value,
		softExpiry: c.clock.Now().Add(c.softTTL),
	}, ttlcache.DefaultTTL)
}

// Get returns the cached value for key. A stale or invalidated entry is still
// returned, with a background refresh kicked off to replace it.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	item := c.inner.Get(key)
	if item == nil {
		return nil, false
	}
	e := item.Value()
	c.mu.Lock()
	stale := e.invalidated || c.clock.Now().After(e.softExpiry)
	c.mu.Unlock()
	if stale {
		c.refreshAsync(ctx, key)
	}
	return e.value, true
}

func (c *Cache) refreshAsync(ctx context.Context, key string) {
	if c.refresh == nil {
		return
	}
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()
		value, err := c.refresh(context.WithoutCancel(ctx), key)
		if err != nil {
			c.log.Warn("cache refresh failed", "key", key, "error", err)
			return
		}
		c.Set(key, value)
	}()
}

// Invalidate marks matching entries stale without dropping them; the next
// read serves the old value and refreshes. A trailing '*' matches by prefix.
func (c *Cache) Invalidate(pattern string) {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.inner.Keys() {
		if key != pattern && (!wildcard || !strings.HasPrefix(key, prefix)) {
			continue
		}
		if item := c.inner.Get(key); item != nil {
			item.Value().invalidated = true
		}
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.inner.Len()
}
