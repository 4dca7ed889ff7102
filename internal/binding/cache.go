// Package binding caches channel-binding lookups for the voice gateway.
//
// Voice events arrive at Discord gateway rates, so sending every lookup to
// Postgres would put the database on the hot path of every join and leave.
// The cache keeps a short-lived per-channel entry, including negative
// entries for unbound channels, and a periodic sweep bounds memory on
// guilds with many transient voice channels.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guildops/muster/internal/sched"
	"github.com/guildops/muster/pkg/store"
)

// DefaultTTL is how long a cached lookup result (hit or miss) stays fresh.
const DefaultTTL = 60 * time.Second

// DefaultSweepInterval is how often expired entries are evicted.
const DefaultSweepInterval = 10 * time.Minute

// lookupPurposes scopes cache-miss fetches. Voice monitoring only acts on
// voice-monitor and general-lobby bindings, but announcement bindings are
// cached too so notification-channel lookups share the same entries.
var lookupPurposes = []store.BindingPurpose{
	store.PurposeVoiceMonitor,
	store.PurposeGeneralLobby,
	store.PurposeAnnouncements,
}

type entry struct {
	binding  *store.ChannelBinding // nil records a cached "not bound"
	cachedAt time.Time
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Store resolves cache misses.
	Store store.BindingStore
	// TTL is the entry lifetime. Zero means DefaultTTL.
	TTL time.Duration
	// SweepInterval is how often stale entries are evicted.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration
	// Scheduler runs the periodic sweep. If nil no sweep is scheduled
	// and the caller is responsible for invoking Sweep itself.
	Scheduler *sched.Scheduler
	// Logger for sweep reporting. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Cache is a TTL cache from voice channel ID to its channel binding.
// The zero value is not usable; create one with NewCache.
type Cache struct {
	store  store.BindingStore
	ttl    time.Duration
	maxAge time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry

	cancelSweep sched.Cancel
}

// NewCache creates a Cache and, when a scheduler is provided, registers
// the periodic sweep on it.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		store:   cfg.Store,
		ttl:     cfg.TTL,
		maxAge:  cfg.SweepInterval,
		logger:  cfg.Logger,
		entries: make(map[string]entry),
	}
	if cfg.Scheduler != nil {
		c.cancelSweep = cfg.Scheduler.Every(cfg.SweepInterval, c.Sweep)
	}
	return c
}

// Lookup returns the binding for a voice channel, or nil when the channel
// is not bound. Results, including misses, are cached for the TTL. Store
// errors are returned without caching so the next event retries.
func (c *Cache) Lookup(ctx context.Context, guildID, channelID string) (*store.ChannelBinding, error) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[channelID]
	c.mu.RUnlock()
	if ok && now.Sub(e.cachedAt) < c.ttl {
		return e.binding, nil
	}

	b, err := c.store.BindingForChannel(ctx, guildID, channelID, lookupPurposes...)
	if err != nil {
		return nil, fmt.Errorf("binding: lookup channel %s: %w", channelID, err)
	}

	c.mu.Lock()
	c.entries[channelID] = entry{binding: b, cachedAt: now}
	c.mu.Unlock()
	return b, nil
}

// Invalidate drops the cached entry for a channel so the next lookup hits
// the store. Binding admin commands call this after every mutation.
func (c *Cache) Invalidate(channelID string) {
	c.mu.Lock()
	delete(c.entries, channelID)
	c.mu.Unlock()
}

// Flush drops every cached entry. Called on Discord gateway disconnect so
// a reconnect observes binding changes made while the connection was down.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Sweep evicts entries older than the sweep interval. Lazy expiry in Lookup
// keeps stale entries from being served; the sweep only bounds memory.
func (c *Cache) Sweep() {
	now := time.Now()

	c.mu.Lock()
	evicted := 0
	for channelID, e := range c.entries {
		if now.Sub(e.cachedAt) >= c.maxAge {
			delete(c.entries, channelID)
			evicted++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if evicted > 0 {
		c.logger.Debug("binding cache sweep",
			slog.Int("evicted", evicted),
			slog.Int("remaining", remaining))
	}
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close cancels the periodic sweep.
func (c *Cache) Close() {
	if c.cancelSweep != nil {
		c.cancelSweep()
	}
}
