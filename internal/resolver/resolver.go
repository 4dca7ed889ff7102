// Package resolver turns free-form Discord activity names into games from
// the registry.
//
// Resolution walks a fixed pipeline: per-user manual override, the
// admin-managed activity-name mapping table, exact registry match,
// case-insensitive registry match, and finally trigram similarity when the
// database supports it. Results, including misses, are cached per name so
// busy channels do not hammer the registry.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/guildops/muster/internal/observe"
	"github.com/guildops/muster/pkg/store"
)

// Defaults for the resolver's tunables.
const (
	DefaultCacheTTL      = 10 * time.Minute
	DefaultOverrideTTL   = 30 * time.Minute
	DefaultMinSimilarity = 0.3
)

// Resolution is the outcome of resolving one activity name. GameID is nil
// when no registry game matched; GameName then carries the activity name
// that entered the registry lookups.
type Resolution struct {
	GameID   *int64
	GameName string
}

// Resolved reports whether the resolution matched a registry game.
func (r Resolution) Resolved() bool { return r.GameID != nil }

// Config configures a Resolver.
type Config struct {
	// Store provides registry and mapping lookups.
	Store store.GameStore
	// CacheTTL is the per-name cache lifetime. Zero means DefaultCacheTTL.
	CacheTTL time.Duration
	// OverrideTTL is the per-user override lifetime. Zero means
	// DefaultOverrideTTL.
	OverrideTTL time.Duration
	// MinSimilarity is the trigram similarity floor for step 5.
	// Zero means DefaultMinSimilarity.
	MinSimilarity float64
	// Logger for the one-time trigram capability report. If nil,
	// slog.Default() is used.
	Logger *slog.Logger
	// Metrics receives per-lookup counters. If nil,
	// observe.DefaultMetrics() is used.
	Metrics *observe.Metrics
}

type cacheEntry struct {
	res      Resolution
	cachedAt time.Time
}

type override struct {
	name  string
	setAt time.Time
}

// Resolver resolves activity names to registry games. Safe for concurrent
// use.
type Resolver struct {
	store   store.GameStore
	logger  *slog.Logger
	metrics *observe.Metrics

	mu            sync.Mutex
	cacheTTL      time.Duration
	overrideTTL   time.Duration
	minSimilarity float64
	cache         map[string]cacheEntry // keyed by the name entering registry lookups
	overrides     map[string]override   // keyed by Discord user id

	probeOnce sync.Once
	trigram   bool
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.OverrideTTL <= 0 {
		cfg.OverrideTTL = DefaultOverrideTTL
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Resolver{
		store:         cfg.Store,
		cacheTTL:      cfg.CacheTTL,
		overrideTTL:   cfg.OverrideTTL,
		minSimilarity: cfg.MinSimilarity,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		cache:         make(map[string]cacheEntry),
		overrides:     make(map[string]override),
	}
}

// Resolve maps an activity name to a game. A manual override for the user
// substitutes the name before the registry steps run; the substituted name
// is what gets cached, so two users playing the same activity share an
// entry while an override never pollutes it.
func (r *Resolver) Resolve(ctx context.Context, userID, activityName string) (Resolution, error) {
	name := strings.TrimSpace(activityName)
	if name == "" {
		return Resolution{}, nil
	}

	if o, ok := r.overrideFor(userID); ok {
		name = o
	}

	if res, ok := r.cached(name); ok {
		r.metrics.RecordResolverLookup(ctx, "cache")
		return res, nil
	}

	res, source, err := r.lookup(ctx, name)
	if err != nil {
		return Resolution{}, err
	}
	r.metrics.RecordResolverLookup(ctx, source)

	r.mu.Lock()
	r.cache[name] = cacheEntry{res: res, cachedAt: time.Now()}
	r.mu.Unlock()
	return res, nil
}

// lookup runs pipeline steps 2 through 5 for a post-override name. The
// second return names the step that matched, for metrics.
func (r *Resolver) lookup(ctx context.Context, name string) (Resolution, string, error) {
	g, err := r.store.GameByActivityMapping(ctx, name)
	if err != nil {
		return Resolution{}, "", fmt.Errorf("resolver: activity mapping %q: %w", name, err)
	}
	if g != nil {
		return resolutionFor(g), "mapping", nil
	}

	g, err = r.store.GameByName(ctx, name)
	if err != nil {
		return Resolution{}, "", fmt.Errorf("resolver: exact match %q: %w", name, err)
	}
	if g != nil {
		return resolutionFor(g), "exact", nil
	}

	g, err = r.store.GameByNameFold(ctx, name)
	if err != nil {
		return Resolution{}, "", fmt.Errorf("resolver: case-insensitive match %q: %w", name, err)
	}
	if g != nil {
		return resolutionFor(g), "fold", nil
	}

	if r.trigramSupported(ctx) {
		g, err = r.store.GameBySimilarity(ctx, name, r.similarityFloor())
		if err != nil {
			return Resolution{}, "", fmt.Errorf("resolver: similarity match %q: %w", name, err)
		}
		if g != nil {
			return resolutionFor(g), "trigram", nil
		}
	}

	return Resolution{GameName: name}, "none", nil
}

// trigramSupported probes the similarity capability exactly once. A failed
// probe disables step 5 for the process lifetime; the pipeline still works
// through steps 1 to 4.
func (r *Resolver) trigramSupported(ctx context.Context) bool {
	r.probeOnce.Do(func() {
		ok, err := r.store.SimilaritySupported(ctx)
		if err != nil {
			r.logger.Warn("resolver: trigram capability probe failed, fuzzy matching disabled",
				slog.String("error", err.Error()))
			return
		}
		r.trigram = ok
		if !ok {
			r.logger.Info("resolver: pg_trgm not available, fuzzy matching disabled")
		}
	})
	return r.trigram
}

// SetOverride pins an explicit game name for a user. Subsequent activity
// names from that user resolve as the pinned name until the override TTL
// elapses or ClearOverride is called.
func (r *Resolver) SetOverride(userID, gameName string) {
	r.mu.Lock()
	r.overrides[userID] = override{name: gameName, setAt: time.Now()}
	r.mu.Unlock()
}

// ClearOverride removes the user's override. Returns true when an override
// was present and still live.
func (r *Resolver) ClearOverride(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.overrides[userID]
	delete(r.overrides, userID)
	return ok && time.Since(o.setAt) < r.overrideTTL
}

// OverrideFor returns the user's live override, if any.
func (r *Resolver) OverrideFor(userID string) (string, bool) {
	return r.overrideFor(userID)
}

// OverrideTTL returns the configured override lifetime.
func (r *Resolver) OverrideTTL() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overrideTTL
}

// similarityFloor returns the current trigram floor.
func (r *Resolver) similarityFloor() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minSimilarity
}

// SetTuning applies reloaded tunables. Zero or negative values fall back
// to the package defaults. Cached entries and live overrides are judged
// against the new TTLs on their next use.
func (r *Resolver) SetTuning(cacheTTL, overrideTTL time.Duration, minSimilarity float64) {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if overrideTTL <= 0 {
		overrideTTL = DefaultOverrideTTL
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	r.mu.Lock()
	r.cacheTTL = cacheTTL
	r.overrideTTL = overrideTTL
	r.minSimilarity = minSimilarity
	r.mu.Unlock()
}

func (r *Resolver) overrideFor(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.overrides[userID]
	if !ok {
		return "", false
	}
	if time.Since(o.setAt) >= r.overrideTTL {
		delete(r.overrides, userID)
		return "", false
	}
	return o.name, true
}

// cached returns a live cache entry for the post-override name.
func (r *Resolver) cached(name string) (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[name]
	if !ok {
		return Resolution{}, false
	}
	if time.Since(e.cachedAt) >= r.cacheTTL {
		delete(r.cache, name)
		return Resolution{}, false
	}
	return e.res, true
}

// InvalidateCache drops all cached resolutions. Admin commands that edit
// the mapping table call this so edits take effect immediately.
func (r *Resolver) InvalidateCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func resolutionFor(g *store.Game) Resolution {
	id := g.ID
	return Resolution{GameID: &id, GameName: g.Name}
}
