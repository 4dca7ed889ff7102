package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guildops/muster/internal/observe"
	"github.com/guildops/muster/pkg/store"
)

// DefaultFlushInterval is the default period between flush passes.
const DefaultFlushInterval = 30 * time.Second

// Flusher periodically snapshots dirty or active table entries to the
// store. Active sessions are rewritten every pass so a crash loses at
// most one interval of open-segment time.
//
// All methods are safe for concurrent use.
type Flusher struct {
	table    *Table
	store    store.SessionStore
	interval time.Duration
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// FlusherConfig configures a [Flusher].
type FlusherConfig struct {
	// Table is the session table to snapshot.
	Table *Table

	// Store receives the snapshots.
	Store store.SessionStore

	// Interval is how often to flush. Defaults to 30 seconds if zero.
	Interval time.Duration

	// Logger for failed writes. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics records flush durations and outcomes. If nil,
	// observe.DefaultMetrics() is used.
	Metrics *observe.Metrics
}

// NewFlusher creates a new [Flusher] with the given configuration.
func NewFlusher(cfg FlusherConfig) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Flusher{
		table:    cfg.Table,
		store:    cfg.Store,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}
}

// Start begins periodic flushing in a background goroutine. The goroutine
// runs until [Flusher.Stop] is called or ctx is cancelled.
func (f *Flusher) Start(ctx context.Context) {
	go f.loop(ctx)
}

// Stop halts the flush loop. Safe to call multiple times.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
}

// FlushNow performs an immediate flush pass. Engines call this before
// completing an event so the final segment state is persisted, and the
// app calls it once more on shutdown.
func (f *Flusher) FlushNow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.flush(ctx)
}

// loop runs the periodic flush ticker.
func (f *Flusher) loop(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			if err := f.flush(ctx); err != nil {
				f.logger.Warn("periodic session flush failed", "error", err)
			}
			f.mu.Unlock()
		}
	}
}

// flush writes every dirty or active session to the store. Must be called
// with f.mu held.
func (f *Flusher) flush(ctx context.Context) error {
	start := time.Now()
	items := f.table.FlushCandidates(start)
	if len(items) == 0 {
		return nil
	}

	var written, failed int64
	var writeErr error
	for _, it := range items {
		if err := f.store.UpsertVoiceSession(ctx, it.Row); err != nil {
			failed++
			writeErr = fmt.Errorf("session: flush event %d user %s: %w", it.Key.EventID, it.Key.DiscordUserID, err)
			f.logger.Warn("failed to flush voice session",
				"event_id", it.Key.EventID,
				"discord_user_id", it.Key.DiscordUserID,
				"error", err,
			)
			// Keep writing the remaining sessions. The entry stays dirty
			// and is retried next pass.
			continue
		}
		f.table.AckFlush(it.Key, it.Gen)
		written++
	}

	f.metrics.RecordFlushPass(ctx, time.Since(start), written, failed)
	return writeErr
}
