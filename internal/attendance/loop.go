package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guildops/muster/internal/observe"
	"github.com/guildops/muster/internal/session"
	"github.com/guildops/muster/pkg/store"
)

const (
	// DefaultClassifyInterval is the default period between classification
	// passes.
	DefaultClassifyInterval = time.Minute

	// DefaultLookback is how far back a pass searches for ended events.
	// Events whose processing failed are retried on every pass until they
	// age out of this window.
	DefaultLookback = 24 * time.Hour
)

// Flusher persists the session table on demand.
type Flusher interface {
	FlushNow(ctx context.Context) error
}

// Loop periodically grades attendance for recently ended scheduled events.
// Every step is idempotent, so an event that fails half-way is simply
// reprocessed on the next pass.
//
// All methods are safe for concurrent use.
type Loop struct {
	store    Store
	table    *session.Table
	flusher  Flusher
	interval time.Duration
	lookback time.Duration
	grace    time.Duration
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// LoopConfig configures a [Loop].
type LoopConfig struct {
	// Store reads ended events, session rows and signups and receives the
	// classifications.
	Store Store

	// Table is the shared in-memory session table.
	Table *session.Table

	// Flusher persists the table before rows are graded.
	Flusher Flusher

	// Interval is how often to run a pass. Defaults to one minute if zero.
	Interval time.Duration

	// Lookback bounds how old an ended event may be and still get
	// processed. Defaults to 24 hours if zero.
	Lookback time.Duration

	// Grace is how late a first join may be before full attendance
	// degrades to late. Defaults to five minutes if zero.
	Grace time.Duration

	// Logger for failed steps. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics records pass durations and grading outcomes. If nil,
	// observe.DefaultMetrics() is used.
	Metrics *observe.Metrics
}

// NewLoop creates a new [Loop] with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultClassifyInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultLateGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Loop{
		store:    cfg.Store,
		table:    cfg.Table,
		flusher:  cfg.Flusher,
		interval: cfg.Interval,
		lookback: cfg.Lookback,
		grace:    cfg.Grace,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}
}

// Start begins periodic classification in a background goroutine. The
// goroutine runs until [Loop.Stop] is called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop halts the classification loop. Safe to call multiple times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// ClassifyNow performs an immediate classification pass.
func (l *Loop) ClassifyNow(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.classify(ctx)
}

// run drives the periodic classification ticker.
func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			if err := l.classify(ctx); err != nil {
				l.logger.Warn("classification pass failed", "error", err)
			}
			l.mu.Unlock()
		}
	}
}

// classify processes every event that ended within the lookback window.
// Events are independent; one failing is logged and the rest still run.
// Must be called with l.mu held.
func (l *Loop) classify(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "attendance.classify")
	defer span.End()

	start := time.Now()
	events, err := l.store.EndedScheduledEvents(ctx, start.Add(-l.lookback), start)
	if err != nil {
		return fmt.Errorf("attendance: ended events: %w", err)
	}

	var lastErr error
	for _, ev := range events {
		if err := l.classifyEvent(ctx, ev); err != nil {
			lastErr = err
			l.logger.Warn("failed to classify event",
				"event_id", ev.ID,
				"error", err,
			)
		}
	}

	l.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
	return lastErr
}

// classifyEvent grades one ended event: close and flush its live sessions,
// classify each persisted row, synthesize no-show rows for signups that
// never connected, fill still-null signup statuses, then drop the event
// from the table.
func (l *Loop) classifyEvent(ctx context.Context, ev store.Event) error {
	if ev.EndTime == nil {
		return fmt.Errorf("attendance: event %d ended without an end time", ev.ID)
	}
	endTime := *ev.EndTime

	// Members still connected stop accruing at the event's end.
	l.table.CloseEvent(ev.ID, endTime)

	// Grading reads persisted rows, so everything the table holds must be
	// on disk first. A failed flush aborts the whole event; it is retried
	// on the next pass with the table intact.
	if err := l.flusher.FlushNow(ctx); err != nil {
		return fmt.Errorf("attendance: flush before grading event %d: %w", ev.ID, err)
	}

	rows, err := l.store.VoiceSessionsForEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("attendance: sessions for event %d: %w", ev.ID, err)
	}

	var lastErr error
	classByUser := make(map[string]store.Classification, len(rows))
	hasRow := make(map[string]bool, len(rows))
	for _, row := range rows {
		hasRow[row.DiscordUserID] = true
		if row.Classification != nil {
			classByUser[row.DiscordUserID] = *row.Classification
			continue
		}
		if row.FirstJoinAt == nil {
			// Synthesized rows are born classified; anything else without
			// a join is malformed and skipped.
			continue
		}

		c := Classify(row, ev.StartTime, endTime, l.grace)
		if err := l.store.SetClassification(ctx, row.ID, c); err != nil {
			lastErr = fmt.Errorf("attendance: classify session %d: %w", row.ID, err)
			l.logger.Warn("failed to store classification",
				"event_id", ev.ID,
				"session_id", row.ID,
				"error", err,
			)
			continue
		}
		classByUser[row.DiscordUserID] = c
		l.metrics.RecordClassification(ctx, string(c))
	}

	signups, err := l.store.SignupsForEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("attendance: signups for event %d: %w", ev.ID, err)
	}

	for _, su := range signups {
		if su.DiscordUserID == nil {
			continue
		}
		uid := *su.DiscordUserID

		c, graded := classByUser[uid]
		if !graded {
			if hasRow[uid] {
				// The row exists but its classification failed above.
				// Leave the signup for the retry pass.
				continue
			}
			inserted, err := l.store.InsertNoShow(ctx, ev.ID, uid, su.DiscordUsername, su.UserID)
			if err != nil {
				lastErr = fmt.Errorf("attendance: no-show for signup %d: %w", su.ID, err)
				l.logger.Warn("failed to synthesize no-show",
					"event_id", ev.ID,
					"signup_id", su.ID,
					"error", err,
				)
				continue
			}
			c = store.ClassNoShow
			classByUser[uid] = c
			if inserted {
				l.metrics.RecordClassification(ctx, string(store.ClassNoShow))
			}
		}

		if su.AttendanceStatus != nil {
			continue
		}
		if _, err := l.store.SetAttendanceStatusIfNull(ctx, su.ID, c); err != nil {
			lastErr = fmt.Errorf("attendance: signup status for %d: %w", su.ID, err)
			l.logger.Warn("failed to set signup attendance status",
				"event_id", ev.ID,
				"signup_id", su.ID,
				"error", err,
			)
		}
	}

	// Rows that failed above stay persisted and get retried next pass, so
	// the in-memory state is no longer needed either way.
	l.table.DropEvent(ev.ID)
	return lastErr
}
