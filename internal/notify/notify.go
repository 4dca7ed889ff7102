// Package notify coalesces ad-hoc session notifications. Roster churn
// arrives at voice-event rates; the batcher turns it into at most one
// chat-message edit per session per window, while spawn and completion
// render immediately.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guildops/muster/internal/observe"
	"github.com/guildops/muster/internal/roster"
	"github.com/guildops/muster/internal/sched"
)

// DefaultWindow is the update coalescing window.
const DefaultWindow = 10 * time.Second

// slowRenderThreshold flags renders that take long enough to suggest the
// chat service is degrading.
const slowRenderThreshold = 5 * time.Second

// Kind distinguishes the notification stages of one session.
type Kind string

const (
	KindSpawned   Kind = "spawned"
	KindUpdated   Kind = "updated"
	KindCompleted Kind = "completed"
)

// Payload is everything the renderer needs to build the message.
type Payload struct {
	Kind      Kind
	EventID   int64
	Title     string
	GameID    *int64
	StartedAt time.Time
	// EndedAt is set only for completion payloads.
	EndedAt *time.Time
	Roster  roster.Roster
}

// Renderer turns a payload into a chat message. An empty messageID means
// post a new message; a known one means edit it. The returned id is
// stored for subsequent edits. Implementations may refuse while their
// backing service is failing; the batcher logs and moves on.
type Renderer interface {
	SendOrEdit(ctx context.Context, channelID, messageID string, p Payload) (string, error)
}

// Session describes one tracked ad-hoc session message.
type Session struct {
	EventID   int64
	ChannelID string
	Title     string
	GameID    *int64
	StartedAt time.Time
}

// entry is the batcher's per-session state.
type entry struct {
	channelID string
	messageID string
	title     string
	gameID    *int64
	startedAt time.Time

	// cancelPending stops the armed update timer. Nil when none is armed.
	cancelPending sched.Cancel
}

// Config configures a [Batcher].
type Config struct {
	// Renderer posts and edits the messages.
	Renderer Renderer
	// Scheduler arms the coalescing timers.
	Scheduler *sched.Scheduler
	// Window is the update coalescing window. Zero means DefaultWindow.
	Window time.Duration
	// Snapshot returns the current roster for an event. Called at render
	// time so a coalesced update always shows the latest state.
	Snapshot func(eventID int64) roster.Roster
	// Logger for render failures. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Metrics records render durations and failures. If nil,
	// observe.DefaultMetrics() is used.
	Metrics *observe.Metrics
}

// Batcher tracks one notification message per ad-hoc session and
// debounces roster updates into it. All methods are safe for concurrent
// use. Render failures never propagate; the next membership change
// produces another attempt.
type Batcher struct {
	renderer Renderer
	sched    *sched.Scheduler
	window   time.Duration
	snapshot func(eventID int64) roster.Roster
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu       sync.Mutex
	sessions map[int64]*entry
}

// New creates a Batcher with the given configuration.
func New(cfg Config) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Batcher{
		renderer: cfg.Renderer,
		sched:    cfg.Scheduler,
		window:   cfg.Window,
		snapshot: cfg.Snapshot,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[int64]*entry),
	}
}

// NotifySpawned registers a session and renders its spawn message
// synchronously. When the render fails the message id stays empty, so
// the next update posts a fresh message instead of editing.
func (b *Batcher) NotifySpawned(ctx context.Context, s Session) {
	b.mu.Lock()
	b.sessions[s.EventID] = &entry{
		channelID: s.ChannelID,
		title:     s.Title,
		gameID:    s.GameID,
		startedAt: s.StartedAt,
	}
	b.mu.Unlock()

	b.render(ctx, s.EventID, KindSpawned, nil)
}

// QueueUpdate arms the coalescing timer for a session. Calls within the
// window reset the countdown, so a burst of roster churn produces one
// edit showing the final state. Unknown sessions are ignored.
func (b *Batcher) QueueUpdate(eventID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.sessions[eventID]
	if !ok {
		return
	}
	if e.cancelPending != nil {
		e.cancelPending()
	}
	e.cancelPending = b.sched.After(b.window, func() {
		b.fireUpdate(eventID)
	})
}

// NotifyCompleted cancels any pending update, renders the completion
// synchronously and stops tracking the session.
func (b *Batcher) NotifyCompleted(ctx context.Context, eventID int64, endedAt time.Time) {
	b.mu.Lock()
	e, ok := b.sessions[eventID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if e.cancelPending != nil {
		e.cancelPending()
		e.cancelPending = nil
	}
	b.mu.Unlock()

	b.render(ctx, eventID, KindCompleted, &endedAt)

	b.mu.Lock()
	delete(b.sessions, eventID)
	b.mu.Unlock()
}

// Forget drops a session without rendering, cancelling any pending
// update.
func (b *Batcher) Forget(eventID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.sessions[eventID]; ok && e.cancelPending != nil {
		e.cancelPending()
	}
	delete(b.sessions, eventID)
}

// Close cancels every pending update. Tracked sessions are kept so a
// final completion can still render during shutdown.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.sessions {
		if e.cancelPending != nil {
			e.cancelPending()
			e.cancelPending = nil
		}
	}
}

// fireUpdate runs on the timer goroutine when a coalescing window ends.
func (b *Batcher) fireUpdate(eventID int64) {
	b.mu.Lock()
	if e, ok := b.sessions[eventID]; ok {
		e.cancelPending = nil
	}
	b.mu.Unlock()

	b.render(context.Background(), eventID, KindUpdated, nil)
}

// render builds the payload and calls the renderer. The batcher lock is
// never held across the render.
func (b *Batcher) render(ctx context.Context, eventID int64, kind Kind, endedAt *time.Time) {
	b.mu.Lock()
	e, ok := b.sessions[eventID]
	if !ok {
		b.mu.Unlock()
		return
	}
	channelID, messageID := e.channelID, e.messageID
	p := Payload{
		Kind:      kind,
		EventID:   eventID,
		Title:     e.title,
		GameID:    e.gameID,
		StartedAt: e.startedAt,
		EndedAt:   endedAt,
	}
	b.mu.Unlock()

	p.Roster = b.snapshot(eventID)

	start := time.Now()
	id, err := b.renderer.SendOrEdit(ctx, channelID, messageID, p)
	elapsed := time.Since(start)
	b.metrics.RecordRender(ctx, elapsed, err)

	if elapsed > slowRenderThreshold {
		b.logger.Warn("notification render slow",
			slog.Int64("event_id", eventID),
			slog.String("kind", string(kind)),
			slog.Duration("duration", elapsed))
	}
	if err != nil {
		b.logger.Warn("notification render failed",
			slog.Int64("event_id", eventID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		return
	}

	if id != "" && id != messageID {
		b.mu.Lock()
		if e, ok := b.sessions[eventID]; ok {
			e.messageID = id
		}
		b.mu.Unlock()
	}
}
