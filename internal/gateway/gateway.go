// Package gateway is the sole consumer of the raw voice presence stream.
// It debounces per-user voice-state churn, maintains the user-to-channel
// map for presence-activity routing, and dispatches settled joins and
// leaves to the session engines through their channel bindings.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guildops/muster/internal/binding"
	"github.com/guildops/muster/internal/observe"
	"github.com/guildops/muster/internal/sched"
	"github.com/guildops/muster/pkg/store"
)

// DefaultDebounce is how long a user's voice state must stay quiet before
// the pending transition dispatches.
const DefaultDebounce = 2 * time.Second

// MemberHint carries the member metadata riding on a presence event.
type MemberHint struct {
	// Username is the current display name.
	Username string
	// UserID is the linked platform account, nil when the Discord user
	// has not been linked.
	UserID *int64
	// Activity is the raw name of the game the member is playing, empty
	// when they are not playing anything.
	Activity string
}

// VoiceUpdate is one raw voice-state transition as delivered by the chat
// adapter. An empty channel id means "no channel" on that side.
type VoiceUpdate struct {
	GuildID      string
	UserID       string
	OldChannelID string
	NewChannelID string
	Hint         MemberHint
}

// Occupant is one present member of a voice channel during startup
// recovery.
type Occupant struct {
	UserID string
	Hint   MemberHint
}

// AdHocEngine receives settled joins, leaves and presence changes for
// channels bound to ad-hoc monitoring.
type AdHocEngine interface {
	HandleJoin(ctx context.Context, b *store.ChannelBinding, userID string, hint MemberHint) error
	HandleLeave(ctx context.Context, b *store.ChannelBinding, userID string) error
	HandlePresence(ctx context.Context, b *store.ChannelBinding, userID string, hint MemberHint) error
}

// AttendanceEngine receives settled joins and leaves for channels bound
// to scheduled-event monitoring. Recover replaces HandleJoin during
// startup recovery so the engine can resume from its flushed rows.
type AttendanceEngine interface {
	HandleJoin(ctx context.Context, b *store.ChannelBinding, userID string, hint MemberHint) error
	HandleLeave(ctx context.Context, b *store.ChannelBinding, userID string) error
	Recover(ctx context.Context, b *store.ChannelBinding, userID string, hint MemberHint) error
}

// pendingEvent is a user's merged not-yet-dispatched transition. Merging
// keeps the earliest old channel and the latest new channel, so A→B→C
// settles as one A→C and A→B→A cancels out. gen increments on every
// merge so a timer that already fired while its cancel raced a merge
// aborts instead of dispatching early.
type pendingEvent struct {
	guildID      string
	oldChannelID string
	newChannelID string
	hint         MemberHint
	cancel       sched.Cancel
	gen          uint64
}

// Config configures a [Gateway].
type Config struct {
	// Bindings resolves channels to their bindings.
	Bindings *binding.Cache
	// AdHoc receives dispatches for every bound voice channel.
	AdHoc AdHocEngine
	// Attendance receives dispatches for every bound voice channel.
	Attendance AttendanceEngine
	// Scheduler arms the per-user debounce timers.
	Scheduler *sched.Scheduler
	// Debounce is the per-user quiet period. Zero means DefaultDebounce.
	Debounce time.Duration
	// Logger for dispatch failures. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Metrics records dispatched events. If nil, observe.DefaultMetrics()
	// is used.
	Metrics *observe.Metrics
}

// Gateway debounces voice-state updates per user and routes the settled
// transitions to the engines. All methods are safe for concurrent use.
type Gateway struct {
	bindings   *binding.Cache
	adhoc      AdHocEngine
	attendance AttendanceEngine
	sched      *sched.Scheduler
	debounce   time.Duration
	logger     *slog.Logger
	metrics    *observe.Metrics

	mu      sync.Mutex
	pending map[string]*pendingEvent
	// channels is the userChannelMap: which voice channel each user is
	// in, according to the last settled transition.
	channels map[string]string
}

// New creates a Gateway with the given configuration.
func New(cfg Config) *Gateway {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Gateway{
		bindings:   cfg.Bindings,
		adhoc:      cfg.AdHoc,
		attendance: cfg.Attendance,
		sched:      cfg.Scheduler,
		debounce:   cfg.Debounce,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		pending:    make(map[string]*pendingEvent),
		channels:   make(map[string]string),
	}
}

// HandleVoiceState ingests one raw voice-state update. Updates that do
// not change the channel (mute, deafen, stream toggles) are dropped. The
// rest merge into the user's pending transition and re-arm its debounce
// timer.
func (g *Gateway) HandleVoiceState(u VoiceUpdate) {
	if u.OldChannelID == u.NewChannelID {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[u.UserID]
	if ok {
		p.cancel()
		p.guildID = u.GuildID
		p.newChannelID = u.NewChannelID
		p.hint = u.Hint
	} else {
		p = &pendingEvent{
			guildID:      u.GuildID,
			oldChannelID: u.OldChannelID,
			newChannelID: u.NewChannelID,
			hint:         u.Hint,
		}
		g.pending[u.UserID] = p
	}
	p.gen++
	userID, gen := u.UserID, p.gen
	p.cancel = g.sched.After(g.debounce, func() {
		g.fire(userID, gen)
	})
}

// fire dispatches a user's settled transition. Runs on the debounce
// timer goroutine.
func (g *Gateway) fire(userID string, gen uint64) {
	g.mu.Lock()
	p, ok := g.pending[userID]
	if !ok || p.gen != gen {
		g.mu.Unlock()
		return
	}
	delete(g.pending, userID)

	// A→B→A within the window is a no-op.
	if p.oldChannelID == p.newChannelID {
		g.mu.Unlock()
		return
	}

	if p.newChannelID != "" {
		g.channels[userID] = p.newChannelID
	} else {
		delete(g.channels, userID)
	}
	g.mu.Unlock()

	ctx := context.Background()
	switch {
	case p.oldChannelID == "":
		g.metrics.RecordVoiceEvent(ctx, "join")
	case p.newChannelID == "":
		g.metrics.RecordVoiceEvent(ctx, "leave")
	default:
		g.metrics.RecordVoiceEvent(ctx, "move")
	}

	// Leave before join so a move never has the user in two channels.
	if p.oldChannelID != "" {
		g.dispatchLeave(ctx, p.guildID, p.oldChannelID, userID)
	}
	if p.newChannelID != "" {
		g.dispatchJoin(ctx, p.guildID, p.newChannelID, userID, p.hint)
	}
}

// HandlePresence ingests one presence-activity update. Presence never
// drives joins or leaves and is not debounced; it is routed to the
// ad-hoc engine only while the user sits in a general-lobby channel.
func (g *Gateway) HandlePresence(guildID, userID string, hint MemberHint) {
	g.mu.Lock()
	channelID := g.channels[userID]
	g.mu.Unlock()
	if channelID == "" {
		return
	}

	ctx := context.Background()
	b, err := g.bindings.Lookup(ctx, guildID, channelID)
	if err != nil {
		g.logger.Debug("presence binding lookup failed, treating as unbound",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
		return
	}
	if b == nil || !b.IsGeneralLobby() {
		return
	}

	if err := g.adhoc.HandlePresence(ctx, b, userID, hint); err != nil {
		g.logger.Warn("presence dispatch failed",
			slog.String("user_id", userID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
}

// Recover rebuilds engine state from the given channel occupancy,
// bypassing the debounce. Channels resolve concurrently; occupants of
// one channel dispatch in order. Safe to run repeatedly.
func (g *Gateway) Recover(ctx context.Context, guildID string, occupancy map[string][]Occupant) error {
	eg, ctx := errgroup.WithContext(ctx)
	for channelID, occupants := range occupancy {
		eg.Go(func() error {
			b, err := g.bindings.Lookup(ctx, guildID, channelID)
			if err != nil {
				g.logger.Warn("recovery binding lookup failed, skipping channel",
					slog.String("channel_id", channelID),
					slog.String("error", err.Error()))
				return nil
			}
			if b == nil {
				return nil
			}

			for _, o := range occupants {
				g.mu.Lock()
				g.channels[o.UserID] = channelID
				g.mu.Unlock()

				if err := g.adhoc.HandleJoin(ctx, b, o.UserID, o.Hint); err != nil {
					g.logger.Warn("recovery ad-hoc join failed",
						slog.String("user_id", o.UserID),
						slog.String("channel_id", channelID),
						slog.String("error", err.Error()))
				}
				if err := g.attendance.Recover(ctx, b, o.UserID, o.Hint); err != nil {
					g.logger.Warn("recovery attendance restore failed",
						slog.String("user_id", o.UserID),
						slog.String("channel_id", channelID),
						slog.String("error", err.Error()))
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// Disconnect cancels every pending debounce timer and flushes the
// binding cache. The session table is untouched so a reconnect can diff
// against it.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	for userID, p := range g.pending {
		p.cancel()
		delete(g.pending, userID)
	}
	g.channels = make(map[string]string)
	g.mu.Unlock()

	g.bindings.Flush()
}

// ChannelOf returns the channel a user currently sits in, or "".
func (g *Gateway) ChannelOf(userID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channels[userID]
}

// dispatchJoin routes one settled join to both engines. Lookup failures
// are treated as "no binding" and logged.
func (g *Gateway) dispatchJoin(ctx context.Context, guildID, channelID, userID string, hint MemberHint) {
	b, err := g.bindings.Lookup(ctx, guildID, channelID)
	if err != nil {
		g.logger.Warn("join binding lookup failed, treating as unbound",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
		return
	}
	if b == nil {
		return
	}

	if err := g.adhoc.HandleJoin(ctx, b, userID, hint); err != nil {
		g.logger.Warn("ad-hoc join failed",
			slog.String("user_id", userID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
	if err := g.attendance.HandleJoin(ctx, b, userID, hint); err != nil {
		g.logger.Warn("attendance join failed",
			slog.String("user_id", userID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
}

// dispatchLeave routes one settled leave to both engines.
func (g *Gateway) dispatchLeave(ctx context.Context, guildID, channelID, userID string) {
	b, err := g.bindings.Lookup(ctx, guildID, channelID)
	if err != nil {
		g.logger.Warn("leave binding lookup failed, treating as unbound",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
		return
	}
	if b == nil {
		return
	}

	if err := g.adhoc.HandleLeave(ctx, b, userID); err != nil {
		g.logger.Warn("ad-hoc leave failed",
			slog.String("user_id", userID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
	if err := g.attendance.HandleLeave(ctx, b, userID); err != nil {
		g.logger.Warn("attendance leave failed",
			slog.String("user_id", userID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
}
