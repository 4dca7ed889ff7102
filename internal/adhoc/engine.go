// Package adhoc spawns, tracks and completes ad-hoc gaming sessions from
// voice channel occupancy.
//
// Each channel binding gets a lobby: the set of current occupants plus the
// live sessions spawned from them. Game-specific bindings count every
// occupant toward one session for the binding's game; general lobbies infer
// groups from resolved presence activities and may run several sessions
// side by side. Sessions complete when their last member has been gone for
// the grace period.
package adhoc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guildops/muster/internal/gateway"
	"github.com/guildops/muster/internal/notify"
	"github.com/guildops/muster/internal/observe"
	"github.com/guildops/muster/internal/resolver"
	"github.com/guildops/muster/internal/sched"
	"github.com/guildops/muster/internal/session"
	"github.com/guildops/muster/pkg/store"
)

// Engine-wide defaults, overridable per binding and via SetDefaults.
const (
	DefaultMinPlayers  = 2
	DefaultGracePeriod = 180 * time.Second
)

// Store is the slice of the persistence API the engine touches.
type Store interface {
	CreateAdHocEvent(ctx context.Context, ev store.Event) (*store.Event, error)
	CompleteAdHocEvent(ctx context.Context, eventID int64, endedAt time.Time) error
	GameByID(ctx context.Context, id int64) (*store.Game, error)
	BindingsForGuild(ctx context.Context, guildID string) ([]store.ChannelBinding, error)
}

// GameResolver maps activity names to registry games.
type GameResolver interface {
	Resolve(ctx context.Context, userID, activityName string) (resolver.Resolution, error)
}

// Flusher persists the session table on demand. Completion flushes before
// the event row is marked ended.
type Flusher interface {
	FlushNow(ctx context.Context) error
}

// Notifier receives session lifecycle notifications.
type Notifier interface {
	NotifySpawned(ctx context.Context, s notify.Session)
	QueueUpdate(eventID int64)
	NotifyCompleted(ctx context.Context, eventID int64, endedAt time.Time)
}

// Config configures an Engine.
type Config struct {
	// Store persists event rows and resolves announcement channels.
	Store Store
	// Resolver maps presence activities to games.
	Resolver GameResolver
	// Table is the shared in-memory session table.
	Table *session.Table
	// Flusher runs the completion flush.
	Flusher Flusher
	// Notifier emits spawn, update and completion notifications.
	Notifier Notifier
	// Scheduler arms grace timers.
	Scheduler *sched.Scheduler
	// MinPlayers is the spawn threshold fallback for bindings without
	// their own. Zero means DefaultMinPlayers.
	MinPlayers int
	// GracePeriod is the completion delay fallback for bindings without
	// their own. Zero means DefaultGracePeriod.
	GracePeriod time.Duration
	// Logger for lifecycle events. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Metrics receives session counters. If nil, observe.DefaultMetrics()
	// is used.
	Metrics *observe.Metrics
}

// Engine drives the ad-hoc session state machines. Safe for concurrent use;
// events for different bindings never contend.
type Engine struct {
	store    Store
	resolver GameResolver
	table    *session.Table
	flusher  Flusher
	notifier Notifier
	sched    *sched.Scheduler
	logger   *slog.Logger
	metrics  *observe.Metrics

	defMu      sync.Mutex
	minPlayers int
	grace      time.Duration

	mu      sync.Mutex
	lobbies map[int64]*lobby
}

var _ gateway.AdHocEngine = (*Engine)(nil)

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.MinPlayers <= 0 {
		cfg.MinPlayers = DefaultMinPlayers
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Engine{
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		table:      cfg.Table,
		flusher:    cfg.Flusher,
		notifier:   cfg.Notifier,
		sched:      cfg.Scheduler,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		minPlayers: cfg.MinPlayers,
		grace:      cfg.GracePeriod,
		lobbies:    make(map[int64]*lobby),
	}
}

// SetDefaults replaces the engine-wide fallbacks for per-binding settings.
// Non-positive values leave the current default untouched. Running sessions
// keep the grace period they were armed with.
func (e *Engine) SetDefaults(minPlayers int, grace time.Duration) {
	e.defMu.Lock()
	defer e.defMu.Unlock()
	if minPlayers > 0 {
		e.minPlayers = minPlayers
	}
	if grace > 0 {
		e.grace = grace
	}
}

// HandleJoin processes a settled channel join. The member is tracked in the
// binding's lobby and attached to a session, or spawns one, per the binding
// kind. Resolver failures degrade to an unmatched resolution and never lose
// the member.
func (e *Engine) HandleJoin(ctx context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	// Announcement bindings share the lookup cache but are never monitored.
	if b.Purpose != store.PurposeVoiceMonitor && b.Purpose != store.PurposeGeneralLobby {
		return nil
	}

	res := e.resolve(ctx, userID, hint.Activity)
	now := time.Now()

	lb := e.lobbyFor(b.ID, true)

	var title string
	if !b.IsGeneralLobby() {
		title = e.gameTitleFor(ctx, lb, *b.GameID)
	}

	lb.mu.Lock()
	lb.binding = *b

	m, ok := lb.members[userID]
	if !ok {
		m = &member{username: hint.Username, userID: hint.UserID}
		lb.members[userID] = m
	} else {
		if hint.Username != "" {
			m.username = hint.Username
		}
		if m.userID == nil {
			m.userID = hint.UserID
		}
	}
	m.activity = hint.Activity
	m.res = res

	var p pendingNotify
	if b.IsGeneralLobby() {
		p = e.rebalanceLocked(ctx, lb, userID, now)
	} else {
		p = e.gameJoinLocked(ctx, lb, userID, title, now)
	}
	lb.mu.Unlock()

	e.emit(ctx, b, p)
	return nil
}

// HandleLeave processes a settled channel leave. An assigned member leaves
// their session; the last one out arms the grace timer.
func (e *Engine) HandleLeave(ctx context.Context, b *store.ChannelBinding, userID string) error {
	lb := e.lobbyFor(b.ID, false)
	if lb == nil {
		return nil
	}

	lb.mu.Lock()
	lb.binding = *b
	var p pendingNotify
	if m, ok := lb.members[userID]; ok {
		if m.sessionKey != "" {
			e.detachLocked(ctx, lb, userID, m, time.Now(), &p)
		}
		delete(lb.members, userID)
	}
	lb.mu.Unlock()

	e.emit(ctx, b, p)
	return nil
}

// HandlePresence processes an activity change for a general-lobby occupant:
// detach from the old game's session, then attach or spawn for the new one.
// Presence updates that do not change the activity are dropped before any
// registry work.
func (e *Engine) HandlePresence(ctx context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	lb := e.lobbyFor(b.ID, false)
	if lb == nil {
		return nil
	}

	lb.mu.Lock()
	m, ok := lb.members[userID]
	if !ok {
		lb.mu.Unlock()
		e.logger.Debug("presence for untracked member",
			slog.String("user_id", userID),
			slog.Int64("binding_id", b.ID))
		return nil
	}
	if m.activity == hint.Activity {
		lb.mu.Unlock()
		return nil
	}
	lb.mu.Unlock()

	res := e.resolve(ctx, userID, hint.Activity)
	now := time.Now()

	lb.mu.Lock()
	lb.binding = *b
	m, ok = lb.members[userID]
	if !ok {
		lb.mu.Unlock()
		return nil
	}
	if hint.Username != "" {
		m.username = hint.Username
	}
	m.activity = hint.Activity
	m.res = res
	p := e.rebalanceLocked(ctx, lb, userID, now)
	lb.mu.Unlock()

	e.emit(ctx, b, p)
	return nil
}

// resolve wraps the resolver so a registry outage degrades to an unmatched
// resolution instead of losing the member.
func (e *Engine) resolve(ctx context.Context, userID, activity string) resolver.Resolution {
	res, err := e.resolver.Resolve(ctx, userID, activity)
	if err != nil {
		e.logger.Warn("activity resolution failed, treating as unmatched",
			slog.String("user_id", userID),
			slog.String("activity", activity),
			slog.String("error", err.Error()))
		return resolver.Resolution{GameName: activity}
	}
	return res
}

// lobbyFor returns the binding's lobby, creating it when create is set.
func (e *Engine) lobbyFor(bindingID int64, create bool) *lobby {
	e.mu.Lock()
	defer e.mu.Unlock()
	lb, ok := e.lobbies[bindingID]
	if !ok && create {
		lb = &lobby{
			members:  make(map[string]*member),
			sessions: make(map[string]*live),
		}
		e.lobbies[bindingID] = lb
	}
	return lb
}

// gameTitleFor returns the registry name for a game-specific binding's
// game, cached on the lobby after the first successful lookup.
func (e *Engine) gameTitleFor(ctx context.Context, lb *lobby, gameID int64) string {
	lb.mu.Lock()
	title := lb.gameTitle
	lb.mu.Unlock()
	if title != "" {
		return title
	}

	g, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		e.logger.Warn("game lookup failed",
			slog.Int64("game_id", gameID),
			slog.String("error", err.Error()))
		return fmt.Sprintf("Game %d", gameID)
	}
	if g == nil {
		e.logger.Warn("bound game missing from registry", slog.Int64("game_id", gameID))
		return fmt.Sprintf("Game %d", gameID)
	}

	lb.mu.Lock()
	lb.gameTitle = g.Name
	lb.mu.Unlock()
	return g.Name
}

// notifyChannelFor resolves where a binding's session notifications go: the
// binding's configured override, else the guild's newest announcements
// binding, else nowhere.
func (e *Engine) notifyChannelFor(ctx context.Context, b *store.ChannelBinding) string {
	if b.Config.NotificationChannelID != nil && *b.Config.NotificationChannelID != "" {
		return *b.Config.NotificationChannelID
	}

	bindings, err := e.store.BindingsForGuild(ctx, b.GuildID)
	if err != nil {
		e.logger.Warn("announcements channel lookup failed",
			slog.String("guild_id", b.GuildID),
			slog.String("error", err.Error()))
		return ""
	}

	var best *store.ChannelBinding
	for i := range bindings {
		cand := &bindings[i]
		if cand.Purpose != store.PurposeAnnouncements {
			continue
		}
		if best == nil || cand.CreatedAt.After(best.CreatedAt) {
			best = cand
		}
	}
	if best == nil {
		return ""
	}
	return best.ChannelID
}

// emit sends the notifications accumulated under the lobby lock. Spawns
// without a reachable announcements channel go untracked, which turns the
// session's later updates into no-ops.
func (e *Engine) emit(ctx context.Context, b *store.ChannelBinding, p pendingNotify) {
	for _, s := range p.spawned {
		ch := e.notifyChannelFor(ctx, b)
		if ch == "" {
			e.logger.Info("no announcements channel bound, session notifications disabled",
				slog.Int64("event_id", s.EventID),
				slog.String("guild_id", b.GuildID))
			continue
		}
		s.ChannelID = ch
		e.notifier.NotifySpawned(ctx, s)
	}
	for _, eventID := range p.updated {
		e.notifier.QueueUpdate(eventID)
	}
}

// minPlayersFor resolves the spawn threshold for a binding.
func (e *Engine) minPlayersFor(cfg store.BindingConfig) int {
	e.defMu.Lock()
	def := e.minPlayers
	e.defMu.Unlock()
	return cfg.MinPlayersOr(def)
}

// gracePeriodFor resolves the completion delay for a binding.
func (e *Engine) gracePeriodFor(cfg store.BindingConfig) time.Duration {
	e.defMu.Lock()
	def := e.grace
	e.defMu.Unlock()
	return cfg.GracePeriodOr(def)
}
