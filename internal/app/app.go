// Package app wires all Muster subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the HTTP surface, the background loops and the
// Discord connection, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithRenderer, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel"

	"github.com/guildops/muster/internal/adhoc"
	"github.com/guildops/muster/internal/attendance"
	"github.com/guildops/muster/internal/binding"
	"github.com/guildops/muster/internal/config"
	"github.com/guildops/muster/internal/discord"
	"github.com/guildops/muster/internal/discord/commands"
	"github.com/guildops/muster/internal/gateway"
	"github.com/guildops/muster/internal/health"
	"github.com/guildops/muster/internal/notify"
	"github.com/guildops/muster/internal/observe"
	"github.com/guildops/muster/internal/resolver"
	"github.com/guildops/muster/internal/roster"
	"github.com/guildops/muster/internal/sched"
	"github.com/guildops/muster/internal/session"
	"github.com/guildops/muster/pkg/store"
	"github.com/guildops/muster/pkg/store/postgres"
)

// App owns all subsystem lifetimes and orchestrates the Muster presence
// pipeline: Discord events in, attendance rows and notifications out.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store      store.Store
	metrics    *observe.Metrics
	sched      *sched.Scheduler
	bindings   *binding.Cache
	resolver   *resolver.Resolver
	suggester  *resolver.Suggester
	table      *session.Table
	flusher    *session.Flusher
	rosters    *roster.Provider
	sess       *discordgo.Session
	renderer   notify.Renderer
	batcher    *notify.Batcher
	adhoc      *adhoc.Engine
	attendance *attendance.Engine
	classifier *attendance.Loop
	gateway    *gateway.Gateway
	bot        *discord.Bot
	http       *health.Server

	// storeClose is set only when New connected the store itself.
	// Injected stores stay open; their owner closes them.
	storeClose func()

	// closers run in order during Shutdown.
	closers []closer

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// closer is one named step of the shutdown sequence.
type closer struct {
	name  string
	close func(context.Context) error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to PostgreSQL.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithMetrics injects an instrument set instead of building one from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRenderer injects a notification renderer instead of the Discord
// embed renderer.
func WithRenderer(r notify.Renderer) Option {
	return func(a *App) { a.renderer = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: the store connects and
// migrates, instruments register, and every engine is wired to its
// dependencies. Nothing reaches the Discord API yet; Run opens the
// connection.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Metrics ───────────────────────────────────────────────────────
	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	// ── 3. Scheduler + binding cache ─────────────────────────────────────
	a.sched = sched.New()
	a.bindings = binding.NewCache(binding.CacheConfig{
		Store:     a.store,
		Scheduler: a.sched,
	})

	// ── 4. Game resolver ─────────────────────────────────────────────────
	a.resolver = resolver.New(resolver.Config{
		Store:         a.store,
		CacheTTL:      cfg.Resolver.CacheTTL(),
		OverrideTTL:   cfg.Resolver.OverrideTTL(),
		MinSimilarity: cfg.Resolver.MinSimilarity,
		Metrics:       a.metrics,
	})
	a.suggester = resolver.NewSuggester(a.store)

	// ── 5. Session table + flusher ───────────────────────────────────────
	a.table = session.NewTable()
	a.flusher = session.NewFlusher(session.FlusherConfig{
		Table:    a.table,
		Store:    a.store,
		Interval: cfg.Engine.FlushInterval(),
		Metrics:  a.metrics,
	})

	// ── 6. Roster read model ─────────────────────────────────────────────
	a.rosters = roster.NewProvider(a.table, a.store)

	// ── 7. Discord session + notifications ───────────────────────────────
	if err := a.initNotifications(); err != nil {
		return nil, fmt.Errorf("app: init notifications: %w", err)
	}

	// ── 8. Engines ───────────────────────────────────────────────────────
	a.adhoc = adhoc.New(adhoc.Config{
		Store:       a.store,
		Resolver:    a.resolver,
		Table:       a.table,
		Flusher:     a.flusher,
		Notifier:    a.batcher,
		Scheduler:   a.sched,
		MinPlayers:  cfg.Engine.MinPlayers,
		GracePeriod: cfg.Engine.GracePeriod(),
		Metrics:     a.metrics,
	})
	a.attendance = attendance.NewEngine(attendance.EngineConfig{
		Store: a.store,
		Table: a.table,
	})
	a.classifier = attendance.NewLoop(attendance.LoopConfig{
		Store:    a.store,
		Table:    a.table,
		Flusher:  a.flusher,
		Lookback: cfg.Engine.ClassifyLookback(),
		Grace:    cfg.Engine.JoinGrace(),
		Metrics:  a.metrics,
	})

	// ── 9. Ingest gateway ────────────────────────────────────────────────
	a.gateway = gateway.New(gateway.Config{
		Bindings:   a.bindings,
		AdHoc:      a.adhoc,
		Attendance: a.attendance,
		Scheduler:  a.sched,
		Debounce:   cfg.Engine.Debounce(),
		Metrics:    a.metrics,
	})

	// ── 10. Bot + slash commands ─────────────────────────────────────────
	if err := a.initBot(); err != nil {
		return nil, fmt.Errorf("app: init bot: %w", err)
	}

	// ── 11. HTTP surface ─────────────────────────────────────────────────
	a.initHTTP()

	// ── 12. Shutdown sequence ────────────────────────────────────────────
	a.initClosers()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the PostgreSQL store and runs migrations, unless a
// store was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	if a.cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when no store is injected")
	}

	st, err := postgres.NewStore(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	a.store = st
	a.storeClose = st.Close
	return nil
}

// initMetrics builds the instrument set from the global meter provider,
// unless one was injected. main registers the provider before New runs.
func (a *App) initMetrics() error {
	if a.metrics != nil {
		return nil
	}
	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initNotifications builds the Discord session shared by the bot and the
// renderer, the embed renderer, and the update batcher. The session is
// constructed but not opened here, so New stays offline.
func (a *App) initNotifications() error {
	sess, err := discord.NewSession(a.cfg.Discord.Token)
	if err != nil {
		return err
	}
	a.sess = sess

	if a.renderer == nil {
		loc, err := time.LoadLocation(a.cfg.Server.Timezone)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", a.cfg.Server.Timezone, err)
		}
		a.renderer = discord.NewRenderer(discord.RendererConfig{
			Sender:   sess,
			Location: loc,
		})
	}

	a.batcher = notify.New(notify.Config{
		Renderer:  a.renderer,
		Scheduler: a.sched,
		Window:    a.cfg.Engine.NotifyBatch(),
		Snapshot: func(eventID int64) roster.Roster {
			return a.rosters.Snapshot(eventID, time.Now())
		},
		Metrics: a.metrics,
	})
	return nil
}

// initBot wires the bot around the session and registers the slash-command
// handlers on its router.
func (a *App) initBot() error {
	bot, err := discord.New(discord.Config{
		Session: a.sess,
		GuildID: a.cfg.Discord.GuildID,
		Gateway: a.gateway,
		Table:   a.table,
	})
	if err != nil {
		return err
	}

	commands.NewBindingCommands(a.store, a.store, a.bindings, a.suggester).Register(bot.Router())
	commands.NewPlayingCommands(a.resolver, a.suggester).Register(bot.Router())

	a.bot = bot
	return nil
}

// initHTTP assembles the probes, the metrics endpoint and the roster
// stream into one server. The listener binds in Run, not here.
func (a *App) initHTTP() {
	var checkers []health.Checker
	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: pinger.Ping})
	}
	checkers = append(checkers, health.Checker{
		Name: "discord",
		Check: func(context.Context) error {
			if !a.sess.DataReady {
				return errors.New("gateway not connected")
			}
			return nil
		},
	})

	rosterSrv := roster.NewServer(roster.ServerConfig{
		Provider:     a.rosters,
		PushInterval: a.cfg.Roster.PushInterval(),
	})

	a.http = health.NewServer(health.ServerConfig{
		Addr:     a.cfg.Server.ListenAddr,
		Checkers: checkers,
		Routes:   []health.RouteRegistrar{rosterSrv},
		Metrics:  a.metrics,
	})
}

// initClosers assembles the shutdown sequence. Intake stops first so the
// final flush sees a quiet table, and infrastructure goes last.
func (a *App) initClosers() {
	a.closers = []closer{
		{"discord", func(context.Context) error { return a.bot.Close() }},
		{"classifier", func(context.Context) error { a.classifier.Stop(); return nil }},
		{"flusher", func(context.Context) error { a.flusher.Stop(); return nil }},
		{"batcher", func(context.Context) error { a.batcher.Close(); return nil }},
		{"final flush", a.flusher.FlushNow},
		{"binding cache", func(context.Context) error { a.bindings.Close(); return nil }},
		{"scheduler", func(context.Context) error { a.sched.Close(); return nil }},
		{"http", a.http.Shutdown},
	}
	if a.storeClose != nil {
		a.closers = append(a.closers, closer{"store", func(context.Context) error {
			a.storeClose()
			return nil
		}})
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP surface and the background loops, opens the Discord
// connection and blocks until ctx is cancelled. On a clean shutdown the
// returned error is ctx.Err(); call Shutdown afterwards to tear down.
func (a *App) Run(ctx context.Context) error {
	if err := a.http.Start(); err != nil {
		return err
	}
	a.flusher.Start(ctx)
	a.classifier.Start(ctx)

	slog.Info("app running", "addr", a.http.Addr(), "guild", a.cfg.Discord.GuildID)
	return a.bot.Run(ctx)
}

// SetEngineDefaults applies reloaded engine settings to the running ad-hoc
// engine. Lobbies already counting keep the threshold they started with;
// bindings with their own overrides are unaffected.
func (a *App) SetEngineDefaults(minPlayers int, grace time.Duration) {
	a.adhoc.SetDefaults(minPlayers, grace)
}

// SetResolverTuning applies reloaded resolver settings. Cached resolutions
// and live overrides are judged against the new TTLs on their next use.
func (a *App) SetResolverTuning(cacheTTL, overrideTTL time.Duration, minSimilarity float64) {
	a.resolver.SetTuning(cacheTTL, overrideTTL, minSimilarity)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the subsystems down: Discord intake first, then the
// loops, then a final table flush so no attendance is lost, then the
// infrastructure. It respects the context deadline: if ctx expires before
// the sequence finishes, remaining closers are skipped and the context
// error is returned.
//
// The final flush writes live voice segments with their leave time still
// open; recovery stitches them when the process comes back.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for _, c := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "at", c.name)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := c.close(ctx); err != nil {
				slog.Warn("closer error", "closer", c.name, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
