// Command muster is the main entry point for the Muster presence server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guildops/muster/internal/app"
	"github.com/guildops/muster/internal/config"
	"github.com/guildops/muster/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "muster: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "muster: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can retune it
	// without rebuilding the handler.
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("muster starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "muster",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(application, logLevel, old, new)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr == nil || errors.Is(runErr, context.Canceled) {
		slog.Info("shutdown signal received, stopping…")
	} else {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// ── Hot reload ──────────────────────────────────────────────────────────────

// applyReload pushes hot-reloadable config changes into the running app.
// Everything else gets a restart warning.
func applyReload(application *app.App, logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level reloaded", "level", d.NewLogLevel)
	}
	if d.EngineChanged {
		application.SetEngineDefaults(d.NewEngine.MinPlayers, d.NewEngine.GracePeriod())
		slog.Info("engine defaults reloaded",
			"min_players", d.NewEngine.MinPlayers,
			"grace_period", d.NewEngine.GracePeriod(),
		)
	}
	if d.ResolverChanged {
		application.SetResolverTuning(d.NewResolver.CacheTTL(), d.NewResolver.OverrideTTL(), d.NewResolver.MinSimilarity)
		slog.Info("resolver tuning reloaded",
			"cache_ttl", d.NewResolver.CacheTTL(),
			"override_ttl", d.NewResolver.OverrideTTL(),
			"min_similarity", d.NewResolver.MinSimilarity,
		)
	}
	if d.RestartRequired {
		slog.Warn("config change affects connections or credentials; restart to apply")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║        Muster — startup summary        ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printEntry("Listen addr", cfg.Server.ListenAddr)
	printEntry("Timezone", cfg.Server.Timezone)
	guild := cfg.Discord.GuildID
	if guild == "" {
		guild = "(all guilds)"
	}
	printEntry("Guild", guild)
	printEntry("Min players", strconv.Itoa(cfg.Engine.MinPlayers))
	printEntry("Grace period", cfg.Engine.GracePeriod().String())
	printEntry("Debounce", cfg.Engine.Debounce().String())
	printEntry("Flush interval", cfg.Engine.FlushInterval().String())
	printEntry("Notify window", cfg.Engine.NotifyBatch().String())
	fmt.Println("╚════════════════════════════════════════╝")
}

func printEntry(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, value)
}
