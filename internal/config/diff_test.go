package config_test

import (
	"testing"

	"github.com/guildops/muster/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   config.LogInfo,
			Timezone:   "UTC",
		},
		Discord:  config.DiscordConfig{Token: "t", GuildID: "g"},
		Postgres: config.PostgresConfig{DSN: "postgres://localhost/muster"},
		Engine: config.EngineConfig{
			MinPlayers:            2,
			GracePeriodSec:        180,
			DebounceMs:            2000,
			FlushIntervalSec:      30,
			NotifyBatchSec:        10,
			JoinGraceMin:          5,
			ClassifyLookbackHours: 24,
		},
		Resolver: config.ResolverConfig{OverrideTTLMin: 30, CacheTTLMin: 10, MinSimilarity: 0.3},
		Roster:   config.RosterConfig{PushIntervalSec: 5},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d != (config.ConfigDiff{}) {
		t.Errorf("Diff of identical configs = %+v, want zero", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change should not require a restart")
	}
}

func TestDiff_Engine(t *testing.T) {
	t.Parallel()

	new := baseConfig()
	new.Engine.MinPlayers = 4
	new.Engine.GracePeriodSec = 60

	d := config.Diff(baseConfig(), new)
	if !d.EngineChanged {
		t.Fatal("EngineChanged = false, want true")
	}
	if d.NewEngine.MinPlayers != 4 || d.NewEngine.GracePeriodSec != 60 {
		t.Errorf("NewEngine = %+v, want the reloaded values", d.NewEngine)
	}
	if d.RestartRequired {
		t.Error("engine timing change should not require a restart")
	}
}

func TestDiff_Resolver(t *testing.T) {
	t.Parallel()

	new := baseConfig()
	new.Resolver.MinSimilarity = 0.5

	d := config.Diff(baseConfig(), new)
	if !d.ResolverChanged {
		t.Fatal("ResolverChanged = false, want true")
	}
	if d.NewResolver.MinSimilarity != 0.5 {
		t.Errorf("NewResolver.MinSimilarity = %v, want 0.5", d.NewResolver.MinSimilarity)
	}
	if d.RestartRequired {
		t.Error("resolver tuning change should not require a restart")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"discord token", func(c *config.Config) { c.Discord.Token = "t2" }},
		{"guild", func(c *config.Config) { c.Discord.GuildID = "g2" }},
		{"postgres dsn", func(c *config.Config) { c.Postgres.DSN = "postgres://elsewhere/muster" }},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }},
		{"timezone", func(c *config.Config) { c.Server.Timezone = "Europe/Berlin" }},
		{"roster cadence", func(c *config.Config) { c.Roster.PushIntervalSec = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			new := baseConfig()
			tt.mutate(new)

			d := config.Diff(baseConfig(), new)
			if !d.RestartRequired {
				t.Error("RestartRequired = false, want true")
			}
			if d.LogLevelChanged || d.EngineChanged || d.ResolverChanged {
				t.Errorf("unexpected hot-reload flags in %+v", d)
			}
		})
	}
}
