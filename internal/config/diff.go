package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; credential and
// network changes require a restart and are reported so callers can warn.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineChanged is true when any engine timing default changed. Timers
	// already armed keep their old duration; new arms pick up the new value.
	EngineChanged bool
	NewEngine     EngineConfig

	// ResolverChanged is true when override TTL, cache TTL or the similarity
	// floor changed.
	ResolverChanged bool
	NewResolver     ResolverConfig

	// RestartRequired is true when a non-reloadable field changed (discord
	// token, postgres DSN, listen address, timezone, roster cadence).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Engine != new.Engine {
		d.EngineChanged = true
		d.NewEngine = new.Engine
	}

	if old.Resolver != new.Resolver {
		d.ResolverChanged = true
		d.NewResolver = new.Resolver
	}

	if old.Discord != new.Discord ||
		old.Postgres != new.Postgres ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.Timezone != new.Server.Timezone ||
		old.Roster != new.Roster {
		d.RestartRequired = true
	}

	return d
}
