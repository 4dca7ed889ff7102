// Package postgres provides the PostgreSQL-backed implementation of the
// Muster persistence contracts defined in pkg/store.
//
// A single [pgxpool.Pool] serves every aggregate. [Migrate] installs the
// schema idempotently and is safe to run on every application start. The
// pg_trgm extension is installed best-effort; fuzzy game-name matching is
// skipped when it is unavailable.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	binding, moved, err := st.UpsertBinding(ctx, b)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — bindings + game registry
// ─────────────────────────────────────────────────────────────────────────────

const ddlGames = `
CREATE TABLE IF NOT EXISTS games (
    id          BIGSERIAL    PRIMARY KEY,
    name        TEXT         NOT NULL UNIQUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_games_name_fold
    ON games (lower(name));

CREATE TABLE IF NOT EXISTS activity_mappings (
    id             BIGSERIAL  PRIMARY KEY,
    activity_name  TEXT       NOT NULL UNIQUE,
    game_id        BIGINT     NOT NULL REFERENCES games (id) ON DELETE CASCADE
);
`

const ddlChannelBindings = `
CREATE TABLE IF NOT EXISTS channel_bindings (
    id                   BIGSERIAL    PRIMARY KEY,
    guild_id             TEXT         NOT NULL,
    channel_id           TEXT         NOT NULL,
    channel_kind         TEXT         NOT NULL,
    purpose              TEXT         NOT NULL,
    game_id              BIGINT       REFERENCES games (id) ON DELETE SET NULL,
    recurrence_group_id  TEXT,
    config               JSONB        NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_channel_bindings_key
    ON channel_bindings (guild_id, channel_id, COALESCE(recurrence_group_id, ''));

CREATE INDEX IF NOT EXISTS idx_channel_bindings_guild
    ON channel_bindings (guild_id);

CREATE INDEX IF NOT EXISTS idx_channel_bindings_series
    ON channel_bindings (recurrence_group_id)
    WHERE recurrence_group_id IS NOT NULL;
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — events, sessions, signups
// ─────────────────────────────────────────────────────────────────────────────

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id            BIGSERIAL    PRIMARY KEY,
    title         TEXT         NOT NULL,
    start_time    TIMESTAMPTZ  NOT NULL,
    end_time      TIMESTAMPTZ,
    game_id       BIGINT       REFERENCES games (id),
    game_name     TEXT         NOT NULL DEFAULT '',
    series_id     TEXT,
    is_ad_hoc     BOOLEAN      NOT NULL DEFAULT FALSE,
    cancelled_at  TIMESTAMPTZ,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_end_time
    ON events (end_time)
    WHERE end_time IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_events_window
    ON events (start_time, end_time);
`

const ddlVoiceSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id                  BIGSERIAL    PRIMARY KEY,
    event_id            BIGINT       NOT NULL REFERENCES events (id) ON DELETE CASCADE,
    user_id             BIGINT,
    discord_user_id     TEXT         NOT NULL,
    discord_username    TEXT         NOT NULL DEFAULT '',
    first_join_at       TIMESTAMPTZ,
    last_leave_at       TIMESTAMPTZ,
    total_duration_sec  BIGINT       NOT NULL DEFAULT 0,
    segments            JSONB        NOT NULL DEFAULT '[]',
    classification      TEXT,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (event_id, discord_user_id)
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_event
    ON voice_sessions (event_id);
`

const ddlEventSignups = `
CREATE TABLE IF NOT EXISTS event_signups (
    id                 BIGSERIAL    PRIMARY KEY,
    event_id           BIGINT       NOT NULL REFERENCES events (id) ON DELETE CASCADE,
    user_id            BIGINT,
    discord_user_id    TEXT,
    discord_username   TEXT         NOT NULL DEFAULT '',
    attendance_status  TEXT,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_event_signups_event
    ON event_signups (event_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — availability
// ─────────────────────────────────────────────────────────────────────────────

const ddlAvailabilityWindows = `
CREATE TABLE IF NOT EXISTS availability_windows (
    id               BIGSERIAL    PRIMARY KEY,
    user_id          BIGINT       NOT NULL,
    start_time       TIMESTAMPTZ  NOT NULL,
    end_time         TIMESTAMPTZ  NOT NULL,
    status           TEXT         NOT NULL,
    game_id          BIGINT       REFERENCES games (id),
    source_event_id  BIGINT       REFERENCES events (id) ON DELETE SET NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    CHECK (end_time > start_time)
);

CREATE INDEX IF NOT EXISTS idx_availability_user_range
    ON availability_windows (user_id, start_time, end_time);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// The pg_trgm extension is attempted last and its failure is tolerated:
// installation needs elevated rights on some managed hosts, and the engine
// probes [Store.SimilaritySupported] at startup to decide whether fuzzy
// game-name matching is available.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlGames,
		ddlChannelBindings,
		ddlEvents,
		ddlVoiceSessions,
		ddlEventSignups,
		ddlAvailabilityWindows,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}

	// Best-effort: missing pg_trgm only disables fuzzy matching.
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`)

	return nil
}
