package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/guildops/muster/pkg/store"
)

const sessionColumns = `id, event_id, user_id, discord_user_id, discord_username, first_join_at, last_leave_at, total_duration_sec, segments, classification, created_at, updated_at`

// UpsertVoiceSession implements [store.SessionStore]. The in-memory engine
// snapshot is authoritative: on conflict every mutable column is replaced.
func (s *Store) UpsertVoiceSession(ctx context.Context, row store.VoiceSession) error {
	segs := row.Segments
	if segs == nil {
		segs = []store.Segment{}
	}
	segsJSON, err := json.Marshal(segs)
	if err != nil {
		return fmt.Errorf("session store: marshal segments: %w", err)
	}

	const q = `
		INSERT INTO voice_sessions
		    (event_id, user_id, discord_user_id, discord_username, first_join_at,
		     last_leave_at, total_duration_sec, segments, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (event_id, discord_user_id) DO UPDATE SET
		    user_id            = EXCLUDED.user_id,
		    discord_username   = EXCLUDED.discord_username,
		    first_join_at      = EXCLUDED.first_join_at,
		    last_leave_at      = EXCLUDED.last_leave_at,
		    total_duration_sec = EXCLUDED.total_duration_sec,
		    segments           = EXCLUDED.segments,
		    updated_at         = now()`

	_, err = s.pool.Exec(ctx, q,
		row.EventID,
		row.UserID,
		row.DiscordUserID,
		row.DiscordUsername,
		row.FirstJoinAt,
		row.LastLeaveAt,
		row.TotalDurationSec,
		segsJSON,
	)
	if err != nil {
		return fmt.Errorf("session store: upsert: %w", err)
	}
	return nil
}

// VoiceSession implements [store.SessionStore]. Returns (nil, nil) when the
// participant has no record for the event.
func (s *Store) VoiceSession(ctx context.Context, eventID int64, discordUserID string) (*store.VoiceSession, error) {
	const q = `
		SELECT ` + sessionColumns + `
		FROM   voice_sessions
		WHERE  event_id = $1
		  AND  discord_user_id = $2`

	rows, err := s.pool.Query(ctx, q, eventID, discordUserID)
	if err != nil {
		return nil, fmt.Errorf("session store: lookup: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, fmt.Errorf("session store: lookup: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// VoiceSessionsForEvent implements [store.SessionStore].
func (s *Store) VoiceSessionsForEvent(ctx context.Context, eventID int64) ([]store.VoiceSession, error) {
	const q = `
		SELECT ` + sessionColumns + `
		FROM   voice_sessions
		WHERE  event_id = $1
		ORDER  BY discord_user_id`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("session store: list event: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, fmt.Errorf("session store: list event: %w", err)
	}
	return sessions, nil
}

// InsertNoShow implements [store.SessionStore]. The synthesized row is
// already classified no_show; any existing record wins via DO NOTHING.
func (s *Store) InsertNoShow(ctx context.Context, eventID int64, discordUserID, discordUsername string, userID *int64) (bool, error) {
	const q = `
		INSERT INTO voice_sessions
		    (event_id, user_id, discord_user_id, discord_username, first_join_at,
		     last_leave_at, total_duration_sec, segments, classification, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULL, NULL, 0, '[]', $5, now(), now())
		ON CONFLICT (event_id, discord_user_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, eventID, userID, discordUserID, discordUsername, store.ClassNoShow)
	if err != nil {
		return false, fmt.Errorf("session store: insert no-show: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetClassification implements [store.SessionStore].
func (s *Store) SetClassification(ctx context.Context, sessionID int64, c store.Classification) error {
	const q = `
		UPDATE voice_sessions
		SET    classification = $2,
		       updated_at     = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, c)
	if err != nil {
		return fmt.Errorf("session store: set classification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session store: set classification: session %d: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Signups
// ─────────────────────────────────────────────────────────────────────────────

// SignupsForEvent implements [store.SignupStore].
func (s *Store) SignupsForEvent(ctx context.Context, eventID int64) ([]store.Signup, error) {
	const q = `
		SELECT id, event_id, user_id, discord_user_id, discord_username, attendance_status, created_at
		FROM   event_signups
		WHERE  event_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("signup store: list event: %w", err)
	}
	signups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Signup, error) {
		var su store.Signup
		if err := row.Scan(
			&su.ID,
			&su.EventID,
			&su.UserID,
			&su.DiscordUserID,
			&su.DiscordUsername,
			&su.AttendanceStatus,
			&su.CreatedAt,
		); err != nil {
			return store.Signup{}, err
		}
		return su, nil
	})
	if err != nil {
		return nil, fmt.Errorf("signup store: scan rows: %w", err)
	}
	if signups == nil {
		signups = []store.Signup{}
	}
	return signups, nil
}

// SetAttendanceStatusIfNull implements [store.SignupStore]. Manual statuses
// are never overwritten.
func (s *Store) SetAttendanceStatusIfNull(ctx context.Context, signupID int64, status store.Classification) (bool, error) {
	const q = `
		UPDATE event_signups
		SET    attendance_status = $2
		WHERE  id = $1
		  AND  attendance_status IS NULL`

	tag, err := s.pool.Exec(ctx, q, signupID, status)
	if err != nil {
		return false, fmt.Errorf("signup store: set attendance: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// collectSessions scans pgx rows into a slice of VoiceSession values.
func collectSessions(rows pgx.Rows) ([]store.VoiceSession, error) {
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.VoiceSession, error) {
		var (
			vs       store.VoiceSession
			segsJSON []byte
		)
		if err := row.Scan(
			&vs.ID,
			&vs.EventID,
			&vs.UserID,
			&vs.DiscordUserID,
			&vs.DiscordUsername,
			&vs.FirstJoinAt,
			&vs.LastLeaveAt,
			&vs.TotalDurationSec,
			&segsJSON,
			&vs.Classification,
			&vs.CreatedAt,
			&vs.UpdatedAt,
		); err != nil {
			return store.VoiceSession{}, err
		}
		if err := json.Unmarshal(segsJSON, &vs.Segments); err != nil {
			return store.VoiceSession{}, fmt.Errorf("unmarshal segments: %w", err)
		}
		if vs.Segments == nil {
			vs.Segments = []store.Segment{}
		}
		return vs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if sessions == nil {
		sessions = []store.VoiceSession{}
	}
	return sessions, nil
}
