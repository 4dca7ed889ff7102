// Package attendance tracks voice presence for scheduled events and grades
// it after they end.
//
// The engine side feeds the shared session table from settled voice joins
// and leaves while an event's window is live, and restores persisted rows
// during startup recovery. The classification loop sweeps recently ended
// events, closes and flushes their sessions, grades every participant, and
// synthesizes no-show rows for signups that never appeared.
package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guildops/muster/internal/gateway"
	"github.com/guildops/muster/internal/session"
	"github.com/guildops/muster/pkg/store"
)

// Store is the slice of the persistence API this package touches. The
// engine reads live events and persisted sessions; the loop reads ended
// events, rows and signups and writes classifications.
type Store interface {
	LiveScheduledEvents(ctx context.Context, at time.Time) ([]store.Event, error)
	EndedScheduledEvents(ctx context.Context, from, to time.Time) ([]store.Event, error)
	VoiceSession(ctx context.Context, eventID int64, discordUserID string) (*store.VoiceSession, error)
	VoiceSessionsForEvent(ctx context.Context, eventID int64) ([]store.VoiceSession, error)
	InsertNoShow(ctx context.Context, eventID int64, discordUserID, discordUsername string, userID *int64) (bool, error)
	SetClassification(ctx context.Context, sessionID int64, c store.Classification) error
	SignupsForEvent(ctx context.Context, eventID int64) ([]store.Signup, error)
	SetAttendanceStatusIfNull(ctx context.Context, signupID int64, status store.Classification) (bool, error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Store reads live events and persisted session rows.
	Store Store
	// Table is the shared in-memory session table.
	Table *session.Table
	// Logger for recovery reporting. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Engine maintains in-memory sessions for live scheduled events. Safe for
// concurrent use; all state lives in the session table.
type Engine struct {
	store  Store
	table  *session.Table
	logger *slog.Logger
}

var _ gateway.AttendanceEngine = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:  cfg.Store,
		table:  cfg.Table,
		logger: cfg.Logger,
	}
}

// HandleJoin opens a presence segment for every live scheduled event the
// channel's binding matches.
func (e *Engine) HandleJoin(ctx context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	events, err := e.liveMatches(ctx, b)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, ev := range events {
		e.table.Join(session.Key{EventID: ev.ID, DiscordUserID: userID}, hint.Username, hint.UserID, now)
	}
	return nil
}

// HandleLeave closes the open segment for every live scheduled event the
// channel's binding matches. Events that already ended are left to the
// classification loop, which closes them at the event's end time.
func (e *Engine) HandleLeave(ctx context.Context, b *store.ChannelBinding, userID string) error {
	events, err := e.liveMatches(ctx, b)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, ev := range events {
		e.table.Leave(session.Key{EventID: ev.ID, DiscordUserID: userID}, now)
	}
	return nil
}

// Recover resumes tracking for one occupant during startup recovery. Live
// in-memory state wins (a reconnect is just a join); otherwise the persisted
// row is restored with its crashed segment closed, and a member without a
// row starts fresh.
func (e *Engine) Recover(ctx context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	events, err := e.liveMatches(ctx, b)
	if err != nil {
		return err
	}

	now := time.Now()
	var lastErr error
	for _, ev := range events {
		k := session.Key{EventID: ev.ID, DiscordUserID: userID}
		if _, ok := e.table.Get(k); ok {
			e.table.Join(k, hint.Username, hint.UserID, now)
			continue
		}

		row, err := e.store.VoiceSession(ctx, ev.ID, userID)
		if err != nil {
			// Starting fresh would overwrite the persisted totals on the
			// next flush, so skip and leave the row intact.
			lastErr = fmt.Errorf("attendance: load session for event %d: %w", ev.ID, err)
			e.logger.Warn("failed to load persisted session, not resuming",
				slog.Int64("event_id", ev.ID),
				slog.String("discord_user_id", userID),
				slog.String("error", err.Error()))
			continue
		}
		if row != nil && row.FirstJoinAt != nil {
			e.table.Restore(k, hint.Username, hint.UserID, *row, now)
		} else {
			e.table.Join(k, hint.Username, hint.UserID, now)
		}
	}
	return lastErr
}

// liveMatches returns the live scheduled events the binding tracks.
func (e *Engine) liveMatches(ctx context.Context, b *store.ChannelBinding) ([]store.Event, error) {
	if b.Purpose == store.PurposeAnnouncements {
		return nil, nil
	}

	live, err := e.store.LiveScheduledEvents(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("attendance: live events: %w", err)
	}

	var out []store.Event
	for _, ev := range live {
		if bindingMatches(b, ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// bindingMatches reports whether a binding tracks an event: the binding's
// game equals the event's game, or both carry the same series id.
func bindingMatches(b *store.ChannelBinding, ev store.Event) bool {
	if b.GameID != nil && ev.GameID != nil && *b.GameID == *ev.GameID {
		return true
	}
	if b.RecurrenceGroupID != nil && ev.SeriesID != nil && *b.RecurrenceGroupID == *ev.SeriesID {
		return true
	}
	return false
}
