// Package store defines the persistence contracts for the Muster voice
// presence engine.
//
// The engine's persistent state is split across five aggregates:
//
//   - Channel bindings ([BindingStore]): which channels are monitored and how.
//   - Game registry ([GameStore]): known games plus admin-managed
//     activity-name mappings, with optional trigram fuzzy lookup.
//   - Events ([EventStore]): scheduled events consumed by reference and
//     ad-hoc events created by the session engine.
//   - Voice sessions and signups ([SessionStore], [SignupStore]): per
//     participant presence records flushed by the engine and classified after
//     the event ends.
//   - Availability windows ([AvailabilityStore]): declared time windows used
//     for conflict detection during event creation.
//
// All interfaces are public so external tools can supply alternative backends
// (Postgres, in-memory, ...) without depending on engine internals.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by update operations whose target row does not
// exist. Plain lookups return (nil, nil) instead.
var ErrNotFound = errors.New("store: not found")

// ─────────────────────────────────────────────────────────────────────────────
// Bindings
// ─────────────────────────────────────────────────────────────────────────────

// BindingStore persists channel bindings.
//
// Bindings are unique per (guildID, channelID, recurrenceGroupID); a nil
// recurrence group never matches a non-nil one.
type BindingStore interface {
	// UpsertBinding inserts or replaces the binding for its natural key. When
	// the binding carries a recurrence group that was previously bound to
	// other channels in the same guild, those bindings are deleted in the
	// same transaction and their channel IDs are returned so callers can
	// report the series move.
	UpsertBinding(ctx context.Context, b ChannelBinding) (*ChannelBinding, []string, error)

	// DeleteBinding removes the binding matching (guildID, channelID,
	// seriesID). It reports whether a row was deleted; deleting a missing
	// binding is not an error.
	DeleteBinding(ctx context.Context, guildID, channelID string, seriesID *string) (bool, error)

	// UpdateBindingConfig merges patch into the stored config of the binding
	// and optionally changes its purpose. Returns [ErrNotFound] when the
	// binding does not exist.
	UpdateBindingConfig(ctx context.Context, bindingID int64, patch BindingConfig, purpose *BindingPurpose) (*ChannelBinding, error)

	// BindingsForGuild lists all bindings of one guild ordered by channel.
	// Returns an empty (non-nil) slice when the guild has none.
	BindingsForGuild(ctx context.Context, guildID string) ([]ChannelBinding, error)

	// BindingForChannel returns the newest binding of the channel whose
	// purpose is one of purposes. Returns (nil, nil) when the channel is not
	// bound.
	BindingForChannel(ctx context.Context, guildID, channelID string, purposes ...BindingPurpose) (*ChannelBinding, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Game registry
// ─────────────────────────────────────────────────────────────────────────────

// GameStore resolves game names against the registry and the admin-managed
// activity mapping table.
//
// All lookup methods return (nil, nil) when nothing matches.
type GameStore interface {
	// GameByID returns the registry row with the given id.
	GameByID(ctx context.Context, id int64) (*Game, error)

	// GameByActivityMapping returns the game mapped to the exact activity
	// name in the admin mapping table.
	GameByActivityMapping(ctx context.Context, activityName string) (*Game, error)

	// GameByName returns the registry row whose name equals name exactly.
	GameByName(ctx context.Context, name string) (*Game, error)

	// GameByNameFold returns the registry row whose name matches name
	// case-insensitively.
	GameByNameFold(ctx context.Context, name string) (*Game, error)

	// GameBySimilarity returns the registry row most similar to name with
	// trigram similarity >= minSimilarity. Callers must check
	// [GameStore.SimilaritySupported] first; behaviour without the extension
	// is undefined.
	GameBySimilarity(ctx context.Context, name string, minSimilarity float64) (*Game, error)

	// SimilaritySupported probes whether the backend can serve
	// [GameStore.GameBySimilarity]. Intended as a one-time startup check.
	SimilaritySupported(ctx context.Context) (bool, error)

	// SearchGameNames returns up to limit registry rows whose names contain
	// the query (case-insensitive), for command autocompletion. Returns an
	// empty (non-nil) slice when nothing matches.
	SearchGameNames(ctx context.Context, query string, limit int) ([]Game, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Events
// ─────────────────────────────────────────────────────────────────────────────

// EventStore reads scheduled events and owns the ad-hoc event lifecycle.
type EventStore interface {
	// CreateAdHocEvent inserts a new ad-hoc event row and returns it with the
	// assigned id. StartTime must be set; EndTime stays nil until completion.
	CreateAdHocEvent(ctx context.Context, ev Event) (*Event, error)

	// CompleteAdHocEvent marks an ad-hoc event completed with the given end
	// time. Completing an already-completed event keeps the earlier end time.
	CompleteAdHocEvent(ctx context.Context, eventID int64, endedAt time.Time) error

	// LiveScheduledEvents returns non-cancelled scheduled events whose
	// [StartTime, EndTime] window contains at. Returns an empty (non-nil)
	// slice when none are live.
	LiveScheduledEvents(ctx context.Context, at time.Time) ([]Event, error)

	// EndedScheduledEvents returns non-cancelled scheduled events whose
	// EndTime lies in [from, to]. Used by the classification loop with a 24h
	// look-back. Returns an empty (non-nil) slice when none ended.
	EndedScheduledEvents(ctx context.Context, from, to time.Time) ([]Event, error)

	// EventByID returns the event with the given id, or (nil, nil).
	EventByID(ctx context.Context, id int64) (*Event, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Voice sessions and signups
// ─────────────────────────────────────────────────────────────────────────────

// SessionStore persists per-participant presence records.
type SessionStore interface {
	// UpsertVoiceSession writes row keyed by (EventID, DiscordUserID),
	// replacing segments, totals and timestamps on conflict. Flush snapshots
	// call this every cycle, so it must be cheap to repeat.
	UpsertVoiceSession(ctx context.Context, row VoiceSession) error

	// VoiceSession returns the record for (eventID, discordUserID), or
	// (nil, nil) when the participant has no record yet.
	VoiceSession(ctx context.Context, eventID int64, discordUserID string) (*VoiceSession, error)

	// VoiceSessionsForEvent returns all records of one event. Returns an
	// empty (non-nil) slice when the event has none.
	VoiceSessionsForEvent(ctx context.Context, eventID int64) ([]VoiceSession, error)

	// InsertNoShow inserts a synthesized no-show record for a signup that
	// never appeared in voice. Existing records win: on conflict the insert
	// is skipped. Reports whether a row was inserted.
	InsertNoShow(ctx context.Context, eventID int64, discordUserID, discordUsername string, userID *int64) (bool, error)

	// SetClassification stores the computed classification on a session row.
	// Returns [ErrNotFound] when the row does not exist.
	SetClassification(ctx context.Context, sessionID int64, c Classification) error
}

// SignupStore reads event signups and auto-populates attendance.
type SignupStore interface {
	// SignupsForEvent returns all signups of one event. Returns an empty
	// (non-nil) slice when the event has none.
	SignupsForEvent(ctx context.Context, eventID int64) ([]Signup, error)

	// SetAttendanceStatusIfNull sets the signup's attendance status only when
	// it is currently null, preserving manual staff overrides. Reports
	// whether the row was updated.
	SetAttendanceStatusIfNull(ctx context.Context, signupID int64, status Classification) (bool, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Availability
// ─────────────────────────────────────────────────────────────────────────────

// AvailabilityStore persists availability windows and answers the overlap
// queries used by event creation.
type AvailabilityStore interface {
	// CreateWindow inserts a window and returns it with the assigned id.
	// Callers validate the time range before insertion.
	CreateWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error)

	// ConflictingWindows returns the user's committed or blocked windows
	// overlapping [start, end), excluding the window with id excludeID and
	// any window whose GameID equals excludeGameID (same-game overlaps are
	// not conflicts). Returns an empty (non-nil) slice when there is no
	// conflict.
	ConflictingWindows(ctx context.Context, userID int64, start, end time.Time, excludeGameID *int64, excludeID *int64) ([]AvailabilityWindow, error)

	// WindowsForUsersInRange returns every window of the given users
	// overlapping [start, end), grouped by user. Users without windows are
	// absent from the map.
	WindowsForUsersInRange(ctx context.Context, userIDs []int64, start, end time.Time) (map[int64][]AvailabilityWindow, error)
}

// Store bundles every aggregate interface. The Postgres implementation in
// pkg/store/postgres and the recording mock in pkg/store/mock both satisfy it.
type Store interface {
	BindingStore
	GameStore
	EventStore
	SessionStore
	SignupStore
	AvailabilityStore
}
