package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/guildops/muster/pkg/store"
)

const windowColumns = `id, user_id, start_time, end_time, status, game_id, source_event_id, created_at`

// CreateWindow implements [store.AvailabilityStore].
func (s *Store) CreateWindow(ctx context.Context, w store.AvailabilityWindow) (*store.AvailabilityWindow, error) {
	const q = `
		INSERT INTO availability_windows
		    (user_id, start_time, end_time, status, game_id, source_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING ` + windowColumns

	rows, err := s.pool.Query(ctx, q,
		w.UserID,
		w.StartTime,
		w.EndTime,
		w.Status,
		w.GameID,
		w.SourceEventID,
	)
	if err != nil {
		return nil, fmt.Errorf("availability store: create window: %w", err)
	}
	windows, err := collectWindows(rows)
	if err != nil {
		return nil, fmt.Errorf("availability store: create window: %w", err)
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("availability store: create window: no row returned")
	}
	return &windows[0], nil
}

// ConflictingWindows implements [store.AvailabilityStore]. Overlap is tested
// against the half-open range [start, end); windows sharing excludeGameID are
// never conflicts.
func (s *Store) ConflictingWindows(ctx context.Context, userID int64, start, end time.Time, excludeGameID *int64, excludeID *int64) ([]store.AvailabilityWindow, error) {
	// TODO: the game_id exclusion lets any number of committed windows for
	// the same game stack without conflicting. Decide whether stacked
	// same-game windows should merge or conflict before signups start
	// writing committed windows here.
	const q = `
		SELECT ` + windowColumns + `
		FROM   availability_windows
		WHERE  user_id = $1
		  AND  status IN ('committed', 'blocked')
		  AND  start_time < $3
		  AND  end_time   > $2
		  AND  ($4::bigint IS NULL OR game_id IS DISTINCT FROM $4)
		  AND  ($5::bigint IS NULL OR id <> $5)
		ORDER  BY start_time, id`

	rows, err := s.pool.Query(ctx, q, userID, start, end, excludeGameID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("availability store: conflicts: %w", err)
	}
	windows, err := collectWindows(rows)
	if err != nil {
		return nil, fmt.Errorf("availability store: conflicts: %w", err)
	}
	return windows, nil
}

// WindowsForUsersInRange implements [store.AvailabilityStore].
func (s *Store) WindowsForUsersInRange(ctx context.Context, userIDs []int64, start, end time.Time) (map[int64][]store.AvailabilityWindow, error) {
	if len(userIDs) == 0 {
		return map[int64][]store.AvailabilityWindow{}, nil
	}

	const q = `
		SELECT ` + windowColumns + `
		FROM   availability_windows
		WHERE  user_id = ANY($1)
		  AND  start_time < $3
		  AND  end_time   > $2
		ORDER  BY user_id, start_time, id`

	rows, err := s.pool.Query(ctx, q, userIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("availability store: windows for users: %w", err)
	}
	windows, err := collectWindows(rows)
	if err != nil {
		return nil, fmt.Errorf("availability store: windows for users: %w", err)
	}

	byUser := make(map[int64][]store.AvailabilityWindow, len(userIDs))
	for _, w := range windows {
		byUser[w.UserID] = append(byUser[w.UserID], w)
	}
	return byUser, nil
}

// collectWindows scans pgx rows into a slice of AvailabilityWindow values.
func collectWindows(rows pgx.Rows) ([]store.AvailabilityWindow, error) {
	windows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.AvailabilityWindow, error) {
		var w store.AvailabilityWindow
		if err := row.Scan(
			&w.ID,
			&w.UserID,
			&w.StartTime,
			&w.EndTime,
			&w.Status,
			&w.GameID,
			&w.SourceEventID,
			&w.CreatedAt,
		); err != nil {
			return store.AvailabilityWindow{}, err
		}
		return w, nil
	})
	if err != nil {
		return nil, fmt.Errorf("availability store: scan rows: %w", err)
	}
	if windows == nil {
		windows = []store.AvailabilityWindow{}
	}
	return windows, nil
}
