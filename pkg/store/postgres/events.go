package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/guildops/muster/pkg/store"
)

const eventColumns = `id, title, start_time, end_time, game_id, game_name, series_id, is_ad_hoc, cancelled_at, created_at`

// CreateAdHocEvent implements [store.EventStore].
func (s *Store) CreateAdHocEvent(ctx context.Context, ev store.Event) (*store.Event, error) {
	const q = `
		INSERT INTO events (title, start_time, end_time, game_id, game_name, series_id, is_ad_hoc, created_at)
		VALUES ($1, $2, NULL, $3, $4, $5, TRUE, now())
		RETURNING ` + eventColumns

	rows, err := s.pool.Query(ctx, q,
		ev.Title,
		ev.StartTime,
		ev.GameID,
		ev.GameName,
		ev.SeriesID,
	)
	if err != nil {
		return nil, fmt.Errorf("event store: create ad-hoc: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("event store: create ad-hoc: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event store: create ad-hoc: no row returned")
	}
	return &events[0], nil
}

// CompleteAdHocEvent implements [store.EventStore]. COALESCE keeps the first
// end time, so repeated completion is harmless.
func (s *Store) CompleteAdHocEvent(ctx context.Context, eventID int64, endedAt time.Time) error {
	const q = `
		UPDATE events
		SET    end_time = COALESCE(end_time, $2)
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, eventID, endedAt)
	if err != nil {
		return fmt.Errorf("event store: complete ad-hoc: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event store: complete ad-hoc: event %d: %w", eventID, store.ErrNotFound)
	}
	return nil
}

// LiveScheduledEvents implements [store.EventStore].
func (s *Store) LiveScheduledEvents(ctx context.Context, at time.Time) ([]store.Event, error) {
	const q = `
		SELECT ` + eventColumns + `
		FROM   events
		WHERE  is_ad_hoc = FALSE
		  AND  cancelled_at IS NULL
		  AND  start_time <= $1
		  AND  end_time   >= $1
		ORDER  BY start_time, id`

	rows, err := s.pool.Query(ctx, q, at)
	if err != nil {
		return nil, fmt.Errorf("event store: live scheduled: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("event store: live scheduled: %w", err)
	}
	return events, nil
}

// EndedScheduledEvents implements [store.EventStore].
func (s *Store) EndedScheduledEvents(ctx context.Context, from, to time.Time) ([]store.Event, error) {
	const q = `
		SELECT ` + eventColumns + `
		FROM   events
		WHERE  is_ad_hoc = FALSE
		  AND  cancelled_at IS NULL
		  AND  end_time >= $1
		  AND  end_time <= $2
		ORDER  BY end_time, id`

	rows, err := s.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("event store: ended scheduled: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("event store: ended scheduled: %w", err)
	}
	return events, nil
}

// EventByID implements [store.EventStore]. Returns (nil, nil) when the event
// does not exist.
func (s *Store) EventByID(ctx context.Context, id int64) (*store.Event, error) {
	const q = `
		SELECT ` + eventColumns + `
		FROM   events
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("event store: by id: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("event store: by id: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// collectEvents scans pgx rows into a slice of Event values.
func collectEvents(rows pgx.Rows) ([]store.Event, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Event, error) {
		var ev store.Event
		if err := row.Scan(
			&ev.ID,
			&ev.Title,
			&ev.StartTime,
			&ev.EndTime,
			&ev.GameID,
			&ev.GameName,
			&ev.SeriesID,
			&ev.IsAdHoc,
			&ev.CancelledAt,
			&ev.CreatedAt,
		); err != nil {
			return store.Event{}, err
		}
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("event store: scan rows: %w", err)
	}
	if events == nil {
		events = []store.Event{}
	}
	return events, nil
}
