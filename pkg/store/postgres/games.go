package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/guildops/muster/pkg/store"
)

// pgUndefinedFunction is raised when similarity() does not exist, i.e. the
// pg_trgm extension is not installed.
const pgUndefinedFunction = "42883"

// GameByID implements [store.GameStore].
func (s *Store) GameByID(ctx context.Context, id int64) (*store.Game, error) {
	const q = `
		SELECT id, name, created_at
		FROM   games
		WHERE  id = $1`

	return s.queryGame(ctx, "by id", q, id)
}

// GameByActivityMapping implements [store.GameStore]. The lookup is exact and
// case-sensitive; mappings are admin-curated strings.
func (s *Store) GameByActivityMapping(ctx context.Context, activityName string) (*store.Game, error) {
	const q = `
		SELECT g.id, g.name, g.created_at
		FROM   activity_mappings m
		JOIN   games g ON g.id = m.game_id
		WHERE  m.activity_name = $1`

	return s.queryGame(ctx, "by activity mapping", q, activityName)
}

// GameByName implements [store.GameStore].
func (s *Store) GameByName(ctx context.Context, name string) (*store.Game, error) {
	const q = `
		SELECT id, name, created_at
		FROM   games
		WHERE  name = $1`

	return s.queryGame(ctx, "by name", q, name)
}

// GameByNameFold implements [store.GameStore].
func (s *Store) GameByNameFold(ctx context.Context, name string) (*store.Game, error) {
	const q = `
		SELECT id, name, created_at
		FROM   games
		WHERE  lower(name) = lower($1)
		ORDER  BY id
		LIMIT  1`

	return s.queryGame(ctx, "by name fold", q, name)
}

// GameBySimilarity implements [store.GameStore]. Ties on similarity resolve
// to the lowest game id.
func (s *Store) GameBySimilarity(ctx context.Context, name string, minSimilarity float64) (*store.Game, error) {
	const q = `
		SELECT id, name, created_at
		FROM   games
		WHERE  similarity(name, $1) >= $2
		ORDER  BY similarity(name, $1) DESC, id
		LIMIT  1`

	return s.queryGame(ctx, "by similarity", q, name, minSimilarity)
}

// SimilaritySupported implements [store.GameStore]. It runs a trivial
// similarity() call; an undefined-function error means pg_trgm is missing.
func (s *Store) SimilaritySupported(ctx context.Context) (bool, error) {
	const q = `SELECT similarity('muster', 'muster')`

	var sim float32
	if err := s.pool.QueryRow(ctx, q).Scan(&sim); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedFunction {
			return false, nil
		}
		return false, fmt.Errorf("game store: probe similarity: %w", err)
	}
	return true, nil
}

// SearchGameNames implements [store.GameStore].
func (s *Store) SearchGameNames(ctx context.Context, query string, limit int) ([]store.Game, error) {
	const q = `
		SELECT id, name, created_at
		FROM   games
		WHERE  name ILIKE '%' || $1 || '%'
		ORDER  BY name
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("game store: search names: %w", err)
	}
	games, err := collectGames(rows)
	if err != nil {
		return nil, fmt.Errorf("game store: search names: %w", err)
	}
	return games, nil
}

// queryGame runs a single-row game lookup. Returns (nil, nil) when no row
// matches.
func (s *Store) queryGame(ctx context.Context, op, q string, args ...any) (*store.Game, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("game store: %s: %w", op, err)
	}
	games, err := collectGames(rows)
	if err != nil {
		return nil, fmt.Errorf("game store: %s: %w", op, err)
	}
	if len(games) == 0 {
		return nil, nil
	}
	return &games[0], nil
}

// collectGames scans pgx rows into a slice of Game values.
func collectGames(rows pgx.Rows) ([]store.Game, error) {
	games, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Game, error) {
		var g store.Game
		err := row.Scan(&g.ID, &g.Name, &g.CreatedAt)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("game store: scan rows: %w", err)
	}
	if games == nil {
		games = []store.Game{}
	}
	return games, nil
}
