package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/guildops/muster/pkg/store"
)

const bindingColumns = `id, guild_id, channel_id, channel_kind, purpose, game_id, recurrence_group_id, config, created_at, updated_at`

// UpsertBinding implements [store.BindingStore]. The insert and any series
// move run in one transaction: when b carries a recurrence group already
// bound to other channels in the guild, those bindings are deleted and their
// channel IDs returned.
func (s *Store) UpsertBinding(ctx context.Context, b store.ChannelBinding) (*store.ChannelBinding, []string, error) {
	cfgJSON, err := json.Marshal(b.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("binding store: marshal config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("binding store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var moved []string
	if b.RecurrenceGroupID != nil {
		const qMove = `
			DELETE FROM channel_bindings
			WHERE  guild_id = $1
			  AND  recurrence_group_id = $2
			  AND  channel_id <> $3
			RETURNING channel_id`

		rows, err := tx.Query(ctx, qMove, b.GuildID, *b.RecurrenceGroupID, b.ChannelID)
		if err != nil {
			return nil, nil, fmt.Errorf("binding store: move series: %w", err)
		}
		moved, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
			var ch string
			err := row.Scan(&ch)
			return ch, err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("binding store: move series: scan: %w", err)
		}
	}

	const qUpsert = `
		INSERT INTO channel_bindings
		    (guild_id, channel_id, channel_kind, purpose, game_id, recurrence_group_id, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (guild_id, channel_id, COALESCE(recurrence_group_id, '')) DO UPDATE SET
		    channel_kind = EXCLUDED.channel_kind,
		    purpose      = EXCLUDED.purpose,
		    game_id      = EXCLUDED.game_id,
		    config       = EXCLUDED.config,
		    updated_at   = now()
		RETURNING ` + bindingColumns

	rows, err := tx.Query(ctx, qUpsert,
		b.GuildID,
		b.ChannelID,
		b.ChannelKind,
		b.Purpose,
		b.GameID,
		b.RecurrenceGroupID,
		cfgJSON,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("binding store: upsert: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("binding store: upsert: %w", err)
	}
	if len(bindings) == 0 {
		return nil, nil, fmt.Errorf("binding store: upsert: no row returned")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("binding store: commit: %w", err)
	}
	return &bindings[0], moved, nil
}

// DeleteBinding implements [store.BindingStore]. A nil seriesID only matches
// bindings without a recurrence group.
func (s *Store) DeleteBinding(ctx context.Context, guildID, channelID string, seriesID *string) (bool, error) {
	const q = `
		DELETE FROM channel_bindings
		WHERE  guild_id = $1
		  AND  channel_id = $2
		  AND  (($3::text IS NULL AND recurrence_group_id IS NULL) OR recurrence_group_id = $3)`

	tag, err := s.pool.Exec(ctx, q, guildID, channelID, seriesID)
	if err != nil {
		return false, fmt.Errorf("binding store: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateBindingConfig implements [store.BindingStore]. The patch is applied
// as a shallow JSONB merge, so only the keys present in patch change.
func (s *Store) UpdateBindingConfig(ctx context.Context, bindingID int64, patch store.BindingConfig, purpose *store.BindingPurpose) (*store.ChannelBinding, error) {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("binding store: marshal patch: %w", err)
	}

	args := []any{bindingID, patchJSON}
	sets := []string{"config = config || $2::jsonb", "updated_at = now()"}
	if purpose != nil {
		args = append(args, *purpose)
		sets = append(sets, fmt.Sprintf("purpose = $%d", len(args)))
	}

	q := "UPDATE channel_bindings\n" +
		"SET    " + strings.Join(sets, ",\n       ") + "\n" +
		"WHERE  id = $1\n" +
		"RETURNING " + bindingColumns

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("binding store: update config: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, fmt.Errorf("binding store: update config: %w", err)
	}
	if len(bindings) == 0 {
		return nil, fmt.Errorf("binding store: update config: binding %d: %w", bindingID, store.ErrNotFound)
	}
	return &bindings[0], nil
}

// BindingsForGuild implements [store.BindingStore].
func (s *Store) BindingsForGuild(ctx context.Context, guildID string) ([]store.ChannelBinding, error) {
	q := `
		SELECT ` + bindingColumns + `
		FROM   channel_bindings
		WHERE  guild_id = $1
		ORDER  BY channel_id, COALESCE(recurrence_group_id, '')`

	rows, err := s.pool.Query(ctx, q, guildID)
	if err != nil {
		return nil, fmt.Errorf("binding store: list guild: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, fmt.Errorf("binding store: list guild: %w", err)
	}
	return bindings, nil
}

// BindingForChannel implements [store.BindingStore]. With purposes given,
// only bindings of those purposes match; the newest binding wins.
func (s *Store) BindingForChannel(ctx context.Context, guildID, channelID string, purposes ...store.BindingPurpose) (*store.ChannelBinding, error) {
	args := []any{guildID, channelID}
	q := `
		SELECT ` + bindingColumns + `
		FROM   channel_bindings
		WHERE  guild_id = $1
		  AND  channel_id = $2`

	if len(purposes) > 0 {
		names := make([]string, len(purposes))
		for i, p := range purposes {
			names[i] = string(p)
		}
		args = append(args, names)
		q += fmt.Sprintf("\n  AND  purpose = ANY($%d)", len(args))
	}
	q += "\nORDER  BY updated_at DESC\nLIMIT  1"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("binding store: lookup channel: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, fmt.Errorf("binding store: lookup channel: %w", err)
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	return &bindings[0], nil
}

// collectBindings scans pgx rows into a slice of ChannelBinding values.
func collectBindings(rows pgx.Rows) ([]store.ChannelBinding, error) {
	bindings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChannelBinding, error) {
		var (
			b       store.ChannelBinding
			cfgJSON []byte
		)
		if err := row.Scan(
			&b.ID,
			&b.GuildID,
			&b.ChannelID,
			&b.ChannelKind,
			&b.Purpose,
			&b.GameID,
			&b.RecurrenceGroupID,
			&cfgJSON,
			&b.CreatedAt,
			&b.UpdatedAt,
		); err != nil {
			return store.ChannelBinding{}, err
		}
		if err := json.Unmarshal(cfgJSON, &b.Config); err != nil {
			return store.ChannelBinding{}, fmt.Errorf("unmarshal binding config: %w", err)
		}
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("binding store: scan rows: %w", err)
	}
	if bindings == nil {
		bindings = []store.ChannelBinding{}
	}
	return bindings, nil
}
