// Package roster builds the live participant roster of an event from the
// in-memory session table. The same snapshot feeds ad-hoc update
// notifications and the WebSocket roster endpoint.
package roster

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/guildops/muster/internal/session"
	"github.com/guildops/muster/pkg/store"
)

// Participant is one member's aggregated presence for an event. LeftAt is
// null while the member is connected; TotalDurationSeconds includes the
// open segment's elapsed time for connected members.
type Participant struct {
	ID                   string     `json:"id"`
	UserID               *int64     `json:"userId"`
	DiscordUsername      string     `json:"discordUsername"`
	JoinedAt             time.Time  `json:"joinedAt"`
	LeftAt               *time.Time `json:"leftAt"`
	TotalDurationSeconds int64      `json:"totalDurationSeconds"`
	SessionCount         int        `json:"sessionCount"`
}

// Roster is the per-event read model.
type Roster struct {
	EventID      int64         `json:"eventId"`
	Participants []Participant `json:"participants"`
	ActiveCount  int           `json:"activeCount"`
}

// Provider builds rosters, preferring the live session table and falling
// back to flushed rows for events whose in-memory sessions were dropped.
type Provider struct {
	table *session.Table
	store store.SessionStore
}

// NewProvider creates a Provider over the given table and store.
func NewProvider(table *session.Table, st store.SessionStore) *Provider {
	return &Provider{table: table, store: st}
}

// Snapshot builds the live roster for an event at the given instant. It
// never touches the store; events without in-memory sessions yield an
// empty roster.
func (p *Provider) Snapshot(eventID int64, at time.Time) Roster {
	sessions := p.table.ForEvent(eventID)
	parts := make([]Participant, 0, len(sessions))
	active := 0
	for _, s := range sessions {
		total := s.Total
		var leftAt *time.Time
		if s.Active {
			if elapsed := at.Sub(s.ActiveStart); elapsed > 0 {
				total += elapsed
			}
			active++
		} else {
			leftAt = s.LastLeaveAt
		}
		parts = append(parts, Participant{
			ID:                   s.Key.DiscordUserID,
			UserID:               s.UserID,
			DiscordUsername:      s.Username,
			JoinedAt:             s.FirstJoinAt,
			LeftAt:               leftAt,
			TotalDurationSeconds: int64(total / time.Second),
			SessionCount:         len(s.Segments),
		})
	}
	return Roster{EventID: eventID, Participants: parts, ActiveCount: active}
}

// Persisted builds the roster from flushed session rows. Synthesized
// no-show rows carry no join time and are skipped; they were never part
// of the voice roster.
func (p *Provider) Persisted(ctx context.Context, eventID int64) (Roster, error) {
	rows, err := p.store.VoiceSessionsForEvent(ctx, eventID)
	if err != nil {
		return Roster{}, fmt.Errorf("roster: load event %d: %w", eventID, err)
	}

	parts := make([]Participant, 0, len(rows))
	active := 0
	for _, row := range rows {
		if row.FirstJoinAt == nil {
			continue
		}
		var leftAt *time.Time
		if row.LastLeaveAt != nil {
			t := *row.LastLeaveAt
			leftAt = &t
		} else {
			active++
		}
		parts = append(parts, Participant{
			ID:                   row.DiscordUserID,
			UserID:               row.UserID,
			DiscordUsername:      row.DiscordUsername,
			JoinedAt:             *row.FirstJoinAt,
			LeftAt:               leftAt,
			TotalDurationSeconds: row.TotalDurationSec,
			SessionCount:         len(row.Segments),
		})
	}
	slices.SortFunc(parts, func(a, b Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return Roster{EventID: eventID, Participants: parts, ActiveCount: active}, nil
}
