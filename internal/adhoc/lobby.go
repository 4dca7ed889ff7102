package adhoc

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/guildops/muster/internal/consensus"
	"github.com/guildops/muster/internal/notify"
	"github.com/guildops/muster/internal/resolver"
	"github.com/guildops/muster/internal/sched"
	"github.com/guildops/muster/internal/session"
	"github.com/guildops/muster/pkg/store"
)

// nullGameKey indexes the one session a binding may run for members who are
// not playing a registry game.
const nullGameKey = "chat"

// justChatting names idle members in consensus input when the binding
// allows game-less sessions.
const justChatting = "Just Chatting"

// lobby is the per-binding state: everyone in the channel plus the live
// sessions spawned from them. binding is refreshed on every event so config
// edits apply without a restart.
type lobby struct {
	mu        sync.Mutex
	binding   store.ChannelBinding
	gameTitle string
	members   map[string]*member
	sessions  map[string]*live
}

// member is one tracked channel occupant.
type member struct {
	username string
	userID   *int64
	activity string
	res      resolver.Resolution
	// sessionKey is the lobby.sessions key the member is attached to,
	// empty while unassigned.
	sessionKey string
}

// live is one running session.
type live struct {
	eventID   int64
	gameID    *int64
	gameName  string
	spawnedAt time.Time
	members   map[string]struct{}

	// cancelGrace is non-nil while the session sits empty waiting for the
	// grace timer; graceArmedAt is when it emptied and becomes the event's
	// end time if nobody returns.
	cancelGrace  sched.Cancel
	graceArmedAt time.Time
}

// pendingNotify accumulates notifications raised under the lobby lock for
// delivery after it is released.
type pendingNotify struct {
	spawned []notify.Session
	updated []int64
}

// gameKeyFor returns the sessions-map key for a resolved game.
func gameKeyFor(id *int64) string {
	if id == nil {
		return nullGameKey
	}
	return "id:" + strconv.FormatInt(*id, 10)
}

// assignable reports whether a member may be placed into a session: always
// when their activity resolved to a game, and for game-less members only
// when the binding allows just-chatting sessions.
func assignable(m *member, cfg store.BindingConfig) bool {
	if m.res.GameID != nil {
		return true
	}
	return cfg.JustChattingAllowed()
}

// rebalanceLocked reacts to one general-lobby member's change: detach them
// when their assignment no longer matches their resolution, attach them to
// an existing matching session, and re-run consensus over whoever remains
// unassigned. Callers hold lb.mu.
func (e *Engine) rebalanceLocked(ctx context.Context, lb *lobby, userID string, now time.Time) pendingNotify {
	var p pendingNotify
	m := lb.members[userID]

	target := ""
	if assignable(m, lb.binding.Config) {
		target = gameKeyFor(m.res.GameID)
	}

	if m.sessionKey != target {
		if m.sessionKey != "" {
			e.detachLocked(ctx, lb, userID, m, now, &p)
		}
		if target != "" {
			if s, ok := lb.sessions[target]; ok {
				e.attachLocked(ctx, lb, userID, m, s, target, now, &p)
			}
		}
	}

	e.consensusLocked(ctx, lb, now, &p)
	return p
}

// gameJoinLocked handles a join on a game-specific binding: every occupant
// belongs to the binding's game, so the member attaches to the running
// session or spawns one once the channel reaches the threshold. Callers
// hold lb.mu.
func (e *Engine) gameJoinLocked(ctx context.Context, lb *lobby, userID, title string, now time.Time) pendingNotify {
	var p pendingNotify
	key := gameKeyFor(lb.binding.GameID)
	m := lb.members[userID]

	if s, ok := lb.sessions[key]; ok {
		if m.sessionKey != key {
			e.attachLocked(ctx, lb, userID, m, s, key, now, &p)
		}
		return p
	}

	if len(lb.members) < e.minPlayersFor(lb.binding.Config) {
		return p
	}

	ids := make([]string, 0, len(lb.members))
	for id := range lb.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	e.spawnLocked(ctx, lb, key, consensus.Group{
		GameID:    lb.binding.GameID,
		GameName:  title,
		MemberIDs: ids,
	}, now, &p)
	return p
}

// consensusLocked groups the binding's unassigned assignable members and
// spawns a session for every group that reaches the threshold. Re-running
// it after every change is what retries a failed spawn. Callers hold lb.mu.
func (e *Engine) consensusLocked(ctx context.Context, lb *lobby, now time.Time, p *pendingNotify) {
	minPlayers := e.minPlayersFor(lb.binding.Config)

	var pool []consensus.Member
	for id, m := range lb.members {
		if m.sessionKey != "" || !assignable(m, lb.binding.Config) {
			continue
		}
		name := m.res.GameName
		if m.res.GameID == nil && name == "" {
			name = justChatting
		}
		pool = append(pool, consensus.Member{ID: id, GameID: m.res.GameID, GameName: name})
	}
	if len(pool) < minPlayers {
		return
	}

	for _, g := range consensus.Detect(pool) {
		if len(g.MemberIDs) < minPlayers {
			continue
		}
		key := gameKeyFor(g.GameID)
		if _, exists := lb.sessions[key]; exists {
			// Matching members attach before the pool is built, so a
			// group can only collide after a majority reshuffle. Never
			// double-spawn; the members stay pooled.
			continue
		}
		e.spawnLocked(ctx, lb, key, g, now, p)
	}
}

// attachLocked adds a member to a running session, rescuing it from grace
// when it sat empty. Callers hold lb.mu.
func (e *Engine) attachLocked(ctx context.Context, lb *lobby, userID string, m *member, s *live, key string, now time.Time, p *pendingNotify) {
	if s.cancelGrace != nil {
		s.cancelGrace()
		s.cancelGrace = nil
		s.graceArmedAt = time.Time{}
	}
	s.members[userID] = struct{}{}
	m.sessionKey = key

	e.table.Join(session.Key{EventID: s.eventID, DiscordUserID: userID}, m.username, m.userID, now)
	e.metrics.ActiveParticipants.Add(ctx, 1)
	p.updated = append(p.updated, s.eventID)
}

// detachLocked removes a member from their session; the last one out arms
// the grace timer. Callers hold lb.mu.
func (e *Engine) detachLocked(ctx context.Context, lb *lobby, userID string, m *member, now time.Time, p *pendingNotify) {
	key := m.sessionKey
	m.sessionKey = ""
	s, ok := lb.sessions[key]
	if !ok {
		return
	}

	delete(s.members, userID)
	e.table.Leave(session.Key{EventID: s.eventID, DiscordUserID: userID}, now)
	e.metrics.ActiveParticipants.Add(ctx, -1)
	p.updated = append(p.updated, s.eventID)

	if len(s.members) == 0 {
		e.armGraceLocked(lb, s, key, now)
	}
}

// spawnLocked persists a new ad-hoc event and seeds a session with the
// group's members. The insert runs under the lobby lock so two concurrent
// joiners cannot double-spawn; a failed insert leaves the members pooled
// for the next membership change. Callers hold lb.mu.
func (e *Engine) spawnLocked(ctx context.Context, lb *lobby, key string, g consensus.Group, now time.Time, p *pendingNotify) {
	ev, err := e.store.CreateAdHocEvent(ctx, store.Event{
		Title:     g.GameName,
		StartTime: now,
		GameID:    g.GameID,
		GameName:  g.GameName,
	})
	if err != nil {
		e.logger.Warn("session spawn failed, retrying on the next membership change",
			slog.Int64("binding_id", lb.binding.ID),
			slog.String("game", g.GameName),
			slog.String("error", err.Error()))
		return
	}

	s := &live{
		eventID:   ev.ID,
		gameID:    g.GameID,
		gameName:  g.GameName,
		spawnedAt: now,
		members:   make(map[string]struct{}, len(g.MemberIDs)),
	}
	lb.sessions[key] = s

	for _, id := range g.MemberIDs {
		m, ok := lb.members[id]
		if !ok {
			continue
		}
		s.members[id] = struct{}{}
		m.sessionKey = key
		e.table.Join(session.Key{EventID: ev.ID, DiscordUserID: id}, m.username, m.userID, now)
	}

	e.metrics.SessionsSpawned.Add(ctx, 1)
	e.metrics.ActiveSessions.Add(ctx, 1)
	e.metrics.ActiveParticipants.Add(ctx, int64(len(s.members)))
	e.logger.Info("ad-hoc session spawned",
		slog.Int64("event_id", ev.ID),
		slog.String("game", g.GameName),
		slog.Int("members", len(s.members)))

	p.spawned = append(p.spawned, notify.Session{
		EventID:   ev.ID,
		Title:     g.GameName,
		GameID:    g.GameID,
		StartedAt: now,
	})
}

// armGraceLocked starts the empty-session countdown. Callers hold lb.mu.
func (e *Engine) armGraceLocked(lb *lobby, s *live, key string, now time.Time) {
	s.graceArmedAt = now
	eventID := s.eventID
	s.cancelGrace = e.sched.After(e.gracePeriodFor(lb.binding.Config), func() {
		e.finishSession(lb, key, eventID)
	})
}

// finishSession completes a session whose grace period elapsed: close any
// still-open member sessions, flush, mark the event row completed with the
// time the channel emptied, notify, then drop the table rows. Runs on the
// grace timer goroutine and holds no lock across the store calls. A join
// that raced the timer wins: the session is left alone.
func (e *Engine) finishSession(lb *lobby, key string, eventID int64) {
	lb.mu.Lock()
	s, ok := lb.sessions[key]
	if !ok || s.eventID != eventID || len(s.members) > 0 {
		lb.mu.Unlock()
		return
	}
	endedAt := s.graceArmedAt
	delete(lb.sessions, key)
	lb.mu.Unlock()

	ctx := context.Background()
	e.table.CloseEvent(eventID, time.Now())

	keepRows := false
	if err := e.flusher.FlushNow(ctx); err != nil {
		keepRows = true
		e.logger.Warn("completion flush failed, leaving rows for the periodic flusher",
			slog.Int64("event_id", eventID),
			slog.String("error", err.Error()))
	}

	if err := e.store.CompleteAdHocEvent(ctx, eventID, endedAt); err != nil {
		e.logger.Warn("failed to mark ad-hoc event completed",
			slog.Int64("event_id", eventID),
			slog.String("error", err.Error()))
	}

	// The completion roster renders from the table, so notify first and
	// drop after.
	e.notifier.NotifyCompleted(ctx, eventID, endedAt)
	if !keepRows {
		e.table.DropEvent(eventID)
	}

	e.metrics.SessionsCompleted.Add(ctx, 1)
	e.metrics.ActiveSessions.Add(ctx, -1)
	e.logger.Info("ad-hoc session completed",
		slog.Int64("event_id", eventID),
		slog.String("game", s.gameName),
		slog.Time("ended_at", endedAt))
}
