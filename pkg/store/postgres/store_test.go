package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildops/muster/pkg/store"
	"github.com/guildops/muster/pkg/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if MUSTER_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MUSTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MUSTER_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	st, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS availability_windows CASCADE",
		"DROP TABLE IF EXISTS event_signups CASCADE",
		"DROP TABLE IF EXISTS voice_sessions CASCADE",
		"DROP TABLE IF EXISTS events CASCADE",
		"DROP TABLE IF EXISTS channel_bindings CASCADE",
		"DROP TABLE IF EXISTS activity_mappings CASCADE",
		"DROP TABLE IF EXISTS games CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// seedGame inserts a registry game directly and returns its id.
func seedGame(t *testing.T, ctx context.Context, st *postgres.Store, name string) int64 {
	t.Helper()
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	var id int64
	if err := pool.QueryRow(ctx,
		`INSERT INTO games (name) VALUES ($1) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`,
		name,
	).Scan(&id); err != nil {
		t.Fatalf("seedGame %q: %v", name, err)
	}
	return id
}

func ptr[T any](v T) *T { return &v }

// ─────────────────────────────────────────────────────────────────────────────
// Bindings
// ─────────────────────────────────────────────────────────────────────────────

func TestBindings_UpsertAndLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	b := store.ChannelBinding{
		GuildID:     "guild-1",
		ChannelID:   "chan-voice-1",
		ChannelKind: store.ChannelVoice,
		Purpose:     store.PurposeVoiceMonitor,
		Config:      store.BindingConfig{MinPlayers: ptr(3)},
	}

	created, moved, err := st.UpsertBinding(ctx, b)
	if err != nil {
		t.Fatalf("UpsertBinding: %v", err)
	}
	if created.ID == 0 {
		t.Error("UpsertBinding: want assigned id")
	}
	if len(moved) != 0 {
		t.Errorf("UpsertBinding: want no moved channels, got %v", moved)
	}
	if got := created.Config.MinPlayersOr(2); got != 3 {
		t.Errorf("Config.MinPlayers: want 3, got %d", got)
	}

	// Re-upsert with a new purpose replaces in place, same id.
	b.Purpose = store.PurposeGeneralLobby
	updated, _, err := st.UpsertBinding(ctx, b)
	if err != nil {
		t.Fatalf("UpsertBinding again: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("re-upsert: want id %d, got %d", created.ID, updated.ID)
	}
	if updated.Purpose != store.PurposeGeneralLobby {
		t.Errorf("re-upsert: want purpose general-lobby, got %s", updated.Purpose)
	}

	// Lookup with purpose filter.
	found, err := st.BindingForChannel(ctx, "guild-1", "chan-voice-1", store.PurposeGeneralLobby)
	if err != nil {
		t.Fatalf("BindingForChannel: %v", err)
	}
	if found == nil || found.ID != created.ID {
		t.Errorf("BindingForChannel: want id %d, got %+v", created.ID, found)
	}

	// No match on a different purpose.
	none, err := st.BindingForChannel(ctx, "guild-1", "chan-voice-1", store.PurposeAnnouncements)
	if err != nil {
		t.Fatalf("BindingForChannel none: %v", err)
	}
	if none != nil {
		t.Errorf("BindingForChannel none: want nil, got %+v", none)
	}

	// Unknown channel returns (nil, nil).
	missing, err := st.BindingForChannel(ctx, "guild-1", "chan-unknown")
	if err != nil {
		t.Fatalf("BindingForChannel missing: %v", err)
	}
	if missing != nil {
		t.Errorf("BindingForChannel missing: want nil, got %+v", missing)
	}
}

func TestBindings_SeriesMove(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	series := "raid-night"
	first := store.ChannelBinding{
		GuildID:           "guild-1",
		ChannelID:         "chan-a",
		ChannelKind:       store.ChannelVoice,
		Purpose:           store.PurposeVoiceMonitor,
		RecurrenceGroupID: &series,
	}
	if _, _, err := st.UpsertBinding(ctx, first); err != nil {
		t.Fatalf("UpsertBinding first: %v", err)
	}

	// Binding the same series to a new channel deletes the old binding.
	second := first
	second.ChannelID = "chan-b"
	_, moved, err := st.UpsertBinding(ctx, second)
	if err != nil {
		t.Fatalf("UpsertBinding second: %v", err)
	}
	if len(moved) != 1 || moved[0] != "chan-a" {
		t.Errorf("series move: want [chan-a], got %v", moved)
	}

	old, err := st.BindingForChannel(ctx, "guild-1", "chan-a")
	if err != nil {
		t.Fatalf("BindingForChannel old: %v", err)
	}
	if old != nil {
		t.Errorf("series move: old binding should be gone, got %+v", old)
	}
}

func TestBindings_DeleteAndConfigPatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	b := store.ChannelBinding{
		GuildID:     "guild-1",
		ChannelID:   "chan-1",
		ChannelKind: store.ChannelVoice,
		Purpose:     store.PurposeVoiceMonitor,
		Config:      store.BindingConfig{MinPlayers: ptr(4), GracePeriodSec: ptr(120)},
	}
	created, _, err := st.UpsertBinding(ctx, b)
	if err != nil {
		t.Fatalf("UpsertBinding: %v", err)
	}

	// Patch one key; the other must survive.
	patched, err := st.UpdateBindingConfig(ctx, created.ID, store.BindingConfig{MinPlayers: ptr(2)}, nil)
	if err != nil {
		t.Fatalf("UpdateBindingConfig: %v", err)
	}
	if got := patched.Config.MinPlayersOr(0); got != 2 {
		t.Errorf("patched minPlayers: want 2, got %d", got)
	}
	if got := patched.Config.GracePeriodOr(0); got != 120*time.Second {
		t.Errorf("gracePeriod must survive patch: want 120s, got %v", got)
	}

	// Patching a missing binding reports ErrNotFound.
	if _, err := st.UpdateBindingConfig(ctx, 999999, store.BindingConfig{}, nil); err == nil {
		t.Error("UpdateBindingConfig missing: want error, got nil")
	}

	// Delete with nil series only matches the nil-series binding.
	deleted, err := st.DeleteBinding(ctx, "guild-1", "chan-1", nil)
	if err != nil {
		t.Fatalf("DeleteBinding: %v", err)
	}
	if !deleted {
		t.Error("DeleteBinding: want true")
	}
	again, err := st.DeleteBinding(ctx, "guild-1", "chan-1", nil)
	if err != nil {
		t.Fatalf("DeleteBinding again: %v", err)
	}
	if again {
		t.Error("DeleteBinding again: want false")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Games
// ─────────────────────────────────────────────────────────────────────────────

func TestGames_Lookups(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id := seedGame(t, ctx, st, "Deep Rock Galactic")

	exact, err := st.GameByName(ctx, "Deep Rock Galactic")
	if err != nil {
		t.Fatalf("GameByName: %v", err)
	}
	if exact == nil || exact.ID != id {
		t.Errorf("GameByName: want id %d, got %+v", id, exact)
	}

	fold, err := st.GameByNameFold(ctx, "deep rock galactic")
	if err != nil {
		t.Fatalf("GameByNameFold: %v", err)
	}
	if fold == nil || fold.ID != id {
		t.Errorf("GameByNameFold: want id %d, got %+v", id, fold)
	}

	// Exact match is case-sensitive.
	miss, err := st.GameByName(ctx, "deep rock galactic")
	if err != nil {
		t.Fatalf("GameByName case: %v", err)
	}
	if miss != nil {
		t.Errorf("GameByName case: want nil, got %+v", miss)
	}

	byID, err := st.GameByID(ctx, id)
	if err != nil {
		t.Fatalf("GameByID: %v", err)
	}
	if byID == nil || byID.Name != "Deep Rock Galactic" {
		t.Errorf("GameByID: want Deep Rock Galactic, got %+v", byID)
	}

	results, err := st.SearchGameNames(ctx, "rock", 10)
	if err != nil {
		t.Fatalf("SearchGameNames: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("SearchGameNames: want 1, got %d", len(results))
	}
}

func TestGames_SimilarityProbe(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	supported, err := st.SimilaritySupported(ctx)
	if err != nil {
		t.Fatalf("SimilaritySupported: %v", err)
	}
	if !supported {
		t.Skip("pg_trgm not installed — skipping similarity lookup test")
	}

	id := seedGame(t, ctx, st, "Counter-Strike 2")

	fuzzy, err := st.GameBySimilarity(ctx, "counter strike", 0.3)
	if err != nil {
		t.Fatalf("GameBySimilarity: %v", err)
	}
	if fuzzy == nil || fuzzy.ID != id {
		t.Errorf("GameBySimilarity: want id %d, got %+v", id, fuzzy)
	}

	none, err := st.GameBySimilarity(ctx, "zzzzzz", 0.3)
	if err != nil {
		t.Fatalf("GameBySimilarity none: %v", err)
	}
	if none != nil {
		t.Errorf("GameBySimilarity none: want nil, got %+v", none)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Events + sessions
// ─────────────────────────────────────────────────────────────────────────────

func TestEvents_AdHocLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	ev, err := st.CreateAdHocEvent(ctx, store.Event{
		Title:     "Gaming: Helldivers 2",
		StartTime: start,
		GameName:  "Helldivers 2",
	})
	if err != nil {
		t.Fatalf("CreateAdHocEvent: %v", err)
	}
	if !ev.IsAdHoc {
		t.Error("CreateAdHocEvent: want IsAdHoc")
	}
	if ev.EndTime != nil {
		t.Errorf("CreateAdHocEvent: want nil end time, got %v", ev.EndTime)
	}

	ended := start.Add(45 * time.Minute)
	if err := st.CompleteAdHocEvent(ctx, ev.ID, ended); err != nil {
		t.Fatalf("CompleteAdHocEvent: %v", err)
	}

	// Second completion keeps the first end time.
	if err := st.CompleteAdHocEvent(ctx, ev.ID, ended.Add(time.Hour)); err != nil {
		t.Fatalf("CompleteAdHocEvent again: %v", err)
	}
	got, err := st.EventByID(ctx, ev.ID)
	if err != nil {
		t.Fatalf("EventByID: %v", err)
	}
	if got.EndTime == nil || !got.EndTime.Equal(ended) {
		t.Errorf("end time: want %v, got %v", ended, got.EndTime)
	}

	// Completing a missing event reports the failure.
	if err := st.CompleteAdHocEvent(ctx, 999999, ended); err == nil {
		t.Error("CompleteAdHocEvent missing: want error, got nil")
	}
}

func TestSessions_UpsertNoShowClassify(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ev, err := st.CreateAdHocEvent(ctx, store.Event{Title: "t", StartTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateAdHocEvent: %v", err)
	}

	join := time.Now().UTC().Truncate(time.Second)
	row := store.VoiceSession{
		EventID:          ev.ID,
		DiscordUserID:    "u1",
		DiscordUsername:  "alice",
		FirstJoinAt:      &join,
		TotalDurationSec: 30,
		Segments:         []store.Segment{{JoinAt: join, DurationSec: 30}},
	}
	if err := st.UpsertVoiceSession(ctx, row); err != nil {
		t.Fatalf("UpsertVoiceSession: %v", err)
	}

	// Repeated flushes replace the snapshot; key stays (event, user).
	row.TotalDurationSec = 90
	row.Segments[0].DurationSec = 90
	if err := st.UpsertVoiceSession(ctx, row); err != nil {
		t.Fatalf("UpsertVoiceSession again: %v", err)
	}

	got, err := st.VoiceSession(ctx, ev.ID, "u1")
	if err != nil {
		t.Fatalf("VoiceSession: %v", err)
	}
	if got == nil {
		t.Fatal("VoiceSession: want row, got nil")
	}
	if got.TotalDurationSec != 90 {
		t.Errorf("TotalDurationSec: want 90, got %d", got.TotalDurationSec)
	}
	if len(got.Segments) != 1 || got.Segments[0].DurationSec != 90 {
		t.Errorf("Segments: want one 90s segment, got %+v", got.Segments)
	}

	// Synthesized no-show for another user.
	inserted, err := st.InsertNoShow(ctx, ev.ID, "u2", "bob", nil)
	if err != nil {
		t.Fatalf("InsertNoShow: %v", err)
	}
	if !inserted {
		t.Error("InsertNoShow: want true")
	}

	// No-show never replaces a real record.
	skipped, err := st.InsertNoShow(ctx, ev.ID, "u1", "alice", nil)
	if err != nil {
		t.Fatalf("InsertNoShow existing: %v", err)
	}
	if skipped {
		t.Error("InsertNoShow existing: want false")
	}

	all, err := st.VoiceSessionsForEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("VoiceSessionsForEvent: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("VoiceSessionsForEvent: want 2, got %d", len(all))
	}

	if err := st.SetClassification(ctx, got.ID, store.ClassFull); err != nil {
		t.Fatalf("SetClassification: %v", err)
	}
	reread, _ := st.VoiceSession(ctx, ev.ID, "u1")
	if reread.Classification == nil || *reread.Classification != store.ClassFull {
		t.Errorf("Classification: want full, got %v", reread.Classification)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Availability
// ─────────────────────────────────────────────────────────────────────────────

func TestAvailability_Conflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	gameID := seedGame(t, ctx, st, "Valorant")
	base := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

	mustWindow := func(w store.AvailabilityWindow) store.AvailabilityWindow {
		t.Helper()
		created, err := st.CreateWindow(ctx, w)
		if err != nil {
			t.Fatalf("CreateWindow: %v", err)
		}
		return *created
	}

	committed := mustWindow(store.AvailabilityWindow{
		UserID:    7,
		StartTime: base,
		EndTime:   base.Add(2 * time.Hour),
		Status:    store.AvailabilityCommitted,
		GameID:    &gameID,
	})
	mustWindow(store.AvailabilityWindow{
		UserID:    7,
		StartTime: base.Add(3 * time.Hour),
		EndTime:   base.Add(4 * time.Hour),
		Status:    store.AvailabilityAvailable,
	})

	// Overlapping range conflicts with the committed window.
	conflicts, err := st.ConflictingWindows(ctx, 7, base.Add(time.Hour), base.Add(5*time.Hour), nil, nil)
	if err != nil {
		t.Fatalf("ConflictingWindows: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ID != committed.ID {
		t.Errorf("conflicts: want [%d], got %+v", committed.ID, conflicts)
	}

	// Same game does not conflict.
	sameGame, err := st.ConflictingWindows(ctx, 7, base.Add(time.Hour), base.Add(5*time.Hour), &gameID, nil)
	if err != nil {
		t.Fatalf("ConflictingWindows same game: %v", err)
	}
	if len(sameGame) != 0 {
		t.Errorf("same game: want no conflicts, got %+v", sameGame)
	}

	// Adjacent ranges do not overlap (half-open semantics).
	adjacent, err := st.ConflictingWindows(ctx, 7, base.Add(2*time.Hour), base.Add(3*time.Hour), nil, nil)
	if err != nil {
		t.Fatalf("ConflictingWindows adjacent: %v", err)
	}
	if len(adjacent) != 0 {
		t.Errorf("adjacent: want no conflicts, got %+v", adjacent)
	}

	byUser, err := st.WindowsForUsersInRange(ctx, []int64{7, 8}, base, base.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("WindowsForUsersInRange: %v", err)
	}
	if len(byUser[7]) != 2 {
		t.Errorf("WindowsForUsersInRange: want 2 windows for user 7, got %d", len(byUser[7]))
	}
	if _, ok := byUser[8]; ok {
		t.Error("WindowsForUsersInRange: user 8 should be absent")
	}
}
