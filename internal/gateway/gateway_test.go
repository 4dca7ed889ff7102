package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/guildops/muster/internal/binding"
	"github.com/guildops/muster/internal/gateway"
	"github.com/guildops/muster/internal/sched"
	"github.com/guildops/muster/pkg/store"
	"github.com/guildops/muster/pkg/store/mock"
)

const testDebounce = 25 * time.Millisecond

// settle waits long enough for any armed debounce timer to fire.
func settle() {
	time.Sleep(6 * testDebounce)
}

// dispatch is one call that reached a fake engine.
type dispatch struct {
	engine    string
	method    string
	channelID string
	userID    string
	hint      gateway.MemberHint
}

func (d dispatch) String() string {
	return fmt.Sprintf("%s.%s %s %s", d.engine, d.method, d.channelID, d.userID)
}

// recorder collects dispatches from both fake engines in arrival order.
type recorder struct {
	mu   sync.Mutex
	list []dispatch
}

func (r *recorder) add(d dispatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, d)
}

func (r *recorder) dispatches() []dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch, len(r.list))
	copy(out, r.list)
	return out
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.list))
	for i, d := range r.list {
		out[i] = d.String()
	}
	return out
}

type fakeAdHoc struct {
	rec *recorder
}

func (f *fakeAdHoc) HandleJoin(_ context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	f.rec.add(dispatch{engine: "adhoc", method: "join", channelID: b.ChannelID, userID: userID, hint: hint})
	return nil
}

func (f *fakeAdHoc) HandleLeave(_ context.Context, b *store.ChannelBinding, userID string) error {
	f.rec.add(dispatch{engine: "adhoc", method: "leave", channelID: b.ChannelID, userID: userID})
	return nil
}

func (f *fakeAdHoc) HandlePresence(_ context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	f.rec.add(dispatch{engine: "adhoc", method: "presence", channelID: b.ChannelID, userID: userID, hint: hint})
	return nil
}

type fakeAttendance struct {
	rec *recorder
}

func (f *fakeAttendance) HandleJoin(_ context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	f.rec.add(dispatch{engine: "attendance", method: "join", channelID: b.ChannelID, userID: userID, hint: hint})
	return nil
}

func (f *fakeAttendance) HandleLeave(_ context.Context, b *store.ChannelBinding, userID string) error {
	f.rec.add(dispatch{engine: "attendance", method: "leave", channelID: b.ChannelID, userID: userID})
	return nil
}

func (f *fakeAttendance) Recover(_ context.Context, b *store.ChannelBinding, userID string, hint gateway.MemberHint) error {
	f.rec.add(dispatch{engine: "attendance", method: "recover", channelID: b.ChannelID, userID: userID, hint: hint})
	return nil
}

// testBindings binds voice-1 as a plain voice monitor and lobby-1 as a
// general lobby. Every other channel is unbound.
func testBindings() map[string]*store.ChannelBinding {
	return map[string]*store.ChannelBinding{
		"voice-1": {ID: 1, GuildID: "g1", ChannelID: "voice-1", Purpose: store.PurposeVoiceMonitor},
		"voice-2": {ID: 2, GuildID: "g1", ChannelID: "voice-2", Purpose: store.PurposeVoiceMonitor},
		"lobby-1": {ID: 3, GuildID: "g1", ChannelID: "lobby-1", Purpose: store.PurposeGeneralLobby},
	}
}

func newTestGateway(t *testing.T, st *mock.Store) (*gateway.Gateway, *recorder, *binding.Cache) {
	t.Helper()

	s := sched.New()
	t.Cleanup(s.Close)

	cache := binding.NewCache(binding.CacheConfig{Store: st})
	rec := &recorder{}
	g := gateway.New(gateway.Config{
		Bindings:   cache,
		AdHoc:      &fakeAdHoc{rec: rec},
		Attendance: &fakeAttendance{rec: rec},
		Scheduler:  s,
		Debounce:   testDebounce,
	})
	return g, rec, cache
}

func join(g *gateway.Gateway, userID, channelID string, hint gateway.MemberHint) {
	g.HandleVoiceState(gateway.VoiceUpdate{
		GuildID:      "g1",
		UserID:       userID,
		NewChannelID: channelID,
		Hint:         hint,
	})
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestJoinDispatchesToBothEnginesAfterDebounce(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	join(g, "u1", "voice-1", gateway.MemberHint{Username: "alice"})

	if got := rec.names(); len(got) != 0 {
		t.Fatalf("dispatched %v before the debounce elapsed", got)
	}

	settle()
	want := []string{"adhoc.join voice-1 u1", "attendance.join voice-1 u1"}
	if got := rec.names(); !equalNames(got, want) {
		t.Fatalf("dispatches = %v, want %v", got, want)
	}
	if got := g.ChannelOf("u1"); got != "voice-1" {
		t.Errorf("ChannelOf = %q, want %q", got, "voice-1")
	}
}

func TestSameChannelUpdateIsDropped(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	// Mute and deafen toggles arrive with old == new.
	g.HandleVoiceState(gateway.VoiceUpdate{
		GuildID:      "g1",
		UserID:       "u1",
		OldChannelID: "voice-1",
		NewChannelID: "voice-1",
	})

	settle()
	if got := rec.names(); len(got) != 0 {
		t.Errorf("dispatches = %v, want none", got)
	}
}

func TestMoveDispatchesLeaveBeforeJoin(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	join(g, "u1", "voice-1", gateway.MemberHint{})
	settle()

	g.HandleVoiceState(gateway.VoiceUpdate{
		GuildID:      "g1",
		UserID:       "u1",
		OldChannelID: "voice-1",
		NewChannelID: "voice-2",
	})
	settle()

	want := []string{
		"adhoc.join voice-1 u1", "attendance.join voice-1 u1",
		"adhoc.leave voice-1 u1", "attendance.leave voice-1 u1",
		"adhoc.join voice-2 u1", "attendance.join voice-2 u1",
	}
	if got := rec.names(); !equalNames(got, want) {
		t.Fatalf("dispatches = %v, want %v", got, want)
	}
	if got := g.ChannelOf("u1"); got != "voice-2" {
		t.Errorf("ChannelOf = %q, want %q", got, "voice-2")
	}
}

func TestBounceWithinWindowCollapsesToNothing(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	join(g, "u1", "voice-1", gateway.MemberHint{})
	settle()
	rec.mu.Lock()
	rec.list = nil
	rec.mu.Unlock()

	// voice-1 → voice-2 → voice-1 inside one debounce window.
	g.HandleVoiceState(gateway.VoiceUpdate{
		GuildID: "g1", UserID: "u1",
		OldChannelID: "voice-1", NewChannelID: "voice-2",
	})
	g.HandleVoiceState(gateway.VoiceUpdate{
		GuildID: "g1", UserID: "u1",
		OldChannelID: "voice-2", NewChannelID: "voice-1",
	})
	settle()

	if got := rec.names(); len(got) != 0 {
		t.Errorf("dispatches = %v, want none", got)
	}
	if got := g.ChannelOf("u1"); got != "voice-1" {
		t.Errorf("ChannelOf = %q, want %q", got, "voice-1")
	}
}

func TestMergeKeepsEarliestOldAndLatestHint(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	// Join voice-1 then hop to voice-2 before the first dispatch: the
	// settled transition is a single join to voice-2 with the later hint.
	join(g, "u1", "voice-1", gateway.MemberHint{Activity: "Rocket League"})
	g.HandleVoiceState(gateway.VoiceUpdate{
		GuildID: "g1", UserID: "u1",
		OldChannelID: "voice-1", NewChannelID: "voice-2",
		Hint: gateway.MemberHint{Activity: "Factorio"},
	})
	settle()

	want := []string{"adhoc.join voice-2 u1", "attendance.join voice-2 u1"}
	got := rec.dispatches()
	if !equalNames(rec.names(), want) {
		t.Fatalf("dispatches = %v, want %v", rec.names(), want)
	}
	if got[0].hint.Activity != "Factorio" {
		t.Errorf("hint.Activity = %q, want the latest update's hint", got[0].hint.Activity)
	}
}

func TestDebounceIsPerUser(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	join(g, "u1", "voice-1", gateway.MemberHint{})
	join(g, "u2", "voice-1", gateway.MemberHint{})
	settle()

	want := map[string]bool{
		"adhoc.join voice-1 u1": true, "attendance.join voice-1 u1": true,
		"adhoc.join voice-1 u2": true, "attendance.join voice-1 u2": true,
	}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("dispatches = %v, want one join per user per engine", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected dispatch %q", name)
		}
	}
}

func TestUnboundChannelIsIgnored(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	join(g, "u1", "afk-channel", gateway.MemberHint{})
	settle()

	if got := rec.names(); len(got) != 0 {
		t.Errorf("dispatches = %v, want none for an unbound channel", got)
	}
	// The channel map still tracks the user for presence routing.
	if got := g.ChannelOf("u1"); got != "afk-channel" {
		t.Errorf("ChannelOf = %q, want %q", got, "afk-channel")
	}
}

func TestLookupErrorIsTreatedAsUnbound(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelErr: errors.New("connection refused")}
	g, rec, _ := newTestGateway(t, st)

	join(g, "u1", "voice-1", gateway.MemberHint{})
	settle()

	if got := rec.names(); len(got) != 0 {
		t.Errorf("dispatches = %v, want none when the lookup fails", got)
	}
}

func TestPresenceRoutedOnlyInGeneralLobby(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	join(g, "lobbyist", "lobby-1", gateway.MemberHint{})
	join(g, "gamer", "voice-1", gateway.MemberHint{})
	settle()
	rec.mu.Lock()
	rec.list = nil
	rec.mu.Unlock()

	g.HandlePresence("g1", "lobbyist", gateway.MemberHint{Activity: "Factorio"})
	g.HandlePresence("g1", "gamer", gateway.MemberHint{Activity: "Factorio"})
	g.HandlePresence("g1", "offline", gateway.MemberHint{Activity: "Factorio"})

	want := []string{"adhoc.presence lobby-1 lobbyist"}
	if got := rec.names(); !equalNames(got, want) {
		t.Fatalf("dispatches = %v, want %v", got, want)
	}
	got := rec.dispatches()
	if got[0].hint.Activity != "Factorio" {
		t.Errorf("hint.Activity = %q, want %q", got[0].hint.Activity, "Factorio")
	}
}

func TestRecoverBypassesDebounce(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, _ := newTestGateway(t, st)

	err := g.Recover(context.Background(), "g1", map[string][]gateway.Occupant{
		"voice-1": {
			{UserID: "u1", Hint: gateway.MemberHint{Username: "alice"}},
			{UserID: "u2", Hint: gateway.MemberHint{Username: "bob"}},
		},
		"afk-channel": {
			{UserID: "u3"},
		},
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// No waiting: recovery dispatches synchronously.
	want := map[string]bool{
		"adhoc.join voice-1 u1": true, "attendance.recover voice-1 u1": true,
		"adhoc.join voice-1 u2": true, "attendance.recover voice-1 u2": true,
	}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("dispatches = %v, want exactly the bound occupants", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected dispatch %q", name)
		}
	}
	if got := g.ChannelOf("u1"); got != "voice-1" {
		t.Errorf("ChannelOf(u1) = %q, want %q", got, "voice-1")
	}
}

func TestDisconnectCancelsPendingAndFlushesBindings(t *testing.T) {
	t.Parallel()

	st := &mock.Store{BindingForChannelResults: testBindings()}
	g, rec, cache := newTestGateway(t, st)

	join(g, "settled", "voice-1", gateway.MemberHint{})
	settle()
	if cache.Len() == 0 {
		t.Fatal("expected the settled join to populate the binding cache")
	}
	rec.mu.Lock()
	rec.list = nil
	rec.mu.Unlock()

	join(g, "inflight", "voice-1", gateway.MemberHint{})
	g.Disconnect()
	settle()

	if got := rec.names(); len(got) != 0 {
		t.Errorf("dispatches = %v, want the pending join cancelled", got)
	}
	if got := cache.Len(); got != 0 {
		t.Errorf("binding cache has %d entries after disconnect, want 0", got)
	}
	if got := g.ChannelOf("settled"); got != "" {
		t.Errorf("ChannelOf = %q, want the channel map cleared", got)
	}
}
