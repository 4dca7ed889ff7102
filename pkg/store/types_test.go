package store_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/guildops/muster/pkg/store"
)

func ptr[T any](v T) *T { return &v }

func TestBindingConfig_Merge(t *testing.T) {
	t.Parallel()

	base := store.BindingConfig{
		MinPlayers:     ptr(4),
		GracePeriodSec: ptr(300),
	}

	merged := base.Merge(store.BindingConfig{
		MinPlayers:        ptr(2),
		AllowJustChatting: ptr(true),
	})

	if got := merged.MinPlayersOr(0); got != 2 {
		t.Errorf("MinPlayers: want 2, got %d", got)
	}
	if got := merged.GracePeriodOr(0); got != 300*time.Second {
		t.Errorf("GracePeriodSec must survive merge: want 300s, got %v", got)
	}
	if !merged.JustChattingAllowed() {
		t.Error("AllowJustChatting: want true")
	}

	// The receiver is not mutated.
	if got := base.MinPlayersOr(0); got != 4 {
		t.Errorf("base mutated: want 4, got %d", got)
	}
}

func TestBindingConfig_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       store.BindingConfig
		wantMin   int
		wantGrace time.Duration
	}{
		{"empty uses defaults", store.BindingConfig{}, 2, 180 * time.Second},
		{"explicit values", store.BindingConfig{MinPlayers: ptr(5), GracePeriodSec: ptr(60)}, 5, 60 * time.Second},
		{"zero grace is valid", store.BindingConfig{GracePeriodSec: ptr(0)}, 2, 0},
		{"min below one is unset", store.BindingConfig{MinPlayers: ptr(0)}, 2, 180 * time.Second},
		{"negative grace is unset", store.BindingConfig{GracePeriodSec: ptr(-10)}, 2, 180 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.cfg.MinPlayersOr(2); got != tc.wantMin {
				t.Errorf("MinPlayersOr: want %d, got %d", tc.wantMin, got)
			}
			if got := tc.cfg.GracePeriodOr(180 * time.Second); got != tc.wantGrace {
				t.Errorf("GracePeriodOr: want %v, got %v", tc.wantGrace, got)
			}
		})
	}
}

func TestBindingConfig_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	// Unset fields stay absent so JSONB merges only touch set keys.
	data, err := json.Marshal(store.BindingConfig{MinPlayers: ptr(3)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"minPlayers":3}` {
		t.Errorf("marshal: want only minPlayers, got %s", data)
	}

	// Unknown keys in persisted JSON are ignored.
	var cfg store.BindingConfig
	if err := json.Unmarshal([]byte(`{"minPlayers":4,"legacyKey":true}`), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := cfg.MinPlayersOr(0); got != 4 {
		t.Errorf("unmarshal: want 4, got %d", got)
	}
}

func TestChannelBinding_IsGeneralLobby(t *testing.T) {
	t.Parallel()

	gameID := int64(10)
	tests := []struct {
		name string
		b    store.ChannelBinding
		want bool
	}{
		{"general-lobby purpose", store.ChannelBinding{Purpose: store.PurposeGeneralLobby}, true},
		{"voice-monitor without game", store.ChannelBinding{Purpose: store.PurposeVoiceMonitor}, true},
		{"voice-monitor with game", store.ChannelBinding{Purpose: store.PurposeVoiceMonitor, GameID: &gameID}, false},
		{"announcements", store.ChannelBinding{Purpose: store.PurposeAnnouncements}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.b.IsGeneralLobby(); got != tc.want {
				t.Errorf("IsGeneralLobby: want %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEnums_IsValid(t *testing.T) {
	t.Parallel()

	if !store.PurposeVoiceMonitor.IsValid() {
		t.Error("voice-monitor should be valid")
	}
	if store.BindingPurpose("karaoke").IsValid() {
		t.Error("unknown purpose should be invalid")
	}
	if !store.ClassEarlyLeaver.IsValid() {
		t.Error("early_leaver should be valid")
	}
	if store.Classification("ghosted").IsValid() {
		t.Error("unknown classification should be invalid")
	}
	if !store.AvailabilityFreed.IsValid() {
		t.Error("freed should be valid")
	}
	if store.AvailabilityStatus("busy").IsValid() {
		t.Error("unknown availability status should be invalid")
	}
}
