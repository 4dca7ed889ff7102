package resolver_test

import (
	"context"
	"testing"

	"github.com/guildops/muster/internal/resolver"
	"github.com/guildops/muster/pkg/store"
	"github.com/guildops/muster/pkg/store/mock"
)

func TestSuggest_EmptyQueryReturnsRegistryHead(t *testing.T) {
	t.Parallel()

	st := &mock.Store{
		SearchGameNamesResult: []store.Game{
			{ID: 1, Name: "Factorio"},
			{ID: 2, Name: "Minecraft"},
			{ID: 3, Name: "Valheim"},
		},
	}
	s := resolver.NewSuggester(st)

	games, err := s.Suggest(context.Background(), "  ", 2)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(games) != 2 {
		t.Fatalf("got %d games, want 2", len(games))
	}
	if games[0].Name != "Factorio" || games[1].Name != "Minecraft" {
		t.Errorf("games = [%s, %s], want registry head order", games[0].Name, games[1].Name)
	}
}

func TestSuggest_PrefixMatchRanksFirst(t *testing.T) {
	t.Parallel()

	st := &mock.Store{
		SearchGameNamesResults: map[string][]store.Game{
			"fact": {
				{ID: 2, Name: "Satisfactory"},
				{ID: 1, Name: "Factorio"},
			},
		},
	}
	s := resolver.NewSuggester(st)

	games, err := s.Suggest(context.Background(), "fact", 25)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(games) != 2 {
		t.Fatalf("got %d games, want 2: %+v", len(games), games)
	}
	if games[0].Name != "Factorio" {
		t.Errorf("top suggestion = %q, want %q", games[0].Name, "Factorio")
	}
}

func TestSuggest_MisspellingFallsBackToPhonetics(t *testing.T) {
	t.Parallel()

	st := &mock.Store{
		SearchGameNamesResults: map[string][]store.Game{
			// The substring search finds nothing for the typo.
			"mincraft": {},
			// The fallback pass scans the registry head.
			"": {
				{ID: 1, Name: "Minecraft"},
				{ID: 2, Name: "Terraria"},
				{ID: 3, Name: "Rimworld"},
			},
		},
	}
	s := resolver.NewSuggester(st)

	games, err := s.Suggest(context.Background(), "Mincraft", 25)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(games) == 0 {
		t.Fatal("no suggestions for a close misspelling")
	}
	if games[0].Name != "Minecraft" {
		t.Errorf("top suggestion = %q, want %q", games[0].Name, "Minecraft")
	}
	for _, g := range games {
		if g.Name == "Terraria" || g.Name == "Rimworld" {
			t.Errorf("unrelated game %q passed the similarity gates", g.Name)
		}
	}
}

func TestSuggest_LimitZero(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	s := resolver.NewSuggester(st)

	games, err := s.Suggest(context.Background(), "fact", 0)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(games) != 0 {
		t.Errorf("got %d games, want 0", len(games))
	}
	if got := len(st.Calls()); got != 0 {
		t.Errorf("store called %d times, want 0", got)
	}
}

func TestSuggest_TokenMatchOnMultiWordTitle(t *testing.T) {
	t.Parallel()

	st := &mock.Store{
		SearchGameNamesResults: map[string][]store.Game{
			"rock": {
				{ID: 7, Name: "Deep Rock Galactic"},
			},
		},
	}
	s := resolver.NewSuggester(st)

	games, err := s.Suggest(context.Background(), "rock", 25)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(games) != 1 || games[0].Name != "Deep Rock Galactic" {
		t.Fatalf("games = %+v, want Deep Rock Galactic", games)
	}
}
