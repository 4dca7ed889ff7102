package resolver

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/guildops/muster/pkg/store"
)

const (
	// suggestPool is how many substring matches are fetched for ranking.
	suggestPool = 50
	// fallbackPool is how much of the registry is scanned when the
	// substring search finds nothing, e.g. for a misspelled query.
	fallbackPool = 200

	// phoneticThreshold is the minimum Jaro-Winkler score for a
	// phonetically overlapping candidate from the fallback pool.
	phoneticThreshold = 0.70
	// fuzzyThreshold is the minimum Jaro-Winkler score for a fallback
	// candidate with no phonetic overlap.
	fuzzyThreshold = 0.85
)

// Suggester ranks registry games against a partial query for slash-command
// autocomplete. Candidates come from a substring search; when that finds
// nothing (typically a misspelling) a phonetic pass over the registry
// recovers near-misses using Double Metaphone codes and Jaro-Winkler
// similarity.
type Suggester struct {
	store store.GameStore
}

// NewSuggester creates a Suggester backed by the given registry.
func NewSuggester(st store.GameStore) *Suggester {
	return &Suggester{store: st}
}

// Suggest returns up to limit games ranked by relevance to partial. An
// empty partial returns the registry head in name order.
func (s *Suggester) Suggest(ctx context.Context, partial string, limit int) ([]store.Game, error) {
	if limit <= 0 {
		return []store.Game{}, nil
	}

	query := strings.ToLower(strings.TrimSpace(partial))
	if query == "" {
		games, err := s.store.SearchGameNames(ctx, "", limit)
		if err != nil {
			return nil, fmt.Errorf("resolver: suggest: %w", err)
		}
		return games, nil
	}

	pool, err := s.store.SearchGameNames(ctx, query, suggestPool)
	if err != nil {
		return nil, fmt.Errorf("resolver: suggest: %w", err)
	}

	// Substring candidates are always eligible; fallback candidates must
	// pass the phonetic or fuzzy gate.
	gated := false
	if len(pool) == 0 {
		gated = true
		pool, err = s.store.SearchGameNames(ctx, "", fallbackPool)
		if err != nil {
			return nil, fmt.Errorf("resolver: suggest fallback: %w", err)
		}
	}

	queryTokens := strings.Fields(query)
	queryCodes := codesForTokens(queryTokens)

	type scored struct {
		game  store.Game
		score float64
	}
	candidates := make([]scored, 0, len(pool))
	for _, g := range pool {
		nameLower := strings.ToLower(g.Name)
		nameTokens := strings.Fields(nameLower)

		score := bestJWScore(queryTokens, nameTokens, query, nameLower)
		if strings.HasPrefix(nameLower, query) {
			score = 1.0
		}

		if gated {
			phonetic := codesOverlap(queryCodes, codesForTokens(nameTokens))
			if phonetic {
				if score < phoneticThreshold {
					continue
				}
			} else if score < fuzzyThreshold {
				continue
			}
		}
		candidates = append(candidates, scored{game: g, score: score})
	}

	slices.SortFunc(candidates, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return strings.Compare(a.game.Name, b.game.Name)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]store.Game, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.game)
	}
	return out, nil
}

// codesForTokens returns the union of the Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// query and a game name using three strategies: full strings, space-stripped
// strings, and the best pairwise token score. The last one handles queries
// that match a single word of a multi-word title.
func bestJWScore(queryTokens, nameTokens []string, queryFull, nameFull string) float64 {
	score := matchr.JaroWinkler(queryFull, nameFull, false)

	if len(queryTokens) > 1 || len(nameTokens) > 1 {
		concatQuery := strings.Join(queryTokens, "")
		concatName := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(concatQuery, concatName, false); s > score {
			score = s
		}
	}

	for _, qt := range queryTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(qt, nt, false); s > score {
				score = s
			}
		}
	}

	return score
}
