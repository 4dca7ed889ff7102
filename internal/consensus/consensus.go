// Package consensus groups channel occupants by the game their presence
// resolves to. It is a pure function over a snapshot of members; the ad-hoc
// engine decides what to do with the resulting groups.
package consensus

import (
	"slices"
	"strconv"
)

// UntitledSession is the group name used when no member resolves to a game.
const UntitledSession = "Untitled Gaming Session"

// Member is one channel occupant with their resolved presence activity.
type Member struct {
	// ID is the Discord user id.
	ID string
	// GameID is nil when the activity did not resolve to a known game.
	GameID *int64
	// GameName is the resolved canonical name, or the raw activity name
	// when unmatched, or empty when the member reports no activity.
	GameName string
}

// Group is one detected gaming group, members sorted by id.
type Group struct {
	GameID    *int64
	GameName  string
	MemberIDs []string
}

type bucket struct {
	gameID   *int64
	gameName string
	members  []string
}

// Detect buckets members by resolved game and applies the grouping rules:
//
//  1. A bucket with a non-nil game id holding at least half the members is
//     a majority and collapses everyone into that single group.
//  2. If no member resolved to a game, all members form one group named
//     [UntitledSession].
//  3. Otherwise one group per resolved game; members without a game merge
//     into the largest group, ties broken by ascending game id.
//
// Output is deterministic: groups ordered by descending size then ascending
// game id, member ids sorted within each group.
func Detect(members []Member) []Group {
	if len(members) == 0 {
		return nil
	}

	buckets := make(map[string]*bucket)
	for _, m := range members {
		key := "name:" + m.GameName
		if m.GameID != nil {
			key = "id:" + strconv.FormatInt(*m.GameID, 10)
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{gameID: m.GameID, gameName: m.GameName}
			buckets[key] = b
		}
		b.members = append(b.members, m.ID)
	}

	n := len(members)

	// Majority: at least half the channel on one known game pulls the
	// rest in. Equal-size candidates tiebreak by ascending game id.
	var major *bucket
	for _, b := range buckets {
		if b.gameID == nil || 2*len(b.members) < n {
			continue
		}
		if major == nil ||
			len(b.members) > len(major.members) ||
			(len(b.members) == len(major.members) && *b.gameID < *major.gameID) {
			major = b
		}
	}
	if major != nil {
		all := make([]string, 0, n)
		for _, m := range members {
			all = append(all, m.ID)
		}
		slices.Sort(all)
		return []Group{{GameID: major.gameID, GameName: major.gameName, MemberIDs: all}}
	}

	var (
		nullIDs []string
		played  []*bucket
	)
	for _, b := range buckets {
		if b.gameID == nil {
			nullIDs = append(nullIDs, b.members...)
		} else {
			played = append(played, b)
		}
	}

	// Nobody resolved to a game.
	if len(played) == 0 {
		slices.Sort(nullIDs)
		return []Group{{GameName: UntitledSession, MemberIDs: nullIDs}}
	}

	slices.SortFunc(played, func(a, b *bucket) int {
		if d := len(b.members) - len(a.members); d != 0 {
			return d
		}
		switch {
		case *a.gameID < *b.gameID:
			return -1
		case *a.gameID > *b.gameID:
			return 1
		}
		return 0
	})

	// Idle members ride along with the largest group. The merge cannot
	// change the ordering because played[0] was already maximal.
	played[0].members = append(played[0].members, nullIDs...)

	groups := make([]Group, 0, len(played))
	for _, b := range played {
		ids := slices.Clone(b.members)
		slices.Sort(ids)
		groups = append(groups, Group{GameID: b.gameID, GameName: b.gameName, MemberIDs: ids})
	}
	return groups
}
