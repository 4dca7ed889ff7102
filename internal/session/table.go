package session

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/guildops/muster/pkg/store"
)

// shardCount fixes the number of table shards. Same-key operations
// serialize on one shard mutex; different keys proceed in parallel.
const shardCount = 16

// Table is the shared in-memory session table, keyed by
// (eventID, discordUserID). All methods are safe for concurrent use.
type Table struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// entry is one live record. gen increments on every mutation so the
// flusher can tell whether a write raced a mutation before clearing dirty.
type entry struct {
	s     Session
	dirty bool
	gen   uint64
}

// FlushItem is one snapshot handed to the flusher. Gen is the entry's
// generation at snapshot time; pass it back to [Table.AckFlush].
type FlushItem struct {
	Key Key
	Gen uint64
	Row store.VoiceSession
}

// NewTable creates an empty session table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].entries = make(map[Key]*entry)
	}
	return t
}

func (t *Table) shardFor(k Key) *shard {
	h := fnv.New32a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k.EventID))
	h.Write(buf[:])
	h.Write([]byte(k.DiscordUserID))
	return &t.shards[h.Sum32()%shardCount]
}

// Join records a voice join at the given instant. An already-active
// session is a no-op. An inactive session reopens with a new segment; a
// missing one is created. Reports whether the table changed.
func (t *Table) Join(k Key, username string, userID *int64, at time.Time) bool {
	sh := t.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[k]
	if !ok {
		sh.entries[k] = &entry{
			s: Session{
				Key:         k,
				UserID:      copyInt64(userID),
				Username:    username,
				FirstJoinAt: at,
				Segments:    []Segment{{JoinAt: at}},
				Active:      true,
				ActiveStart: at,
			},
			dirty: true,
			gen:   1,
		}
		return true
	}
	if e.s.Active {
		return false
	}
	e.s.Segments = append(e.s.Segments, Segment{JoinAt: at})
	e.s.Active = true
	e.s.ActiveStart = at
	if username != "" {
		e.s.Username = username
	}
	if e.s.UserID == nil && userID != nil {
		e.s.UserID = copyInt64(userID)
	}
	e.dirty = true
	e.gen++
	return true
}

// Leave closes the open segment at the given instant. Missing or inactive
// sessions are a no-op. Reports whether the table changed.
func (t *Table) Leave(k Key, at time.Time) bool {
	sh := t.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[k]
	if !ok || !e.s.Active {
		return false
	}
	closeLocked(e, at)
	return true
}

// closeLocked ends the open segment of an active entry. Caller holds the
// shard mutex and has checked e.s.Active.
func closeLocked(e *entry, at time.Time) {
	d := at.Sub(e.s.ActiveStart)
	if d < 0 {
		d = 0
	}
	last := &e.s.Segments[len(e.s.Segments)-1]
	leaveAt := at
	last.LeaveAt = &leaveAt
	last.Duration = d
	e.s.Total += d
	lastLeave := at
	e.s.LastLeaveAt = &lastLeave
	e.s.Active = false
	e.s.ActiveStart = time.Time{}
	e.dirty = true
	e.gen++
}

// Restore seeds the table from a persisted row during startup recovery:
// the persisted total is kept, a persisted open segment is closed at the
// given instant with its duration as persisted, and a fresh open segment
// starts. Any existing in-memory entry is replaced, so callers check
// [Table.Get] first when live state must win.
func (t *Table) Restore(k Key, username string, userID *int64, row store.VoiceSession, at time.Time) {
	segs := make([]Segment, len(row.Segments))
	for i, sg := range row.Segments {
		segs[i] = Segment{
			JoinAt:   sg.JoinAt,
			LeaveAt:  copyTime(sg.LeaveAt),
			Duration: time.Duration(sg.DurationSec) * time.Second,
		}
	}
	lastLeave := copyTime(row.LastLeaveAt)
	if n := len(segs); n > 0 && segs[n-1].LeaveAt == nil {
		leaveAt := at
		segs[n-1].LeaveAt = &leaveAt
		closed := at
		lastLeave = &closed
	}
	segs = append(segs, Segment{JoinAt: at})

	firstJoin := at
	if row.FirstJoinAt != nil {
		firstJoin = *row.FirstJoinAt
	}
	if userID == nil {
		userID = row.UserID
	}
	if username == "" {
		username = row.DiscordUsername
	}

	sh := t.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[k] = &entry{
		s: Session{
			Key:         k,
			UserID:      copyInt64(userID),
			Username:    username,
			FirstJoinAt: firstJoin,
			LastLeaveAt: lastLeave,
			Total:       time.Duration(row.TotalDurationSec) * time.Second,
			Segments:    segs,
			Active:      true,
			ActiveStart: at,
		},
		dirty: true,
		gen:   1,
	}
}

// UpdateUsername rewrites the cached username on every entry of one
// Discord user, across events. Returns the number of entries touched.
func (t *Table) UpdateUsername(discordUserID, username string) int {
	var n int
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if k.DiscordUserID != discordUserID || e.s.Username == username {
				continue
			}
			e.s.Username = username
			e.dirty = true
			e.gen++
			n++
		}
		sh.mu.Unlock()
	}
	return n
}

// Get returns a deep copy of the entry for k.
func (t *Table) Get(k Key) (Session, bool) {
	sh := t.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		return Session{}, false
	}
	return e.s.clone(), true
}

// ForEvent returns deep copies of every entry of one event, ordered by
// first join (ties by Discord user id). Returns an empty slice when the
// event has none.
func (t *Table) ForEvent(eventID int64) []Session {
	out := []Session{}
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if k.EventID == eventID {
				out = append(out, e.s.clone())
			}
		}
		sh.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := a.FirstJoinAt.Compare(b.FirstJoinAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key.DiscordUserID, b.Key.DiscordUserID)
	})
	return out
}

// CloseEvent closes the open segment of every active session of one event
// at the given instant. Returns the number of sessions closed.
func (t *Table) CloseEvent(eventID int64, at time.Time) int {
	var n int
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if k.EventID == eventID && e.s.Active {
				closeLocked(e, at)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// DropEvent removes every entry of one event without flushing. Returns
// the number of entries removed.
func (t *Table) DropEvent(eventID int64) int {
	var n int
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for k := range sh.entries {
			if k.EventID == eventID {
				delete(sh.entries, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Snapshot builds the persistable row for k at the given instant without
// mutating the entry: an open segment keeps LeaveAt nil but carries its
// elapsed duration, and the total includes that elapsed time.
func (t *Table) Snapshot(k Key, at time.Time) (store.VoiceSession, bool) {
	sh := t.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		return store.VoiceSession{}, false
	}
	return snapshotLocked(e, at), true
}

// snapshotLocked converts an entry to its persisted form. Caller holds
// the shard mutex.
func snapshotLocked(e *entry, at time.Time) store.VoiceSession {
	s := &e.s
	segs := make([]store.Segment, len(s.Segments))
	for i, sg := range s.Segments {
		segs[i] = store.Segment{
			JoinAt:      sg.JoinAt,
			LeaveAt:     copyTime(sg.LeaveAt),
			DurationSec: int64(sg.Duration / time.Second),
		}
	}
	total := s.Total
	if s.Active && len(segs) > 0 {
		elapsed := at.Sub(s.ActiveStart)
		if elapsed < 0 {
			elapsed = 0
		}
		segs[len(segs)-1].DurationSec = int64(elapsed / time.Second)
		total += elapsed
	}
	firstJoin := s.FirstJoinAt
	return store.VoiceSession{
		EventID:          s.Key.EventID,
		UserID:           copyInt64(s.UserID),
		DiscordUserID:    s.Key.DiscordUserID,
		DiscordUsername:  s.Username,
		FirstJoinAt:      &firstJoin,
		LastLeaveAt:      copyTime(s.LastLeaveAt),
		TotalDurationSec: int64(total / time.Second),
		Segments:         segs,
	}
}

// FlushCandidates snapshots every entry that is dirty or active, ordered
// by event id then Discord user id.
func (t *Table) FlushCandidates(at time.Time) []FlushItem {
	var out []FlushItem
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !e.dirty && !e.s.Active {
				continue
			}
			out = append(out, FlushItem{Key: k, Gen: e.gen, Row: snapshotLocked(e, at)})
		}
		sh.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b FlushItem) int {
		if a.Key.EventID != b.Key.EventID {
			if a.Key.EventID < b.Key.EventID {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key.DiscordUserID, b.Key.DiscordUserID)
	})
	return out
}

// AckFlush clears the dirty flag for k only when no mutation happened
// since the snapshot with generation gen. Reports whether it cleared.
func (t *Table) AckFlush(k Key, gen uint64) bool {
	sh := t.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok || e.gen != gen {
		return false
	}
	e.dirty = false
	return true
}

// Len returns the number of entries across all shards.
func (t *Table) Len() int {
	var n int
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
