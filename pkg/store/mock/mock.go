// Package mock provides an in-memory test double for the store interfaces.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use
// via an internal [sync.Mutex].
//
// Typical usage:
//
//	st := &mock.Store{}
//	st.BindingForChannelResult = &store.ChannelBinding{ID: 1}
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("UpsertVoiceSession"); got != 3 {
//	    t.Errorf("expected 3 flushes, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/guildops/muster/pkg/store"
)

// Ensure Store satisfies the combined interface at compile time.
var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [store.Store].
//
// All exported *Err fields default to nil (success); *Result fields default
// to their zero value. Lookup methods with a *Results map consult the map
// first and fall back to the corresponding *Result field. Create methods with
// a nil *Result echo their input with a generated id.
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// lastID feeds generated ids for echoed create results.
	lastID int64

	// ──── Bindings ─────────────────────────────────────────────────────────
	UpsertBindingResult *store.ChannelBinding
	UpsertBindingMoved  []string
	UpsertBindingErr    error

	DeleteBindingResult bool
	DeleteBindingErr    error

	UpdateBindingConfigResult *store.ChannelBinding
	UpdateBindingConfigErr    error

	BindingsForGuildResult []store.ChannelBinding
	BindingsForGuildErr    error

	// BindingForChannelResults is keyed by channel ID and takes precedence
	// over BindingForChannelResult.
	BindingForChannelResults map[string]*store.ChannelBinding
	BindingForChannelResult  *store.ChannelBinding
	BindingForChannelErr     error

	// ──── Games ────────────────────────────────────────────────────────────
	GameByIDResults map[int64]*store.Game
	GameByIDErr     error

	GameByActivityMappingResults map[string]*store.Game
	GameByActivityMappingErr     error

	GameByNameResults map[string]*store.Game
	GameByNameErr     error

	// GameByNameFoldResults is keyed by the lowercased name.
	GameByNameFoldResults map[string]*store.Game
	GameByNameFoldErr     error

	GameBySimilarityResult *store.Game
	GameBySimilarityErr    error

	SimilaritySupportedResult bool
	SimilaritySupportedErr    error

	// SearchGameNamesResults is keyed by the query string and takes
	// precedence over SearchGameNamesResult.
	SearchGameNamesResults map[string][]store.Game
	SearchGameNamesResult  []store.Game
	SearchGameNamesErr     error

	// ──── Events ───────────────────────────────────────────────────────────
	CreateAdHocEventResult *store.Event
	CreateAdHocEventErr    error

	CompleteAdHocEventErr error

	LiveScheduledEventsResult []store.Event
	LiveScheduledEventsErr    error

	EndedScheduledEventsResult []store.Event
	EndedScheduledEventsErr    error

	EventByIDResults map[int64]*store.Event
	EventByIDErr     error

	// ──── Voice sessions ───────────────────────────────────────────────────
	UpsertVoiceSessionErr error

	// VoiceSessionResults is keyed by "<eventID>:<discordUserID>".
	VoiceSessionResults map[string]*store.VoiceSession
	VoiceSessionErr     error

	VoiceSessionsForEventResults map[int64][]store.VoiceSession
	VoiceSessionsForEventErr     error

	InsertNoShowResult bool
	InsertNoShowErr    error

	SetClassificationErr error

	// ──── Signups ──────────────────────────────────────────────────────────
	SignupsForEventResults map[int64][]store.Signup
	SignupsForEventErr     error

	SetAttendanceStatusIfNullResult bool
	SetAttendanceStatusIfNullErr    error

	// ──── Availability ─────────────────────────────────────────────────────
	CreateWindowResult *store.AvailabilityWindow
	CreateWindowErr    error

	ConflictingWindowsResult []store.AvailabilityWindow
	ConflictingWindowsErr    error

	WindowsForUsersInRangeResult map[int64][]store.AvailabilityWindow
	WindowsForUsersInRangeErr    error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// UpsertedSessions returns every row passed to UpsertVoiceSession, in order.
func (m *Store) UpsertedSessions() []store.VoiceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.VoiceSession
	for _, c := range m.calls {
		if c.Method == "UpsertVoiceSession" {
			out = append(out, c.Args[0].(store.VoiceSession))
		}
	}
	return out
}

// nextIDLocked returns a fresh id for echoed create results. Callers must
// hold m.mu.
func (m *Store) nextIDLocked() int64 {
	m.lastID++
	return m.lastID
}

// ─────────────────────────────────────────────────────────────────────────────
// BindingStore
// ─────────────────────────────────────────────────────────────────────────────

// UpsertBinding implements [store.BindingStore].
func (m *Store) UpsertBinding(_ context.Context, b store.ChannelBinding) (*store.ChannelBinding, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertBinding", Args: []any{b}})
	if m.UpsertBindingErr != nil {
		return nil, nil, m.UpsertBindingErr
	}
	if m.UpsertBindingResult != nil {
		out := *m.UpsertBindingResult
		return &out, m.UpsertBindingMoved, nil
	}
	b.ID = m.nextIDLocked()
	return &b, m.UpsertBindingMoved, nil
}

// DeleteBinding implements [store.BindingStore].
func (m *Store) DeleteBinding(_ context.Context, guildID, channelID string, seriesID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteBinding", Args: []any{guildID, channelID, seriesID}})
	return m.DeleteBindingResult, m.DeleteBindingErr
}

// UpdateBindingConfig implements [store.BindingStore].
func (m *Store) UpdateBindingConfig(_ context.Context, bindingID int64, patch store.BindingConfig, purpose *store.BindingPurpose) (*store.ChannelBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateBindingConfig", Args: []any{bindingID, patch, purpose}})
	if m.UpdateBindingConfigErr != nil {
		return nil, m.UpdateBindingConfigErr
	}
	if m.UpdateBindingConfigResult != nil {
		out := *m.UpdateBindingConfigResult
		return &out, nil
	}
	return nil, store.ErrNotFound
}

// BindingsForGuild implements [store.BindingStore].
func (m *Store) BindingsForGuild(_ context.Context, guildID string) ([]store.ChannelBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "BindingsForGuild", Args: []any{guildID}})
	if m.BindingsForGuildResult == nil {
		return []store.ChannelBinding{}, m.BindingsForGuildErr
	}
	out := make([]store.ChannelBinding, len(m.BindingsForGuildResult))
	copy(out, m.BindingsForGuildResult)
	return out, m.BindingsForGuildErr
}

// BindingForChannel implements [store.BindingStore].
func (m *Store) BindingForChannel(_ context.Context, guildID, channelID string, purposes ...store.BindingPurpose) (*store.ChannelBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "BindingForChannel", Args: []any{guildID, channelID, purposes}})
	if b, ok := m.BindingForChannelResults[channelID]; ok {
		return copyBinding(b), m.BindingForChannelErr
	}
	return copyBinding(m.BindingForChannelResult), m.BindingForChannelErr
}

// ─────────────────────────────────────────────────────────────────────────────
// GameStore
// ─────────────────────────────────────────────────────────────────────────────

// GameByID implements [store.GameStore].
func (m *Store) GameByID(_ context.Context, id int64) (*store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GameByID", Args: []any{id}})
	return copyGame(m.GameByIDResults[id]), m.GameByIDErr
}

// GameByActivityMapping implements [store.GameStore].
func (m *Store) GameByActivityMapping(_ context.Context, activityName string) (*store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GameByActivityMapping", Args: []any{activityName}})
	return copyGame(m.GameByActivityMappingResults[activityName]), m.GameByActivityMappingErr
}

// GameByName implements [store.GameStore].
func (m *Store) GameByName(_ context.Context, name string) (*store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GameByName", Args: []any{name}})
	return copyGame(m.GameByNameResults[name]), m.GameByNameErr
}

// GameByNameFold implements [store.GameStore]. The results map is consulted
// with the lowercased name.
func (m *Store) GameByNameFold(_ context.Context, name string) (*store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GameByNameFold", Args: []any{name}})
	return copyGame(m.GameByNameFoldResults[strings.ToLower(name)]), m.GameByNameFoldErr
}

// GameBySimilarity implements [store.GameStore].
func (m *Store) GameBySimilarity(_ context.Context, name string, minSimilarity float64) (*store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GameBySimilarity", Args: []any{name, minSimilarity}})
	return copyGame(m.GameBySimilarityResult), m.GameBySimilarityErr
}

// SimilaritySupported implements [store.GameStore].
func (m *Store) SimilaritySupported(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SimilaritySupported"})
	return m.SimilaritySupportedResult, m.SimilaritySupportedErr
}

// SearchGameNames implements [store.GameStore]. The results map is keyed by
// the query string and takes precedence over SearchGameNamesResult.
func (m *Store) SearchGameNames(_ context.Context, query string, limit int) ([]store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchGameNames", Args: []any{query, limit}})
	src := m.SearchGameNamesResult
	if games, ok := m.SearchGameNamesResults[query]; ok {
		src = games
	}
	if src == nil {
		return []store.Game{}, m.SearchGameNamesErr
	}
	if len(src) > limit {
		src = src[:limit]
	}
	out := make([]store.Game, len(src))
	copy(out, src)
	return out, m.SearchGameNamesErr
}

// ─────────────────────────────────────────────────────────────────────────────
// EventStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateAdHocEvent implements [store.EventStore]. When CreateAdHocEventResult
// is nil, the input is echoed back with a generated id and IsAdHoc set.
func (m *Store) CreateAdHocEvent(_ context.Context, ev store.Event) (*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreateAdHocEvent", Args: []any{ev}})
	if m.CreateAdHocEventErr != nil {
		return nil, m.CreateAdHocEventErr
	}
	if m.CreateAdHocEventResult != nil {
		out := *m.CreateAdHocEventResult
		return &out, nil
	}
	ev.ID = m.nextIDLocked()
	ev.IsAdHoc = true
	ev.CreatedAt = time.Now()
	return &ev, nil
}

// CompleteAdHocEvent implements [store.EventStore].
func (m *Store) CompleteAdHocEvent(_ context.Context, eventID int64, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CompleteAdHocEvent", Args: []any{eventID, endedAt}})
	return m.CompleteAdHocEventErr
}

// LiveScheduledEvents implements [store.EventStore].
func (m *Store) LiveScheduledEvents(_ context.Context, at time.Time) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "LiveScheduledEvents", Args: []any{at}})
	if m.LiveScheduledEventsResult == nil {
		return []store.Event{}, m.LiveScheduledEventsErr
	}
	out := make([]store.Event, len(m.LiveScheduledEventsResult))
	copy(out, m.LiveScheduledEventsResult)
	return out, m.LiveScheduledEventsErr
}

// EndedScheduledEvents implements [store.EventStore].
func (m *Store) EndedScheduledEvents(_ context.Context, from, to time.Time) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "EndedScheduledEvents", Args: []any{from, to}})
	if m.EndedScheduledEventsResult == nil {
		return []store.Event{}, m.EndedScheduledEventsErr
	}
	out := make([]store.Event, len(m.EndedScheduledEventsResult))
	copy(out, m.EndedScheduledEventsResult)
	return out, m.EndedScheduledEventsErr
}

// EventByID implements [store.EventStore].
func (m *Store) EventByID(_ context.Context, id int64) (*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "EventByID", Args: []any{id}})
	if ev, ok := m.EventByIDResults[id]; ok {
		out := *ev
		return &out, m.EventByIDErr
	}
	return nil, m.EventByIDErr
}

// ─────────────────────────────────────────────────────────────────────────────
// SessionStore + SignupStore
// ─────────────────────────────────────────────────────────────────────────────

// UpsertVoiceSession implements [store.SessionStore].
func (m *Store) UpsertVoiceSession(_ context.Context, row store.VoiceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertVoiceSession", Args: []any{row}})
	return m.UpsertVoiceSessionErr
}

// VoiceSession implements [store.SessionStore]. The results map is consulted
// with the key "<eventID>:<discordUserID>".
func (m *Store) VoiceSession(_ context.Context, eventID int64, discordUserID string) (*store.VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "VoiceSession", Args: []any{eventID, discordUserID}})
	if vs, ok := m.VoiceSessionResults[fmt.Sprintf("%d:%s", eventID, discordUserID)]; ok {
		out := *vs
		return &out, m.VoiceSessionErr
	}
	return nil, m.VoiceSessionErr
}

// VoiceSessionsForEvent implements [store.SessionStore].
func (m *Store) VoiceSessionsForEvent(_ context.Context, eventID int64) ([]store.VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "VoiceSessionsForEvent", Args: []any{eventID}})
	rows := m.VoiceSessionsForEventResults[eventID]
	if rows == nil {
		return []store.VoiceSession{}, m.VoiceSessionsForEventErr
	}
	out := make([]store.VoiceSession, len(rows))
	copy(out, rows)
	return out, m.VoiceSessionsForEventErr
}

// InsertNoShow implements [store.SessionStore].
func (m *Store) InsertNoShow(_ context.Context, eventID int64, discordUserID, discordUsername string, userID *int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "InsertNoShow", Args: []any{eventID, discordUserID, discordUsername, userID}})
	return m.InsertNoShowResult, m.InsertNoShowErr
}

// SetClassification implements [store.SessionStore].
func (m *Store) SetClassification(_ context.Context, sessionID int64, c store.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetClassification", Args: []any{sessionID, c}})
	return m.SetClassificationErr
}

// SignupsForEvent implements [store.SignupStore].
func (m *Store) SignupsForEvent(_ context.Context, eventID int64) ([]store.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SignupsForEvent", Args: []any{eventID}})
	rows := m.SignupsForEventResults[eventID]
	if rows == nil {
		return []store.Signup{}, m.SignupsForEventErr
	}
	out := make([]store.Signup, len(rows))
	copy(out, rows)
	return out, m.SignupsForEventErr
}

// SetAttendanceStatusIfNull implements [store.SignupStore].
func (m *Store) SetAttendanceStatusIfNull(_ context.Context, signupID int64, status store.Classification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetAttendanceStatusIfNull", Args: []any{signupID, status}})
	return m.SetAttendanceStatusIfNullResult, m.SetAttendanceStatusIfNullErr
}

// ─────────────────────────────────────────────────────────────────────────────
// AvailabilityStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateWindow implements [store.AvailabilityStore]. When CreateWindowResult
// is nil, the input is echoed back with a generated id.
func (m *Store) CreateWindow(_ context.Context, w store.AvailabilityWindow) (*store.AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreateWindow", Args: []any{w}})
	if m.CreateWindowErr != nil {
		return nil, m.CreateWindowErr
	}
	if m.CreateWindowResult != nil {
		out := *m.CreateWindowResult
		return &out, nil
	}
	w.ID = m.nextIDLocked()
	w.CreatedAt = time.Now()
	return &w, nil
}

// ConflictingWindows implements [store.AvailabilityStore].
func (m *Store) ConflictingWindows(_ context.Context, userID int64, start, end time.Time, excludeGameID *int64, excludeID *int64) ([]store.AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ConflictingWindows", Args: []any{userID, start, end, excludeGameID, excludeID}})
	if m.ConflictingWindowsResult == nil {
		return []store.AvailabilityWindow{}, m.ConflictingWindowsErr
	}
	out := make([]store.AvailabilityWindow, len(m.ConflictingWindowsResult))
	copy(out, m.ConflictingWindowsResult)
	return out, m.ConflictingWindowsErr
}

// WindowsForUsersInRange implements [store.AvailabilityStore].
func (m *Store) WindowsForUsersInRange(_ context.Context, userIDs []int64, start, end time.Time) (map[int64][]store.AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WindowsForUsersInRange", Args: []any{userIDs, start, end}})
	out := make(map[int64][]store.AvailabilityWindow, len(m.WindowsForUsersInRangeResult))
	for k, v := range m.WindowsForUsersInRangeResult {
		rows := make([]store.AvailabilityWindow, len(v))
		copy(rows, v)
		out[k] = rows
	}
	return out, m.WindowsForUsersInRangeErr
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func copyBinding(b *store.ChannelBinding) *store.ChannelBinding {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}

func copyGame(g *store.Game) *store.Game {
	if g == nil {
		return nil
	}
	out := *g
	return &out
}
