package store

import "time"

// BindingPurpose classifies what a channel binding is used for.
type BindingPurpose string

const (
	// PurposeAnnouncements marks a text channel that receives session
	// notifications (spawn, update, completion).
	PurposeAnnouncements BindingPurpose = "announcements"

	// PurposeVoiceMonitor marks a voice channel tracked for a specific game.
	// Every occupant counts toward the session threshold.
	PurposeVoiceMonitor BindingPurpose = "voice-monitor"

	// PurposeGeneralLobby marks a voice channel with no fixed game; the game
	// is inferred from member presence activities.
	PurposeGeneralLobby BindingPurpose = "general-lobby"
)

// IsValid reports whether p is one of the known binding purposes.
func (p BindingPurpose) IsValid() bool {
	switch p {
	case PurposeAnnouncements, PurposeVoiceMonitor, PurposeGeneralLobby:
		return true
	}
	return false
}

// ChannelKind distinguishes text channels from voice channels.
type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
)

// IsValid reports whether k is a known channel kind.
func (k ChannelKind) IsValid() bool {
	return k == ChannelText || k == ChannelVoice
}

// BindingConfig is the closed per-binding configuration object. All fields
// are optional; nil means "use the engine default". Unknown keys in persisted
// JSON are ignored on read.
type BindingConfig struct {
	// MinPlayers is the member count that must gather before an ad-hoc
	// session spawns. Engine default: 2.
	MinPlayers *int `json:"minPlayers,omitempty"`

	// GracePeriodSec is how long an emptied session lingers before it
	// completes. Engine default: 180.
	GracePeriodSec *int `json:"gracePeriodSec,omitempty"`

	// NotificationChannelID overrides the announcements channel for sessions
	// spawned from this binding.
	NotificationChannelID *string `json:"notificationChannelId,omitempty"`

	// AllowJustChatting permits general-lobby sessions whose members are not
	// playing anything. Engine default: false.
	AllowJustChatting *bool `json:"allowJustChatting,omitempty"`
}

// Merge returns a copy of c with every non-nil field of patch applied over it.
func (c BindingConfig) Merge(patch BindingConfig) BindingConfig {
	out := c
	if patch.MinPlayers != nil {
		out.MinPlayers = patch.MinPlayers
	}
	if patch.GracePeriodSec != nil {
		out.GracePeriodSec = patch.GracePeriodSec
	}
	if patch.NotificationChannelID != nil {
		out.NotificationChannelID = patch.NotificationChannelID
	}
	if patch.AllowJustChatting != nil {
		out.AllowJustChatting = patch.AllowJustChatting
	}
	return out
}

// MinPlayersOr returns the configured minimum player count, or def when unset
// or invalid (values below 1 are treated as unset).
func (c BindingConfig) MinPlayersOr(def int) int {
	if c.MinPlayers != nil && *c.MinPlayers >= 1 {
		return *c.MinPlayers
	}
	return def
}

// GracePeriodOr returns the configured grace period, or def when unset.
// Zero is a valid configured value (dissolve immediately).
func (c BindingConfig) GracePeriodOr(def time.Duration) time.Duration {
	if c.GracePeriodSec != nil && *c.GracePeriodSec >= 0 {
		return time.Duration(*c.GracePeriodSec) * time.Second
	}
	return def
}

// JustChattingAllowed returns the configured allowJustChatting flag, default false.
func (c BindingConfig) JustChattingAllowed() bool {
	return c.AllowJustChatting != nil && *c.AllowJustChatting
}

// ChannelBinding associates a chat-service channel with a purpose, optionally
// scoped to a game or a recurring event series.
//
// A voice-monitor binding with a nil GameID is a general lobby: the engine
// infers the game from member presence rather than binding configuration.
type ChannelBinding struct {
	ID          int64
	GuildID     string
	ChannelID   string
	ChannelKind ChannelKind
	Purpose     BindingPurpose

	// GameID pins the binding to one game. Nil means "any game".
	GameID *int64

	// RecurrenceGroupID ties the binding to a recurring event series. Two
	// bindings may share a channel as long as their series differ.
	RecurrenceGroupID *string

	Config    BindingConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsGeneralLobby reports whether b is a voice-monitor binding without a game.
func (b *ChannelBinding) IsGeneralLobby() bool {
	return b.Purpose == PurposeGeneralLobby ||
		(b.Purpose == PurposeVoiceMonitor && b.GameID == nil)
}

// Game is one row of the game registry.
type Game struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// ActivityMapping maps a raw presence-activity name to a registry game. The
// mapping table is admin-managed and consulted before registry name matching.
type ActivityMapping struct {
	ID           int64
	ActivityName string
	GameID       int64
}

// Event is a platform event row. Scheduled events are created by the
// scheduling collaborator and consumed here by reference; ad-hoc events are
// created and completed by the session engine.
type Event struct {
	ID    int64
	Title string

	StartTime time.Time

	// EndTime is fixed up front for scheduled events and set at completion
	// time for ad-hoc events (nil while the session is running).
	EndTime *time.Time

	GameID   *int64
	GameName string

	// SeriesID groups recurring events. Matches ChannelBinding.RecurrenceGroupID.
	SeriesID *string

	IsAdHoc     bool
	CancelledAt *time.Time
	CreatedAt   time.Time
}

// Classification is the attendance quality assigned to a participant after a
// scheduled event ends.
type Classification string

const (
	ClassFull        Classification = "full"
	ClassPartial     Classification = "partial"
	ClassLate        Classification = "late"
	ClassEarlyLeaver Classification = "early_leaver"
	ClassNoShow      Classification = "no_show"
)

// IsValid reports whether c is a known classification.
func (c Classification) IsValid() bool {
	switch c {
	case ClassFull, ClassPartial, ClassLate, ClassEarlyLeaver, ClassNoShow:
		return true
	}
	return false
}

// Segment is one continuous interval of voice presence. LeaveAt is nil while
// the segment is still open; DurationSec for an open segment is the elapsed
// time captured by the most recent flush snapshot.
type Segment struct {
	JoinAt      time.Time  `json:"joinAt"`
	LeaveAt     *time.Time `json:"leaveAt,omitempty"`
	DurationSec int64      `json:"durationSec"`
}

// VoiceSession is the persisted per-participant presence record for one
// event. Uniqueness: (EventID, DiscordUserID).
type VoiceSession struct {
	ID      int64
	EventID int64

	// UserID is the linked platform account, nil when the Discord user has
	// not been linked.
	UserID *int64

	DiscordUserID   string
	DiscordUsername string

	// FirstJoinAt is nil only for synthesized no-show rows.
	FirstJoinAt *time.Time
	LastLeaveAt *time.Time

	TotalDurationSec int64
	Segments         []Segment

	Classification *Classification

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Signup is a pre-registration for a scheduled event. AttendanceStatus is
// auto-populated by the classification loop only while it is nil, so manual
// staff overrides survive.
type Signup struct {
	ID               int64
	EventID          int64
	UserID           *int64
	DiscordUserID    *string
	DiscordUsername  string
	AttendanceStatus *Classification
	CreatedAt        time.Time
}

// AvailabilityStatus is the state of an availability window.
type AvailabilityStatus string

const (
	AvailabilityAvailable AvailabilityStatus = "available"
	AvailabilityCommitted AvailabilityStatus = "committed"
	AvailabilityBlocked   AvailabilityStatus = "blocked"
	AvailabilityFreed     AvailabilityStatus = "freed"
)

// IsValid reports whether s is a known availability status.
func (s AvailabilityStatus) IsValid() bool {
	switch s {
	case AvailabilityAvailable, AvailabilityCommitted, AvailabilityBlocked, AvailabilityFreed:
		return true
	}
	return false
}

// AvailabilityWindow is a half-open [StartTime, EndTime) interval of declared
// availability. Windows are at most 24 hours long.
type AvailabilityWindow struct {
	ID        int64
	UserID    int64
	StartTime time.Time
	EndTime   time.Time
	Status    AvailabilityStatus

	// GameID scopes the window to one game. Two committed windows for the
	// same non-nil game do not conflict.
	GameID *int64

	// SourceEventID references the event that created this window, when the
	// window was derived from a signup.
	SourceEventID *int64

	CreatedAt time.Time
}
