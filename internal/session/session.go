// Package session holds the shared in-memory voice session table and its
// periodic flusher. Both the ad-hoc engine and the scheduled-attendance
// engine record presence here; the flusher snapshots dirty or active
// entries to the store every cycle so a crash loses at most one interval
// of open-segment time.
package session

import "time"

// Key identifies one participant's presence record for one event.
type Key struct {
	EventID       int64
	DiscordUserID string
}

// Segment is one continuous interval of voice presence. LeaveAt is nil and
// Duration zero while the segment is still open; the flush snapshot fills
// the open segment's elapsed time without closing it.
type Segment struct {
	JoinAt   time.Time
	LeaveAt  *time.Time
	Duration time.Duration
}

// Session is a copy of one table entry. Mutating a returned Session has no
// effect on the table.
type Session struct {
	Key      Key
	UserID   *int64
	Username string

	FirstJoinAt time.Time
	LastLeaveAt *time.Time

	// Total is the sum of closed segment durations. It excludes the open
	// segment's elapsed time; [Table.Snapshot] adds that.
	Total    time.Duration
	Segments []Segment

	Active bool
	// ActiveStart is when the open segment began. Zero while inactive.
	ActiveStart time.Time
}

// clone deep-copies s so callers can hold it outside the shard lock.
func (s Session) clone() Session {
	out := s
	out.UserID = copyInt64(s.UserID)
	out.LastLeaveAt = copyTime(s.LastLeaveAt)
	out.Segments = make([]Segment, len(s.Segments))
	for i, sg := range s.Segments {
		out.Segments[i] = Segment{JoinAt: sg.JoinAt, LeaveAt: copyTime(sg.LeaveAt), Duration: sg.Duration}
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
