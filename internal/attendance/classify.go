package attendance

import (
	"time"

	"github.com/guildops/muster/pkg/store"
)

// DefaultLateGrace is how late a first join may be before full attendance
// degrades to late.
const DefaultLateGrace = 5 * time.Minute

const (
	// minPresence is the floor below which a participant is a no-show
	// regardless of when they joined.
	minPresence = 2 * time.Minute

	// earlyLeaveWindow is how far before the event's end a final leave
	// must fall to count as leaving early.
	earlyLeaveWindow = 5 * time.Minute

	minRatio  = 0.2
	fullRatio = 0.8
)

// Classify grades one persisted session row against an event that ran from
// start to end. Rules apply in order; a late join beats a full ratio.
func Classify(row store.VoiceSession, start, end time.Time, grace time.Duration) store.Classification {
	total := time.Duration(row.TotalDurationSec) * time.Second
	if total < minPresence {
		return store.ClassNoShow
	}

	// Zero-length events grade everyone who cleared the floor as full.
	ratio := 1.0
	if d := end.Sub(start); d > 0 {
		ratio = float64(total) / float64(d)
	}

	late := row.FirstJoinAt != nil && row.FirstJoinAt.After(start.Add(grace))
	leftEarly := row.LastLeaveAt != nil && row.LastLeaveAt.Before(end.Add(-earlyLeaveWindow))

	switch {
	case late && ratio >= minRatio:
		return store.ClassLate
	case leftEarly && ratio >= minRatio && ratio < fullRatio:
		return store.ClassEarlyLeaver
	case ratio >= fullRatio:
		return store.ClassFull
	case ratio >= minRatio:
		return store.ClassPartial
	default:
		return store.ClassPartial
	}
}
