package ics

import (
	"fmt"
	"time"
)

const localTimestampLayout = "20060102T150405"

// Zone is an immutable snapshot of the configured timezone, taken once per
// document so the VTIMEZONE header and every timestamp agree.
type Zone struct {
	// ID is the IANA identifier, e.g. "America/New_York".
	ID string
	// Location is used to render event timestamps as local date-times.
	Location *time.Location
	// OffsetSeconds is the UTC offset in effect when the snapshot was taken.
	OffsetSeconds int
	// Abbreviation is the short name in effect, e.g. "EST".
	Abbreviation string
}

// ZoneAt captures loc as it stands at now. A nil loc is treated as UTC.
//
// Only the offset at now is recorded; DST transitions are not modelled.
func ZoneAt(loc *time.Location, now time.Time) Zone {
	if loc == nil {
		loc = time.UTC
	}
	abbr, offset := now.In(loc).Zone()
	return Zone{
		ID:            loc.String(),
		Location:      loc,
		OffsetSeconds: offset,
		Abbreviation:  abbr,
	}
}

// OffsetToken formats the offset as a five character "+HHMM"/"-HHMM" token.
// Seconds are dropped; a zero offset is "+0000".
func (z Zone) OffsetToken() string {
	sign := "+"
	offset := z.OffsetSeconds
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s%02d%02d", sign, offset/3600, (offset%3600)/60)
}

// LocalTime renders t as a floating local date-time in the zone.
func (z Zone) LocalTime(t time.Time) string {
	return t.In(z.location()).Format(localTimestampLayout)
}

func (z Zone) location() *time.Location {
	if z.Location != nil {
		return z.Location
	}
	return time.FixedZone(z.ID, z.OffsetSeconds)
}
