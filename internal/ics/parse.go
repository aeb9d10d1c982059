package ics

import (
	"errors"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "gigcal/internal/log"
)

// Feed is a parsed gigcal document, used to inspect what clients will see.
type Feed struct {
	Name       string
	ProductID  string
	TZID       string
	OffsetFrom string
	OffsetTo   string
	TZName     string
	Entries    []FeedEntry
}

// FeedEntry is the normalized representation of one VEVENT.
type FeedEntry struct {
	UID         string
	Summary     string
	Description string
	Status      string

	// Start and End are nil for undated entries.
	Start *time.Time
	End   *time.Time
	Stamp time.Time
}

// ParseFeed parses an iCalendar payload produced by Builder.Render.
//
//   - Floating local date-times are interpreted in the VTIMEZONE's TZID when
//     that zone can be loaded, otherwise in UTC.
//   - Entries keep document order.
//   - An entry whose timestamps cannot be parsed fails the whole parse.
func ParseFeed(r io.Reader) (Feed, error) {
	var out Feed

	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return out, err
	}

	for _, p := range cal.CalendarProperties {
		switch ical.Property(p.IANAToken) {
		case ical.PropertyXWRCalName:
			out.Name = p.Value
		case ical.PropertyProductId:
			out.ProductID = p.Value
		}
	}

	loc := time.UTC
	if zones := cal.Timezones(); len(zones) > 0 {
		tz := zones[0]
		if p := tz.GetProperty(ical.ComponentPropertyTzid); p != nil {
			out.TZID = p.Value
			if l, lerr := time.LoadLocation(p.Value); lerr == nil {
				loc = l
			} else {
				appLog.Warn("ics feed timezone not loadable; using UTC", "tzid", p.Value)
			}
		}
		for _, sub := range tz.SubComponents() {
			std, ok := sub.(*ical.Standard)
			if !ok {
				continue
			}
			if p := std.GetProperty(ical.ComponentProperty(ical.PropertyTzoffsetfrom)); p != nil {
				out.OffsetFrom = p.Value
			}
			if p := std.GetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto)); p != nil {
				out.OffsetTo = p.Value
			}
			if p := std.GetProperty(ical.ComponentProperty(ical.PropertyTzname)); p != nil {
				out.TZName = p.Value
			}
		}
	}

	for _, ve := range cal.Events() {
		entry, perr := parseEntry(ve, loc)
		if perr != nil {
			return Feed{}, perr
		}
		out.Entries = append(out.Entries, entry)
	}

	return out, nil
}

func parseEntry(ve *ical.VEvent, loc *time.Location) (FeedEntry, error) {
	var out FeedEntry

	out.UID = ve.Id()
	if out.UID == "" {
		return out, errors.New("missing UID")
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = p.Value
	}

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		t, err := parseICSTime(p.Value, loc)
		if err != nil {
			return out, err
		}
		out.Start = &t
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		t, err := parseICSTime(p.Value, loc)
		if err != nil {
			return out, err
		}
		out.End = &t
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtstamp); p != nil {
		t, err := parseICSTime(p.Value, loc)
		if err != nil {
			return out, err
		}
		out.Stamp = t
	}

	return out, nil
}

// parseICSTime parses a DATE-TIME value. UTC values keep their UTC
// instant; floating values are placed in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse(localTimestampLayout+"Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation(localTimestampLayout, v, loc)
	}

	// Date-only, e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}
