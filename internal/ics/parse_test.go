package ics

import (
	"strings"
	"testing"
	"time"

	"gigcal/internal/model"
)

func TestParseFeedRoundTrip(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	events := fixtureEvents(ny)
	events[0].Bands = []model.Band{{Name: "Rock Band"}, {Name: "Jazz Ensemble"}}
	events[1].Description = "Semicolons; commas, and a \\ backslash"

	doc := render(t, model.Device{Name: "My Test Device"}, events, ZoneAt(ny, winter))

	feed, err := ParseFeed(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}

	if feed.Name != "LibreGig Calendar - My Test Device" {
		t.Errorf("Name = %q", feed.Name)
	}
	if feed.ProductID != "-//LibreGig//Calendar//EN" {
		t.Errorf("ProductID = %q", feed.ProductID)
	}
	if feed.TZID != "America/New_York" || feed.OffsetFrom != "-0500" || feed.OffsetTo != "-0500" || feed.TZName != "EST" {
		t.Errorf("timezone = %q %q %q %q", feed.TZID, feed.OffsetFrom, feed.OffsetTo, feed.TZName)
	}
	if len(feed.Entries) != len(events) {
		t.Fatalf("entries = %d, want %d", len(feed.Entries), len(events))
	}

	for i, ev := range events {
		e := feed.Entries[i]
		if e.UID != DefaultProducer().EventUID(ev.ID) {
			t.Errorf("entry %d UID = %q", i, e.UID)
		}
		if e.Summary != ev.Name {
			t.Errorf("entry %d Summary = %q", i, e.Summary)
		}
		if want := ComposeDescription(ev.Description, ev.Bands); e.Description != want {
			t.Errorf("entry %d Description = %q, want %q", i, e.Description, want)
		}
		if e.Status != "CONFIRMED" {
			t.Errorf("entry %d Status = %q", i, e.Status)
		}
		if !e.Stamp.Equal(ev.UpdatedAt) {
			t.Errorf("entry %d Stamp = %v, want %v", i, e.Stamp, ev.UpdatedAt)
		}
	}

	if s := feed.Entries[0].Start; s == nil || !s.Equal(*events[0].Start) {
		t.Errorf("entry 0 Start = %v", s)
	}
	if e := feed.Entries[1].End; e == nil || !e.Equal(*events[1].Start) {
		t.Errorf("entry 1 End should equal its start, got %v", e)
	}
	if feed.Entries[2].Start != nil || feed.Entries[2].End != nil {
		t.Errorf("entry 2 should be undated: %+v", feed.Entries[2])
	}
}

func TestParseFeedLongDescriptionFolding(t *testing.T) {
	long := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 6)
	events := []model.Event{{ID: 9, Name: "Long", Description: long, UpdatedAt: winter}}

	doc := render(t, model.Device{}, events, ZoneAt(time.UTC, winter))
	for _, line := range strings.Split(doc, "\r\n") {
		if len(line) > 75 {
			t.Fatalf("line exceeds 75 octets: %q", line)
		}
	}

	feed, err := ParseFeed(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if feed.Entries[0].Description != long {
		t.Errorf("folded description did not round trip:\n%q\n%q", feed.Entries[0].Description, long)
	}
}

func TestParseFeedUTCValues(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Other//Thing//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:abc\r\n" +
		"SUMMARY:Elsewhere\r\n" +
		"DTSTART:20240101T090000Z\r\n" +
		"DTSTAMP:20231231T000000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	feed, err := ParseFeed(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if feed.TZID != "" {
		t.Errorf("TZID = %q, want empty", feed.TZID)
	}
	e := feed.Entries[0]
	if e.Start == nil || !e.Start.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v", e.Start)
	}
	if e.End != nil {
		t.Errorf("End = %v, want nil", e.End)
	}
}

func TestParseFeedMissingUID(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\n" +
		"SUMMARY:No id\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	if _, err := ParseFeed(strings.NewReader(doc)); err == nil {
		t.Fatal("expected error for VEVENT without UID")
	}
}

func TestParseFeedBadTimestamp(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:x\r\n" +
		"DTSTART:2024-01-01\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	if _, err := ParseFeed(strings.NewReader(doc)); err == nil {
		t.Fatal("expected error for malformed DTSTART")
	}
}
