package ics

import (
	"fmt"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

const (
	icalVersion   = "2.0"
	calendarScale = "GREGORIAN"

	// standardEpoch is the DTSTART of the single STANDARD sub-block.
	standardEpoch = "19700101T000000"
)

// Producer carries the application identity stamped into every document.
type Producer struct {
	AppName      string
	Organization string
	Product      string
	Language     string
	Domain       string
}

// DefaultProducer returns the stock LibreGig identity.
func DefaultProducer() Producer {
	return Producer{
		AppName:      "LibreGig",
		Organization: "LibreGig",
		Product:      "Calendar",
		Language:     "EN",
		Domain:       "libregig.com",
	}
}

// ProductID formats the PRODID value, e.g. "-//LibreGig//Calendar//EN".
func (p Producer) ProductID() string {
	return "-//" + p.Organization + "//" + p.Product + "//" + p.Language
}

// CalendarName is the X-WR-CALNAME label shown by calendar clients.
func (p Producer) CalendarName(device model.Device) string {
	return p.AppName + " Calendar - " + device.Name
}

// EventUID is the stable UID for an event id. Clients rely on it to match
// updates to entries they already have.
func (p Producer) EventUID(id int64) string {
	return fmt.Sprintf("event-%d@%s", id, p.Domain)
}

// Builder turns events into iCalendar documents. It holds no per-call state
// and is safe for concurrent use.
type Builder struct {
	producer Producer
}

// NewBuilder constructs a Builder for the given producer identity.
func NewBuilder(p Producer) *Builder {
	return &Builder{producer: p}
}

// Producer returns the identity the builder stamps into documents.
func (b *Builder) Producer() Producer {
	return b.producer
}

// Build assembles a calendar with one VTIMEZONE for zone and one VEVENT per
// event, in input order. Every event is validated before anything is built;
// a single malformed event fails the whole document.
func (b *Builder) Build(device model.Device, events []model.Event, zone Zone) (*ical.Calendar, error) {
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}

	cal := b.newDocument(device)
	addTimezone(cal, zone)
	for _, ev := range events {
		b.addEvent(cal, ev, zone)
	}

	appLog.Debug("ics document built",
		"device_id", device.ID,
		"tzid", zone.ID,
		"offset", zone.OffsetToken(),
		"event_count", len(events),
	)
	return cal, nil
}

// Render builds the document and serializes it with CRLF line endings.
func (b *Builder) Render(device model.Device, events []model.Event, zone Zone) (string, error) {
	cal, err := b.Build(device, events, zone)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := cal.SerializeTo(&sb, ical.WithNewLineWindows); err != nil {
		return "", fmt.Errorf("serialize calendar: %w", err)
	}
	return sb.String(), nil
}

func (b *Builder) newDocument(device model.Device) *ical.Calendar {
	cal := ical.NewCalendar()
	// NewCalendar seeds VERSION and PRODID; overwriting keeps their position.
	cal.SetVersion(icalVersion)
	cal.SetProductId(b.producer.ProductID())
	cal.SetCalscale(calendarScale)
	cal.SetXWRCalName(b.producer.CalendarName(device))
	return cal
}

func addTimezone(cal *ical.Calendar, zone Zone) {
	offset := zone.OffsetToken()

	tz := cal.AddTimezone(zone.ID)
	std := tz.AddStandard()
	std.AddProperty(ical.ComponentProperty(ical.PropertyTzoffsetfrom), offset)
	std.AddProperty(ical.ComponentProperty(ical.PropertyTzoffsetto), offset)
	std.AddProperty(ical.ComponentPropertyDtStart, standardEpoch)
	std.AddProperty(ical.ComponentProperty(ical.PropertyTzname), zone.Abbreviation)
}

func (b *Builder) addEvent(cal *ical.Calendar, ev model.Event, zone Zone) {
	ve := cal.AddEvent(b.producer.EventUID(ev.ID))
	ve.SetSummary(ev.Name)
	ve.SetDescription(ComposeDescription(ev.Description, ev.Bands))

	// Undated events get neither DTSTART nor DTEND.
	if ev.Start != nil {
		ve.SetProperty(ical.ComponentPropertyDtStart, zone.LocalTime(*ev.Start))
		ve.SetProperty(ical.ComponentPropertyDtEnd, zone.LocalTime(*ev.EffectiveEnd()))
	}

	ve.SetProperty(ical.ComponentPropertyDtstamp, zone.LocalTime(ev.UpdatedAt))
	ve.SetStatus(ical.ObjectStatusConfirmed)
}
