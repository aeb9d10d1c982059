package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedTimestamp marks an event whose timestamps cannot be rendered.
var ErrMalformedTimestamp = errors.New("malformed event timestamp")

// Band is a group associated with an event. Only the name is rendered.
type Band struct {
	Name string `yaml:"name" json:"name"`
}

// Event is a single gig or appointment as handed over by the store layer.
// Optional fields use the zero value (Description) or nil (Start/End) for
// "absent".
type Event struct {
	ID          int64
	Name        string
	Description string

	// Start and End are instants; End is only meaningful when Start is set.
	Start *time.Time
	End   *time.Time

	// UpdatedAt is required and becomes the entry's DTSTAMP.
	UpdatedAt time.Time

	Bands []Band
}

// Device is the linked device a feed is generated for.
type Device struct {
	ID    int64
	Name  string
	Token string
}

// Validate checks the timestamp fields of an event. A failure wraps
// ErrMalformedTimestamp and names the offending event.
func (e Event) Validate() error {
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("event %d: updated_at missing: %w", e.ID, ErrMalformedTimestamp)
	}
	if e.Start != nil && e.Start.IsZero() {
		return fmt.Errorf("event %d: zero start: %w", e.ID, ErrMalformedTimestamp)
	}
	if e.End != nil {
		if e.End.IsZero() {
			return fmt.Errorf("event %d: zero end: %w", e.ID, ErrMalformedTimestamp)
		}
		if e.Start != nil && e.End.Before(*e.Start) {
			return fmt.Errorf("event %d: end %s before start %s: %w",
				e.ID, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339), ErrMalformedTimestamp)
		}
	}
	return nil
}

// EffectiveEnd returns End, falling back to Start for instantaneous events.
// It returns nil when the event is undated.
func (e Event) EffectiveEnd() *time.Time {
	if e.Start == nil {
		return nil
	}
	if e.End != nil {
		return e.End
	}
	return e.Start
}

// Ptr returns a pointer to t. Handy when building events in code.
func Ptr(t time.Time) *time.Time {
	return &t
}
