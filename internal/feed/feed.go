package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gigcal/internal/config"
	"gigcal/internal/ics"
	appLog "gigcal/internal/log"
	"gigcal/internal/model"
	"gigcal/internal/store"
)

// Result is one rendered feed plus the metadata HTTP caching needs.
type Result struct {
	Device model.Device
	Zone   ics.Zone
	Body   string
	// ETag is a quoted strong validator derived from Body.
	ETag string
	// LastModified is the newest event UpdatedAt; zero for an empty feed.
	LastModified time.Time
	EventCount   int
}

// Service renders feeds for device tokens.
type Service struct {
	source  store.Source
	builder *ics.Builder
	loc     *time.Location
	now     func() time.Time
}

// ProducerFor maps the app section of the config to a feed identity.
func ProducerFor(app config.AppConfig) ics.Producer {
	return ics.Producer{
		AppName:      app.Name,
		Organization: app.Organization,
		Product:      app.Product,
		Language:     app.Language,
		Domain:       app.Domain,
	}
}

// NewService wires a Service. loc is the validated configured timezone.
func NewService(source store.Source, producer ics.Producer, loc *time.Location) *Service {
	return &Service{
		source:  source,
		builder: ics.NewBuilder(producer),
		loc:     loc,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for timezone snapshots.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Generate renders the feed for the device owning token. Unknown tokens
// yield an error matching store.ErrNotFound.
func (s *Service) Generate(ctx context.Context, token string) (Result, error) {
	device, err := s.source.DeviceByToken(ctx, token)
	if err != nil {
		return Result{}, err
	}

	events, err := s.source.EventsForDevice(ctx, device)
	if err != nil {
		return Result{}, fmt.Errorf("load events for device %d: %w", device.ID, err)
	}

	// One snapshot per document keeps the header and timestamps consistent.
	zone := ics.ZoneAt(s.loc, s.now())

	body, err := s.builder.Render(device, events, zone)
	if err != nil {
		return Result{}, fmt.Errorf("render feed for device %d: %w", device.ID, err)
	}

	res := Result{
		Device:       device,
		Zone:         zone,
		Body:         body,
		ETag:         etagFor(body),
		LastModified: lastModified(events),
		EventCount:   len(events),
	}

	appLog.Info("feed generated",
		"device_id", device.ID,
		"event_count", res.EventCount,
		"tzid", zone.ID,
		"bytes", len(body),
	)
	return res, nil
}

func etagFor(body string) string {
	sum := sha256.Sum256([]byte(body))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func lastModified(events []model.Event) time.Time {
	var latest time.Time
	for _, ev := range events {
		if ev.UpdatedAt.After(latest) {
			latest = ev.UpdatedAt
		}
	}
	return latest
}
