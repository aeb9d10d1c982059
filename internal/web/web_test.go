package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"gigcal/internal/config"
	"gigcal/internal/feed"
	"gigcal/internal/ics"
	"gigcal/internal/model"
	"gigcal/internal/store"
)

type fakeSource struct {
	devices   map[string]model.Device
	events    map[int64][]model.Event
	eventsErr error
	pingErr   error
	loads     int
}

func (f *fakeSource) DeviceByToken(_ context.Context, token string) (model.Device, error) {
	d, ok := f.devices[token]
	if !ok {
		return model.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeSource) EventsForDevice(_ context.Context, d model.Device) ([]model.Event, error) {
	f.loads++
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	return f.events[d.ID], nil
}

func (f *fakeSource) Ping(context.Context) error { return f.pingErr }
func (f *fakeSource) Close()                     {}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeSource) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "America/New_York"
	cfg.FeedCacheSeconds = 0
	if mutate != nil {
		mutate(cfg)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatal(err)
	}

	start := time.Date(2024, 12, 25, 10, 0, 0, 0, loc)
	src := &fakeSource{
		devices: map[string]model.Device{
			"secret": {ID: 1, Name: "My Test Device", Token: "secret"},
		},
		events: map[int64][]model.Event{
			1: {{
				ID:          42,
				Name:        "Gig",
				Description: "Test description",
				Start:       model.Ptr(start),
				End:         model.Ptr(start.Add(2 * time.Hour)),
				UpdatedAt:   time.Date(2024, 12, 1, 9, 30, 0, 0, loc),
				Bands:       []model.Band{{Name: "Rock Band"}},
			}},
		},
	}
	clock := func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) }
	svc := feed.NewService(src, feed.ProducerFor(cfg.App), loc).WithClock(clock)
	return NewServer(cfg, src, svc), src
}

func get(s *Server, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(s, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReady(t *testing.T) {
	s, src := newTestServer(t, nil)
	if rec := get(s, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
	src.pingErr = errors.New("down")
	if rec := get(s, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing store = %d", rec.Code)
	}
}

func TestFeed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(s, "/calendar/secret.ics", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("missing ETag")
	}
	if lm := rec.Header().Get("Last-Modified"); lm != "Sun, 01 Dec 2024 14:30:00 GMT" {
		t.Errorf("last modified = %q", lm)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"BEGIN:VCALENDAR\r\n",
		"X-WR-CALNAME:LibreGig Calendar - My Test Device\r\n",
		"TZID:America/New_York\r\n",
		"UID:event-42@libregig.com\r\n",
		"DTSTART:20241225T100000\r\n",
		"DTEND:20241225T120000\r\n",
		"DESCRIPTION:Test description\\n\\nBands: Rock Band\r\n",
		"END:VCALENDAR\r\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("feed missing %q", want)
		}
	}
}

func TestFeedNotModified(t *testing.T) {
	s, _ := newTestServer(t, nil)
	first := get(s, "/calendar/secret.ics", nil)
	etag := first.Header().Get("ETag")

	rec := get(s, "/calendar/secret.ics", func(r *http.Request) {
		r.Header.Set("If-None-Match", `"other", `+etag)
	})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("304 must not carry a body")
	}
}

func TestFeedUnknownToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rec := get(s, "/calendar/nope.ics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestFeedGenerationFailure(t *testing.T) {
	s, src := newTestServer(t, nil)
	src.events[1] = append(src.events[1], model.Event{ID: 7, Name: "broken"})

	rec := get(s, "/calendar/secret.ics", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "BEGIN:VCALENDAR") {
		t.Error("failed generation leaked a partial document")
	}
}

func TestFeedCache(t *testing.T) {
	s, src := newTestServer(t, func(c *config.Config) { c.FeedCacheSeconds = 60 })

	get(s, "/calendar/secret.ics", nil)
	get(s, "/calendar/secret.ics", nil)
	if src.loads != 1 {
		t.Fatalf("store loads = %d, want 1 with cache", src.loads)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	get(s, "/calendar/secret.ics", nil)
	if src.loads != 2 {
		t.Fatalf("store loads = %d, want 2 after expiry", src.loads)
	}

	s.InvalidateFeeds()
	get(s, "/calendar/secret.ics", nil)
	if src.loads != 3 {
		t.Fatalf("store loads = %d, want 3 after invalidation", src.loads)
	}
}

func TestPreview(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(s, "/api/devices/secret/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp previewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DeviceID != 1 || resp.TimeZone != "America/New_York" || resp.UTCOffset != "-0500" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ProductID != ics.DefaultProducer().ProductID() {
		t.Errorf("product id = %q", resp.ProductID)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("events = %+v", resp.Events)
	}
	ev := resp.Events[0]
	if ev.UID != "event-42@libregig.com" || ev.Description != "Test description\n\nBands: Rock Band" {
		t.Errorf("entry = %+v", ev)
	}
	wantStart := time.Date(2024, 12, 25, 15, 0, 0, 0, time.UTC)
	if ev.Start == nil || !ev.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", ev.Start, wantStart)
	}

	if rec := get(s, "/api/devices/nope/events", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d", rec.Code)
	}
}

func TestPreviewBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	})

	if rec := get(s, "/api/devices/secret/events", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
	rec := get(s, "/api/devices/secret/events", func(r *http.Request) { r.SetBasicAuth("admin", "pw") })
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
	// Feed URLs are authorized by their token alone.
	if rec := get(s, "/calendar/secret.ics", nil); rec.Code != http.StatusOK {
		t.Fatalf("feed status with basic auth enabled = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	off, _ := newTestServer(t, nil)
	if rec := get(off, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("metrics disabled status = %d", rec.Code)
	}
	on, _ := newTestServer(t, func(c *config.Config) { c.Metrics = true })
	if rec := get(on, "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics enabled status = %d", rec.Code)
	}
}

func TestEtagMatches(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{`"abc"`, true},
		{`W/"abc"`, true},
		{`"x", "abc"`, true},
		{"*", true},
		{`"abd"`, false},
	}
	for _, tt := range tests {
		if got := etagMatches(tt.header, `"abc"`); got != tt.want {
			t.Errorf("etagMatches(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
