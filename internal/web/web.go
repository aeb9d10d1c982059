package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gigcal/internal/config"
	"gigcal/internal/feed"
	"gigcal/internal/ics"
	appLog "gigcal/internal/log"
	"gigcal/internal/metrics"
	"gigcal/internal/store"
)

// Server exposes calendar feeds plus a small JSON API.
type Server struct {
	cfg    *config.Config
	source store.Source
	feeds  *feed.Service
	router chi.Router
	now    func() time.Time

	// Rendered feeds per token, reused for cfg.FeedCacheTTL().
	feedMu    sync.RWMutex
	feedCache map[string]*feedCache
}

// feedCache holds a rendered feed and the time it was generated.
type feedCache struct {
	res       feed.Result
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, source store.Source, feeds *feed.Service) *Server {
	s := &Server{
		cfg:       cfg,
		source:    source,
		feeds:     feeds,
		router:    chi.NewRouter(),
		now:       time.Now,
		feedCache: make(map[string]*feedCache),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than locking everyone out.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware guards the JSON API. Feed URLs carry their own secret.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gigcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.cfg.Metrics {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Get("/calendar/{token}.ics", s.handleFeed)

	r.Route("/api", func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled for /api", "listen", "http://"+s.cfg.Listen)
			r.Use(s.basicAuthMiddleware)
		}
		r.Get("/devices/{token}/events", s.handlePreview)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.source.Ping(ctx); err != nil {
		appLog.Warn("readiness check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeed serves the iCalendar document for one device token.
//
// GET /calendar/{token}.ics
//   - 404 for unknown or revoked tokens
//   - 304 when If-None-Match matches the current ETag
//   - 500 without a body fragment when generation fails
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	res, cached, err := s.feedFor(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		metrics.ObserveFeed(metrics.ResultError, 0)
		appLog.Error("feed generation failed", err, "request_id", middleware.GetReqID(r.Context()))
		http.Error(w, "failed to generate calendar", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("ETag", res.ETag)
	h.Set("Cache-Control", "private, max-age="+strconv.Itoa(s.cfg.FeedCacheSeconds))
	if !res.LastModified.IsZero() {
		h.Set("Last-Modified", res.LastModified.UTC().Format(http.TimeFormat))
	}

	if etagMatches(r.Header.Get("If-None-Match"), res.ETag) {
		metrics.ObserveFeed(metrics.ResultNotModified, res.EventCount)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if cached {
		metrics.ObserveFeed(metrics.ResultCached, res.EventCount)
	} else {
		metrics.ObserveFeed(metrics.ResultOK, res.EventCount)
	}

	h.Set("Content-Type", "text/calendar; charset=utf-8")
	h.Set("Content-Disposition", `inline; filename="calendar.ics"`)
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.Body)
}

// feedFor returns a rendered feed for token, from cache when still fresh.
// The bool reports whether the cache served it.
func (s *Server) feedFor(ctx context.Context, token string) (feed.Result, bool, error) {
	ttl := s.cfg.FeedCacheTTL()
	now := s.now()

	if ttl > 0 {
		s.feedMu.RLock()
		fc := s.feedCache[token]
		s.feedMu.RUnlock()
		if fc != nil && now.Sub(fc.updatedAt) < ttl {
			return fc.res, true, nil
		}
	}

	res, err := s.feeds.Generate(ctx, token)
	if err != nil {
		if ttl > 0 {
			s.feedMu.Lock()
			delete(s.feedCache, token)
			s.feedMu.Unlock()
		}
		return feed.Result{}, false, err
	}

	if ttl > 0 {
		s.feedMu.Lock()
		s.feedCache[token] = &feedCache{res: res, updatedAt: now}
		s.feedMu.Unlock()
	}
	return res, false, nil
}

// InvalidateFeeds drops every cached feed, e.g. after a store reload.
func (s *Server) InvalidateFeeds() {
	s.feedMu.Lock()
	s.feedCache = make(map[string]*feedCache)
	s.feedMu.Unlock()
}

// etagMatches implements the weak comparison If-None-Match uses.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}

// previewResponse is the JSON response shape for /api/devices/{token}/events.
type previewResponse struct {
	DeviceID     int64      `json:"device_id"`
	CalendarName string     `json:"calendar_name"`
	ProductID    string     `json:"product_id"`
	TimeZone     string     `json:"timezone"`
	UTCOffset    string     `json:"utc_offset"`
	ETag         string     `json:"etag"`
	Events       []entryDTO `json:"events"`
}

// entryDTO is a JSON-friendly view of one feed entry.
type entryDTO struct {
	UID         string     `json:"uid"`
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Stamp       time.Time  `json:"stamp"`
}

// handlePreview returns the entries of a device feed as JSON. It parses the
// rendered document, so it shows exactly what calendar clients receive.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	res, _, err := s.feedFor(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		appLog.Error("api preview: feed generation failed", err)
		writeError(w, http.StatusInternalServerError, "failed to generate calendar")
		return
	}

	parsed, err := ics.ParseFeed(strings.NewReader(res.Body))
	if err != nil {
		appLog.Error("api preview: parse failed", err, "device_id", res.Device.ID)
		writeError(w, http.StatusInternalServerError, "failed to parse calendar")
		return
	}

	dtos := make([]entryDTO, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		dtos = append(dtos, entryDTO{
			UID:         e.UID,
			Summary:     e.Summary,
			Description: e.Description,
			Status:      e.Status,
			Start:       e.Start,
			End:         e.End,
			Stamp:       e.Stamp,
		})
	}

	writeJSON(w, http.StatusOK, previewResponse{
		DeviceID:     res.Device.ID,
		CalendarName: parsed.Name,
		ProductID:    parsed.ProductID,
		TimeZone:     parsed.TZID,
		UTCOffset:    parsed.OffsetTo,
		ETag:         res.ETag,
		Events:       dtos,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
