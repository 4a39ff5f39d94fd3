package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relcal/internal/calendar"
	"relcal/internal/config"
	"relcal/internal/ics"
	appLog "relcal/internal/log"
	"relcal/internal/metrics"
	"relcal/internal/model"
	"relcal/internal/store"
)

const (
	dateLayout      = "2006-01-02"
	maxRequestBytes = 1 << 20
)

// EventStore is the persistence the HTTP API reads and writes.
type EventStore interface {
	CreateEvent(ctx context.Context, ev model.CalendarEvent) error
	GetEvent(ctx context.Context, tenant, id string) (model.CalendarEvent, error)
	DeleteEvent(ctx context.Context, tenant, id string) error
	ListCandidates(ctx context.Context, tenant string, rangeEnd time.Time) ([]model.CalendarEvent, error)
	ListEvents(ctx context.Context, tenant string) ([]model.CalendarEvent, error)
}

// Server provides the calendar HTTP API.
type Server struct {
	cfg      *config.Config
	store    EventStore
	loc      *time.Location
	expander calendar.Expander
	router   chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st EventStore) *Server {
	loc := resolveLocation(cfg.Timezone)
	s := &Server{
		cfg:   cfg,
		store: st,
		loc:   loc,
		expander: calendar.Expander{
			Location:               loc,
			MaxOccurrencesPerEvent: cfg.MaxOccurrencesPerEvent,
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Location returns the display zone used to format occurrences.
func (s *Server) Location() *time.Location {
	return s.loc
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	if s.cfg.RateLimitPerMinute > 0 {
		r.Use(rateLimit(s.cfg.RateLimitPerMinute, time.Minute))
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.tenantMiddleware)

		r.Handle("/metrics", promhttp.Handler())

		r.Route("/api/calendar", func(r chi.Router) {
			r.Get("/events", s.handleListOccurrences)
			r.Post("/events", s.handleCreateEvent)
			r.Get("/events/{id}", s.handleGetEvent)
			r.Delete("/events/{id}", s.handleDeleteEvent)
			r.Get("/feed.ics", s.handleFeed)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// rateLimit limits requests per client IP.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
		}),
	)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleListOccurrences expands the tenant's events into the requested window.
//
// GET /api/calendar/events?start=...&end=...
//   - start/end: RFC3339 date-times or YYYY-MM-DD dates in the display zone.
//     A date-only end covers that whole day.
func (s *Server) handleListOccurrences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	q := r.URL.Query()
	rangeStart, err := parseBound(q.Get("start"), s.loc, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	rangeEnd, err := parseBound(q.Get("end"), s.loc, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if rangeEnd.Before(rangeStart) {
		writeError(w, http.StatusBadRequest, "end must not be before start")
		return
	}

	events, err := s.store.ListCandidates(ctx, tenant, rangeEnd)
	if err != nil {
		appLog.Error("list candidates failed", err, "tenant", tenant)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	began := time.Now()
	res, err := s.expander.Expand(events, rangeStart, rangeEnd)
	metrics.ObserveExpand(time.Since(began), len(res.Occurrences), len(res.Truncated), err)
	if err != nil {
		appLog.Error("expand failed", err, "tenant", tenant,
			"range_start", rangeStart.Format(time.RFC3339), "range_end", rangeEnd.Format(time.RFC3339))
		writeError(w, http.StatusInternalServerError, "failed to expand events")
		return
	}

	if len(res.Truncated) > 0 {
		appLog.Warn("occurrence cap reached", "tenant", tenant, "events", strings.Join(res.Truncated, ","))
		w.Header().Set("X-Truncated-Events", strings.Join(res.Truncated, ","))
	}
	writeJSON(w, http.StatusOK, res.Occurrences)
}

// createEventRequest is the JSON body of POST /api/calendar/events.
type createEventRequest struct {
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	StartAt        *time.Time       `json:"startAt"`
	EndAt          *time.Time       `json:"endAt"`
	IsAllDay       bool             `json:"isAllDay"`
	Color          string           `json:"color"`
	RecurrenceRule string           `json:"recurrenceRule"`
	SourceType     model.SourceType `json:"sourceType"`
	SourceTaskID   string           `json:"sourceTaskId"`
}

func (req createEventRequest) toEvent(tenant string) (model.CalendarEvent, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return model.CalendarEvent{}, errors.New("title is required")
	}
	if req.StartAt == nil || req.StartAt.IsZero() {
		return model.CalendarEvent{}, errors.New("startAt is required")
	}
	if req.EndAt != nil && req.EndAt.Before(*req.StartAt) {
		return model.CalendarEvent{}, errors.New("endAt must not be before startAt")
	}

	source := req.SourceType
	if source == "" {
		source = model.SourceStandalone
	}
	if !source.Valid() || source == model.SourceSubscription {
		return model.CalendarEvent{}, fmt.Errorf("invalid sourceType %q", req.SourceType)
	}

	rule := strings.TrimSpace(req.RecurrenceRule)
	if rule != "" {
		if err := calendar.ValidateRule(rule, *req.StartAt); err != nil {
			return model.CalendarEvent{}, err
		}
	}

	return model.CalendarEvent{
		ID:             uuid.NewString(),
		TenantID:       tenant,
		Title:          title,
		Description:    req.Description,
		StartAt:        req.StartAt.UTC(),
		EndAt:          utcPtr(req.EndAt),
		IsAllDay:       req.IsAllDay,
		Color:          strings.TrimSpace(req.Color),
		RecurrenceRule: rule,
		SourceType:     source,
		SourceTaskID:   req.SourceTaskID,
	}, nil
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	var req createEventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev, err := req.toEvent(tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateEvent(ctx, ev); err != nil {
		appLog.Error("create event failed", err, "tenant", tenant)
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}

	appLog.Info("event created", "tenant", tenant, "id", ev.ID, "recurring", ev.IsRecurring())
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	id := chi.URLParam(r, "id")

	ev, err := s.store.GetEvent(ctx, tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		appLog.Error("get event failed", err, "tenant", tenant, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	id := chi.URLParam(r, "id")

	err := s.store.DeleteEvent(ctx, tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		appLog.Error("delete event failed", err, "tenant", tenant, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFeed exports every stored event of the tenant as an ICS feed.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	events, err := s.store.ListEvents(ctx, tenant)
	if err != nil {
		appLog.Error("list events failed", err, "tenant", tenant)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export(events, ics.DefaultProductID, s.loc)))
}

// parseBound parses a range bound. Date-only values are read in loc; a
// date-only end covers the whole day.
func parseBound(v string, loc *time.Location, end bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("value is required")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(dateLayout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", v)
	}
	if end {
		d = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return d, nil
}

func resolveLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
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
