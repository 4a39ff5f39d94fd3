package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relcal/internal/config"
	"relcal/internal/model"
	"relcal/internal/store"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *store.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()

	p := store.NewProvider(filepath.Join(t.TempDir(), "relcal.db"), store.DefaultConfig())
	st, err := p.Store()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return NewServer(cfg, st), st
}

type request struct {
	method string
	path   string
	body   string
	user   string
	pass   string
}

func do(t *testing.T, s *Server, req request) *httptest.ResponseRecorder {
	t.Helper()

	var body *strings.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	} else {
		body = strings.NewReader("")
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.user != "" {
		r.SetBasicAuth(req.user, req.pass)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Users = []config.UserConfig{{Username: "alice", Password: "pw"}}
	})

	w := do(t, s, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestAuthScopesTenant(t *testing.T) {
	s, st := newTestServer(t, func(c *config.Config) {
		c.Users = []config.UserConfig{
			{Username: "alice", Password: "pw-a"},
			{Username: "bob", Password: "pw-b", TenantID: "acme"},
		}
	})
	ctx := context.Background()
	require.NoError(t, st.CreateEvent(ctx, model.CalendarEvent{
		ID: "acme-1", TenantID: "acme", Title: "Board meeting",
		StartAt: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC), SourceType: model.SourceStandalone,
	}))

	w := do(t, s, request{method: http.MethodGet, path: "/api/calendar/events/acme-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = do(t, s, request{method: http.MethodGet, path: "/api/calendar/events/acme-1", user: "bob", pass: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, request{method: http.MethodGet, path: "/api/calendar/events/acme-1", user: "bob", pass: "pw-b"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, request{method: http.MethodGet, path: "/api/calendar/events/acme-1", user: "alice", pass: "pw-a"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, request{method: http.MethodPost, path: "/api/calendar/events", body: `{
		"title": "Dentist",
		"startAt": "2024-06-05T14:00:00+02:00",
		"endAt": "2024-06-05T15:00:00+02:00",
		"color": "#ff8800",
		"sourceType": "REMINDER",
		"sourceTaskId": "task-7"
	}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created model.CalendarEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "Dentist", created.Title)
	assert.Equal(t, model.SourceReminder, created.SourceType)
	assert.True(t, created.StartAt.Equal(time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)))

	path := "/api/calendar/events/" + created.ID
	w = do(t, s, request{method: http.MethodGet, path: path})
	require.Equal(t, http.StatusOK, w.Code)

	var fetched model.CalendarEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "task-7", fetched.SourceTaskID)

	w = do(t, s, request{method: http.MethodDelete, path: path})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, request{method: http.MethodGet, path: path})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, request{method: http.MethodDelete, path: path})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateEventValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", `{"title":`, "invalid JSON body"},
		{"unknown field", `{"title":"x","startAt":"2024-06-01T09:00:00Z","colour":"red"}`, "invalid JSON body"},
		{"missing title", `{"startAt":"2024-06-01T09:00:00Z"}`, "title is required"},
		{"missing start", `{"title":"x"}`, "startAt is required"},
		{"end before start", `{"title":"x","startAt":"2024-06-01T09:00:00Z","endAt":"2024-06-01T08:00:00Z"}`, "endAt must not be before startAt"},
		{"bad source", `{"title":"x","startAt":"2024-06-01T09:00:00Z","sourceType":"EMAIL"}`, "invalid sourceType"},
		{"subscription source", `{"title":"x","startAt":"2024-06-01T09:00:00Z","sourceType":"SUBSCRIPTION"}`, "invalid sourceType"},
		{"bad rule", `{"title":"x","startAt":"2024-06-01T09:00:00Z","recurrenceRule":"FREQ=NOPE"}`, "invalid recurrence rule"},
		{"unbounded secondly rule", `{"title":"x","startAt":"2024-01-01T00:00:00Z","recurrenceRule":"FREQ=SECONDLY"}`, "invalid recurrence rule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, request{method: http.MethodPost, path: "/api/calendar/events", body: tt.body})
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decodeError(t, w), tt.wantErr)
		})
	}
}

func TestListOccurrences(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, request{method: http.MethodPost, path: "/api/calendar/events", body: `{
		"title": "Morning run",
		"startAt": "2024-06-01T09:00:00Z",
		"endAt": "2024-06-01T09:30:00Z",
		"recurrenceRule": "FREQ=DAILY;COUNT=5"
	}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created model.CalendarEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(t, s, request{method: http.MethodPost, path: "/api/calendar/events", body: `{
		"title": "Launch",
		"startAt": "2024-06-02T00:00:00Z",
		"isAllDay": true,
		"sourceType": "TASK"
	}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, request{method: http.MethodGet, path: "/api/calendar/events?start=2024-06-01&end=2024-06-03"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var occs []model.Occurrence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &occs))
	require.Len(t, occs, 4)

	runs := make([]model.Occurrence, 0, 3)
	for _, occ := range occs {
		if occ.OriginalEventID == created.ID {
			runs = append(runs, occ)
			continue
		}
		assert.Equal(t, "Launch", occ.Title)
		assert.Equal(t, "2024-06-02", occ.Start)
		assert.Equal(t, "task", occ.CalendarID)
	}
	require.Len(t, runs, 3)
	assert.Equal(t, created.ID+"_2024-06-01T09:00:00.000Z", runs[0].ID)
	assert.Equal(t, "2024-06-01 09:00", runs[0].Start)
	assert.Equal(t, "2024-06-01 09:30", runs[0].End)
	assert.Equal(t, "2024-06-03 09:00", runs[2].Start)
}

func TestListOccurrencesRFC3339Window(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Timezone = "Asia/Tokyo" })

	w := do(t, s, request{method: http.MethodPost, path: "/api/calendar/events", body: `{
		"title": "Call",
		"startAt": "2024-06-01T09:00:00Z"
	}`})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, request{method: http.MethodGet, path: "/api/calendar/events?start=2024-06-01T00:00:00Z&end=2024-06-01T23:00:00Z"})
	require.Equal(t, http.StatusOK, w.Code)

	var occs []model.Occurrence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &occs))
	require.Len(t, occs, 1)
	assert.Equal(t, "2024-06-01 18:00", occs[0].Start)
	assert.Equal(t, "2024-06-01 19:00", occs[0].End)
}

func TestListOccurrencesRejectsBadRange(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, q := range []string{
		"",
		"?start=2024-06-01",
		"?start=yesterday&end=2024-06-01",
		"?start=2024-06-10&end=2024-06-01",
		"?start=2024-06-01T10:00:00Z&end=2024-06-01T09:00:00Z",
	} {
		w := do(t, s, request{method: http.MethodGet, path: "/api/calendar/events" + q})
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestListOccurrencesMalformedStoredRule(t *testing.T) {
	s, st := newTestServer(t, nil)
	require.NoError(t, st.CreateEvent(context.Background(), model.CalendarEvent{
		ID: "corrupt", TenantID: config.DefaultTenant, Title: "broken",
		StartAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), RecurrenceRule: "RRULE:FREQ=NOPE",
	}))

	w := do(t, s, request{method: http.MethodGet, path: "/api/calendar/events?start=2024-06-01&end=2024-06-30"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to expand events", decodeError(t, w))
	assert.NotContains(t, w.Body.String(), "NOPE")
}

func TestFeedExport(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, request{method: http.MethodPost, path: "/api/calendar/events", body: `{
		"title": "Weekly sync",
		"startAt": "2024-06-03T10:00:00Z",
		"recurrenceRule": "FREQ=WEEKLY;BYDAY=MO"
	}`})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, request{method: http.MethodGet, path: "/api/calendar/feed.ics"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/calendar"))
	assert.Contains(t, w.Body.String(), "SUMMARY:Weekly sync")
	assert.Contains(t, w.Body.String(), "RRULE:FREQ=WEEKLY;BYDAY=MO")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	_ = do(t, s, request{method: http.MethodGet, path: "/api/calendar/events?start=2024-06-01&end=2024-06-02"})
	w := do(t, s, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relcal_expand_duration_seconds")
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		w := do(t, s, request{method: http.MethodGet, path: "/health"})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, s, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, request{method: http.MethodGet, path: "/api/nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", decodeError(t, w))
}

func TestParseBound(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)

	start, err := parseBound("2024-06-01", loc, false)
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2024, 5, 31, 15, 0, 0, 0, time.UTC)))

	end, err := parseBound("2024-06-01", loc, true)
	require.NoError(t, err)
	assert.True(t, end.Equal(time.Date(2024, 6, 1, 14, 59, 59, 999999999, time.UTC)))

	_, err = parseBound("", loc, false)
	assert.Error(t, err)
}
