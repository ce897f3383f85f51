package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dashterm/db"
	"dashterm/models"
	"dashterm/terminal"
)

type fakeSessions struct {
	mu       sync.Mutex
	created  atomic.Int32
	closed   []models.SessionID
	createFn func(opts models.SpawnOptions) (models.SessionInfo, error)
	list     []models.SessionInfo
}

func (f *fakeSessions) Create(ctx context.Context, opts models.SpawnOptions) (models.SessionInfo, error) {
	n := f.created.Add(1)
	if f.createFn != nil {
		return f.createFn(opts)
	}
	return models.SessionInfo{ID: models.SessionID("term_" + string(rune('a'+n-1))), Shell: "/bin/sh", Cols: opts.Cols, Rows: opts.Rows}, nil
}

func (f *fakeSessions) Get(id models.SessionID) (models.SessionInfo, error) {
	for _, s := range f.list {
		if s.ID == id {
			return s, nil
		}
	}
	return models.SessionInfo{}, terminal.ErrSessionNotFound
}

func (f *fakeSessions) List() []models.SessionInfo {
	return f.list
}

func (f *fakeSessions) Close(id models.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []models.HubMessage
}

func (h *recordingHub) Broadcast(msg models.HubMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func newTestRouter(t *testing.T, sessions SessionManager, limiter *rate.Limiter, hub Broadcaster) http.Handler {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	return NewRouter(RouterConfig{
		Terminal: NewTerminalHandler(sessions, limiter, logger),
		Settings: NewSettingsHandler(store, 14, hub, logger),
		Hub:      func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) },
		Stream:   http.NotFoundHandler(),
		Logger:   logger,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession(t *testing.T) {
	sessions := &fakeSessions{}
	router := newTestRouter(t, sessions, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/terminal/sessions", models.SpawnOptions{Cols: 100, Rows: 30}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var info models.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, models.SessionID("term_a"), info.ID)
	assert.Equal(t, 100, info.Cols)
}

func TestCreateSessionWithoutBody(t *testing.T) {
	router := newTestRouter(t, &fakeSessions{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/terminal/sessions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateSessionSpawnFailure(t *testing.T) {
	sessions := &fakeSessions{createFn: func(models.SpawnOptions) (models.SessionInfo, error) {
		return models.SessionInfo{}, &terminal.SpawnError{Shell: "/bin/nope", Cwd: "/", Err: assert.AnError}
	}}
	router := newTestRouter(t, sessions, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/terminal/sessions", models.SpawnOptions{Shell: "/bin/nope"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var apiErr models.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, "SPAWN_FAILED", apiErr.Code)
	assert.Contains(t, apiErr.Error, "/bin/nope")
}

func TestCreateSessionRateLimited(t *testing.T) {
	sessions := &fakeSessions{}
	router := newTestRouter(t, sessions, rate.NewLimiter(rate.Every(time.Hour), 2), nil)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = doJSON(t, router, http.MethodPost, "/api/terminal/sessions", nil, nil).Code
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
	assert.Equal(t, int32(2), sessions.created.Load())
}

func TestCreateSessionDeduplicatesRequestID(t *testing.T) {
	sessions := &fakeSessions{}
	router := newTestRouter(t, sessions, nil, nil)
	header := http.Header{"X-Request-ID": []string{"3f0c6a9e-6c1e-4a53-9a53-2a7f0f2b9c11"}}

	var wg sync.WaitGroup
	ids := make([]models.SessionID, 4)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doJSON(t, router, http.MethodPost, "/api/terminal/sessions", nil, header)
			var info models.SessionInfo
			_ = json.NewDecoder(rec.Body).Decode(&info)
			ids[i] = info.ID
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), sessions.created.Load())
	for _, id := range ids {
		assert.Equal(t, models.SessionID("term_a"), id)
	}

	other := doJSON(t, router, http.MethodPost, "/api/terminal/sessions", nil, http.Header{"X-Request-ID": []string{"another"}})
	assert.Equal(t, http.StatusCreated, other.Code)
	assert.Equal(t, int32(2), sessions.created.Load())
}

func TestCreateSessionRequestIDHeaderCaseInsensitive(t *testing.T) {
	sessions := &fakeSessions{}
	router := newTestRouter(t, sessions, nil, nil)

	first := doJSON(t, router, http.MethodPost, "/api/terminal/sessions", nil, http.Header{"x-request-id": []string{"same"}})
	second := doJSON(t, router, http.MethodPost, "/api/terminal/sessions", nil, http.Header{"X-Request-Id": []string{"same"}})
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, int32(1), sessions.created.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestDedupEntriesExpire(t *testing.T) {
	sessions := &fakeSessions{}
	h := NewTerminalHandler(sessions, nil, zap.NewNop())
	now := time.Now()
	h.now = func() time.Time { return now }

	_, owner := h.claim("req-1")
	require.True(t, owner)
	_, owner = h.claim("req-1")
	assert.False(t, owner)

	now = now.Add(spawnDedupTTL + time.Second)
	_, owner = h.claim("req-1")
	assert.True(t, owner, "expired ids can spawn again")
}

func TestListGetDelete(t *testing.T) {
	t0 := time.Now()
	sessions := &fakeSessions{list: []models.SessionInfo{
		{ID: "term_b", StartedAt: t0.Add(time.Second)},
		{ID: "term_a", StartedAt: t0},
	}}
	router := newTestRouter(t, sessions, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/terminal/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, models.SessionID("term_a"), list[0].ID)

	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/api/terminal/sessions/term_b", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/api/terminal/sessions/term_zzz", nil, nil).Code)

	assert.Equal(t, http.StatusNoContent, doJSON(t, router, http.MethodDelete, "/api/terminal/sessions/term_a", nil, nil).Code)
	assert.Equal(t, http.StatusNoContent, doJSON(t, router, http.MethodDelete, "/api/terminal/sessions/term_unknown", nil, nil).Code)
	assert.Equal(t, []models.SessionID{"term_a", "term_unknown"}, sessions.closed)
}

func TestSettings(t *testing.T) {
	hub := &recordingHub{}
	router := newTestRouter(t, &fakeSessions{}, nil, hub)

	rec := doJSON(t, router, http.MethodGet, "/api/settings", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s models.Settings
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.Equal(t, 14, s.FontSize, "default until saved")

	rec = doJSON(t, router, http.MethodPut, "/api/settings", models.Settings{FontSize: 99}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.Equal(t, 72, s.FontSize, "clamped")

	rec = doJSON(t, router, http.MethodGet, "/api/settings", nil, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.Equal(t, 72, s.FontSize)

	require.Len(t, hub.msgs, 1)
	assert.Equal(t, "settings-changed", hub.msgs[0].Type)
	assert.Equal(t, 72, hub.msgs[0].Settings.FontSize)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodPut, "/api/settings", map[string]int{}, nil).Code)
}

func TestRouterRequiresToken(t *testing.T) {
	logger := zap.NewNop()
	router := NewRouter(RouterConfig{
		Terminal: NewTerminalHandler(&fakeSessions{}, nil, logger),
		Settings: NewSettingsHandler(nil, 14, nil, logger),
		Hub:      func(w http.ResponseWriter, r *http.Request) {},
		Stream:   http.NotFoundHandler(),
		RequireToken: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		Logger: logger,
	})

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, router, http.MethodGet, "/api/terminal/sessions", nil, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/api/terminal/sessions", nil,
		http.Header{"Authorization": []string{"Bearer secret"}}).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/health", nil, nil).Code, "health is public")
}
