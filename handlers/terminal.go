package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dashterm/models"
	"dashterm/terminal"
)

// spawnDedupTTL is how long a request id is remembered.
const spawnDedupTTL = 5 * time.Second

// SessionManager is what the terminal endpoints need from the host.
type SessionManager interface {
	Create(ctx context.Context, opts models.SpawnOptions) (models.SessionInfo, error)
	Get(id models.SessionID) (models.SessionInfo, error)
	List() []models.SessionInfo
	Close(id models.SessionID)
}

type spawnResult struct {
	done chan struct{}
	info models.SessionInfo
	err  error
	at   time.Time
}

// TerminalHandler serves /api/terminal/sessions.
type TerminalHandler struct {
	sessions SessionManager
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time

	// A client that retries a create with the same X-Request-ID (a double
	// click, a StrictMode double effect) gets the first session back
	// instead of a second shell.
	dedupMu sync.Mutex
	recent  map[string]*spawnResult
}

// NewTerminalHandler creates the session endpoints. A nil limiter disables
// spawn throttling.
func NewTerminalHandler(sessions SessionManager, limiter *rate.Limiter, logger *zap.Logger) *TerminalHandler {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &TerminalHandler{
		sessions: sessions,
		limiter:  limiter,
		logger:   logger.Named("api"),
		now:      time.Now,
		recent:   make(map[string]*spawnResult),
	}
}

// Create handles POST /api/terminal/sessions.
func (h *TerminalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var opts models.SpawnOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request: "+err.Error())
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID != "" {
		res, owner := h.claim(requestID)
		if !owner {
			select {
			case <-res.done:
			case <-r.Context().Done():
				return
			}
			h.logger.Debug("spawn deduplicated", zap.String("request_id", requestID))
			h.respondCreate(w, res.info, res.err)
			return
		}
		res.info, res.err = h.spawn(r.Context(), opts)
		close(res.done)
		h.respondCreate(w, res.info, res.err)
		return
	}

	info, err := h.spawn(r.Context(), opts)
	h.respondCreate(w, info, err)
}

func (h *TerminalHandler) spawn(ctx context.Context, opts models.SpawnOptions) (models.SessionInfo, error) {
	if !h.limiter.Allow() {
		return models.SessionInfo{}, errRateLimited
	}
	return h.sessions.Create(ctx, opts)
}

var errRateLimited = errors.New("too many sessions created, slow down")

// claim registers requestID. The first caller owns the spawn; later callers
// within the TTL get the owner's result.
func (h *TerminalHandler) claim(requestID string) (*spawnResult, bool) {
	h.dedupMu.Lock()
	defer h.dedupMu.Unlock()

	now := h.now()
	for id, res := range h.recent {
		if now.Sub(res.at) > spawnDedupTTL {
			delete(h.recent, id)
		}
	}
	if res, ok := h.recent[requestID]; ok {
		return res, false
	}
	res := &spawnResult{done: make(chan struct{}), at: now}
	h.recent[requestID] = res
	return res, true
}

func (h *TerminalHandler) respondCreate(w http.ResponseWriter, info models.SessionInfo, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, info)
		return
	}
	if se, ok := terminal.IsSpawnError(err); ok {
		writeError(w, http.StatusUnprocessableEntity, "SPAWN_FAILED", se.Wire().Error())
		return
	}
	switch {
	case errors.Is(err, errRateLimited):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	case errors.Is(err, terminal.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	default:
		h.logger.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// List handles GET /api/terminal/sessions.
func (h *TerminalHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/terminal/sessions/{id}.
func (h *TerminalHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Get(models.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Delete handles DELETE /api/terminal/sessions/{id}. Closing is idempotent,
// so unknown ids succeed too.
func (h *TerminalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.sessions.Close(models.SessionID(chi.URLParam(r, "id")))
	w.WriteHeader(http.StatusNoContent)
}
