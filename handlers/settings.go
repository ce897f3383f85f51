package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"dashterm/db"
	"dashterm/models"
	"dashterm/mux"
)

// FontPrefs persists the shared font size; *db.Store implements it.
type FontPrefs interface {
	FontSize(ctx context.Context) (int, error)
	SetFontSize(ctx context.Context, px int) error
}

// Broadcaster pushes a message to every dashboard client.
type Broadcaster interface {
	Broadcast(msg models.HubMessage)
}

// SettingsHandler serves /api/settings.
type SettingsHandler struct {
	prefs       FontPrefs
	defaultFont int
	hub         Broadcaster
	logger      *zap.Logger
}

// NewSettingsHandler creates the settings endpoints. defaultFont is
// reported until a size has been saved.
func NewSettingsHandler(prefs FontPrefs, defaultFont int, hub Broadcaster, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		prefs:       prefs,
		defaultFont: mux.ClampFontSize(defaultFont),
		hub:         hub,
		logger:      logger.Named("settings"),
	}
}

// Get handles GET /api/settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	px, err := h.prefs.FontSize(r.Context())
	switch {
	case errors.Is(err, db.ErrNotFound):
		px = h.defaultFont
	case err != nil:
		h.logger.Error("read font size", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.Settings{FontSize: px})
}

// Put handles PUT /api/settings. The size is clamped, saved and broadcast.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var s models.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request: "+err.Error())
		return
	}
	if s.FontSize == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "fontSize required")
		return
	}
	s.FontSize = mux.ClampFontSize(s.FontSize)
	if err := h.prefs.SetFontSize(r.Context(), s.FontSize); err != nil {
		h.logger.Error("save font size", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if h.hub != nil {
		h.hub.Broadcast(models.HubMessage{Type: "settings-changed", Settings: &s})
	}
	writeJSON(w, http.StatusOK, s)
}
