package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dashterm/auth"
	"dashterm/metrics"
	"dashterm/models"
)

// Sessions is the part of the session manager a stream drives.
type Sessions interface {
	Get(id models.SessionID) (models.SessionInfo, error)
	Write(id models.SessionID, data []byte) error
	Resize(id models.SessionID, cols, rows int) error
	Close(id models.SessionID)
	Subscribe(id models.SessionID, fn func(models.Event)) (func(), error)
	Detach(id models.SessionID)
}

// closeLinger is how long a stream waits for the peer to answer our close
// frame before dropping the connection.
const closeLinger = 5 * time.Second

// StreamHandler serves /ws/terminal/{id}: one websocket per session, binary
// frames for bytes and JSON text frames for control. A broken stream
// affects only its own session.
type StreamHandler struct {
	sessions Sessions
	auth     Authenticator
	logger   *zap.Logger
	metrics  *metrics.Terminal
}

// NewStreamHandler creates the per-session stream endpoint.
func NewStreamHandler(sessions Sessions, a Authenticator, logger *zap.Logger, m *metrics.Terminal) *StreamHandler {
	if m == nil {
		m = metrics.NewTerminal(nil)
	}
	return &StreamHandler{
		sessions: sessions,
		auth:     a,
		logger:   logger.Named("stream"),
		metrics:  m,
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Validate(auth.FromRequest(r)) {
		writeHTTPError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id := models.SessionID(chi.URLParam(r, "id"))
	info, err := h.sessions.Get(id)
	if err != nil {
		writeHTTPError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.With(zap.String("session_id", string(id)))
	h.metrics.StreamsConnected.Inc()
	defer h.metrics.StreamsConnected.Dec()

	writer := newConnWriter(conn)
	if err := writer.WriteJSON(models.StreamMessage{
		Type:      models.StreamAttached,
		SessionID: id,
		Cols:      info.Cols,
		Rows:      info.Rows,
	}); err != nil {
		return
	}

	var ended atomic.Bool
	cancel, err := h.sessions.Subscribe(id, func(ev models.Event) {
		switch ev.Kind {
		case models.EventOutput:
			if err := writer.WriteBinary(ev.Data); err != nil {
				log.Debug("output write failed, dropping stream", zap.Error(err))
				conn.Close()
			}
		case models.EventClosed:
			ended.Store(true)
			_ = writer.WriteJSON(models.StreamMessage{
				Type:      models.StreamClosed,
				SessionID: id,
				ExitCode:  ev.ExitCode,
				Reason:    ev.Reason,
			})
			_ = writer.WriteClose(websocket.CloseNormalClosure, string(ev.Reason))
			_ = conn.SetReadDeadline(time.Now().Add(closeLinger))
		}
	})
	if err != nil {
		_ = writer.WriteJSON(models.StreamMessage{Type: models.StreamError, SessionID: id, Code: "SESSION_NOT_FOUND", Message: err.Error()})
		_ = writer.WriteClose(websocket.CloseNormalClosure, "")
		return
	}
	log.Debug("stream attached")

	done := make(chan struct{})
	defer close(done)
	if !ended.Load() {
		keepalive(conn, writer, done)
	}

	requested := h.readLoop(conn, writer, id, log)

	cancel()
	if !ended.Load() && !requested {
		// The viewer vanished; the session survives for a grace period.
		h.sessions.Detach(id)
	}
	log.Debug("stream detached", zap.Bool("session_ended", ended.Load()))
}

// readLoop handles client frames until the connection ends. It reports
// whether the client asked for the session to be closed.
func (h *StreamHandler) readLoop(conn *websocket.Conn, writer *connWriter, id models.SessionID, log *zap.Logger) bool {
	requested := false
	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("stream closed unexpectedly", zap.Error(err))
			}
			return requested
		}

		if mt == websocket.BinaryMessage {
			if err := h.sessions.Write(id, payload); err != nil && !requested {
				h.reject(writer, id, "INPUT_REJECTED", err)
			}
			continue
		}

		var msg models.StreamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.reject(writer, id, "INVALID_MESSAGE", err)
			continue
		}
		switch msg.Type {
		case models.StreamResize:
			if err := h.sessions.Resize(id, msg.Cols, msg.Rows); err != nil {
				h.reject(writer, id, "RESIZE_REJECTED", err)
			}
		case models.StreamClose:
			requested = true
			h.sessions.Close(id)
		case models.StreamPing:
			_ = writer.WriteJSON(models.StreamMessage{Type: models.StreamPong, SessionID: id})
		default:
			h.reject(writer, id, "INVALID_MESSAGE", errors.New("unknown message type "+msg.Type))
		}
	}
}

func (h *StreamHandler) reject(writer *connWriter, id models.SessionID, code string, err error) {
	_ = writer.WriteJSON(models.StreamMessage{
		Type:      models.StreamError,
		SessionID: id,
		Code:      code,
		Message:   err.Error(),
	})
}
