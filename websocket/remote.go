package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dashterm/models"
	"dashterm/utils"
)

// ErrTransportClosed is returned for sessions without a live stream.
var ErrTransportClosed = errors.New("websocket: transport closed")

const (
	requestTimeout = 10 * time.Second
	dialTimeout    = 10 * time.Second
)

// HTTPError is a non-2xx answer from the host API.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("host returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("host returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Remote is the display-side view of a host's session manager. Each session
// it creates or attaches to gets its own websocket stream.
type Remote struct {
	base      *url.URL
	token     string
	client    *http.Client
	dialer    *websocket.Dialer
	logger    *zap.Logger
	closeWait time.Duration

	mu      sync.Mutex
	streams map[models.SessionID]*stream
}

// NewRemote creates a client for the host at baseURL (http://host:port).
func NewRemote(baseURL, token string, logger *zap.Logger) (*Remote, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse host url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("host url %q: scheme must be http or https", baseURL)
	}
	return &Remote{
		base:      base,
		token:     token,
		client:    &http.Client{Timeout: requestTimeout},
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout, ReadBufferSize: 32 * 1024, WriteBufferSize: 4096},
		logger:    logger.Named("remote"),
		closeWait: closeLinger,
		streams:   make(map[models.SessionID]*stream),
	}, nil
}

// Create asks the host for a session and opens its stream. If the stream
// cannot be opened the session is closed again, so Create either returns a
// usable session or leaves nothing behind.
func (r *Remote) Create(ctx context.Context, opts models.SpawnOptions) (models.SessionInfo, error) {
	var info models.SessionInfo
	header := make(http.Header)
	header.Set("X-Request-ID", uuid.NewString())
	if err := r.do(ctx, http.MethodPost, "/api/terminal/sessions", header, opts, &info); err != nil {
		return models.SessionInfo{}, err
	}
	if _, err := r.open(ctx, info.ID); err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()
		if derr := r.deleteSession(dctx, info.ID); derr != nil {
			r.logger.Warn("cleanup after failed attach", zap.String("session_id", string(info.ID)), zap.Error(derr))
		}
		return models.SessionInfo{}, fmt.Errorf("attach %s: %w", info.ID, err)
	}
	return info, nil
}

// Attach opens a stream to a session that already exists on the host.
func (r *Remote) Attach(ctx context.Context, id models.SessionID) (models.SessionInfo, error) {
	return r.open(ctx, id)
}

// Write sends input bytes. Order is preserved per session.
func (r *Remote) Write(id models.SessionID, data []byte) error {
	s, err := r.stream(id)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return s.send(frame{binary: true, data: buf})
}

// Resize sends a size change on the same ordered channel as input.
func (r *Remote) Resize(id models.SessionID, cols, rows int) error {
	s, err := r.stream(id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(models.StreamMessage{Type: models.StreamResize, Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return s.send(frame{data: data})
}

// Close asks the host to close the session. It does not wait. Without a
// live stream the request goes over HTTP instead.
func (r *Remote) Close(id models.SessionID) {
	if s, err := r.stream(id); err == nil && s.requestClose(r.closeWait) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := r.deleteSession(ctx, id); err != nil {
			r.logger.Debug("close over http failed", zap.String("session_id", string(id)), zap.Error(err))
		}
	}()
}

// Subscribe receives the session's events, starting with anything that
// arrived since the stream opened. A stream has one subscriber; cancelling
// it drops the stream and leaves the session to the host's grace timer.
func (r *Remote) Subscribe(id models.SessionID, fn func(models.Event)) (func(), error) {
	s, err := r.stream(id)
	if err != nil {
		return nil, err
	}
	if err := s.subscribe(fn); err != nil {
		return nil, err
	}
	return s.detach, nil
}

// Sessions lists the host's sessions.
func (r *Remote) Sessions(ctx context.Context) ([]models.SessionInfo, error) {
	var list []models.SessionInfo
	err := r.do(ctx, http.MethodGet, "/api/terminal/sessions", nil, nil, &list)
	return list, err
}

// FontSize reads the shared font size preference.
func (r *Remote) FontSize(ctx context.Context) (int, error) {
	var s models.Settings
	if err := r.do(ctx, http.MethodGet, "/api/settings", nil, nil, &s); err != nil {
		return 0, err
	}
	return s.FontSize, nil
}

// SetFontSize stores the shared font size preference.
func (r *Remote) SetFontSize(ctx context.Context, px int) error {
	return r.do(ctx, http.MethodPut, "/api/settings", nil, models.Settings{FontSize: px}, nil)
}

// WatchSettings calls fn for every settings change broadcast by the host
// until ctx is done or the hub connection fails.
func (r *Remote) WatchSettings(ctx context.Context, fn func(models.Settings)) error {
	conn, _, err := r.dialer.DialContext(ctx, r.wsURL("/ws"), nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("hub: %w", err)
		}
		var msg models.HubMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == HubSettingsChanged && msg.Settings != nil {
			fn(*msg.Settings)
		}
	}
}

func (r *Remote) stream(id models.SessionID) (*stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrTransportClosed)
	}
	return s, nil
}

// open dials the session stream and waits for the host's attached frame.
func (r *Remote) open(ctx context.Context, id models.SessionID) (models.SessionInfo, error) {
	r.mu.Lock()
	_, exists := r.streams[id]
	r.mu.Unlock()
	if exists {
		return models.SessionInfo{}, fmt.Errorf("session %s is already attached", id)
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.wsURL("/ws/terminal/"+url.PathEscape(string(id))), nil)
	if err != nil {
		if resp != nil {
			return models.SessionInfo{}, &HTTPError{Status: resp.StatusCode, Message: err.Error()}
		}
		return models.SessionInfo{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return models.SessionInfo{}, fmt.Errorf("read attach: %w", err)
	}
	var hello models.StreamMessage
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != models.StreamAttached {
		conn.Close()
		return models.SessionInfo{}, fmt.Errorf("unexpected first frame %q", data)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &stream{
		id:     id,
		conn:   conn,
		writer: newConnWriter(conn),
		frames: utils.NewQueue[frame](),
		logger: r.logger.With(zap.String("session_id", string(id))),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()

	go s.writeLoop()
	go func() {
		s.readLoop()
		r.mu.Lock()
		if r.streams[id] == s {
			delete(r.streams, id)
		}
		r.mu.Unlock()
	}()
	return models.SessionInfo{ID: id, Cols: hello.Cols, Rows: hello.Rows, State: models.SessionRunning}, nil
}

func (r *Remote) deleteSession(ctx context.Context, id models.SessionID) error {
	return r.do(ctx, http.MethodDelete, "/api/terminal/sessions/"+url.PathEscape(string(id)), nil, nil, nil)
}

func (r *Remote) wsURL(path string) string {
	u := *r.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{"token": []string{r.token}}.Encode()
	return u.String()
}

// do performs an API call. Host spawn failures come back as
// *models.SpawnError, other failures as *HTTPError.
func (r *Remote) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr models.APIError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		if apiErr.Code == "SPAWN_FAILED" {
			return &models.SpawnError{Message: apiErr.Error}
		}
		return &HTTPError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type frame struct {
	binary bool
	data   []byte
}

// stream is one session's websocket on the display side.
type stream struct {
	id     models.SessionID
	conn   *websocket.Conn
	writer *connWriter
	frames *utils.Queue[frame]
	logger *zap.Logger

	closing atomic.Bool
	done    chan struct{}

	mu       sync.Mutex
	fn       func(models.Event)
	pending  []models.Event
	detached bool
	reported bool
}

func (s *stream) send(f frame) error {
	if !s.frames.Push(f) {
		return fmt.Errorf("session %s: %w", s.id, ErrTransportClosed)
	}
	return nil
}

func (s *stream) writeLoop() {
	for {
		frames, ok := s.frames.Wait(s.done)
		if !ok {
			return
		}
		for _, f := range frames {
			var err error
			if f.binary {
				err = s.writer.WriteBinary(f.data)
			} else {
				err = s.writer.WriteText(f.data)
			}
			if err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
				s.conn.Close()
				return
			}
		}
	}
}

func (s *stream) readLoop() {
	defer close(s.done)
	defer s.frames.Close()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		if mt == websocket.BinaryMessage {
			s.dispatch(models.Event{Kind: models.EventOutput, SessionID: s.id, Data: data})
			continue
		}
		var msg models.StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid control frame", zap.Error(err))
			continue
		}
		switch msg.Type {
		case models.StreamClosed:
			s.dispatch(models.Event{Kind: models.EventClosed, SessionID: s.id, ExitCode: msg.ExitCode, Reason: msg.Reason})
		case models.StreamError:
			s.logger.Debug("host rejected frame", zap.String("code", msg.Code), zap.String("message", msg.Message))
		}
	}
}

// finish reports how the stream ended unless the host already said so.
func (s *stream) finish(err error) {
	reason := models.ReasonTransport
	if s.closing.Load() {
		reason = models.ReasonClosed
	}
	s.mu.Lock()
	quiet := s.reported || s.detached
	s.mu.Unlock()
	if quiet {
		return
	}
	if reason == models.ReasonTransport {
		s.logger.Warn("stream lost", zap.Error(err))
	}
	s.dispatch(models.Event{Kind: models.EventClosed, SessionID: s.id, Reason: reason})
}

func (s *stream) dispatch(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	if ev.Kind == models.EventClosed {
		if s.reported {
			return
		}
		s.reported = true
	}
	if s.fn == nil {
		s.pending = append(s.pending, ev)
		return
	}
	s.fn(ev)
}

func (s *stream) subscribe(fn func(models.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return fmt.Errorf("session %s: %w", s.id, ErrTransportClosed)
	}
	if s.fn != nil {
		return fmt.Errorf("session %s already has a subscriber", s.id)
	}
	for _, ev := range s.pending {
		fn(ev)
	}
	s.pending = nil
	s.fn = fn
	return nil
}

func (s *stream) detach() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	s.fn = nil
	s.pending = nil
	s.mu.Unlock()
	_ = s.writer.WriteClose(websocket.CloseNormalClosure, "detached")
	s.conn.Close()
}

// requestClose sends a close request and drops the connection if the host
// has not finished it within wait. It reports false if the stream can no
// longer carry the request.
func (s *stream) requestClose(wait time.Duration) bool {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached || !s.closing.CompareAndSwap(false, true) {
		return !detached
	}
	data, _ := json.Marshal(models.StreamMessage{Type: models.StreamClose})
	if s.send(frame{data: data}) != nil {
		return false
	}
	go func() {
		select {
		case <-s.done:
		case <-time.After(wait):
			s.conn.Close()
		}
	}()
	return true
}
