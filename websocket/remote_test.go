package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dashterm/auth"
	"dashterm/config"
	"dashterm/db"
	"dashterm/handlers"
	"dashterm/models"
	"dashterm/terminal"
	"dashterm/websocket"
)

const waitTimeout = 5 * time.Second

type host struct {
	srv   *httptest.Server
	mgr   *terminal.Manager
	hub   *websocket.Hub
	token *auth.Token
}

func startHost(t *testing.T) *host {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	ptmx.Close()
	tty.Close()

	logger := zap.NewNop()
	dir := t.TempDir()

	token, err := auth.Generate(filepath.Join(dir, "token"))
	require.NoError(t, err)
	store, err := db.Open(filepath.Join(dir, "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultTerminal()
	cfg.Shell = "/bin/sh"
	cfg.Login = false
	cfg.KillTimeout = 500 * time.Millisecond
	cfg.DrainTimeout = 100 * time.Millisecond
	cfg.CloseGrace = 300 * time.Millisecond
	mgr := terminal.NewManager(cfg, logger, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := websocket.NewHub(token, logger)
	go hub.Run(ctx)
	mgr.OnLifecycle(hub.NotifyLifecycle)

	router := handlers.NewRouter(handlers.RouterConfig{
		Terminal:     handlers.NewTerminalHandler(mgr, nil, logger),
		Settings:     handlers.NewSettingsHandler(store, 14, hub, logger),
		Hub:          hub.HandleWebSocket,
		Stream:       websocket.NewStreamHandler(mgr, token, logger, nil),
		RequireToken: token.Middleware,
		Logger:       logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &host{srv: srv, mgr: mgr, hub: hub, token: token}
}

func (h *host) remote(t *testing.T) *websocket.Remote {
	t.Helper()
	r, err := websocket.NewRemote(h.srv.URL, h.token.String(), zap.NewNop())
	require.NoError(t, err)
	return r
}

type events struct {
	mu     sync.Mutex
	out    strings.Builder
	closed []models.Event
	done   chan struct{}
}

func newEvents() *events {
	return &events{done: make(chan struct{})}
}

func (e *events) handle(ev models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch ev.Kind {
	case models.EventOutput:
		e.out.Write(ev.Data)
	case models.EventClosed:
		e.closed = append(e.closed, ev)
		if len(e.closed) == 1 {
			close(e.done)
		}
	}
}

func (e *events) output() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out.String()
}

func (e *events) waitClosed(t *testing.T) models.Event {
	t.Helper()
	select {
	case <-e.done:
	case <-time.After(waitTimeout):
		t.Fatalf("no closed event; output so far %q", e.output())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[0]
}

func TestRemoteCreateWriteOutput(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	info, err := r.Create(context.Background(), models.SpawnOptions{Cols: 90, Rows: 20})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(info.ID), "term_"))
	assert.Equal(t, 90, info.Cols)

	ev := newEvents()
	cancel, err := r.Subscribe(info.ID, ev.handle)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.Write(info.ID, []byte("printf 'ok%s\\n' $((40+2))\n")))
	assert.Eventually(t, func() bool { return strings.Contains(ev.output(), "ok42") },
		waitTimeout, 20*time.Millisecond)
}

func TestRemoteBuffersUntilSubscribe(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	info, err := r.Create(context.Background(), models.SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Write(info.ID, []byte("printf 'early%s\\n' $((1+1))\n")))

	// Give the output time to arrive before anyone listens.
	time.Sleep(300 * time.Millisecond)

	ev := newEvents()
	cancel, err := r.Subscribe(info.ID, ev.handle)
	require.NoError(t, err)
	defer cancel()

	assert.Eventually(t, func() bool { return strings.Contains(ev.output(), "early2") },
		waitTimeout, 20*time.Millisecond)

	_, err = r.Subscribe(info.ID, func(models.Event) {})
	assert.Error(t, err, "one subscriber per stream")
}

func TestRemoteResize(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	info, err := r.Create(context.Background(), models.SpawnOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)
	ev := newEvents()
	cancel, err := r.Subscribe(info.ID, ev.handle)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.Resize(info.ID, 120, 40))
	assert.Eventually(t, func() bool {
		got, err := h.mgr.Get(info.ID)
		return err == nil && got.Cols == 120 && got.Rows == 40
	}, waitTimeout, 20*time.Millisecond)

	require.NoError(t, r.Write(info.ID, []byte("stty size\n")))
	assert.Eventually(t, func() bool { return strings.Contains(ev.output(), "40 120") },
		waitTimeout, 20*time.Millisecond)
}

func TestRemoteClose(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	info, err := r.Create(context.Background(), models.SpawnOptions{})
	require.NoError(t, err)
	ev := newEvents()
	_, err = r.Subscribe(info.ID, ev.handle)
	require.NoError(t, err)

	r.Close(info.ID)
	r.Close(info.ID)

	closed := ev.waitClosed(t)
	assert.Equal(t, models.ReasonClosed, closed.Reason)
	assert.Eventually(t, func() bool {
		_, err := h.mgr.Get(info.ID)
		return errors.Is(err, terminal.ErrSessionNotFound)
	}, waitTimeout, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	ev.mu.Lock()
	assert.Len(t, ev.closed, 1)
	ev.mu.Unlock()

	assert.Eventually(t, func() bool {
		return errors.Is(r.Write(info.ID, []byte("x")), websocket.ErrTransportClosed)
	}, waitTimeout, 20*time.Millisecond)
}

func TestRemoteShellExit(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	info, err := r.Create(context.Background(), models.SpawnOptions{})
	require.NoError(t, err)
	ev := newEvents()
	_, err = r.Subscribe(info.ID, ev.handle)
	require.NoError(t, err)

	require.NoError(t, r.Write(info.ID, []byte("exit 7\n")))
	closed := ev.waitClosed(t)
	assert.Equal(t, models.ReasonExited, closed.Reason)
	assert.Equal(t, 7, closed.ExitCode)
}

func TestRemoteDetachLeavesSessionToGrace(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	info, err := r.Create(context.Background(), models.SpawnOptions{})
	require.NoError(t, err)
	cancel, err := r.Subscribe(info.ID, func(models.Event) {})
	require.NoError(t, err)

	cancel()
	cancel()

	_, err = h.mgr.Get(info.ID)
	require.NoError(t, err, "session survives the detach")
	assert.Eventually(t, func() bool {
		_, err := h.mgr.Get(info.ID)
		return err != nil
	}, waitTimeout, 20*time.Millisecond, "grace period expires")
}

func TestRemoteReattachWithinGrace(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	info, err := r.Create(context.Background(), models.SpawnOptions{})
	require.NoError(t, err)
	cancel, err := r.Subscribe(info.ID, func(models.Event) {})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		_, err := r.Attach(context.Background(), info.ID)
		return err == nil
	}, waitTimeout, 10*time.Millisecond)

	ev := newEvents()
	cancel, err = r.Subscribe(info.ID, ev.handle)
	require.NoError(t, err)
	defer cancel()

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, r.Write(info.ID, []byte("printf 'still%s\\n' $((3+3))\n")))
	assert.Eventually(t, func() bool { return strings.Contains(ev.output(), "still6") },
		waitTimeout, 20*time.Millisecond)
}

func TestRemoteErrors(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	_, err := r.Attach(context.Background(), "term_missing")
	var httpErr *websocket.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)

	_, err = r.Create(context.Background(), models.SpawnOptions{Shell: "/nonexistent/shell"})
	var spawnErr *models.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, spawnErr.Message, "/nonexistent/shell")

	bad, err := websocket.NewRemote(h.srv.URL, "wrong", zap.NewNop())
	require.NoError(t, err)
	_, err = bad.Create(context.Background(), models.SpawnOptions{})
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)

	assert.ErrorIs(t, r.Write("term_unknown", []byte("x")), websocket.ErrTransportClosed)
	_, err = r.Subscribe("term_unknown", func(models.Event) {})
	assert.ErrorIs(t, err, websocket.ErrTransportClosed)

	_, err = websocket.NewRemote("ftp://example.com", "t", zap.NewNop())
	assert.Error(t, err)
}

func TestRemoteTransportLoss(t *testing.T) {
	upgrader := gws.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(models.StreamMessage{Type: models.StreamAttached, SessionID: "term_x", Cols: 80, Rows: 24})
		_ = conn.WriteMessage(gws.BinaryMessage, []byte("partial"))
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	r, err := websocket.NewRemote(srv.URL, "t", zap.NewNop())
	require.NoError(t, err)
	info, err := r.Attach(context.Background(), "term_x")
	require.NoError(t, err)
	assert.Equal(t, 80, info.Cols)

	ev := newEvents()
	_, err = r.Subscribe("term_x", ev.handle)
	require.NoError(t, err)

	closed := ev.waitClosed(t)
	assert.Equal(t, models.ReasonTransport, closed.Reason)
	assert.Equal(t, "partial", ev.output())
}

func TestSettingsRoundTripAndWatch(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	px, err := r.FontSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, px)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan models.Settings, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- r.WatchSettings(ctx, func(s models.Settings) { got <- s })
	}()
	require.Eventually(t, func() bool { return h.hub.Count() == 1 }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, r.SetFontSize(context.Background(), 20))
	select {
	case s := <-got:
		assert.Equal(t, 20, s.FontSize)
	case <-time.After(waitTimeout):
		t.Fatal("no settings broadcast")
	}

	px, err = r.FontSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, px)

	cancel()
	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("watch did not stop")
	}
}

func TestHubBroadcastsLifecycle(t *testing.T) {
	h := startHost(t)
	r := h.remote(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + h.token.String()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))

	var hello models.HubMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, websocket.HubConnected, hello.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong models.HubMessage
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, websocket.HubPong, pong.Type)

	info, err := r.Create(context.Background(), models.SpawnOptions{})
	require.NoError(t, err)
	r.Close(info.ID)

	var types []string
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	for len(types) < 2 {
		var msg models.HubMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotNil(t, msg.Session)
		assert.Equal(t, info.ID, msg.Session.ID)
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{websocket.HubTerminalCreated, websocket.HubTerminalClosed}, types)
}

func TestHubRejectsBadToken(t *testing.T) {
	h := startHost(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=nope"
	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamPing(t *testing.T) {
	h := startHost(t)
	info, err := h.mgr.Create(context.Background(), models.SpawnOptions{})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/terminal/" + string(info.ID) + "?token=" + h.token.String()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var attached models.StreamMessage
	require.NoError(t, conn.ReadJSON(&attached))
	assert.Equal(t, models.StreamAttached, attached.Type)

	require.NoError(t, conn.WriteJSON(models.StreamMessage{Type: models.StreamPing}))
	require.NoError(t, conn.WriteJSON(models.StreamMessage{Type: "bogus"}))

	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	var seen []string
	for len(seen) < 2 {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != gws.TextMessage {
			continue
		}
		var msg models.StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		seen = append(seen, msg.Type)
		if msg.Type == models.StreamError {
			assert.Equal(t, "INVALID_MESSAGE", msg.Code)
		}
	}
	assert.Equal(t, []string{models.StreamPong, models.StreamError}, seen)
}

func TestRemoteCreateSendsRequestID(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Request-ID"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"busy","code":"SPAWN_FAILED"}`))
	}))
	defer srv.Close()

	r, err := websocket.NewRemote(srv.URL, "secret", zap.NewNop())
	require.NoError(t, err)
	_, err = r.Create(context.Background(), models.SpawnOptions{})
	require.Error(t, err)
	_, err = r.Create(context.Background(), models.SpawnOptions{})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Len(t, seen[0], 36)
	assert.Len(t, seen[1], 36)
	assert.NotEqual(t, seen[0], seen[1])
}
