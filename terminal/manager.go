package terminal

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"dashterm/config"
	"dashterm/metrics"
	"dashterm/models"
)

// Manager owns every PTY-backed shell on the host. All methods are safe for
// concurrent use; none of them wait on a shell.
type Manager struct {
	logger  *zap.Logger
	metrics *metrics.Terminal

	mu        sync.RWMutex
	cfg       config.TerminalConfig
	sessions  map[models.SessionID]*session
	timers    map[models.SessionID]*time.Timer // grace timers of detached sessions
	reapers   map[models.SessionID]*time.Timer // closed sessions nobody has claimed
	observers []func(models.LifecycleEvent)
	closed    bool
}

// NewManager creates a manager spawning sessions with cfg. A nil m records
// metrics nowhere.
func NewManager(cfg config.TerminalConfig, logger *zap.Logger, m *metrics.Terminal) *Manager {
	if m == nil {
		m = metrics.NewTerminal(nil)
	}
	return &Manager{
		logger:   logger.Named("terminal"),
		metrics:  m,
		cfg:      cfg.Normalize(),
		sessions: make(map[models.SessionID]*session),
		timers:   make(map[models.SessionID]*time.Timer),
		reapers:  make(map[models.SessionID]*time.Timer),
	}
}

// SetDefaults replaces the spawn defaults. Running sessions keep theirs.
func (m *Manager) SetDefaults(cfg config.TerminalConfig) {
	m.mu.Lock()
	m.cfg = cfg.Normalize()
	m.mu.Unlock()
	m.logger.Info("terminal defaults updated", zap.String("shell", cfg.Shell), zap.Int("cols", cfg.Cols), zap.Int("rows", cfg.Rows))
}

// OnLifecycle registers fn to hear about created and closed sessions.
func (m *Manager) OnLifecycle(fn func(models.LifecycleEvent)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Create spawns a shell under a new PTY. On error no process or PTY is left
// behind. Spawn problems are reported as *SpawnError.
func (m *Manager) Create(ctx context.Context, opts models.SpawnOptions) (models.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionInfo{}, err
	}
	m.mu.RLock()
	cfg, closed := m.cfg, m.closed
	m.mu.RUnlock()
	if closed {
		return models.SessionInfo{}, ErrManagerClosed
	}

	shell, err := resolveShell(opts.Shell, cfg.Shell)
	if err != nil {
		return models.SessionInfo{}, m.spawnFailed(opts.Shell, opts.Cwd, err)
	}
	cwd, err := resolveCwd(opts.Cwd, cfg.Cwd)
	if err != nil {
		return models.SessionInfo{}, m.spawnFailed(shell, cwd, err)
	}
	cols, rows := opts.Cols, opts.Rows
	if !validSize(cols, rows) {
		cols, rows = cfg.Cols, cfg.Rows
	}

	id := NewSessionID()
	var args []string
	if cfg.Login {
		args = append(args, "-l")
	}
	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(id, cols, rows, cfg.Env, opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return models.SessionInfo{}, m.spawnFailed(shell, cwd, err)
	}

	s := newSession(id, shell, cwd, cols, rows, cmd, ptmx, cfg, m.logger, m.metrics)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		ptmx.Close()
		_ = cmd.Wait()
		return models.SessionInfo{}, ErrManagerClosed
	}
	m.sessions[id] = s
	observers := m.observers
	m.mu.Unlock()

	s.start(func(claimed bool) { m.finish(s, claimed) })

	info := s.info()
	m.metrics.SessionsCreated.Inc()
	m.metrics.SessionsActive.Inc()
	s.logger.Info("session created",
		zap.String("shell", shell),
		zap.String("cwd", cwd),
		zap.Int("pid", info.PID),
		zap.Int("cols", cols),
		zap.Int("rows", rows))
	notify(observers, models.LifecycleEvent{Type: "terminal-created", Session: info})
	return info, nil
}

// validSize reports whether cols and rows fit a PTY window size.
func validSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= 0xffff && rows <= 0xffff
}

func (m *Manager) spawnFailed(shell, cwd string, err error) error {
	m.metrics.SpawnFailures.Inc()
	m.logger.Warn("spawn failed", zap.String("shell", shell), zap.String("cwd", cwd), zap.Error(err))
	return &SpawnError{Shell: shell, Cwd: cwd, Err: err}
}

// Write queues data for the session's PTY input.
func (m *Manager) Write(id models.SessionID, data []byte) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return s.enqueue(inputOp{kind: opWrite, data: buf})
}

// Resize queues a window size change behind any pending input.
func (m *Manager) Resize(id models.SessionID, cols, rows int) error {
	if !validSize(cols, rows) {
		return fmt.Errorf("terminal: invalid size %dx%d", cols, rows)
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return s.enqueue(inputOp{kind: opResize, cols: cols, rows: rows})
}

// Close terminates the session. It returns at once; the shell is reaped in
// the background and subscribers see one Closed event after all output.
// Closing an unknown or already closed id does nothing.
func (m *Manager) Close(id models.SessionID) {
	m.cancelGrace(id)
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.close()
}

// Subscribe registers fn for the session's output and its Closed event.
// Events for one session are delivered in order on a goroutine owned by
// that session, so fn should not block for long. The returned cancel
// function is idempotent.
func (m *Manager) Subscribe(id models.SessionID, fn func(models.Event)) (func(), error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	m.cancelGrace(id)
	cancel := s.subscribe(fn)
	if isDone(s.done) {
		// The Closed event has been claimed; nothing else to keep it for.
		m.forget(id)
	}
	return cancel, nil
}

// Get returns the current view of one session.
func (m *Manager) Get(id models.SessionID) (models.SessionInfo, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return models.SessionInfo{}, ErrSessionNotFound
	}
	return s.info(), nil
}

// List returns every known session, oldest first.
func (m *Manager) List() []models.SessionInfo {
	m.mu.RLock()
	list := make([]models.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.info())
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Shutdown closes every session concurrently and waits until they are all
// reaped or ctx is done. No session can be created afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	for id, t := range m.reapers {
		t.Stop()
		delete(m.reapers, id)
	}
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.close()
			select {
			case <-s.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("session %s: %w", s.id, gctx.Err())
			}
		})
	}
	err := g.Wait()
	m.logger.Info("shutdown complete", zap.Int("sessions", len(sessions)), zap.Error(err))
	return err
}

func (m *Manager) lookup(id models.SessionID) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// finish retires a session whose Closed event has been delivered. A shell
// that exited while nobody was subscribed stays listed for CloseGrace so a
// late subscriber still learns how it ended.
func (m *Manager) finish(s *session, claimed bool) {
	m.cancelGrace(s.id)
	info := s.info()

	s.mu.Lock()
	final := *s.final
	s.mu.Unlock()

	m.mu.Lock()
	if claimed || m.closed || final.Reason == models.ReasonClosed {
		delete(m.sessions, s.id)
	} else {
		m.reapers[s.id] = time.AfterFunc(s.cfg.CloseGrace, func() { m.forget(s.id) })
	}
	observers := m.observers
	m.mu.Unlock()

	m.metrics.SessionsActive.Dec()
	m.metrics.SessionsClosed.WithLabelValues(string(final.Reason)).Inc()
	m.metrics.SessionLifetime.Observe(time.Since(info.StartedAt).Seconds())
	s.logger.Info("session closed", zap.String("reason", string(final.Reason)), zap.Int("exit_code", final.ExitCode))
	notify(observers, models.LifecycleEvent{
		Type:     "terminal-closed",
		Session:  info,
		ExitCode: final.ExitCode,
		Reason:   final.Reason,
	})
}

func (m *Manager) forget(id models.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && isDone(s.done) {
		delete(m.sessions, id)
	}
	if t, ok := m.reapers[id]; ok {
		t.Stop()
		delete(m.reapers, id)
	}
}

func notify(observers []func(models.LifecycleEvent), ev models.LifecycleEvent) {
	for _, fn := range observers {
		fn(ev)
	}
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// IsSpawnError reports whether err is a spawn failure and returns it.
func IsSpawnError(err error) (*SpawnError, bool) {
	var se *SpawnError
	ok := errors.As(err, &se)
	return se, ok
}
