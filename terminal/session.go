package terminal

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"dashterm/config"
	"dashterm/metrics"
	"dashterm/models"
	"dashterm/utils"
)

const readBufferSize = 32 * 1024

type opKind int

const (
	opWrite opKind = iota
	opResize
)

// inputOp is one entry of a session's input FIFO. Writes and resizes share
// the queue so a resize never overtakes bytes typed before it.
type inputOp struct {
	kind opKind
	data []byte
	cols int
	rows int
}

// session owns one shell process and the master side of its PTY. Four
// goroutines serve it: read, input, deliver and wait.
type session struct {
	id        models.SessionID
	shell     string
	cwd       string
	startedAt time.Time
	cmd       *exec.Cmd
	ptmx      *os.File
	cfg       config.TerminalConfig
	logger    *zap.Logger
	metrics   *metrics.Terminal

	input  *utils.Queue[inputOp]
	output *utils.Queue[[]byte]

	mu       sync.Mutex
	cols     int
	rows     int
	state    models.SessionState
	closing  bool
	exitCode int
	subs     map[uint64]func(models.Event)
	nextSub  uint64
	backlog  *utils.RingBuffer
	final    *models.Event
	leftover []byte

	closeOnce  sync.Once
	readerDone chan struct{}
	exited     chan struct{}
	done       chan struct{}
}

func newSession(id models.SessionID, shell, cwd string, cols, rows int, cmd *exec.Cmd, ptmx *os.File,
	cfg config.TerminalConfig, logger *zap.Logger, m *metrics.Terminal) *session {
	return &session{
		id:         id,
		shell:      shell,
		cwd:        cwd,
		startedAt:  time.Now(),
		cmd:        cmd,
		ptmx:       ptmx,
		cfg:        cfg,
		logger:     logger.With(zap.String("session_id", string(id))),
		metrics:    m,
		input:      utils.NewQueue[inputOp](),
		output:     utils.NewQueue[[]byte](),
		cols:       cols,
		rows:       rows,
		state:      models.SessionStarting,
		subs:       make(map[uint64]func(models.Event)),
		backlog:    utils.NewRingBuffer(cfg.BacklogLimit),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start launches the session goroutines. finish runs once on the delivery
// goroutine after the Closed event has been handed out; claimed reports
// whether any subscriber received it.
func (s *session) start(finish func(claimed bool)) {
	s.mu.Lock()
	s.state = models.SessionRunning
	s.mu.Unlock()

	go s.readLoop()
	go s.inputLoop()
	go s.waitLoop()
	go s.deliverLoop(finish)
}

func (s *session) info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ID:        s.id,
		Shell:     s.shell,
		Cwd:       s.cwd,
		Cols:      s.cols,
		Rows:      s.rows,
		PID:       s.cmd.Process.Pid,
		State:     s.state,
		StartedAt: s.startedAt,
	}
}

func (s *session) enqueue(op inputOp) error {
	s.mu.Lock()
	closed := s.closing || s.state == models.SessionClosed
	s.mu.Unlock()
	if closed || !s.input.Push(op) {
		return ErrSessionClosed
	}
	return nil
}

func (s *session) readLoop() {
	defer close(s.readerDone)
	defer s.output.Close()

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.metrics.OutputBytes.Add(float64(n))
			s.output.Push(data)
		}
		if err != nil {
			// EIO is how Linux reports that the slave side is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				s.logger.Debug("pty read failed", zap.Error(err))
			}
			return
		}
	}
}

func (s *session) inputLoop() {
	for {
		ops, ok := s.input.Wait(s.exited)
		if !ok {
			return
		}
		for i, op := range ops {
			switch op.kind {
			case opWrite:
				if _, err := s.ptmx.Write(op.data); err != nil {
					s.logger.Debug("pty write failed", zap.Error(err))
					continue
				}
				s.metrics.InputBytes.Add(float64(len(op.data)))
			case opResize:
				// Only the last of a run of resizes matters.
				if i+1 < len(ops) && ops[i+1].kind == opResize {
					continue
				}
				s.applyResize(op.cols, op.rows)
			}
		}
	}
}

func (s *session) applyResize(cols, rows int) {
	s.mu.Lock()
	same := s.cols == cols && s.rows == rows
	s.mu.Unlock()
	if same {
		return
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		s.logger.Debug("pty resize failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	s.metrics.Resizes.Inc()
}

// waitLoop reaps the shell, gives the reader a moment to drain what the
// shell printed last, then releases the master.
func (s *session) waitLoop() {
	err := s.cmd.Wait()
	code := -1
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.logger.Warn("wait failed", zap.Error(err))
	}

	drain := time.NewTimer(s.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case <-s.readerDone:
	case <-drain.C:
	}
	s.ptmx.Close()

	select {
	case <-s.readerDone:
	case <-time.After(s.cfg.DrainTimeout):
		// A detached grandchild still holds the slave open.
		s.logger.Warn("pty reader did not stop after close")
	}
	s.output.Close()
	s.input.Close()

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.exited)
}

// deliverLoop hands output to subscribers in PTY order. Everything pending
// is coalesced into one chunk per wakeup; with nobody subscribed the bytes
// are kept in the backlog, whose oldest bytes are dropped past the limit.
func (s *session) deliverLoop(finish func(claimed bool)) {
	for {
		chunks, ok := s.output.Wait(nil)
		if !ok {
			break
		}
		data := coalesce(chunks)

		s.mu.Lock()
		if len(s.subs) == 0 {
			if len(data) > 0 {
				s.backlog.Write(data)
			}
			s.mu.Unlock()
			continue
		}
		if s.backlog.Len() > 0 {
			data = append(s.backlog.Bytes(), data...)
			s.backlog.Reset()
		}
		subs := s.snapshotLocked()
		s.mu.Unlock()

		if len(data) == 0 {
			continue
		}
		ev := models.Event{Kind: models.EventOutput, SessionID: s.id, Data: data}
		for _, fn := range subs {
			fn(ev)
		}
	}

	<-s.exited

	s.mu.Lock()
	final := models.Event{Kind: models.EventClosed, SessionID: s.id, ExitCode: s.exitCode, Reason: models.ReasonExited}
	if s.closing {
		final.Reason = models.ReasonClosed
	}
	s.state = models.SessionClosed
	s.final = &final
	var leftover []byte
	if s.backlog.Len() > 0 {
		leftover = s.backlog.Bytes()
		s.backlog.Reset()
	}
	subs := s.snapshotLocked()
	if len(subs) == 0 {
		s.leftover = leftover
	}
	s.mu.Unlock()

	for _, fn := range subs {
		if len(leftover) > 0 {
			fn(models.Event{Kind: models.EventOutput, SessionID: s.id, Data: leftover})
		}
		fn(final)
	}
	close(s.done)
	finish(len(subs) > 0)
}

// subscribe registers fn for the session's events. On a session that has
// already closed, the retained output and the Closed event are passed to fn
// before subscribe returns.
func (s *session) subscribe(fn func(models.Event)) func() {
	s.mu.Lock()
	if s.final != nil {
		leftover, final := s.leftover, *s.final
		s.leftover = nil
		s.mu.Unlock()
		if len(leftover) > 0 {
			fn(models.Event{Kind: models.EventOutput, SessionID: s.id, Data: leftover})
		}
		fn(final)
		return func() {}
	}
	key := s.nextSub
	s.nextSub++
	s.subs[key] = fn
	flush := s.backlog.Len() > 0
	s.mu.Unlock()

	if flush {
		// Wake the delivery loop so the backlog goes out now.
		s.output.Push(nil)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, key)
			s.mu.Unlock()
		})
	}
}

func (s *session) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *session) snapshotLocked() []func(models.Event) {
	subs := make([]func(models.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

// close hangs up the shell's process group and releases the master. The
// group is killed outright if it is still around after KillTimeout.
func (s *session) close() {
	s.closeOnce.Do(func() {
		select {
		case <-s.exited:
			// The shell is gone already; keep reason=exited.
		default:
			s.mu.Lock()
			s.closing = true
			s.mu.Unlock()
		}

		s.input.Close()
		s.signal(unix.SIGHUP)
		s.ptmx.Close()

		go func() {
			timer := time.NewTimer(s.cfg.KillTimeout)
			defer timer.Stop()
			select {
			case <-s.exited:
			case <-timer.C:
				s.logger.Warn("shell ignored SIGHUP, killing", zap.Duration("after", s.cfg.KillTimeout))
				s.signal(unix.SIGKILL)
			}
		}()
	})
}

// signal delivers sig to the shell's process group; pty.Start makes the
// shell a session leader, so its pid is also the group id.
func (s *session) signal(sig syscall.Signal) {
	select {
	case <-s.exited:
		return
	default:
	}
	pid := s.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Debug("signal process group failed", zap.Stringer("signal", sig), zap.Error(err))
		_ = s.cmd.Process.Signal(sig)
	}
}

func coalesce(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
