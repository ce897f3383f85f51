package mux

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dashterm/models"
	"dashterm/utils"
)

var (
	ErrTabNotFound = errors.New("mux: tab not found")
	ErrTabDisposed = errors.New("mux: tab disposed")
	ErrLoopStopped = errors.New("mux: event loop stopped")
)

const (
	MinFontSize     = 6
	MaxFontSize     = 72
	DefaultFontSize = 14

	// PlaceholderTitle is shown until the user@host title is resolved.
	PlaceholderTitle = "Terminal"

	persistTimeout = 5 * time.Second
)

// NoticeLevel grades a user-visible notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a message for the user about one tab, or about none when
// TabID is empty.
type Notice struct {
	Level   NoticeLevel
	TabID   models.SessionID
	Message string
}

// Options configures a Multiplexer. Callbacks run on the event loop and
// must not call back into the multiplexer synchronously.
type Options struct {
	Logger          *zap.Logger
	FontStore       FontStore
	DefaultFontSize int
	// ResolveTitle computes the default tab title. It runs once, off the
	// loop, when Run starts. Defaults to user@host.
	ResolveTitle func() string
	OnNotice     func(Notice)
	// OnChange is told about every change to the tab list, titles or focus.
	OnChange func(tabs []TabInfo)
}

// OpenOptions describe a new tab. Command, when set, is typed into the
// shell once the widget has negotiated its size.
type OpenOptions struct {
	Command string
	Title   string
	Cwd     string
	Shell   string
}

// Multiplexer owns the ordered tab list. Every tab and widget mutation
// happens on the goroutine running Run; public methods post work to it.
type Multiplexer struct {
	backend Backend
	factory WidgetFactory
	opts    Options
	logger  *zap.Logger

	inbox   *utils.Queue[func()]
	persist *utils.Queue[int]
	running atomic.Bool
	stopped chan struct{}

	// Loop-owned.
	tabs         []*tab
	byID         map[models.SessionID]*tab
	active       models.SessionID
	fontSize     int
	fontTouched  bool
	defaultTitle string
}

// New creates a multiplexer. Nothing happens until Run is called.
func New(backend Backend, factory WidgetFactory, opts Options) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultFontSize == 0 {
		opts.DefaultFontSize = DefaultFontSize
	}
	if opts.ResolveTitle == nil {
		opts.ResolveTitle = DefaultTitle
	}
	return &Multiplexer{
		backend:      backend,
		factory:      factory,
		opts:         opts,
		logger:       logger.Named("mux"),
		inbox:        utils.NewQueue[func()](),
		persist:      utils.NewQueue[int](),
		stopped:      make(chan struct{}),
		byID:         make(map[models.SessionID]*tab),
		fontSize:     ClampFontSize(opts.DefaultFontSize),
		defaultTitle: PlaceholderTitle,
	}
}

// Run is the event loop. It returns when ctx is done, after disposing every
// widget and dropping every subscription. Sessions are left running so
// another client can pick them up.
func (m *Multiplexer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("mux: already running")
	}
	defer m.stop()

	go func() {
		title := m.opts.ResolveTitle()
		_ = m.post(func() { m.applyDefaultTitle(title) })
	}()
	if m.opts.FontStore != nil {
		go m.loadFontSize(ctx)
		go m.persistLoop(ctx)
	}

	for {
		fns, ok := m.inbox.Wait(ctx.Done())
		if !ok {
			return ctx.Err()
		}
		for _, fn := range fns {
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.stopped
}

func (m *Multiplexer) stop() {
	m.inbox.Close()
	m.persist.Close()
	for _, t := range m.tabs {
		t.dispose()
	}
	m.tabs = nil
	close(m.stopped)
	m.logger.Debug("event loop stopped")
}

func (m *Multiplexer) post(fn func()) error {
	if !m.inbox.Push(fn) {
		return ErrLoopStopped
	}
	return nil
}

// call runs fn on the loop and waits for it.
func (m *Multiplexer) call(fn func()) error {
	done := make(chan struct{})
	if err := m.post(func() { defer close(done); fn() }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrLoopStopped
	}
}

// OpenTab creates a session and adds a tab for it. The tab becomes active.
// On failure no tab is added and an error notice is raised.
func (m *Multiplexer) OpenTab(ctx context.Context, opts OpenOptions) (models.SessionID, error) {
	info, err := m.backend.Create(ctx, models.SpawnOptions{Shell: opts.Shell, Cwd: opts.Cwd})
	if err != nil {
		m.logger.Warn("open tab failed", zap.Error(err))
		_ = m.post(func() {
			m.notice(NoticeError, "", fmt.Sprintf("Could not start terminal: %v", err))
		})
		return "", err
	}
	if err := m.bind(info.ID, newTab(info.ID, opts.Title, opts.Command)); err != nil {
		m.backend.Close(info.ID)
		return "", err
	}
	return info.ID, nil
}

// AdoptTab adds a tab for a session that already exists on the backend.
func (m *Multiplexer) AdoptTab(ctx context.Context, id models.SessionID, title string) error {
	if a, ok := m.backend.(Attacher); ok {
		if _, err := a.Attach(ctx, id); err != nil {
			return err
		}
	}
	return m.bind(id, newTab(id, title, ""))
}

// bind registers t on the loop first and subscribes second, so every
// event posted by the subscription finds the tab.
func (m *Multiplexer) bind(id models.SessionID, t *tab) error {
	if err := m.post(func() { m.addTab(t) }); err != nil {
		return err
	}
	cancel, err := m.backend.Subscribe(id, func(ev models.Event) {
		_ = m.post(func() { m.handleEvent(ev) })
	})
	if err != nil {
		_ = m.post(func() {
			m.notice(NoticeError, id, fmt.Sprintf("Could not attach to terminal: %v", err))
			m.removeTab(t)
		})
		return err
	}
	if err := m.post(func() {
		if t.state == Disposed {
			cancel()
			return
		}
		t.unsubscribe = cancel
	}); err != nil {
		cancel()
		return err
	}
	return nil
}

// Mount tells the multiplexer that the tab's container is on screen, which
// creates the widget, replays buffered output and performs the first
// resize handshake. Mounting a ready tab just re-fits it.
func (m *Multiplexer) Mount(id models.SessionID) error {
	var err error
	if cerr := m.call(func() { err = m.mount(id) }); cerr != nil {
		return cerr
	}
	return err
}

// CloseTab unsubscribes, disposes the widget, closes the session and
// removes the tab.
func (m *Multiplexer) CloseTab(id models.SessionID) error {
	var err error
	if cerr := m.call(func() {
		t, ok := m.byID[id]
		if !ok {
			err = ErrTabNotFound
			return
		}
		m.removeTab(t)
		m.backend.Close(id)
	}); cerr != nil {
		return cerr
	}
	return err
}

// SetActiveTab moves focus. It does not touch sessions.
func (m *Multiplexer) SetActiveTab(id models.SessionID) error {
	var err error
	if cerr := m.call(func() {
		if _, ok := m.byID[id]; !ok {
			err = ErrTabNotFound
			return
		}
		m.activate(id)
	}); cerr != nil {
		return cerr
	}
	return err
}

// CycleTab activates the tab delta positions away from the active one,
// wrapping around.
func (m *Multiplexer) CycleTab(delta int) error {
	return m.call(func() {
		if len(m.tabs) == 0 {
			return
		}
		idx := m.indexOf(m.active)
		if idx < 0 {
			idx = 0
		}
		n := len(m.tabs)
		m.activate(m.tabs[((idx+delta)%n+n)%n].id)
	})
}

// SelectTab activates the tab at position idx (0-based).
func (m *Multiplexer) SelectTab(idx int) error {
	var err error
	if cerr := m.call(func() {
		if idx < 0 || idx >= len(m.tabs) {
			err = ErrTabNotFound
			return
		}
		m.activate(m.tabs[idx].id)
	}); cerr != nil {
		return cerr
	}
	return err
}

// SetTitle overrides a tab's title.
func (m *Multiplexer) SetTitle(id models.SessionID, title string) error {
	var err error
	if cerr := m.call(func() {
		t, ok := m.byID[id]
		if !ok {
			err = ErrTabNotFound
			return
		}
		if title == "" {
			t.title, t.titleSet = m.defaultTitle, false
		} else {
			t.title, t.titleSet = title, true
		}
		m.changed()
	}); cerr != nil {
		return cerr
	}
	return err
}

// SetFontSize changes the font of every widget, re-fits them and resizes
// their sessions. The clamped size is persisted and returned.
func (m *Multiplexer) SetFontSize(px int) (int, error) {
	var applied int
	err := m.call(func() {
		m.fontTouched = true
		applied = m.setFont(px)
		if m.opts.FontStore != nil {
			m.persist.Push(applied)
		}
	})
	return applied, err
}

// SyncFontSize applies a font size that was changed elsewhere, without
// persisting it again.
func (m *Multiplexer) SyncFontSize(px int) error {
	return m.call(func() {
		m.fontTouched = true
		m.setFont(px)
	})
}

// FontSize returns the current font size.
func (m *Multiplexer) FontSize() int {
	px := 0
	if err := m.call(func() { px = m.fontSize }); err != nil {
		return 0
	}
	return px
}

// ViewportChanged re-fits the visible widget after the container changed
// size. Hidden widgets are re-fitted when they become visible.
func (m *Multiplexer) ViewportChanged() error {
	return m.call(func() {
		for _, t := range m.tabs {
			if t.state != WidgetReady {
				continue
			}
			if t.id == m.active {
				m.fit(t, false)
			} else {
				t.needsFit = true
			}
		}
	})
}

// Input sends keystrokes to a tab's session. It does not wait.
func (m *Multiplexer) Input(id models.SessionID, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return m.post(func() { m.input(id, buf) })
}

// Tabs returns the tabs in the order they were opened.
func (m *Multiplexer) Tabs() []TabInfo {
	var tabs []TabInfo
	_ = m.call(func() { tabs = m.snapshot() })
	return tabs
}

// Active returns the focused tab, if any.
func (m *Multiplexer) Active() (models.SessionID, bool) {
	var id models.SessionID
	_ = m.call(func() { id = m.active })
	return id, id != ""
}

// Loop-side implementation below.

func (m *Multiplexer) addTab(t *tab) {
	if !t.titleSet {
		t.title = m.defaultTitle
	}
	m.tabs = append(m.tabs, t)
	m.byID[t.id] = t
	m.logger.Debug("tab added", zap.String("session_id", string(t.id)), zap.String("title", t.title))
	m.activate(t.id)
}

func (m *Multiplexer) removeTab(t *tab) {
	t.dispose()
	idx := m.indexOf(t.id)
	if idx < 0 {
		return
	}
	m.tabs = append(m.tabs[:idx], m.tabs[idx+1:]...)
	delete(m.byID, t.id)
	m.logger.Debug("tab removed", zap.String("session_id", string(t.id)))

	if m.active == t.id {
		m.active = ""
		if n := len(m.tabs); n > 0 {
			// Tabs are kept in the order they were added.
			m.activate(m.tabs[n-1].id)
			return
		}
	}
	m.changed()
}

func (m *Multiplexer) activate(id models.SessionID) {
	prev := m.active
	m.active = id
	if prev != id {
		if t, ok := m.byID[prev]; ok {
			setVisible(t, false)
		}
	}
	if t, ok := m.byID[id]; ok {
		setVisible(t, true)
		if t.needsFit {
			m.fit(t, false)
		}
	}
	m.changed()
}

func setVisible(t *tab, visible bool) {
	if v, ok := t.widget.(Visibility); ok && t.state == WidgetReady {
		v.SetVisible(visible)
	}
}

func (m *Multiplexer) mount(id models.SessionID) error {
	t, ok := m.byID[id]
	if !ok {
		return ErrTabNotFound
	}
	switch t.state {
	case Disposed:
		return ErrTabDisposed
	case WidgetReady:
		m.fit(t, false)
		return nil
	}

	events := &tabEvents{m: m, id: id}
	w, err := m.factory(t.info(m.active == id), m.fontSize, events)
	if err != nil {
		m.notice(NoticeError, id, fmt.Sprintf("Could not create terminal view: %v", err))
		m.removeTab(t)
		m.backend.Close(id)
		return err
	}
	t.widget, t.events, t.state = w, events, WidgetReady
	if t.pending.Len() > 0 {
		w.Write(t.pending.Bytes())
		t.pending.Reset()
	}
	setVisible(t, m.active == id)

	m.fit(t, true)
	if t.command != "" && !t.exited {
		if err := m.backend.Write(id, []byte(t.command+"\n")); err != nil {
			m.logger.Debug("initial command dropped", zap.String("session_id", string(id)), zap.Error(err))
		}
		t.command = ""
	}
	m.changed()
	return nil
}

// fit re-measures a widget and forwards a changed grid to the session. The
// first handshake is always forwarded.
func (m *Multiplexer) fit(t *tab, handshake bool) {
	if t.state != WidgetReady {
		return
	}
	t.needsFit = false
	cols, rows := t.widget.Fit()
	if cols <= 0 || rows <= 0 {
		return
	}
	if !handshake && cols == t.cols && rows == t.rows {
		return
	}
	t.cols, t.rows = cols, rows
	if t.exited {
		return
	}
	if err := m.backend.Resize(t.id, cols, rows); err != nil {
		m.logger.Debug("resize dropped", zap.String("session_id", string(t.id)), zap.Error(err))
	}
}

func (m *Multiplexer) input(id models.SessionID, data []byte) {
	t, ok := m.byID[id]
	if !ok || t.state != WidgetReady || t.exited {
		return
	}
	if t.needsFit {
		m.fit(t, false)
	}
	if err := m.backend.Write(id, data); err != nil {
		m.logger.Debug("input dropped", zap.String("session_id", string(id)), zap.Error(err))
	}
}

func (m *Multiplexer) resized(id models.SessionID, cols, rows int) {
	t, ok := m.byID[id]
	if !ok || t.state != WidgetReady || t.exited {
		return
	}
	if cols <= 0 || rows <= 0 || (cols == t.cols && rows == t.rows) {
		return
	}
	t.cols, t.rows = cols, rows
	if err := m.backend.Resize(id, cols, rows); err != nil {
		m.logger.Debug("resize dropped", zap.String("session_id", string(id)), zap.Error(err))
	}
}

func (m *Multiplexer) handleEvent(ev models.Event) {
	t, ok := m.byID[ev.SessionID]
	if !ok || t.state == Disposed {
		return
	}
	switch ev.Kind {
	case models.EventOutput:
		t.output(ev.Data)
	case models.EventClosed:
		m.sessionClosed(t, ev)
	}
}

func (m *Multiplexer) sessionClosed(t *tab, ev models.Event) {
	log := m.logger.With(zap.String("session_id", string(t.id)), zap.String("reason", string(ev.Reason)))
	if ev.Reason == models.ReasonTransport {
		log.Warn("transport lost, closing tab")
		m.notice(NoticeWarning, t.id, fmt.Sprintf("Connection to %q was lost; the tab was closed.", t.title))
		m.removeTab(t)
		return
	}

	t.exited, t.exitCode = true, ev.ExitCode
	t.command = ""
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	t.output([]byte(fmt.Sprintf("\r\n[process exited with code %d]\r\n", ev.ExitCode)))
	log.Info("session ended", zap.Int("exit_code", ev.ExitCode))
	m.notice(NoticeInfo, t.id, fmt.Sprintf("%s: process exited with code %d", t.title, ev.ExitCode))
	m.changed()
}

func (m *Multiplexer) setFont(px int) int {
	px = ClampFontSize(px)
	if px == m.fontSize {
		return px
	}
	m.fontSize = px
	for _, t := range m.tabs {
		if t.state != WidgetReady {
			continue
		}
		t.widget.SetFontSize(px)
		m.fit(t, false)
	}
	m.logger.Debug("font size changed", zap.Int("px", px))
	return px
}

func (m *Multiplexer) applyDefaultTitle(title string) {
	if title == "" {
		return
	}
	m.defaultTitle = title
	for _, t := range m.tabs {
		if !t.titleSet {
			t.title = title
		}
	}
	m.changed()
}

func (m *Multiplexer) loadFontSize(ctx context.Context) {
	px, err := m.opts.FontStore.FontSize(ctx)
	if err != nil {
		m.logger.Debug("no saved font size", zap.Error(err))
		return
	}
	_ = m.post(func() {
		if !m.fontTouched {
			m.setFont(px)
		}
	})
}

// persistLoop saves font sizes off the loop; only the latest of a burst is
// written.
// The last size set before Run returns is still written.
func (m *Multiplexer) persistLoop(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		sizes, ok := m.persist.Wait(nil)
		if !ok {
			return
		}
		px := sizes[len(sizes)-1]
		wctx, cancel := context.WithTimeout(ctx, persistTimeout)
		if err := m.opts.FontStore.SetFontSize(wctx, px); err != nil {
			m.logger.Warn("persist font size failed", zap.Int("px", px), zap.Error(err))
		}
		cancel()
	}
}

func (m *Multiplexer) notice(level NoticeLevel, id models.SessionID, msg string) {
	if m.opts.OnNotice != nil {
		m.opts.OnNotice(Notice{Level: level, TabID: id, Message: msg})
	}
}

func (m *Multiplexer) changed() {
	if m.opts.OnChange != nil {
		m.opts.OnChange(m.snapshot())
	}
}

func (m *Multiplexer) snapshot() []TabInfo {
	tabs := make([]TabInfo, len(m.tabs))
	for i, t := range m.tabs {
		tabs[i] = t.info(t.id == m.active)
	}
	return tabs
}

func (m *Multiplexer) indexOf(id models.SessionID) int {
	for i, t := range m.tabs {
		if t.id == id {
			return i
		}
	}
	return -1
}

// ClampFontSize limits px to the supported range.
func ClampFontSize(px int) int {
	return max(MinFontSize, min(MaxFontSize, px))
}
