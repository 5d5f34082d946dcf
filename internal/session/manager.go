package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/artifacts"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/dispatch"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/login"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/logx"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/metrics"
)

// minStopTimeout is the least time a teardown gets when the caller's deadline
// is shorter than StopTimeout.
const minStopTimeout = 2 * time.Second

var (
	ErrCreationTimeout = errors.New("session creation timed out")
	ErrCreationFailure = errors.New("session creation failed")
	// ErrCreationAborted is returned to callers waiting on a creation that a
	// Stop overtook.
	ErrCreationAborted = errors.New("session stopped during creation")
	ErrNotStarted      = errors.New("session not started")
	ErrNotConnected    = errors.New("session not connected")
	ErrNoChallenge     = errors.New("no challenge available")
	ErrClosed          = errors.New("session manager is shut down")
)

type StartStatus string

const (
	StatusStarting       StartStatus = "starting"
	StatusAlreadyStarted StartStatus = "already_started"
	StatusStartError     StartStatus = "error"
)

type StopStatus string

const (
	StatusStopped    StopStatus = "stopped"
	StatusNotStarted StopStatus = "not_started"
)

// ArtifactStore is where login artifacts are kept between sessions.
type ArtifactStore interface {
	login.Sink
	Challenge() ([]byte, time.Time, error)
	Clear() error
	Info() []artifacts.FileInfo
}

type Options struct {
	Headless    bool
	UserDataDir string

	StartTimeout time.Duration
	StopTimeout  time.Duration
	ProbeTimeout time.Duration
	RestartPause time.Duration

	Login login.Options
	// WatchLogin polls for a QR scan in the background after creation.
	WatchLogin bool
}

func DefaultOptions() Options {
	return Options{
		StartTimeout: 90 * time.Second,
		StopTimeout:  15 * time.Second,
		ProbeTimeout: 5 * time.Second,
		RestartPause: 3 * time.Second,
		Login:        login.DefaultOptions(),
		WatchLogin:   true,
	}
}

// Manager owns the only Session. At most one creation runs at a time; callers
// arriving during it share its outcome.
type Manager struct {
	launcher browser.Launcher
	store    ArtifactStore
	opts     Options

	group singleflight.Group
	bg    sync.WaitGroup

	mu       sync.Mutex
	current  *Session
	gen      uint64
	creating bool
	lastErr  error
	closed   bool

	now   func() time.Time
	pause func(context.Context, time.Duration) error
	// newMachine lets tests tune login timing.
	newMachine func(login.Access, login.Sink, login.Options) *login.Machine
}

func NewManager(launcher browser.Launcher, store ArtifactStore, opts Options) *Manager {
	return &Manager{
		launcher:   launcher,
		store:      store,
		opts:       opts,
		now:        time.Now,
		pause:      sleepCtx,
		newMachine: login.NewMachine,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire returns the live session, creating one if there is none or the
// current one fails its liveness probe.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.acquire(ctx, gen)
}

// acquire creates on behalf of generation gen; a Stop since then aborts it.
func (m *Manager) acquire(ctx context.Context, gen uint64) (*Session, error) {
	if s := m.live(ctx); s != nil {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := m.group.DoChan("create", func() (interface{}, error) {
		return m.create(gen)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcquireTarget is Acquire for callers that only dispatch. A session not known
// to be connected is re-evaluated first, so a scan the watcher missed counts.
func (m *Manager) AcquireTarget(ctx context.Context) (dispatch.Target, error) {
	s, err := m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !s.Connected() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		st, err := s.login.Evaluate(pctx)
		cancel()
		if err != nil {
			logx.L().Debugw("state_probe_failed", "session_id", s.ID, "err", err)
		}
		logx.L().Debugw("session_reevaluated", "session_id", s.ID, "state", st)
	}
	return s, nil
}

func (m *Manager) live(ctx context.Context) *Session {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	if _, err := s.probe(pctx); err != nil {
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the page.
			return nil
		}
		m.discard(s, err)
		return nil
	}
	return s
}

func (m *Manager) discard(s *Session, cause error) {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()

	metrics.StaleSessions.Inc()
	logx.L().Warnw("session_stale", "session_id", s.ID, "err", cause)

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if err := s.close(m.opts.StopTimeout); err != nil {
			logx.L().Warnw("session_close_failed", "session_id", s.ID, "err", err)
		}
	}()
}

type built struct {
	s   *Session
	err error
}

func (m *Manager) create(gen uint64) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.creating = false
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.current != nil {
		s := m.current
		m.creating = false
		m.mu.Unlock()
		return s, nil
	}
	if m.gen != gen {
		m.creating = false
		m.mu.Unlock()
		return nil, ErrCreationAborted
	}
	m.creating = true
	m.lastErr = nil
	m.mu.Unlock()

	started := m.now()
	id := uuid.NewString()
	logx.L().Infow("session_creating", "session_id", id, "headless", m.opts.Headless)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StartTimeout)
	defer cancel()

	done := make(chan built, 1)
	go func() {
		s, err := m.build(ctx, id)
		done <- built{s: s, err: err}
	}()

	var r built
	select {
	case r = <-done:
	case <-ctx.Done():
	}

	if r.s == nil && ctx.Err() != nil {
		// build is still unwinding or lost the race to the deadline; whatever
		// it produces must never become visible.
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			late := r
			if late.s == nil && late.err == nil {
				late = <-done
			}
			if late.s != nil {
				_ = late.s.close(m.opts.StopTimeout)
			}
		}()
		return nil, m.fail(id, "timeout", ErrCreationTimeout, started)
	}

	if r.err != nil {
		return nil, m.fail(id, "failure", fmt.Errorf("%w: %w", ErrCreationFailure, r.err), started)
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.creating = false
		m.mu.Unlock()
		_ = r.s.close(m.opts.StopTimeout)
		metrics.SessionCreations.WithLabelValues("aborted").Inc()
		logx.L().Infow("session_creation_aborted", "session_id", id)
		return nil, ErrCreationAborted
	}
	var watchCtx context.Context
	if m.opts.WatchLogin && r.s.State() == login.WaitingQRScan {
		// Installed together with the session so a Stop always cancels it.
		watchCtx, r.s.cancelWatch = context.WithCancel(context.Background())
	}
	m.current = r.s
	m.creating = false
	m.mu.Unlock()

	metrics.SessionCreations.WithLabelValues("success").Inc()
	metrics.SessionCreationDuration.Observe(m.now().Sub(started).Seconds())
	logx.L().Infow("session_created", "session_id", id, "state", r.s.State(), "elapsed", m.now().Sub(started))

	if watchCtx != nil {
		m.watch(watchCtx, r.s)
	}
	return r.s, nil
}

func (m *Manager) fail(id, outcome string, err error, started time.Time) error {
	m.mu.Lock()
	m.creating = false
	m.lastErr = err
	m.mu.Unlock()

	metrics.SessionCreations.WithLabelValues(outcome).Inc()
	metrics.SessionCreationDuration.Observe(m.now().Sub(started).Seconds())
	logx.L().Errorw("session_create_failed", "session_id", id, "outcome", outcome, "err", err)
	return err
}

// build launches the browser and runs login detection. Anything it allocated
// is released when it returns an error.
func (m *Manager) build(ctx context.Context, id string) (*Session, error) {
	page, err := m.launcher.Launch(ctx, browser.LaunchOptions{
		SessionID:   id,
		Headless:    m.opts.Headless,
		UserDataDir: m.opts.UserDataDir,
	})
	if err != nil {
		return nil, err
	}

	s := newSession(id, page, m.opts.Headless, m.now())
	s.login = m.newMachine(s.Do, m.store, m.opts.Login)

	if err := s.login.Initialize(ctx); err != nil {
		_ = s.close(m.opts.StopTimeout)
		return nil, err
	}
	return s, nil
}

func (m *Manager) watch(ctx context.Context, s *Session) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		st, err := s.login.WaitForLogin(ctx)
		switch {
		case st == login.Connected:
			logx.L().Infow("login_detected", "session_id", s.ID)
		case errors.Is(err, context.Canceled):
		case err != nil:
			logx.L().Infow("login_wait_ended", "session_id", s.ID, "state", st, "err", err)
		}
	}()
}

// Start begins creating a session in the background unless one exists.
func (m *Manager) Start(ctx context.Context) (StartStatus, error) {
	m.mu.Lock()
	closed, creating := m.closed, m.creating
	m.mu.Unlock()
	if closed {
		return StatusStartError, ErrClosed
	}
	if creating {
		return StatusStarting, nil
	}
	if s := m.live(ctx); s != nil {
		return StatusAlreadyStarted, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StatusStartError, ErrClosed
	}
	// Reported as initializing from now on, before the creation goroutine runs.
	m.creating = true
	gen := m.gen
	m.mu.Unlock()

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if _, err := m.acquire(context.Background(), gen); err != nil {
			logx.L().Warnw("session_start_failed", "err", err)
		}
	}()
	return StatusStarting, nil
}

// Stop tears down the session. With no session it is a no-op. A creation in
// progress is abandoned.
func (m *Manager) Stop(ctx context.Context) (StopStatus, error) {
	m.mu.Lock()
	s := m.current
	creating := m.creating
	m.current = nil
	m.gen++
	m.lastErr = nil
	m.mu.Unlock()

	if s == nil {
		if creating {
			logx.L().Infow("session_stop_during_creation")
			return StatusStopped, nil
		}
		return StatusNotStarted, nil
	}

	timeout := m.opts.StopTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = max(left, min(minStopTimeout, m.opts.StopTimeout))
		}
	}
	if err := s.close(timeout); err != nil {
		logx.L().Warnw("session_close_failed", "session_id", s.ID, "err", err)
	}
	logx.L().Infow("session_stopped", "session_id", s.ID)
	return StatusStopped, nil
}

// Restart stops the session, clears artifacts, pauses, and creates a new one.
func (m *Manager) Restart(ctx context.Context) (*Session, error) {
	if _, err := m.Stop(ctx); err != nil {
		return nil, err
	}
	if err := m.store.Clear(); err != nil {
		logx.L().Warnw("artifacts_clear_failed", "err", err)
	}
	if err := m.pause(ctx, m.opts.RestartPause); err != nil {
		return nil, err
	}
	return m.Acquire(ctx)
}

// State re-evaluates the login state of the current session.
func (m *Manager) State(ctx context.Context) login.State {
	m.mu.Lock()
	s, creating, lastErr := m.current, m.creating, m.lastErr
	m.mu.Unlock()

	switch {
	case s != nil:
	case creating:
		return login.Initializing
	case lastErr != nil:
		return login.Error
	default:
		return login.NotStarted
	}

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	st, err := s.login.Evaluate(pctx)
	if err != nil {
		logx.L().Debugw("state_probe_failed", "session_id", s.ID, "err", err)
	}
	return st
}

// LastError is the error of the last failed creation, cleared by the next attempt.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Snapshot returns the latest challenge of the current session, falling back
// to the copy on disk.
func (m *Manager) Snapshot() (login.Challenge, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return login.Challenge{}, ErrNotStarted
	}
	if c, ok := s.login.Snapshot(); ok {
		return c, nil
	}
	png, at, err := m.store.Challenge()
	if err != nil {
		return login.Challenge{}, ErrNoChallenge
	}
	return login.Challenge{PNG: png, CapturedAt: at}, nil
}

func (m *Manager) RefreshChallenge(ctx context.Context) (login.RefreshResult, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return "", ErrNotStarted
	}
	return s.login.RefreshChallenge(ctx)
}

// Connected returns the current session if it is logged in.
func (m *Manager) Connected(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNotStarted
	}
	if m.State(ctx) != login.Connected {
		return nil, ErrNotConnected
	}
	return s, nil
}

// ConnectedTarget is Connected for callers that only dispatch.
func (m *Manager) ConnectedTarget(ctx context.Context) (dispatch.Target, error) {
	s, err := m.Connected(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Info is a debug view of the manager.
type Info struct {
	State      login.State          `json:"state"`
	SessionID  string               `json:"session_id,omitempty"`
	CreatedAt  *time.Time           `json:"created_at,omitempty"`
	Headless   bool                 `json:"headless"`
	CurrentURL string               `json:"current_url,omitempty"`
	ControlURL string               `json:"control_url,omitempty"`
	LastError  string               `json:"last_error,omitempty"`
	Artifacts  []artifacts.FileInfo `json:"artifacts"`
}

func (m *Manager) Info(ctx context.Context) Info {
	info := Info{
		State:     m.State(ctx),
		Headless:  m.opts.Headless,
		Artifacts: m.store.Info(),
	}
	if err := m.LastError(); err != nil {
		info.LastError = err.Error()
	}

	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return info
	}

	created := s.CreatedAt
	info.SessionID = s.ID
	info.CreatedAt = &created
	info.ControlURL = s.ControlURL()

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	_ = s.Do(pctx, func(p browser.Capability) error {
		url, err := p.CurrentURL(pctx)
		info.CurrentURL = url
		return err
	})
	return info
}

// ControlURL returns the DevTools endpoint of the current session.
func (m *Manager) ControlURL() (string, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return "", ErrNotStarted
	}
	if u := s.ControlURL(); u != "" {
		return u, nil
	}
	return "", errors.New("browser driver exposes no debugger endpoint")
}

// Shutdown stops the session and waits for background work.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if _, err := m.Stop(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
