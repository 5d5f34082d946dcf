package login

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/logx"
)

var (
	// ErrLoginDetection is returned when neither a logged-in page nor a QR
	// challenge could be found within the attempt budget.
	ErrLoginDetection = errors.New("login detection failed: no challenge and no connected signal")
	// ErrLoginTimeout is returned when the QR was not scanned within the wait.
	ErrLoginTimeout = errors.New("timed out waiting for login")
	// ErrTerminal is returned by operations attempted after the machine entered Error.
	ErrTerminal = errors.New("login is in error state; start a new session")
)

// RefreshResult reports what RefreshChallenge did.
type RefreshResult string

const (
	Refreshed        RefreshResult = "refreshed"
	PageReloaded     RefreshResult = "page_reloaded"
	AlreadyConnected RefreshResult = "already_connected"
)

// Access runs fn with exclusive use of the page.
type Access func(ctx context.Context, fn func(browser.Capability) error) error

// Direct is an Access that does no locking.
func Direct(page browser.Capability) Access {
	return func(ctx context.Context, fn func(browser.Capability) error) error {
		return fn(page)
	}
}

// Sink receives the images and markup worth keeping on disk.
type Sink interface {
	SaveChallenge(png []byte) error
	SaveFailure(screenshot []byte, html string) error
}

type Options struct {
	TargetURL string

	ReadyAttempts int
	ReadyStep     time.Duration

	// ChallengeBackoff is the wait before each challenge detection attempt.
	ChallengeBackoff []time.Duration
	RenderDelay      time.Duration
	// RefreshSettle is the wait after pressing the challenge refresh control.
	RefreshSettle time.Duration
	StaleAfter    time.Duration

	LoginTimeout time.Duration
	PollStart    time.Duration
	PollMax      time.Duration
}

func DefaultOptions() Options {
	return Options{
		TargetURL:        "https://web.whatsapp.com",
		ReadyAttempts:    30,
		ReadyStep:        time.Second,
		ChallengeBackoff: []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second},
		RenderDelay:      time.Second,
		RefreshSettle:    2 * time.Second,
		StaleAfter:       30 * time.Second,
		LoginTimeout:     60 * time.Second,
		PollStart:        time.Second,
		PollMax:          8 * time.Second,
	}
}

// Challenge is the latest QR capture.
type Challenge struct {
	PNG        []byte
	CapturedAt time.Time
}

// Machine drives one session's login. Probes go through Access, so a Machine
// can be used from several goroutines.
type Machine struct {
	access Access
	sink   Sink
	opts   Options

	sleep func(context.Context, time.Duration) error
	now   func() time.Time

	mu        sync.Mutex
	state     State
	challenge Challenge
}

func NewMachine(access Access, sink Sink, opts Options) *Machine {
	return &Machine{
		access: access,
		sink:   sink,
		opts:   opts,
		sleep:  sleepCtx,
		now:    time.Now,
		state:  NotStarted,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the cached state without probing.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the latest challenge capture, if any.
func (m *Machine) Snapshot() (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.challenge.PNG) == 0 {
		return Challenge{}, false
	}
	return m.challenge, true
}

func (m *Machine) observe(o Observation) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = Next(prev, o)
	if m.state != prev {
		logx.L().Infow("login_state", "from", prev, "to", m.state, "on", o)
	}
	return m.state
}

// Initialize opens the target page and works out whether a QR scan is needed.
// It returns nil in Connected or WaitingQRScan.
func (m *Machine) Initialize(ctx context.Context) error {
	m.observe(ObserveStart)

	err := m.access(ctx, func(p browser.Capability) error {
		return p.Navigate(ctx, m.opts.TargetURL)
	})
	if err != nil {
		m.observe(ObserveFailure)
		return err
	}

	if err := m.waitReady(ctx); err != nil {
		m.observe(ObserveFailure)
		return err
	}

	_ = m.access(ctx, func(p browser.Capability) error {
		_, err := p.ExecuteScript(ctx, browser.ScriptStripAutomation)
		return err
	})

	connected, err := m.probeConnected(ctx)
	if err != nil {
		m.observe(ObserveFailure)
		return err
	}
	if connected {
		m.observe(ObserveConnected)
		return nil
	}

	for i, wait := range m.opts.ChallengeBackoff {
		if err := m.sleep(ctx, wait); err != nil {
			m.observe(ObserveFailure)
			return err
		}

		connected, err := m.probeConnected(ctx)
		if err != nil && ctx.Err() != nil {
			m.observe(ObserveFailure)
			return ctx.Err()
		}
		if connected {
			m.observe(ObserveConnected)
			return nil
		}

		m.clickRefresh(ctx)
		if err := m.sleep(ctx, m.opts.RefreshSettle); err != nil {
			m.observe(ObserveFailure)
			return err
		}

		found, err := m.capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.observe(ObserveFailure)
				return ctx.Err()
			}
			logx.L().Warnw("challenge_probe_failed", "attempt", i+1, "err", err)
		}
		if found {
			m.observe(ObserveChallenge)
			return nil
		}
		m.observe(ObserveNothing)
		logx.L().Infow("challenge_not_found", "attempt", i+1, "of", len(m.opts.ChallengeBackoff))
	}

	m.saveFailure(ctx)
	m.observe(ObserveExhausted)
	return ErrLoginDetection
}

func (m *Machine) waitReady(ctx context.Context) error {
	for i := 0; i < m.opts.ReadyAttempts; i++ {
		var ready bool
		err := m.access(ctx, func(p browser.Capability) error {
			var err error
			ready, err = p.PageReady(ctx)
			return err
		})
		if err == nil && ready {
			return nil
		}
		if err := m.sleep(ctx, m.opts.ReadyStep); err != nil {
			return err
		}
	}
	logx.L().Warnw("page_not_ready", "attempts", m.opts.ReadyAttempts)
	return nil
}

func (m *Machine) probeConnected(ctx context.Context) (bool, error) {
	var connected bool
	err := m.access(ctx, func(p browser.Capability) error {
		_, err := p.FindVisible(ctx, browser.RoleConversationList)
		switch {
		case err == nil:
			connected = true
			return nil
		case errors.Is(err, browser.ErrNotFound):
			return nil
		}
		return err
	})
	return connected, err
}

// clickRefresh presses the challenge refresh control if one is showing.
func (m *Machine) clickRefresh(ctx context.Context) bool {
	clicked := false
	_ = m.access(ctx, func(p browser.Capability) error {
		el, err := p.FindVisible(ctx, browser.RoleChallengeRefresh)
		if err != nil {
			return err
		}
		if err := p.Click(ctx, el); err != nil {
			return err
		}
		clicked = true
		return nil
	})
	return clicked
}

// capture looks for the challenge and stores a screenshot of it.
func (m *Machine) capture(ctx context.Context) (bool, error) {
	var found bool
	err := m.access(ctx, func(p browser.Capability) error {
		_, err := p.FindVisible(ctx, browser.RoleChallenge)
		if errors.Is(err, browser.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return false, err
	}

	if err := m.sleep(ctx, m.opts.RenderDelay); err != nil {
		return false, err
	}

	var png []byte
	err = m.access(ctx, func(p browser.Capability) error {
		var err error
		png, err = p.Screenshot(ctx)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("capture challenge: %w", err)
	}

	m.mu.Lock()
	m.challenge = Challenge{PNG: png, CapturedAt: m.now()}
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.SaveChallenge(png); err != nil {
			logx.L().Warnw("challenge_save_failed", "err", err)
		}
	}
	logx.L().Infow("challenge_captured", "bytes", len(png))
	return true, nil
}

func (m *Machine) saveFailure(ctx context.Context) {
	var (
		shot []byte
		html string
	)
	_ = m.access(ctx, func(p browser.Capability) error {
		shot, _ = p.Screenshot(ctx)
		html, _ = p.PageSource(ctx)
		return nil
	})
	if m.sink == nil {
		return
	}
	if err := m.sink.SaveFailure(shot, html); err != nil {
		logx.L().Warnw("diagnostics_save_failed", "err", err)
		return
	}
	logx.L().Errorw("login_detection_failed", "screenshot_bytes", len(shot), "html_bytes", len(html))
}

func (m *Machine) stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.StaleAfter > 0 && m.now().Sub(m.challenge.CapturedAt) > m.opts.StaleAfter
}

// Evaluate re-probes the page and returns the resulting state. Connected and
// Error are returned as cached. A stale challenge is refreshed.
func (m *Machine) Evaluate(ctx context.Context) (State, error) {
	st := m.State()
	switch st {
	case Connected, Error, NotStarted, Initializing:
		return st, nil
	}

	connected, err := m.probeConnected(ctx)
	if err != nil {
		return st, err
	}
	if connected {
		return m.observe(ObserveConnected), nil
	}

	if m.stale() {
		if _, err := m.RefreshChallenge(ctx); err != nil {
			return m.State(), err
		}
	}
	return m.State(), nil
}

// WaitForLogin polls for the connected signal with doubling backoff until it
// appears, the challenge is abandoned, or LoginTimeout passes.
func (m *Machine) WaitForLogin(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.LoginTimeout)
	defer cancel()

	backoff := m.opts.PollStart
	for {
		st, err := m.Evaluate(ctx)
		if st != WaitingQRScan {
			return st, err
		}
		if err != nil && ctx.Err() == nil {
			logx.L().Warnw("login_probe_failed", "err", err)
		}

		if err := m.sleep(ctx, backoff); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return m.State(), ErrLoginTimeout
			}
			return m.State(), err
		}
		backoff *= 2
		if backoff > m.opts.PollMax {
			backoff = m.opts.PollMax
		}
	}
}

// RefreshChallenge asks the page for a new QR, reloading the page when no
// refresh control is showing, and recaptures it.
func (m *Machine) RefreshChallenge(ctx context.Context) (RefreshResult, error) {
	switch m.State() {
	case Error:
		return "", ErrTerminal
	case Connected:
		return AlreadyConnected, nil
	}

	connected, err := m.probeConnected(ctx)
	if err != nil {
		return "", err
	}
	if connected {
		m.observe(ObserveConnected)
		return AlreadyConnected, nil
	}

	result := Refreshed
	if m.clickRefresh(ctx) {
		if err := m.sleep(ctx, m.opts.RefreshSettle); err != nil {
			return "", err
		}
	} else {
		result = PageReloaded
		err := m.access(ctx, func(p browser.Capability) error {
			return p.Navigate(ctx, m.opts.TargetURL)
		})
		if err != nil {
			return "", fmt.Errorf("reload page: %w", err)
		}
		if err := m.waitReady(ctx); err != nil {
			return "", err
		}
	}

	if err := m.sleep(ctx, m.opts.RenderDelay); err != nil {
		return "", err
	}

	found, err := m.capture(ctx)
	if err != nil {
		return result, err
	}
	if found {
		m.observe(ObserveChallenge)
	} else {
		logx.L().Warnw("challenge_missing_after_refresh", "result", result)
	}
	return result, nil
}
