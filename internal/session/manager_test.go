package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/artifacts"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser/browsertest"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/dispatch"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/login"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testOptions() Options {
	lo := login.DefaultOptions()
	lo.TargetURL = "https://chat.example/"
	lo.ReadyStep = time.Millisecond
	lo.ChallengeBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	lo.RenderDelay = 0
	lo.RefreshSettle = 0
	lo.PollStart = 5 * time.Millisecond
	lo.PollMax = 20 * time.Millisecond
	lo.LoginTimeout = 2 * time.Second

	return Options{
		Headless:     true,
		StartTimeout: 5 * time.Second,
		StopTimeout:  time.Second,
		ProbeTimeout: 100 * time.Millisecond,
		RestartPause: time.Second,
		Login:        lo,
	}
}

func newTestManager(t *testing.T, l browser.Launcher, mutate func(*Options)) (*Manager, *artifacts.Store) {
	t.Helper()
	store, err := artifacts.NewStore(t.TempDir())
	require.NoError(t, err)

	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	m := NewManager(l, store, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m, store
}

func TestAcquire_ConcurrentCallersShareOneCreation(t *testing.T) {
	l := &browsertest.Launcher{Gate: make(chan struct{})}
	m, _ := newTestManager(t, l, nil)

	const callers = 10
	sessions := make([]*Session, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			s, err := m.Acquire(context.Background())
			sessions[i] = s
			return err
		})
	}

	require.Eventually(t, func() bool { return l.Launches() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, login.Initializing, m.State(context.Background()))
	close(l.Gate)
	require.NoError(t, g.Wait())

	require.Equal(t, 1, l.Launches())
	for _, s := range sessions {
		require.Same(t, sessions[0], s)
	}

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, sessions[0], s)
	require.Equal(t, 1, l.Launches())
}

func TestAcquire_WaiterGivesUpWithoutCancellingCreation(t *testing.T) {
	l := &browsertest.Launcher{Gate: make(chan struct{})}
	m, _ := newTestManager(t, l, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(l.Gate)
	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 1, l.Launches())
}

func TestAcquire_StaleSessionIsReplaced(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, nil)

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	l.Pages()[0].ProbeErr = errors.New("target closed")

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 2, l.Launches())
	require.Eventually(t, func() bool { return l.Pages()[0].Closed() == 1 }, time.Second, time.Millisecond)
}

func TestAcquire_HungProbeCountsAsStale(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, nil)

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	l.Pages()[0].Hang = true

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestAcquire_BusySessionIsNotProbed(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, nil)

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	l.Pages()[0].ProbeErr = errors.New("would fail")

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func(browser.Capability) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	again, err := m.Acquire(context.Background())
	close(release)
	require.NoError(t, err)
	require.Same(t, s, again)
}

func TestAcquire_CreationTimeout(t *testing.T) {
	l := &browsertest.Launcher{Gate: make(chan struct{})}
	m, _ := newTestManager(t, l, func(o *Options) { o.StartTimeout = 30 * time.Millisecond })

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCreationTimeout)
	require.Equal(t, login.Error, m.State(context.Background()))

	close(l.Gate)
	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, login.WaitingQRScan, s.State())
	require.Equal(t, 2, l.Launches())
}

func TestAcquire_TimeoutTearsDownPartialSession(t *testing.T) {
	l := &browsertest.Launcher{New: func() *browsertest.Page {
		p := browsertest.NewPage()
		p.NotReady = 1 << 20
		return p
	}}
	m, _ := newTestManager(t, l, func(o *Options) {
		o.StartTimeout = 50 * time.Millisecond
		o.Login.ReadyAttempts = 1 << 20
	})

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCreationTimeout)
	require.Eventually(t, func() bool { return l.Pages()[0].Closed() == 1 }, time.Second, time.Millisecond)

	_, err = m.Snapshot()
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestAcquire_LaunchFailure(t *testing.T) {
	boom := errors.New("chrome not found")
	l := &browsertest.Launcher{Err: boom}
	m, _ := newTestManager(t, l, nil)

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCreationFailure)
	require.ErrorIs(t, err, boom)
	require.Equal(t, login.Error, m.State(context.Background()))
	require.ErrorIs(t, m.LastError(), boom)
}

func TestAcquire_LoginDetectionFailure(t *testing.T) {
	l := &browsertest.Launcher{New: func() *browsertest.Page {
		p := browsertest.NewPage()
		p.Visible = map[browser.Role]bool{}
		return p
	}}
	m, store := newTestManager(t, l, nil)

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCreationFailure)
	require.ErrorIs(t, err, login.ErrLoginDetection)
	require.Equal(t, 1, l.Pages()[0].Closed())
	require.Equal(t, login.Error, m.State(context.Background()))

	saved := map[string]bool{}
	for _, fi := range store.Info() {
		saved[fi.Name] = fi.Exists
	}
	require.True(t, saved[artifacts.FailureFile])
	require.True(t, saved[artifacts.PageSourceFile])
}

func TestStop_Idempotent(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, nil)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	st, err := m.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusStopped, st)

	st, err = m.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusNotStarted, st)

	require.Equal(t, 1, l.Pages()[0].Closed())
	require.Equal(t, login.NotStarted, m.State(context.Background()))
}

func TestStop_DuringCreationDiscardsResult(t *testing.T) {
	l := &browsertest.Launcher{Gate: make(chan struct{})}
	m, _ := newTestManager(t, l, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return l.Launches() == 1 }, time.Second, time.Millisecond)

	st, err := m.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusStopped, st)

	close(l.Gate)
	require.ErrorIs(t, <-errc, ErrCreationAborted)
	require.Equal(t, 1, l.Pages()[0].Closed())
	require.Equal(t, login.NotStarted, m.State(context.Background()))
}

func TestStart(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, nil)

	st, err := m.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusStarting, st)

	require.Eventually(t, func() bool {
		return m.State(context.Background()) == login.WaitingQRScan
	}, time.Second, time.Millisecond)

	st, err = m.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyStarted, st)
	require.Equal(t, 1, l.Launches())
}

func TestStart_AfterShutdown(t *testing.T) {
	m, _ := newTestManager(t, &browsertest.Launcher{}, nil)
	require.NoError(t, m.Shutdown(context.Background()))

	st, err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, StatusStartError, st)
}

func TestRestart(t *testing.T) {
	l := &browsertest.Launcher{}
	m, store := newTestManager(t, l, nil)
	var paused []time.Duration
	m.pause = func(ctx context.Context, d time.Duration) error {
		paused = append(paused, d)
		// The old challenge is gone before the new session captures one.
		_, _, err := store.Challenge()
		require.ErrorIs(t, err, artifacts.ErrUnavailable)
		return nil
	}

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	second, err := m.Restart(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, []time.Duration{time.Second}, paused)
	require.Equal(t, 1, l.Pages()[0].Closed())
}

func TestSnapshot(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, nil)

	_, err := m.Snapshot()
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = m.Acquire(context.Background())
	require.NoError(t, err)

	c, err := m.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []byte("\x89PNG-fake"), c.PNG)
}

func TestConnected(t *testing.T) {
	t.Run("waiting for scan", func(t *testing.T) {
		m, _ := newTestManager(t, &browsertest.Launcher{}, nil)
		_, err := m.Connected(context.Background())
		require.ErrorIs(t, err, ErrNotStarted)

		_, err = m.Acquire(context.Background())
		require.NoError(t, err)
		_, err = m.Connected(context.Background())
		require.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("logged in", func(t *testing.T) {
		l := &browsertest.Launcher{New: func() *browsertest.Page { return browsertest.NewConnectedPage("A") }}
		m, _ := newTestManager(t, l, nil)
		_, err := m.Acquire(context.Background())
		require.NoError(t, err)

		s, err := m.Connected(context.Background())
		require.NoError(t, err)
		require.True(t, s.Connected())
	})
}

func TestWatcherDetectsLogin(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, func(o *Options) { o.WatchLogin = true })

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, login.WaitingQRScan, s.State())

	l.Pages()[0].Set(browser.RoleConversationList, true)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
}

func TestInfo(t *testing.T) {
	l := &browsertest.Launcher{}
	m, store := newTestManager(t, l, nil)

	info := m.Info(context.Background())
	require.Equal(t, login.NotStarted, info.State)
	require.Empty(t, info.SessionID)

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.SaveFailure(nil, "<html>"))

	info = m.Info(context.Background())
	require.Equal(t, s.ID, info.SessionID)
	require.Equal(t, "https://chat.example/", info.CurrentURL)
	require.True(t, info.Headless)
	require.Len(t, info.Artifacts, 3)

	_, err = m.ControlURL()
	require.Error(t, err)
}

func TestAcquire_CancelledCallerGetsNoSession(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, nil)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	l.Pages()[0].Hang = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := m.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, s)
	require.Equal(t, 1, l.Launches())
	require.Zero(t, l.Pages()[0].Closed())
}

func TestAcquireTarget_LoginAfterWatcherGaveUp(t *testing.T) {
	l := &browsertest.Launcher{New: func() *browsertest.Page {
		p := browsertest.NewPage()
		p.Conversations = []string{"A"}
		return p
	}}
	m, _ := newTestManager(t, l, func(o *Options) {
		o.WatchLogin = true
		o.Login.LoginTimeout = 30 * time.Millisecond
	})

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, login.WaitingQRScan, s.State())

	// Scanned well after the watcher stopped polling.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, login.WaitingQRScan, s.State())
	page := l.Pages()[0]
	page.Set(browser.RoleConversationList, true)

	target, err := m.AcquireTarget(context.Background())
	require.NoError(t, err)
	require.True(t, target.Connected())

	d := dispatch.New(dispatch.Options{ComposeWait: 100 * time.Millisecond, PollEvery: 10 * time.Millisecond})
	res, err := d.Send(context.Background(), target, []string{"A"}, "hi")
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, res.Sent)
	require.Equal(t, []browsertest.Message{{To: "A", Text: "hi"}}, page.Sent())
}

func TestStop_CancelsLoginWatcher(t *testing.T) {
	l := &browsertest.Launcher{}
	m, _ := newTestManager(t, l, func(o *Options) {
		o.WatchLogin = true
		o.Login.LoginTimeout = time.Minute
	})

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	_, err = m.Stop(context.Background())
	require.NoError(t, err)

	// Shutdown waits for the watcher, which must end long before LoginTimeout.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestStop_ExpiredDeadlineStillClosesPage(t *testing.T) {
	l := &browsertest.Launcher{New: func() *browsertest.Page {
		p := browsertest.NewPage()
		p.CloseDelay = 100 * time.Millisecond
		return p
	}}
	m, _ := newTestManager(t, l, nil)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	st, err := m.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, st)
	require.Equal(t, 1, l.Pages()[0].Closed())
}

func TestStart_ReportsInitializingImmediately(t *testing.T) {
	l := &browsertest.Launcher{Gate: make(chan struct{})}
	m, _ := newTestManager(t, l, nil)

	st, err := m.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusStarting, st)
	require.Equal(t, login.Initializing, m.State(context.Background()))

	close(l.Gate)
	require.Eventually(t, func() bool {
		return m.State(context.Background()) == login.WaitingQRScan
	}, time.Second, time.Millisecond)
}

func TestStart_StopBeforeCreationFinishes(t *testing.T) {
	l := &browsertest.Launcher{Gate: make(chan struct{})}
	m, _ := newTestManager(t, l, nil)

	_, err := m.Start(context.Background())
	require.NoError(t, err)
	st, err := m.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusStopped, st)

	close(l.Gate)
	require.Eventually(t, func() bool {
		return m.State(context.Background()) == login.NotStarted
	}, time.Second, time.Millisecond)
	_, err = m.Snapshot()
	require.ErrorIs(t, err, ErrNotStarted)
}
