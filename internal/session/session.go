// Package session owns the single browser session: it creates it on demand,
// probes it for liveness, and tears it down.
package session

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/login"
)

var errStopTimeout = errors.New("browser did not close in time")

// Session is one live browser connection to the remote client. Page access is
// serialized through Do.
type Session struct {
	ID        string
	CreatedAt time.Time
	Headless  bool

	page  browser.Capability
	login *login.Machine
	sem   *semaphore.Weighted

	cancelWatch context.CancelFunc
}

func newSession(id string, page browser.Capability, headless bool, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		Headless:  headless,
		page:      page,
		sem:       semaphore.NewWeighted(1),
	}
}

// Do runs fn with exclusive use of the page.
func (s *Session) Do(ctx context.Context, fn func(browser.Capability) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn(s.page)
}

func (s *Session) State() login.State { return s.login.State() }

func (s *Session) Connected() bool { return s.login.State() == login.Connected }

// ControlURL is the DevTools endpoint, empty when the driver has none.
func (s *Session) ControlURL() string {
	if d, ok := s.page.(browser.Debuggable); ok {
		return d.ControlURL()
	}
	return ""
}

// probe reports whether the page still answers. A page busy with another
// caller is assumed alive.
func (s *Session) probe(ctx context.Context) (string, error) {
	if !s.sem.TryAcquire(1) {
		return "", nil
	}
	defer s.sem.Release(1)
	return s.page.CurrentURL(ctx)
}

func (s *Session) close(timeout time.Duration) error {
	if s.cancelWatch != nil {
		s.cancelWatch()
	}

	done := make(chan error, 1)
	go func() { done <- s.page.Close() }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return errStopTimeout
	}
}
