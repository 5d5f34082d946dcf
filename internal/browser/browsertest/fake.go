// Package browsertest provides an in-memory browser.Capability for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
)

var ErrClosed = errors.New("page closed")

// Message is one submitted compose box.
type Message struct {
	To   string
	Text string
}

type element struct{ role browser.Role }

// Page simulates the remote client. Set exported fields before use.
type Page struct {
	mu sync.Mutex

	URL string
	// NotReady makes PageReady report false this many times.
	NotReady int
	Visible  map[browser.Role]bool
	// VisibleAfter makes a role appear once it has been looked up more than n times.
	VisibleAfter  map[browser.Role]int
	Conversations []string
	// NoComposeFor names conversations whose compose box never shows.
	NoComposeFor map[string]bool
	Image        []byte
	Source       string
	// ProbeErr fails CurrentURL. Hang blocks CurrentURL until ctx is done.
	ProbeErr error
	Hang     bool
	// CloseDelay makes Close take this long.
	CloseDelay time.Duration

	lookups map[browser.Role]int
	calls   []string
	open    string
	draft   string
	sent    []Message
	closed  int
}

// NewPage returns a page showing a QR challenge.
func NewPage() *Page {
	return &Page{
		URL:     "https://web.whatsapp.com/",
		Visible: map[browser.Role]bool{browser.RoleChallenge: true},
		Image:   []byte("\x89PNG-fake"),
		Source:  "<html><body>fake</body></html>",
	}
}

// NewConnectedPage returns a logged-in page listing conversations.
func NewConnectedPage(conversations ...string) *Page {
	p := NewPage()
	p.Visible = map[browser.Role]bool{browser.RoleConversationList: true}
	p.Conversations = conversations
	return p
}

func (p *Page) record(format string, args ...any) {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *Page) alive() error {
	if p.closed > 0 {
		return ErrClosed
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return err
	}
	p.record("navigate %s", url)
	p.URL = url
	p.open = ""
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	hang, err, url := p.Hang, p.ProbeErr, p.URL
	if p.closed > 0 {
		err = ErrClosed
	}
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return url, err
}

func (p *Page) PageReady(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return false, err
	}
	if p.NotReady > 0 {
		p.NotReady--
		return false, nil
	}
	return true, nil
}

func (p *Page) FindVisible(ctx context.Context, role browser.Role) (browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.lookups == nil {
		p.lookups = map[browser.Role]int{}
	}
	p.lookups[role]++

	visible := p.Visible[role]
	if after, ok := p.VisibleAfter[role]; ok && p.lookups[role] > after {
		visible = true
	}
	if role == browser.RoleComposeBox {
		visible = p.open != "" && !p.NoComposeFor[p.open]
	}
	if !visible {
		return nil, browser.ErrNotFound
	}
	return element{role: role}, nil
}

func (p *Page) Click(ctx context.Context, el browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return err
	}
	e, ok := el.(element)
	if !ok {
		return errors.New("foreign element")
	}
	p.record("click %s", e.role)
	return nil
}

func (p *Page) TypeText(ctx context.Context, el browser.Element, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return err
	}
	p.draft += text
	return nil
}

func (p *Page) Submit(ctx context.Context, el browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return err
	}
	p.sent = append(p.sent, Message{To: p.open, Text: p.draft})
	p.draft = ""
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return nil, err
	}
	p.record("screenshot")
	return append([]byte(nil), p.Image...), nil
}

func (p *Page) PageSource(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return "", err
	}
	return p.Source, nil
}

func (p *Page) ExecuteScript(ctx context.Context, script browser.Script, args ...any) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alive(); err != nil {
		return nil, err
	}
	p.record("script %s", script)

	switch script {
	case browser.ScriptReadyState:
		return json.Marshal("complete")
	case browser.ScriptListConversations:
		names := p.Conversations
		if names == nil {
			names = []string{}
		}
		return json.Marshal(names)
	case browser.ScriptOpenConversation:
		if len(args) != 1 {
			return nil, errors.New("open conversation takes one argument")
		}
		target, _ := args[0].(string)
		for _, name := range p.Conversations {
			if name == target {
				p.open = name
				return json.Marshal(true)
			}
		}
		return json.Marshal(false)
	}
	return json.Marshal(true)
}

func (p *Page) Close() error {
	p.mu.Lock()
	delay := p.CloseDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// Set updates the visibility of a role while the page is in use.
func (p *Page) Set(role browser.Role, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Visible == nil {
		p.Visible = map[browser.Role]bool{}
	}
	p.Visible[role] = visible
}

func (p *Page) Lookups(role browser.Role) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups[role]
}

func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Page) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

func (p *Page) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Launcher hands out pages from New and counts launches.
type Launcher struct {
	New func() *Page
	Err error
	// Gate, when set, blocks Launch until it is closed or ctx is done.
	Gate chan struct{}

	launches atomic.Int32
	mu       sync.Mutex
	pages    []*Page
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Capability, error) {
	l.launches.Add(1)
	if l.Gate != nil {
		select {
		case <-l.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.Err != nil {
		return nil, l.Err
	}
	newPage := l.New
	if newPage == nil {
		newPage = NewPage
	}
	p := newPage()
	l.mu.Lock()
	l.pages = append(l.pages, p)
	l.mu.Unlock()
	return p, nil
}

func (l *Launcher) Launches() int { return int(l.launches.Load()) }

func (l *Launcher) Pages() []*Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Page(nil), l.pages...)
}
