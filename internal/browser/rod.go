package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080
)

// Page is a Capability backed by a single rod page.
type Page struct {
	browser    *rod.Browser
	page       *rod.Page
	controlURL string

	closeOnce sync.Once
	release   func() error
}

// Connect attaches to the DevTools endpoint at controlURL and opens a page.
// release, when non-nil, runs after the browser connection is closed.
func Connect(ctx context.Context, controlURL string, release func() error) (*Page, error) {
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	page = page.Context(context.Background())

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	return &Page{browser: b, page: page, controlURL: controlURL, release: release}, nil
}

func (p *Page) ControlURL() string { return p.controlURL }

func (p *Page) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *Page) PageReady(ctx context.Context) (bool, error) {
	raw, err := p.ExecuteScript(ctx, ScriptReadyState)
	if err != nil {
		return false, err
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil {
		return false, fmt.Errorf("decode ready state: %w", err)
	}
	return state == "complete", nil
}

func (p *Page) FindVisible(ctx context.Context, role Role) (Element, error) {
	selectors, ok := roleSelectors[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	pg := p.page.Context(ctx)
	for _, sel := range selectors {
		has, el, err := pg.Has(sel)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if !has {
			continue
		}
		if visible, err := el.Visible(); err == nil && visible {
			return el, nil
		}
	}
	return nil, ErrNotFound
}

func element(el Element) (*rod.Element, error) {
	e, ok := el.(*rod.Element)
	if !ok || e == nil {
		return nil, errors.New("element handle does not belong to this page")
	}
	return e, nil
}

func (p *Page) Click(ctx context.Context, el Element) error {
	e, err := element(el)
	if err != nil {
		return err
	}
	return e.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (p *Page) TypeText(ctx context.Context, el Element, text string) error {
	e, err := element(el)
	if err != nil {
		return err
	}
	return e.Context(ctx).Input(text)
}

func (p *Page) Submit(ctx context.Context, el Element) error {
	e, err := element(el)
	if err != nil {
		return err
	}
	return e.Context(ctx).Type(input.Enter)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

func (p *Page) PageSource(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *Page) ExecuteScript(ctx context.Context, script Script, args ...any) (json.RawMessage, error) {
	js, ok := scripts[script]
	if !ok {
		return nil, fmt.Errorf("unknown script %q", script)
	}
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", script, err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("script %s: marshal result: %w", script, err)
	}
	return raw, nil
}

// Close closes the page and the browser connection. Safe to call repeatedly.
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.page.Close()
		err = p.browser.Close()
		if p.release != nil {
			if rerr := p.release(); rerr != nil && err == nil {
				err = rerr
			}
		}
	})
	return err
}

// LocalLauncher starts Chrome on this host, or attaches to DebuggerURL when set.
type LocalLauncher struct {
	Bin         string
	DebuggerURL string
}

func (l *LocalLauncher) Launch(ctx context.Context, opts LaunchOptions) (Capability, error) {
	if l.DebuggerURL != "" {
		return Connect(ctx, l.DebuggerURL, nil)
	}

	userDataDir := opts.UserDataDir
	if userDataDir == "" {
		userDataDir = filepath.Join(os.TempDir(), "webchat-dispatcher-profile")
	}
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create user data directory: %w", err)
	}

	lc := launcher.New().
		Context(ctx).
		Headless(opts.Headless).
		NoSandbox(true).
		UserDataDir(userDataDir).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-software-rasterizer").
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", fmt.Sprintf("%d,%d", viewportWidth, viewportHeight)).
		Set("disable-breakpad").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("disable-component-update").
		Set("disable-client-side-phishing-detection")
	if opts.Headless {
		lc = lc.Set("disable-extensions")
	} else {
		lc = lc.Set("start-maximized")
	}
	if l.Bin != "" {
		lc = lc.Bin(l.Bin)
	}

	controlURL, err := lc.Launch()
	if err != nil {
		lc.Kill()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	page, err := Connect(ctx, controlURL, func() error {
		lc.Kill()
		return nil
	})
	if err != nil {
		lc.Kill()
		return nil, err
	}
	return page, nil
}

// LookPath reports the Chrome binary rod would launch.
func LookPath(bin string) (string, bool) {
	if bin != "" {
		if _, err := os.Stat(bin); err == nil {
			return bin, true
		}
		return bin, false
	}
	return launcher.LookPath()
}
