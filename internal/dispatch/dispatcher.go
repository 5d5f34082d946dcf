// Package dispatch sends one message to a batch of recipients through a
// connected session, one recipient at a time.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/logx"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/metrics"
)

var (
	ErrNotConnected      = errors.New("session is not connected")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrSendTimeout       = errors.New("timed out waiting for the message box")
)

// Target is a session the dispatcher can drive.
type Target interface {
	Connected() bool
	Do(ctx context.Context, fn func(browser.Capability) error) error
}

// Failure is one recipient that could not be reached.
type Failure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Result partitions a batch. Sent keeps input order.
type Result struct {
	Sent   []string  `json:"sent"`
	Failed []Failure `json:"failed"`
}

type Options struct {
	// SendDelay is the minimum spacing between two sends.
	SendDelay   time.Duration
	SettleDelay time.Duration
	// SubmitDelay is the pause between typing and pressing Enter.
	SubmitDelay time.Duration
	ComposeWait time.Duration
	PollEvery   time.Duration

	ListWait   time.Duration
	ScrollWait time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendDelay:   3 * time.Second,
		SettleDelay: 2 * time.Second,
		SubmitDelay: 500 * time.Millisecond,
		ComposeWait: 10 * time.Second,
		PollEvery:   250 * time.Millisecond,
		ListWait:    10 * time.Second,
		ScrollWait:  2 * time.Second,
	}
}

// Dispatcher paces sends across every batch it runs.
type Dispatcher struct {
	opts    Options
	limiter *rate.Limiter

	sleep func(context.Context, time.Duration) error
}

func New(opts Options) *Dispatcher {
	limit := rate.Inf
	if opts.SendDelay > 0 {
		limit = rate.Every(opts.SendDelay)
	}
	return &Dispatcher{
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		sleep:   sleepCtx,
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

// Send delivers message to each recipient in order. Per-recipient failures are
// collected in the result; the returned error is for the batch as a whole.
func (d *Dispatcher) Send(ctx context.Context, t Target, recipients []string, message string) (Result, error) {
	res := Result{Sent: []string{}, Failed: []Failure{}}
	if len(recipients) == 0 {
		return res, nil
	}
	if !t.Connected() {
		return res, ErrNotConnected
	}

	for i, name := range recipients {
		if err := d.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("dispatch abandoned after %d of %d: %w", i, len(recipients), err)
		}

		err := t.Do(ctx, func(p browser.Capability) error {
			return d.sendOne(ctx, p, name, message)
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("dispatch abandoned after %d of %d: %w", i, len(recipients), ctx.Err())
			}
			res.Failed = append(res.Failed, Failure{Name: name, Reason: err.Error(), Err: err})
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			logx.L().Warnw("send_failed", "recipient", name, "err", err)
			continue
		}

		res.Sent = append(res.Sent, name)
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		logx.L().Infow("send_success", "recipient", name)
	}
	return res, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, p browser.Capability, name, message string) error {
	raw, err := p.ExecuteScript(ctx, browser.ScriptOpenConversation, name)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	var opened bool
	if err := json.Unmarshal(raw, &opened); err != nil {
		return fmt.Errorf("open conversation: unexpected result %s", raw)
	}
	if !opened {
		return ErrRecipientNotFound
	}

	if err := d.sleep(ctx, d.opts.SettleDelay); err != nil {
		return err
	}

	box, err := d.waitFor(ctx, p, browser.RoleComposeBox, d.opts.ComposeWait)
	if err != nil {
		if errors.Is(err, browser.ErrNotFound) {
			return ErrSendTimeout
		}
		return err
	}

	if err := p.Click(ctx, box); err != nil {
		return fmt.Errorf("focus message box: %w", err)
	}
	if err := p.TypeText(ctx, box, message); err != nil {
		return fmt.Errorf("type message: %w", err)
	}
	if err := d.sleep(ctx, d.opts.SubmitDelay); err != nil {
		return err
	}
	if err := p.Submit(ctx, box); err != nil {
		return fmt.Errorf("submit message: %w", err)
	}
	return nil
}

// waitFor polls for a visible role. It returns browser.ErrNotFound when wait
// passes without a match.
func (d *Dispatcher) waitFor(ctx context.Context, p browser.Capability, role browser.Role, wait time.Duration) (browser.Element, error) {
	polls := int(wait / d.opts.PollEvery)
	if polls < 1 {
		polls = 1
	}
	for i := 0; ; i++ {
		el, err := p.FindVisible(ctx, role)
		if err == nil {
			return el, nil
		}
		if !errors.Is(err, browser.ErrNotFound) {
			return nil, err
		}
		if i >= polls {
			return nil, browser.ErrNotFound
		}
		if err := d.sleep(ctx, d.opts.PollEvery); err != nil {
			return nil, err
		}
	}
}

// Contacts lists the conversation names visible in the client, trimmed and
// without duplicates, in page order.
func (d *Dispatcher) Contacts(ctx context.Context, t Target) ([]string, error) {
	if !t.Connected() {
		return nil, ErrNotConnected
	}

	var names []string
	err := t.Do(ctx, func(p browser.Capability) error {
		if _, err := d.waitFor(ctx, p, browser.RoleConversationList, d.opts.ListWait); err != nil {
			if errors.Is(err, browser.ErrNotFound) {
				return errors.New("conversation list did not load")
			}
			return err
		}

		if _, err := p.ExecuteScript(ctx, browser.ScriptScrollConversations); err != nil {
			return fmt.Errorf("scroll conversations: %w", err)
		}
		if err := d.sleep(ctx, d.opts.ScrollWait); err != nil {
			return err
		}

		raw, err := p.ExecuteScript(ctx, browser.ScriptListConversations)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		var found []string
		if err := json.Unmarshal(raw, &found); err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		names = unique(found)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logx.L().Infow("contacts_listed", "count", len(names))
	return names, nil
}

func unique(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
