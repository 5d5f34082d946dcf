package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/dispatch"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/logx"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/metrics"
)

// ErrInvalidRequest is returned by Submit before any job is recorded.
var ErrInvalidRequest = errors.New("invalid send request")

const noneSent = "no message was sent"

// JobStore is the persistence the runner needs.
type JobStore interface {
	Create(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, status Status, result, errText string) error
	Get(ctx context.Context, id string) (*Job, error)
}

type Sessions interface {
	AcquireTarget(ctx context.Context) (dispatch.Target, error)
}

type Sender interface {
	Send(ctx context.Context, t dispatch.Target, recipients []string, message string) (dispatch.Result, error)
}

// Runner executes each submitted job in its own goroutine.
type Runner struct {
	store    JobStore
	sessions Sessions
	sender   Sender
	timeout  time.Duration

	wg    sync.WaitGroup
	newID func() string
	now   func() time.Time
}

func NewRunner(store JobStore, sessions Sessions, sender Sender, timeout time.Duration) *Runner {
	return &Runner{
		store:    store,
		sessions: sessions,
		sender:   sender,
		timeout:  timeout,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Validate trims recipient names and rejects requests that could never send.
func Validate(recipients []string, message string) ([]string, error) {
	cleaned := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	return cleaned, nil
}

// Submit records a queued job and starts it. It returns as soon as the job
// row exists.
func (r *Runner) Submit(ctx context.Context, recipients []string, message string) (string, error) {
	cleaned, err := Validate(recipients, message)
	if err != nil {
		return "", err
	}

	id := r.newID()
	if _, err := r.store.Create(ctx, id); err != nil {
		return "", err
	}
	logx.L().Infow("job_queued", "job_id", id, "recipients", len(cleaned))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(id, cleaned, message)
	}()
	return id, nil
}

func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

func (r *Runner) run(id string, recipients []string, message string) {
	started := r.now()
	if err := r.write(id, StatusRunning, "", ""); err != nil {
		logx.L().Errorw("job_start_failed", "job_id", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	status, result, errText := r.execute(ctx, recipients, message)

	if err := r.write(id, status, result, errText); err != nil {
		logx.L().Errorw("job_finish_failed", "job_id", id, "status", status, "err", err)
		return
	}
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.Observe(r.now().Sub(started).Seconds())

	if status == StatusFailed {
		logx.L().Warnw("job_failed", "job_id", id, "error", errText)
		return
	}
	logx.L().Infow("job_finished", "job_id", id, "result", result)
}

func (r *Runner) execute(ctx context.Context, recipients []string, message string) (Status, string, string) {
	target, err := r.sessions.AcquireTarget(ctx)
	if err != nil {
		return StatusFailed, "", err.Error()
	}

	res, err := r.sender.Send(ctx, target, recipients, message)
	if err != nil {
		return StatusFailed, "", err.Error()
	}

	if len(res.Sent) == 0 {
		if len(res.Failed) == 0 {
			return StatusFailed, "", noneSent
		}
		return StatusFailed, "", noneSent + ": " + failures(res.Failed)
	}
	return StatusFinished, Summary(res), ""
}

// Summary is the human readable result of a batch with at least one send.
func Summary(res dispatch.Result) string {
	s := fmt.Sprintf("messages sent to %d contact(s)", len(res.Sent))
	if len(res.Failed) > 0 {
		s += fmt.Sprintf("; %d failed: %s", len(res.Failed), failures(res.Failed))
	}
	return s
}

func failures(fs []dispatch.Failure) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = fmt.Sprintf("%s (%s)", f.Name, f.Reason)
	}
	return strings.Join(parts, ", ")
}

// write uses its own deadline so a job that ran out of time can still be
// marked failed.
func (r *Runner) write(id string, status Status, result, errText string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.store.Update(ctx, id, status, result, errText)
}

// Wait blocks until every started job has reached a terminal status or ctx
// is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
