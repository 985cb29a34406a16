package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/sdapi"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 30
)

// Backend is the part of the generation service the poller needs.
// *sdapi.Client implements it.
type Backend interface {
	URLBuilder
	TaskStatus(ctx context.Context, kind sdapi.Kind, taskID string) (*sdapi.StatusResponse, error)
}

// Callbacks receive task updates. Any of them may be nil.
type Callbacks struct {
	// OnProgress is called after every non-terminal status.
	OnProgress func(*Task)
	// OnResult is called at most once per task, when it is done.
	OnResult func(*Task)
	// OnError is called once when the task ends in failed, unknown or timeout.
	OnError func(*Task)
}

// Poller polls a task until it is terminal. The number of status requests
// per task is bounded; a task still running after MaxAttempts polls is
// declared timed out.
type Poller struct {
	backend     Backend
	table       *StatusTable
	interval    time.Duration
	maxAttempts int
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the delay between two status requests.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithMaxAttempts bounds the number of status requests per task.
func WithMaxAttempts(n int) PollerOption {
	return func(p *Poller) { p.maxAttempts = n }
}

// WithStatusTable replaces the label table.
func WithStatusTable(t *StatusTable) PollerOption {
	return func(p *Poller) { p.table = t }
}

// NewPoller returns a poller with a 5s interval and 30 attempts unless
// overridden.
func NewPoller(backend Backend, opts ...PollerOption) *Poller {
	p := &Poller{
		backend:     backend,
		table:       DefaultStatusTable(),
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	return p
}

// PollUntilTerminal polls t immediately and then every interval until it is
// terminal. It returns nil when the task is done and the task error
// otherwise. A transport or decode error on any poll ends the task.
//
// When ctx is cancelled polling stops, ctx.Err() is returned and no callback
// fires, including for a response that arrives after cancellation.
func (p *Poller) PollUntilTerminal(ctx context.Context, t *Task, cb Callbacks) error {
	if t.State.Terminal() {
		return t.Err
	}

	slog.Info("task_poll_start", "task_id", t.ID, "kind", t.Kind, "interval", p.interval.String(), "max_attempts", p.maxAttempts)

	for {
		t.Attempts++
		st, err := p.backend.TaskStatus(ctx, t.Kind, t.ID)
		if ctx.Err() != nil {
			slog.Info("task_poll_cancelled", "task_id", t.ID, "attempts", t.Attempts)
			return ctx.Err()
		}
		if err != nil {
			t.State = StateFailed
			t.Err = errors.Wrap(err, "status poll failed")
			slog.Error("task_poll_failed", "task_id", t.ID, "attempt", t.Attempts, "error", err)
			call(cb.OnError, t)
			return t.Err
		}

		t.apply(st, p.table, p.backend)
		slog.Info("task_poll", "task_id", t.ID, "attempt", t.Attempts, "status", st.Status, "state", t.State.String())

		switch {
		case t.State == StateDone:
			if !t.displayed {
				t.displayed = true
				call(cb.OnResult, t)
			}
			slog.Info("task_done", "task_id", t.ID, "images", len(t.Result.ImageURLs))
			return nil
		case t.State.Terminal():
			slog.Error("task_ended", "task_id", t.ID, "state", t.State.String(), "error", t.Err)
			call(cb.OnError, t)
			return t.Err
		}

		call(cb.OnProgress, t)

		if t.Attempts >= p.maxAttempts {
			t.State = StateTimeout
			t.Err = ErrTimeout
			slog.Error("task_poll_timeout", "task_id", t.ID, "attempts", t.Attempts)
			call(cb.OnError, t)
			return t.Err
		}

		select {
		case <-ctx.Done():
			slog.Info("task_poll_cancelled", "task_id", t.ID, "attempts", t.Attempts)
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

func call(fn func(*Task), t *Task) {
	if fn != nil {
		fn(t)
	}
}
