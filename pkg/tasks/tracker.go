package tasks

import (
	"context"
	"log/slog"
	"sync"
)

// Tracker is the client-side FIFO of submitted tasks. Exactly one task is
// polled at a time; when it reaches a terminal state the next queued task is
// started. Tasks whose result was already displayed are skipped.
type Tracker struct {
	ctx    context.Context
	poller *Poller
	cb     Callbacks

	mu      sync.Mutex
	queue   []*Task
	active  *Task
	running bool
	// done is closed when the current drain ends
	done chan struct{}
}

// NewTracker returns an idle tracker. ctx bounds all polling started by it.
func NewTracker(ctx context.Context, poller *Poller, cb Callbacks) *Tracker {
	return &Tracker{ctx: ctx, poller: poller, cb: cb}
}

// Add appends t to the queue and starts polling if nothing is active.
func (tr *Tracker) Add(t *Task) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.queue = append(tr.queue, t)
	slog.Info("task_enqueued", "task_id", t.ID, "kind", t.Kind, "pending", len(tr.queue))

	if !tr.running {
		tr.running = true
		tr.done = make(chan struct{})
		go tr.run()
	}
}

// Active returns the task currently being polled, or nil.
func (tr *Tracker) Active() *Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.active
}

// Pending returns the number of tasks waiting behind the active one.
func (tr *Tracker) Pending() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.queue)
}

// Wait blocks until the queue is drained or the tracker context ends. It may
// be called concurrently with Add.
func (tr *Tracker) Wait() {
	tr.mu.Lock()
	if !tr.running {
		tr.mu.Unlock()
		return
	}
	done := tr.done
	tr.mu.Unlock()

	<-done
}

func (tr *Tracker) next() *Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if len(tr.queue) == 0 || tr.ctx.Err() != nil {
		tr.active = nil
		tr.running = false
		close(tr.done)
		return nil
	}
	t := tr.queue[0]
	tr.queue[0] = nil
	tr.queue = tr.queue[1:]
	tr.active = t
	return t
}

func (tr *Tracker) run() {
	for {
		t := tr.next()
		if t == nil {
			return
		}
		if t.Displayed() || t.State.Terminal() {
			slog.Info("task_skipped", "task_id", t.ID, "state", t.State.String())
			continue
		}
		if err := tr.poller.PollUntilTerminal(tr.ctx, t, tr.cb); err != nil && tr.ctx.Err() == nil {
			slog.Warn("task_finished_with_error", "task_id", t.ID, "state", t.State.String(), "error", err)
		}
	}
}
