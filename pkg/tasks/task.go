// Package tasks tracks submitted generation jobs until they reach a terminal
// state. A Poller drives one task at a time against the status endpoint and a
// Tracker keeps the client-side FIFO of tasks waiting to be polled.
package tasks

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/sdapi"
)

var (
	ErrTaskFailed    = errors.New("task failed")
	ErrUnknownTask   = errors.New("unknown task")
	ErrTimeout       = errors.New("task timed out")
	ErrMissingResult = errors.New("no result image in response")
)

// Result is what a finished task produced.
type Result struct {
	ImageURLs []string
	FileNames []string
	Seeds     []int64
	Prompt    string
}

// Task is one submitted job as seen by the client.
type Task struct {
	ID     string
	Kind   sdapi.Kind
	Params any

	State State
	// Label is the last raw status string returned by the backend.
	Label         string
	QueuePosition *int
	MaxQueueSize  *int
	Progress      *float64
	Result        *Result
	Err           error
	Attempts      int

	displayed bool
}

// NewTask returns a queued task.
func NewTask(id string, kind sdapi.Kind, params any) *Task {
	return &Task{ID: id, Kind: kind, Params: params, State: StateQueued}
}

// FromSubmit builds a queued task from a submit response.
func FromSubmit(res *sdapi.SubmitResult, kind sdapi.Kind, params any) *Task {
	t := NewTask(res.TaskID, kind, params)
	t.QueuePosition = res.QueuePosition
	t.MaxQueueSize = res.MaxQueueSize
	return t
}

// Displayed reports whether the result of this task was already handed out.
func (t *Task) Displayed() bool { return t.displayed }

// StatusMessage is the single user-facing line describing the task.
func (t *Task) StatusMessage() string {
	switch t.State {
	case StateQueued:
		if t.QueuePosition == nil {
			return "queued"
		}
		msg := fmt.Sprintf("queued, position %d", *t.QueuePosition+1)
		if t.MaxQueueSize != nil {
			msg += fmt.Sprintf(" of %d", *t.MaxQueueSize)
		}
		return msg
	case StateProcessing:
		if t.Progress == nil {
			return "processing"
		}
		return fmt.Sprintf("processing %.0f%%", *t.Progress)
	case StateDone:
		return "done"
	default:
		return "failed: " + UserMessage(t.Err)
	}
}

// UserMessage turns a task or submission error into the text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *sdapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	return strings.TrimPrefix(err.Error(), ErrTaskFailed.Error()+": ")
}

// URLBuilder turns result fields into absolute image URLs.
type URLBuilder interface {
	ImageURL(taskID, fileName string) string
	ResolveURL(u string) string
}

// apply folds one status response into the task. Terminal tasks and
// responses that would move the state backwards are ignored.
func (t *Task) apply(st *sdapi.StatusResponse, table *StatusTable, urls URLBuilder) {
	if t.State.Terminal() {
		return
	}
	t.Label = st.Status

	next, ok := table.Lookup(st.Status)
	if !ok {
		slog.Warn("task_status_unrecognised", "task_id", t.ID, "status", st.Status)
		return
	}
	if next.rank() < t.State.rank() {
		slog.Warn("task_status_regressed", "task_id", t.ID, "from", t.State.String(), "to", next.String())
		return
	}

	switch next {
	case StateQueued:
		t.QueuePosition = st.QueuePosition
		if st.MaxQueueSize != nil {
			t.MaxQueueSize = st.MaxQueueSize
		}
	case StateProcessing:
		t.QueuePosition = nil
		t.Progress = st.Progress
	case StateDone:
		res := extractResult(t.ID, st, urls)
		if res == nil {
			t.State = StateFailed
			t.Err = ErrMissingResult
			return
		}
		t.Result = res
	case StateFailed:
		msg := st.Error
		if msg == "" {
			msg = st.Status
		}
		t.Err = fmt.Errorf("%w: %s", ErrTaskFailed, msg)
	case StateUnknown:
		t.Err = ErrUnknownTask
	}
	t.State = next
}

func extractResult(taskID string, st *sdapi.StatusResponse, urls URLBuilder) *Result {
	switch {
	case len(st.FileNames) > 0:
		res := &Result{FileNames: st.FileNames, Seeds: st.Seeds, Prompt: st.TranslatedPrompt}
		for _, name := range st.FileNames {
			res.ImageURLs = append(res.ImageURLs, urls.ImageURL(taskID, name))
		}
		return res
	case st.InpaintedImageURL != "":
		return &Result{
			ImageURLs: []string{urls.ResolveURL(st.InpaintedImageURL)},
			Prompt:    st.InpaintPrompt,
		}
	default:
		return nil
	}
}
