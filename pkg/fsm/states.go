package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/sdapi"
	"github.com/sdstudio/sdclient/pkg/tasks"
	"github.com/superfly/fsm"
)

type step func(ctx context.Context, req *JobRequest, resp *JobResponse) error

// transition adapts a step to an FSM handler. Every failure except
// cancellation aborts the run: jobs are never resubmitted or re-polled
// automatically.
func (m *Machine) transition(name string, fn step) func(context.Context, *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	return func(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
		slog.Info("fsm_state_"+name, "task_id", taskID(req.W.Msg))

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "state", name, "max_retries", m.maxRetries)
			return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &JobResponse{}
		}

		if err := fn(ctx, req.Msg, resp); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(resp), nil
	}
}

func taskID(resp *JobResponse) string {
	if resp == nil {
		return ""
	}
	return resp.TaskID
}

func (m *Machine) handleValidate(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	return m.transition(StateValidate, m.validate)(ctx, req)
}

func (m *Machine) handleSubmit(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	return m.transition(StateSubmit, m.submit)(ctx, req)
}

func (m *Machine) handlePoll(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	return m.transition(StatePoll, m.poll)(ctx, req)
}

func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	return m.transition(StateComplete, m.complete)(ctx, req)
}

func fail(resp *JobResponse, err error) error {
	resp.Status = StatusFailed
	resp.ErrorMessage = tasks.UserMessage(err)
	return err
}

// request returns the single request carried by the job
func (r *JobRequest) request() (sdapi.Request, error) {
	switch {
	case r.Generate != nil && r.Inpaint != nil:
		return nil, errors.New("job carries both a generate and an inpaint request")
	case r.Generate != nil:
		return r.Generate, nil
	case r.Inpaint != nil:
		return r.Inpaint, nil
	}
	return nil, errors.New("job carries no request")
}

// validate checks the request before anything is sent
func (m *Machine) validate(ctx context.Context, req *JobRequest, resp *JobResponse) error {
	r, err := req.request()
	if err != nil {
		return fail(resp, err)
	}
	resp.Kind = r.Kind()

	if r.Kind() == sdapi.KindInpaint {
		if err := m.validator.ValidateMask(req.HasMask, req.Expansion); err != nil {
			return fail(resp, err)
		}
	}
	if err := m.validator.ValidateRequest(r); err != nil {
		return fail(resp, err)
	}

	resp.Status = StatusPending
	slog.Info("job_validated", "kind", resp.Kind)
	return nil
}

// submit posts the request. A job resumed after submission keeps its task id.
func (m *Machine) submit(ctx context.Context, req *JobRequest, resp *JobResponse) error {
	if resp.TaskID != "" {
		slog.Info("job_already_submitted", "task_id", resp.TaskID)
		return nil
	}

	r, err := req.request()
	if err != nil {
		return fail(resp, err)
	}

	res, err := m.backend.Submit(ctx, r)
	if err != nil {
		slog.Error("job_submit_failed", "kind", r.Kind(), "error", err)
		return fail(resp, err)
	}

	resp.TaskID = res.TaskID
	resp.QueuePosition = res.QueuePosition
	resp.MaxQueueSize = res.MaxQueueSize
	resp.State = tasks.StateQueued.String()
	resp.Status = StatusSubmitted
	slog.Info("job_submitted", "task_id", res.TaskID, "kind", r.Kind())
	return nil
}

// poll waits for the submitted task to reach a terminal state
func (m *Machine) poll(ctx context.Context, req *JobRequest, resp *JobResponse) error {
	t := tasks.NewTask(resp.TaskID, resp.Kind, req)
	t.QueuePosition = resp.QueuePosition
	t.MaxQueueSize = resp.MaxQueueSize

	err := m.poller.PollUntilTerminal(ctx, t, m.callbacks)
	resp.State = t.State.String()
	resp.Attempts += t.Attempts
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fail(resp, err)
	}

	resp.ImageURLs = t.Result.ImageURLs
	resp.FileNames = t.Result.FileNames
	resp.Seeds = t.Result.Seeds
	resp.Prompt = t.Result.Prompt
	return nil
}

// complete records the finished job
func (m *Machine) complete(ctx context.Context, req *JobRequest, resp *JobResponse) error {
	resp.Status = StatusDone
	resp.ErrorMessage = ""
	slog.Info("job_complete", "task_id", resp.TaskID, "images", len(resp.ImageURLs), "attempts", resp.Attempts)
	return nil
}
