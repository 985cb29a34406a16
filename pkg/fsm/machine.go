// Package fsm runs generation jobs as a durable workflow: validate the
// request, submit it, poll the task until it is terminal and record the
// result. Runs are persisted by superfly/fsm so an interrupted poll can be
// resumed.
package fsm

import (
	"context"

	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/sdapi"
	"github.com/sdstudio/sdclient/pkg/security"
	"github.com/sdstudio/sdclient/pkg/tasks"
	"github.com/superfly/fsm"
)

// Backend is the generation service. *sdapi.Client implements it.
type Backend interface {
	tasks.Backend
	Submit(ctx context.Context, req sdapi.Request) (*sdapi.SubmitResult, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	backend    Backend
	validator  *security.Validator
	poller     *tasks.Poller
	callbacks  tasks.Callbacks
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies. cb receives the
// updates of the polled task.
func NewMachine(
	backend Backend,
	validator *security.Validator,
	poller *tasks.Poller,
	cb tasks.Callbacks,
	maxRetries int,
) *Machine {
	return &Machine{
		backend:    backend,
		validator:  validator,
		poller:     poller,
		callbacks:  cb,
		maxRetries: maxRetries,
	}
}

// Register registers the job FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[JobRequest, JobResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[JobRequest, JobResponse](manager, "sd-job").
		Start(StateValidate, m.handleValidate).
		To(StateSubmit, m.handleSubmit).
		To(StatePoll, m.handlePoll).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
