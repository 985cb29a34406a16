package fsm

import "github.com/sdstudio/sdclient/pkg/sdapi"

// JobRequest is the FSM input. Exactly one of Generate and Inpaint is set.
type JobRequest struct {
	Generate *sdapi.GenerateRequest
	Inpaint  *sdapi.InpaintRequest

	// Mask state of the editor that produced an inpaint request
	HasMask   bool
	Expansion float64
}

// JobResponse is the FSM output (accumulated across transitions)
type JobResponse struct {
	// From Validate
	Kind sdapi.Kind

	// From Submit
	TaskID        string
	QueuePosition *int
	MaxQueueSize  *int

	// From Poll
	State     string
	Attempts  int
	ImageURLs []string
	FileNames []string
	Seeds     []int64
	Prompt    string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateValidate = "validate"
	StateSubmit   = "submit"
	StatePoll     = "poll"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// Job status values
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusDone      = "done"
	StatusFailed    = "failed"
)
