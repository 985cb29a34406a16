package fsm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sdstudio/sdclient/pkg/sdapi"
	"github.com/sdstudio/sdclient/pkg/security"
	"github.com/sdstudio/sdclient/pkg/tasks"
)

type fakeBackend struct {
	submitted []sdapi.Request
	submitErr error
	statuses  []*sdapi.StatusResponse
	polls     int
}

func (f *fakeBackend) Submit(ctx context.Context, req sdapi.Request) (*sdapi.SubmitResult, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	pos, size := 0, 10
	return &sdapi.SubmitResult{TaskID: "abc123", QueuePosition: &pos, MaxQueueSize: &size}, nil
}

func (f *fakeBackend) TaskStatus(ctx context.Context, kind sdapi.Kind, id string) (*sdapi.StatusResponse, error) {
	i := min(f.polls, len(f.statuses)-1)
	f.polls++
	return f.statuses[i], nil
}

func (f *fakeBackend) ImageURL(taskID, fileName string) string {
	return "http://sd.test/images/sd/" + taskID + "/" + fileName
}

func (f *fakeBackend) ResolveURL(u string) string { return "http://sd.test" + u }

func newTestMachine(b *fakeBackend) *Machine {
	v := security.NewValidator(1<<20, 1<<20, 100)
	p := tasks.NewPoller(b, tasks.WithInterval(time.Millisecond), tasks.WithMaxAttempts(5))
	return NewMachine(b, v, p, tasks.Callbacks{}, 3)
}

// run executes the steps in workflow order and stops at the first error.
func run(m *Machine, req *JobRequest, resp *JobResponse) error {
	for _, s := range []step{m.validate, m.submit, m.poll, m.complete} {
		if err := s(context.Background(), req, resp); err != nil {
			return err
		}
	}
	return nil
}

func generateJob() *JobRequest {
	return &JobRequest{Generate: &sdapi.GenerateRequest{Prompt: "a cat", Width: 512, Height: 512, NumImages: 1}}
}

func TestJob_GenerateDone(t *testing.T) {
	b := &fakeBackend{statuses: []*sdapi.StatusResponse{
		{Status: "queued"},
		{Status: "done", FileNames: []string{"a.png"}, Seeds: []int64{42}},
	}}
	m := newTestMachine(b)

	resp := &JobResponse{}
	if err := run(m, generateJob(), resp); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	if resp.Status != StatusDone || resp.TaskID != "abc123" || resp.Kind != sdapi.KindGenerate {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ImageURLs) != 1 || resp.ImageURLs[0] != "http://sd.test/images/sd/abc123/a.png" {
		t.Errorf("image urls = %v", resp.ImageURLs)
	}
	if len(resp.Seeds) != 1 || resp.Seeds[0] != 42 {
		t.Errorf("seeds = %v", resp.Seeds)
	}
	if resp.State != "done" || resp.Attempts != 2 {
		t.Errorf("state = %s after %d attempts", resp.State, resp.Attempts)
	}
}

func TestJob_InpaintMaskRules(t *testing.T) {
	png := "data:image/png;base64,AAAA"
	inpaint := func(hasMask bool, expansion float64) *JobRequest {
		return &JobRequest{
			Inpaint:   &sdapi.InpaintRequest{OriginalImage: png, MaskImage: png, Prompt: "hat"},
			HasMask:   hasMask,
			Expansion: expansion,
		}
	}

	tests := []struct {
		name string
		req  *JobRequest
		want error
	}{
		{"mask", inpaint(true, 0), nil},
		{"expansion", inpaint(false, 0.5), nil},
		{"both", inpaint(true, 0.5), security.ErrExpansionWithMask},
		{"neither", inpaint(false, 0), security.ErrEmptyMask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			m := newTestMachine(b)
			resp := &JobResponse{}

			err := m.validate(context.Background(), tt.req, resp)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if tt.want != nil && resp.Status != StatusFailed {
				t.Errorf("status = %q, want failed", resp.Status)
			}
			if len(b.submitted) != 0 {
				t.Error("validation must not submit")
			}
		})
	}
}

func TestJob_RequestShape(t *testing.T) {
	m := newTestMachine(&fakeBackend{})

	for _, req := range []*JobRequest{
		{},
		{Generate: &sdapi.GenerateRequest{}, Inpaint: &sdapi.InpaintRequest{}},
	} {
		if err := m.validate(context.Background(), req, &JobResponse{}); err == nil {
			t.Errorf("expected error for %+v", req)
		}
	}
}

func TestJob_SubmitRejected(t *testing.T) {
	b := &fakeBackend{submitErr: &sdapi.Error{Kind: sdapi.ErrQueueFull, StatusCode: 429}}
	m := newTestMachine(b)

	resp := &JobResponse{}
	err := run(m, generateJob(), resp)
	if !errors.Is(err, sdapi.ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	if resp.Status != StatusFailed || !strings.Contains(resp.ErrorMessage, "queue full") {
		t.Errorf("resp = %+v", resp)
	}
	if b.polls != 0 {
		t.Error("rejected job was polled")
	}
}

func TestJob_ResumedSubmitKeepsTask(t *testing.T) {
	b := &fakeBackend{}
	m := newTestMachine(b)

	resp := &JobResponse{Kind: sdapi.KindGenerate, TaskID: "earlier"}
	if err := m.submit(context.Background(), generateJob(), resp); err != nil {
		t.Fatal(err)
	}
	if resp.TaskID != "earlier" || len(b.submitted) != 0 {
		t.Error("resumed job was submitted twice")
	}
}

func TestJob_TerminalFailures(t *testing.T) {
	tests := []struct {
		name   string
		status *sdapi.StatusResponse
		want   error
		state  string
	}{
		{"failed", &sdapi.StatusResponse{Status: "failed", Error: "out of memory"}, tasks.ErrTaskFailed, "failed"},
		{"unknown", &sdapi.StatusResponse{Status: "unknown"}, tasks.ErrUnknownTask, "unknown"},
		{"timeout", &sdapi.StatusResponse{Status: "processing"}, tasks.ErrTimeout, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{statuses: []*sdapi.StatusResponse{tt.status}}
			m := newTestMachine(b)

			resp := &JobResponse{}
			err := run(m, generateJob(), resp)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if resp.Status != StatusFailed || resp.State != tt.state || resp.ErrorMessage == "" {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestJob_PollCancelled(t *testing.T) {
	b := &fakeBackend{statuses: []*sdapi.StatusResponse{{Status: "processing"}}}
	m := newTestMachine(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := &JobResponse{Kind: sdapi.KindGenerate, TaskID: "abc123"}
	err := m.poll(ctx, generateJob(), resp)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if resp.Status == StatusFailed {
		t.Error("cancelled poll must leave the job resumable")
	}
}
