package tasks

import (
	"context"
	"sync"
	"testing"

	"github.com/sdstudio/sdclient/pkg/sdapi"
)

func TestTrackerPollsInOrder(t *testing.T) {
	b := newFakeBackend()
	ids := []string{"t1", "t2", "t3"}
	for _, id := range ids {
		b.script(id,
			status("processing"),
			respond(sdapi.StatusResponse{Status: "done", FileNames: []string{id + ".png"}}),
		)
	}

	var mu sync.Mutex
	var done []string
	tr := NewTracker(context.Background(), newTestPoller(b, 5), Callbacks{
		OnResult: func(t *Task) {
			mu.Lock()
			done = append(done, t.ID)
			mu.Unlock()
		},
	})

	for _, id := range ids {
		tr.Add(NewTask(id, sdapi.KindGenerate, nil))
	}
	tr.Wait()

	if len(done) != len(ids) {
		t.Fatalf("finished = %v, want %v", done, ids)
	}
	for i, id := range ids {
		if done[i] != id {
			t.Errorf("finished[%d] = %s, want %s", i, done[i], id)
		}
	}

	wantOrder := []string{"t1", "t1", "t2", "t2", "t3", "t3"}
	for i, id := range wantOrder {
		if b.order[i] != id {
			t.Fatalf("poll order = %v, want %v", b.order, wantOrder)
		}
	}
	if b.maxInFlight != 1 {
		t.Errorf("max concurrent polls = %d, want 1", b.maxInFlight)
	}
	if tr.Active() != nil || tr.Pending() != 0 {
		t.Error("tracker should be idle after draining")
	}
}

func TestTrackerContinuesAfterFailure(t *testing.T) {
	b := newFakeBackend()
	b.script("bad", status("未知任务"))
	b.script("good", respond(sdapi.StatusResponse{Status: "done", FileNames: []string{"a.png"}}))

	var results, failures int
	tr := NewTracker(context.Background(), newTestPoller(b, 3), Callbacks{
		OnResult: func(*Task) { results++ },
		OnError:  func(*Task) { failures++ },
	})
	tr.Add(NewTask("bad", sdapi.KindInpaint, nil))
	tr.Add(NewTask("good", sdapi.KindGenerate, nil))
	tr.Wait()

	if results != 1 || failures != 1 {
		t.Errorf("results=%d failures=%d, want 1/1", results, failures)
	}
}

func TestTrackerSkipsDisplayedTasks(t *testing.T) {
	b := newFakeBackend()
	b.script("t", respond(sdapi.StatusResponse{Status: "done", FileNames: []string{"a.png"}}))

	task := NewTask("t", sdapi.KindGenerate, nil)
	if err := newTestPoller(b, 3).PollUntilTerminal(context.Background(), task, Callbacks{}); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	results := 0
	tr := NewTracker(context.Background(), newTestPoller(b, 3), Callbacks{
		OnResult: func(*Task) { results++ },
	})
	tr.Add(task)
	tr.Wait()

	if results != 0 {
		t.Errorf("displayed task shown again")
	}
	if b.calls["t"] != 1 {
		t.Errorf("status requests = %d, want 1", b.calls["t"])
	}
}

func TestTrackerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := newFakeBackend()
	b.script("t1", status("processing"))
	b.script("t2", status("processing"))
	b.hook = func(string) { cancel() }

	tr := NewTracker(ctx, newTestPoller(b, 100), Callbacks{})
	tr.Add(NewTask("t1", sdapi.KindGenerate, nil))
	tr.Add(NewTask("t2", sdapi.KindGenerate, nil))
	tr.Wait()

	if b.calls["t2"] != 0 {
		t.Errorf("queued task polled after cancel")
	}
}

func TestTrackerWaitConcurrentWithAdd(t *testing.T) {
	b := newFakeBackend()
	ids := []string{"t1", "t2", "t3", "t4"}
	for _, id := range ids {
		b.script(id, respond(sdapi.StatusResponse{Status: "done", FileNames: []string{id + ".png"}}))
	}

	var mu sync.Mutex
	done := map[string]bool{}
	tr := NewTracker(context.Background(), newTestPoller(b, 5), Callbacks{
		OnResult: func(t *Task) {
			mu.Lock()
			done[t.ID] = true
			mu.Unlock()
		},
	})

	var adders, waiters sync.WaitGroup
	for _, id := range ids {
		adders.Add(1)
		waiters.Add(1)
		go func(id string) {
			defer adders.Done()
			tr.Add(NewTask(id, sdapi.KindGenerate, nil))
		}(id)
		go func() {
			defer waiters.Done()
			tr.Wait()
		}()
	}
	adders.Wait()
	tr.Wait()
	waiters.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(done) != len(ids) {
		t.Errorf("finished = %v, want all of %v", done, ids)
	}
	if tr.Active() != nil || tr.Pending() != 0 {
		t.Error("tracker should be idle after draining")
	}
}

func TestTrackerWaitWhenIdle(t *testing.T) {
	tr := NewTracker(context.Background(), newTestPoller(newFakeBackend(), 1), Callbacks{})
	tr.Wait()
}
