package tasks

import (
	"fmt"
	"strings"
)

// State is the client-side view of a generation task.
type State int

const (
	StateQueued State = iota
	StateProcessing
	StateDone
	StateFailed
	StateUnknown
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateUnknown:
		return "unknown"
	case StateTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further polling happens in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateUnknown || s == StateTimeout
}

// rank orders states along the only allowed direction of travel.
func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateProcessing:
		return 1
	default:
		return 2
	}
}

// StatusTable maps backend status labels to states. Labels are matched
// exactly; failure labels additionally match as a prefix because the backend
// appends the failure reason to them.
type StatusTable struct {
	exact           map[string]State
	failurePrefixes []string
}

// NewStatusTable returns an empty table.
func NewStatusTable() *StatusTable {
	return &StatusTable{exact: make(map[string]State)}
}

// DefaultStatusTable knows the English labels and the localized labels the
// generation service emits.
func DefaultStatusTable() *StatusTable {
	t := NewStatusTable()
	t.Add(StateQueued, "queued", "pending", "排队中")
	t.Add(StateProcessing, "processing", "running", "处理中", "重绘中")
	t.Add(StateDone, "done", "completed", "完成", "重绘完成")
	t.Add(StateFailed, "failed", "失败", "重绘失败")
	t.Add(StateUnknown, "unknown", "unknown task", "unknown-task", "未知任务")
	t.AddFailurePrefix("failed", "失败", "重绘失败")
	return t
}

// Add registers labels for a state.
func (t *StatusTable) Add(s State, labels ...string) {
	for _, l := range labels {
		t.exact[l] = s
	}
}

// AddFailurePrefix registers prefixes that mark a label as a failure.
func (t *StatusTable) AddFailurePrefix(prefixes ...string) {
	t.failurePrefixes = append(t.failurePrefixes, prefixes...)
}

// Lookup returns the state for a label. Unrecognised labels return false.
func (t *StatusTable) Lookup(label string) (State, bool) {
	if s, ok := t.exact[label]; ok {
		return s, true
	}
	for _, p := range t.failurePrefixes {
		if strings.HasPrefix(label, p) {
			return StateFailed, true
		}
	}
	return 0, false
}
