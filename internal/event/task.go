package event

import (
	"strconv"
	"strings"
)

// TaskStatus discriminates the task facet of an event. TaskNone means
// the event is not a task at all.
type TaskStatus int

const (
	TaskNone TaskStatus = iota
	TaskPending
	TaskInProgress
	TaskCompleted
	TaskCancelled
)

// TaskState pairs a status with a progress percentage. Progress is
// meaningful only for TaskInProgress.
type TaskState struct {
	Status   TaskStatus
	Progress int
}

// NoTask is the zero task state.
var NoTask = TaskState{}

// InProgress builds an in-progress state at pct percent.
func InProgress(pct int) TaskState {
	return TaskState{Status: TaskInProgress, Progress: pct}
}

func (t TaskState) validate() error {
	switch t.Status {
	case TaskNone, TaskPending, TaskCompleted, TaskCancelled:
		if t.Progress != 0 {
			return &ValidationError{Field: "task_state", Msg: "progress only valid while in progress"}
		}
		return nil
	case TaskInProgress:
		if t.Progress < 0 || t.Progress > 100 {
			return &ValidationError{Field: "task_state", Msg: "progress out of 0..100"}
		}
		return nil
	default:
		return &ValidationError{Field: "task_state", Msg: "unknown status"}
	}
}

// String renders the state in the editor's textual form, which is also
// the persisted form.
func (t TaskState) String() string {
	switch t.Status {
	case TaskPending:
		return "pending"
	case TaskInProgress:
		return strconv.Itoa(t.Progress) + "%"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// ParseTaskState parses the textual form. Unrecognized values yield a
// validation error; the caller re-prompts.
func ParseTaskState(s string) (TaskState, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "none":
		return NoTask, nil
	case "pending":
		return TaskState{Status: TaskPending}, nil
	case "completed":
		return TaskState{Status: TaskCompleted}, nil
	case "cancelled":
		return TaskState{Status: TaskCancelled}, nil
	}
	if strings.HasSuffix(v, "%") {
		pct, err := strconv.Atoi(strings.TrimSuffix(v, "%"))
		if err != nil || pct < 0 || pct > 100 {
			return NoTask, &ValidationError{Field: "task_state", Msg: "bad progress value " + s}
		}
		return InProgress(pct), nil
	}
	return NoTask, &ValidationError{Field: "task_state", Msg: "unknown state " + s}
}
