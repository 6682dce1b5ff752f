package core

import "fmt"

// TaskState enumerates the lifecycle states of a task.
//
//	Pending → Running → (Streaming ⇄ ReflectionPending)* → Finishing → Completed
//	                                                        Finishing → Cancelled
//	                                                        Finishing → Failed
//
// Every terminal state is entered from Finishing. A cancellation request is
// a flag on the task, not a state.
type TaskState int

const (
	// TaskPending is the state of a freshly registered task.
	TaskPending TaskState = iota
	// TaskRunning means the task body has been scheduled.
	TaskRunning
	// TaskStreaming means a generation stream is being forwarded.
	TaskStreaming
	// TaskReflectionPending means a reflected follow-up is about to stream.
	TaskReflectionPending
	// TaskFinishing covers teardown work after the last stream.
	TaskFinishing
	// TaskCompleted is the terminal state of a successful task.
	TaskCompleted
	// TaskCancelled is the terminal state of a cancelled task.
	TaskCancelled
	// TaskFailed is the terminal state of a task whose body returned an error.
	TaskFailed
)

// String returns the lower-case name of the state.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskStreaming:
		return "streaming"
	case TaskReflectionPending:
		return "reflection_pending"
	case TaskFinishing:
		return "finishing"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

var transitions = map[TaskState][]TaskState{
	TaskPending:           {TaskRunning},
	TaskRunning:           {TaskStreaming, TaskFinishing},
	TaskStreaming:         {TaskReflectionPending, TaskFinishing},
	TaskReflectionPending: {TaskStreaming, TaskFinishing},
	TaskFinishing:         {TaskCompleted, TaskCancelled, TaskFailed},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when
// from → to is not legal.
func ValidateTransition(from, to TaskState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}
