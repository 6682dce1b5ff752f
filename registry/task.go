package registry

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/stream"
)

// Silencer is implemented by task IO surfaces that can drop further output.
type Silencer interface {
	Silence()
}

// Work is a task body. It runs on its own goroutine; ctx is cancelled when
// the task is cancelled or the registry closes.
type Work func(ctx context.Context, t *Task) error

// Task is one registered unit of work.
type Task struct {
	id        string
	startedAt time.Time
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	state    core.TaskState
	history  []core.TaskState
	err      error
	coder    core.Coder
	worker   *stream.Handle
	silencer Silencer
	seq      int
}

func newTask(id string, coder core.Coder) *Task {
	return &Task{
		id:        id,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		state:     core.TaskPending,
		history:   []core.TaskState{core.TaskPending},
		coder:     coder,
		cancel:    func() {},
	}
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Cancelled reports whether cancellation was requested. It implements
// stream.Signal.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// State returns the current lifecycle state.
func (t *Task) State() core.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Transition moves the task to state to, or returns an error wrapping
// core.ErrInvalidTransition.
func (t *Task) Transition(to core.TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to core.TaskState) error {
	if err := core.ValidateTransition(t.state, to); err != nil {
		return err
	}

	t.state = to
	t.history = append(t.history, to)

	return nil
}

// History returns every state the task has entered, oldest first.
func (t *Task) History() []core.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.history)
}

// Coder returns the task-local execution context.
func (t *Task) Coder() core.Coder {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.coder
}

// SetCoder replaces the task-local execution context, e.g. after a fork.
func (t *Task) SetCoder(c core.Coder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.coder = c
}

// SetWorker records the active worker unit. If the task is already
// cancelled the worker is cancelled immediately.
func (t *Task) SetWorker(h *stream.Handle) {
	t.mu.Lock()
	t.worker = h
	t.mu.Unlock()

	if t.Cancelled() {
		h.Cancel()
	}
}

// SetSilencer records the IO surface silenced on cancellation.
func (t *Task) SetSilencer(s Silencer) {
	t.mu.Lock()
	t.silencer = s
	t.mu.Unlock()

	if t.Cancelled() {
		s.Silence()
	}
}

// Sequence returns the current sequence number.
func (t *Task) Sequence() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.seq
}

// SetSequence sets the sequence number (−1 marks the first phase of a
// two-phase task).
func (t *Task) SetSequence(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq = n
}

// NextSequence advances the sequence number and returns the new value.
func (t *Task) NextSequence() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++

	return t.seq
}

// Done is closed after the task's teardown.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error the body returned. Valid after Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// Wait blocks until the task has been torn down and returns its error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started returns the submission time.
func (t *Task) Started() time.Time { return t.startedAt }

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// requestCancel sets the signal and propagates it to the worker unit, the
// IO surface and the task context, in that order.
func (t *Task) requestCancel() {
	t.cancelled.Store(true)

	t.mu.Lock()
	worker, silencer, cancel := t.worker, t.silencer, t.cancel
	t.mu.Unlock()

	if worker != nil {
		worker.Cancel()
	}

	if silencer != nil {
		silencer.Silence()
	}

	cancel()
}

// finish passes the task through Finishing into state, records err and
// releases waiters. A body that already reached a terminal state keeps it.
func (t *Task) finish(state core.TaskState, err error) (core.TaskState, error) {
	t.mu.Lock()
	defer close(t.done)
	defer t.mu.Unlock()

	t.err = err

	if t.state.Terminal() {
		return t.state, nil
	}

	if t.state != core.TaskFinishing {
		if terr := t.transitionLocked(core.TaskFinishing); terr != nil {
			return t.state, terr
		}
	}

	if terr := t.transitionLocked(state); terr != nil {
		return t.state, terr
	}

	return t.state, nil
}
