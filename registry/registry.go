package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/logging"
	"github.com/hupe1980/promptmesh/loop"
)

var errRegistryClosed = errors.New("registry closed")

type taskLogger interface {
	LogTask(taskID, state string, dur time.Duration)
}

// Options configures a Registry.
type Options struct {
	// Logger receives lifecycle diagnostics.
	Logger logging.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// Registry is the table of active tasks.
type Registry struct {
	loop    *loop.Loop
	logger  logging.Logger
	metrics *Metrics

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// loop-owned
	tasks map[string]*Task
}

// New creates a Registry whose table is owned by l.
func New(l *loop.Loop, optFns ...func(o *Options)) *Registry {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	base, cancel := context.WithCancel(context.Background())

	return &Registry{
		loop:       l,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		base:       base,
		baseCancel: cancel,
		tasks:      make(map[string]*Task),
	}
}

// Submit registers work under id (a new UUID when empty) and starts it.
// See SubmitTask.
func (r *Registry) Submit(ctx context.Context, id string, coder core.Coder, work Work) (string, error) {
	t, err := r.SubmitTask(ctx, id, coder, work)
	if err != nil {
		return "", err
	}

	return t.ID(), nil
}

// SubmitTask registers work under id and starts it on its own goroutine.
// An active task with the same id is cancelled first and its teardown is
// awaited. It returns as soon as the new task is running.
func (r *Registry) SubmitTask(ctx context.Context, id string, coder core.Coder, work Work) (*Task, error) {
	if id == "" {
		id = core.NewID()
	}

	if err := r.track(); err != nil {
		return nil, fmt.Errorf("submit task %s: %w", id, err)
	}

	tctx, cancel := context.WithCancel(r.base)

	t := newTask(id, coder)
	t.cancel = cancel

	abort := func() {
		cancel()
		r.wg.Done()
	}

	for {
		if err := r.base.Err(); err != nil {
			abort()
			return nil, fmt.Errorf("submit task %s: %w", id, errRegistryClosed)
		}

		existing, err := loop.Run(ctx, r.loop, func(ctx context.Context) (*Task, error) {
			if cur, ok := r.tasks[id]; ok && !cur.finished() {
				return cur, nil
			}

			r.tasks[id] = t

			return nil, nil
		})
		if err != nil {
			abort()
			return nil, fmt.Errorf("submit task %s: %w", id, err)
		}

		if existing == nil {
			break
		}

		r.logger.Info("superseding task %s", id)

		if err := r.cancelTask(ctx, existing); err != nil {
			abort()
			return nil, fmt.Errorf("supersede task %s: %w", id, err)
		}
	}

	// Pending → Running cannot fail: nothing else transitions a task that
	// was just installed.
	_ = t.Transition(core.TaskRunning)

	r.metrics.taskSubmitted()

	go r.run(tctx, t, work)

	return t, nil
}

// track counts a submission in flight. Close waits for every tracked
// submission; once closed, nothing new is tracked.
func (r *Registry) track() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errRegistryClosed
	}

	r.wg.Add(1)

	return nil
}

func (r *Registry) run(ctx context.Context, t *Task, work Work) {
	defer r.wg.Done()

	err := r.invoke(ctx, t, work)

	var state core.TaskState

	switch {
	case t.Cancelled() || errors.Is(err, context.Canceled):
		state = core.TaskCancelled

		r.logger.Info("task %s cancelled", t.ID())
	case err != nil:
		state = core.TaskFailed

		r.logger.Error("task %s failed: %v", t.ID(), err)
	default:
		state = core.TaskCompleted
	}

	t.cancel()

	state, terr := t.finish(state, err)
	if terr != nil {
		r.logger.Error("task %s teardown: %v", t.ID(), terr)
	}

	dur := time.Since(t.Started())
	r.metrics.taskFinished(state.String(), dur.Seconds())

	if tl, ok := r.logger.(taskLogger); ok {
		tl.LogTask(t.ID(), state.String(), dur)
	}

	// Removal is identity-checked: a successor registered under the same id
	// must survive.
	_ = r.loop.Go(func(ctx context.Context) {
		if r.tasks[t.ID()] == t {
			delete(r.tasks, t.ID())
		}
	})
}

func (r *Registry) invoke(ctx context.Context, t *Task, work Work) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID(), rec)
		}
	}()

	return work(ctx, t)
}

// Cancel cancels the task registered under id and waits for its teardown.
// It reports whether such a task existed.
func (r *Registry) Cancel(ctx context.Context, id string) bool {
	t, ok := r.Get(ctx, id)
	if !ok {
		return false
	}

	if err := r.cancelTask(ctx, t); err != nil {
		r.logger.Warn("cancel task %s: %v", id, err)
	}

	return true
}

// CancelAll cancels every active task and waits for all teardowns.
func (r *Registry) CancelAll(ctx context.Context) error {
	tasks, err := loop.Run(ctx, r.loop, func(ctx context.Context) ([]*Task, error) {
		out := make([]*Task, 0, len(r.tasks))
		for _, t := range r.tasks {
			out = append(out, t)
		}

		return out, nil
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, t := range tasks {
		g.Go(func() error {
			return r.cancelTask(gctx, t)
		})
	}

	return g.Wait()
}

func (r *Registry) cancelTask(ctx context.Context, t *Task) error {
	t.requestCancel()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsInterrupted reports whether id is absent or marked cancelled.
func (r *Registry) IsInterrupted(ctx context.Context, id string) bool {
	t, ok := r.Get(ctx, id)
	if !ok {
		return true
	}

	return t.Cancelled() || t.State() == core.TaskCancelled
}

// LookupContext returns the task-local execution context of id.
func (r *Registry) LookupContext(ctx context.Context, id string) (core.Coder, bool) {
	t, ok := r.Get(ctx, id)
	if !ok {
		return nil, false
	}

	c := t.Coder()

	return c, c != nil
}

// Get returns the task registered under id.
func (r *Registry) Get(ctx context.Context, id string) (*Task, bool) {
	t, err := loop.Run(ctx, r.loop, func(ctx context.Context) (*Task, error) {
		return r.tasks[id], nil
	})
	if err != nil || t == nil {
		return nil, false
	}

	return t, true
}

// IDs returns the identifiers of all registered tasks in sorted order.
func (r *Registry) IDs(ctx context.Context) []string {
	ids, _ := loop.Run(ctx, r.loop, func(ctx context.Context) ([]string, error) {
		out := make([]string, 0, len(r.tasks))
		for id := range r.tasks {
			out = append(out, id)
		}

		return out, nil
	})

	slices.Sort(ids)

	return ids
}

// Snapshot describes a task for status reporting.
type Snapshot struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Sequence  int       `json:"sequence"`
	Cancelled bool      `json:"cancelled"`
	StartedAt time.Time `json:"startedAt"`
}

// Snapshots returns a description of every registered task sorted by id.
func (r *Registry) Snapshots(ctx context.Context) []Snapshot {
	tasks, _ := loop.Run(ctx, r.loop, func(ctx context.Context) ([]*Task, error) {
		out := make([]*Task, 0, len(r.tasks))
		for _, t := range r.tasks {
			out = append(out, t)
		}

		return out, nil
	})

	snaps := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, Snapshot{
			ID:        t.ID(),
			State:     t.State().String(),
			Sequence:  t.Sequence(),
			Cancelled: t.Cancelled(),
			StartedAt: t.Started(),
		})
	}

	slices.SortFunc(snaps, func(a, b Snapshot) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return snaps
}

// Close cancels every task, refuses new submissions and waits for all task
// goroutines to return.
func (r *Registry) Close(ctx context.Context) error {
	err := r.CancelAll(ctx)

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return err
}
