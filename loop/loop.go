package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/promptmesh/logging"
)

// ErrClosed is returned for jobs submitted to, or pending on, a closed Loop.
var ErrClosed = errors.New("loop: closed")

type ctxKey struct{}

// OnLoop reports whether ctx was handed out by a Loop to one of its jobs.
func OnLoop(ctx context.Context) bool {
	_, ok := ctx.Value(ctxKey{}).(*Loop)
	return ok
}

// Options configures a Loop.
type Options struct {
	// Logger receives job failures. Defaults to logging.NoOpLogger.
	Logger logging.Logger
}

type job struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// Loop is a single goroutine executing queued jobs in FIFO order.
type Loop struct {
	logger logging.Logger

	mu      sync.Mutex
	queue   []job
	closed  bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

// New starts a Loop.
func New(optFns ...func(o *Options)) *Loop {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	l := &Loop{
		logger: opts.Logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go l.run()

	return l
}

// Owns reports whether ctx was handed out by this particular loop.
func (l *Loop) Owns(ctx context.Context) bool {
	owner, _ := ctx.Value(ctxKey{}).(*Loop)
	return owner == l
}

// Run executes fn on the loop and waits for its result. When ctx already
// belongs to l, fn runs inline on the calling goroutine (which then is the
// loop goroutine). If ctx is done before fn completes, Run returns ctx.Err();
// a job still in the queue at that point is skipped.
func Run[T any](ctx context.Context, l *Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if l.Owns(ctx) {
		return invoke(ctx, l.logger, fn)
	}

	type result struct {
		val T
		err error
	}

	resCh := make(chan result, 1)

	err := l.enqueue(job{ctx: ctx, fn: func(loopCtx context.Context) {
		val, err := invoke(loopCtx, l.logger, fn)
		resCh <- result{val: val, err: err}
	}})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-resCh:
		return res.val, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-l.done:
		select {
		case res := <-resCh:
			return res.val, res.err
		default:
			return zero, ErrClosed
		}
	}
}

// Do is the error-only variant of Run.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Go schedules fn on the loop without waiting. It never blocks.
func (l *Loop) Go(fn func(ctx context.Context)) error {
	return l.enqueue(job{ctx: context.Background(), fn: func(loopCtx context.Context) {
		_, _ = invoke(loopCtx, l.logger, func(ctx context.Context) (struct{}, error) {
			fn(ctx)
			return struct{}{}, nil
		})
	}})
}

// Close stops the loop after the job currently executing, if any, returns.
// Queued jobs are dropped and their callers receive ErrClosed. Close must
// not be called from a loop job.
func (l *Loop) Close() {
	l.closeMu.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()

		close(l.quit)
	})

	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) enqueue(j job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	l.queue = append(l.queue, j)

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return nil
}

func (l *Loop) next() (job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return job{}, false
	}

	j := l.queue[0]
	l.queue[0] = job{}
	l.queue = l.queue[1:]

	return j, true
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			select {
			case <-l.quit:
				return
			default:
			}

			j, ok := l.next()
			if !ok {
				break
			}

			if j.ctx.Err() != nil {
				continue
			}

			j.fn(context.WithValue(j.ctx, ctxKey{}, l))
		}
	}
}

func invoke[T any](ctx context.Context, logger logging.Logger, fn func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			val = zero
			err = fmt.Errorf("loop: job panicked: %v", r)
			logger.Error("loop job panicked: %v", r)
		}
	}()

	val, err = fn(ctx)
	if err != nil {
		var zero T
		val = zero

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("loop job cancelled: %v", err)
		} else {
			logger.Warn("loop job failed: %v", err)
		}
	}

	return val, err
}
