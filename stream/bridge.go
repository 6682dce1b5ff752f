package stream

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/hupe1980/promptmesh/logging"
)

// DefaultQueueSize is the per-stream chunk buffer.
const DefaultQueueSize = 64

// Signal is the cancellation overlay of a task, checked before every push.
type Signal interface {
	Cancelled() bool
}

// Chunk is one queue element: a piece of text, or the terminal sentinel.
type Chunk struct {
	Text string
	End  bool
}

// Request describes one stream.
type Request struct {
	// TaskID is used for logging only.
	TaskID string
	// Signal is optional. Once it reports cancelled, production stops.
	Signal Signal
	// Produce starts the blocking producer.
	Produce func(ctx context.Context) iter.Seq2[string, error]
	// OnError receives producer errors and panics. Optional.
	OnError func(err error)
}

type streamLogger interface {
	LogStream(taskID string, chunks int, dur time.Duration, err error)
}

// Options configures a Bridge.
type Options struct {
	// QueueSize is the chunk buffer of each stream.
	QueueSize int
	// Logger receives stream diagnostics.
	Logger logging.Logger
}

// Bridge starts producers on a Pool and exposes their output as Streams.
type Bridge struct {
	pool      *Pool
	queueSize int
	logger    logging.Logger
}

// NewBridge creates a Bridge running producers on pool.
func NewBridge(pool *Pool, optFns ...func(o *Options)) *Bridge {
	opts := Options{
		QueueSize: DefaultQueueSize,
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	return &Bridge{
		pool:      pool,
		queueSize: opts.QueueSize,
		logger:    opts.Logger,
	}
}

// Pool returns the underlying worker pool.
func (b *Bridge) Pool() *Pool { return b.pool }

// Stream starts req.Produce on the pool and returns the consuming side
// together with the worker handle.
func (b *Bridge) Stream(ctx context.Context, req Request) (*Stream, *Handle) {
	st := &Stream{
		taskID: req.TaskID,
		ch:     make(chan Chunk, b.queueSize),
	}

	h := b.pool.Go(ctx, func(ctx context.Context) {
		b.produce(ctx, req, st.ch)
	})

	st.handle = h

	return st, h
}

func (b *Bridge) produce(ctx context.Context, req Request, ch chan<- Chunk) {
	start := time.Now()
	pushed := 0

	var failure error

	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("producer panicked: %v", r)
			b.report(req, failure)
		}

		select {
		case ch <- Chunk{End: true}:
		case <-ctx.Done():
		}

		close(ch)

		if sl, ok := b.logger.(streamLogger); ok {
			sl.LogStream(req.TaskID, pushed, time.Since(start), failure)
		} else {
			b.logger.Debug("stream %s ended after %d chunks", req.TaskID, pushed)
		}
	}()

	if b.stopped(ctx, req) {
		return
	}

	for text, err := range req.Produce(ctx) {
		if err != nil {
			failure = err
			b.report(req, err)
			return
		}

		if b.stopped(ctx, req) {
			return
		}

		select {
		case ch <- Chunk{Text: text}:
			pushed++
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) stopped(ctx context.Context, req Request) bool {
	if ctx.Err() != nil {
		return true
	}

	return req.Signal != nil && req.Signal.Cancelled()
}

func (b *Bridge) report(req Request, err error) {
	if req.OnError != nil {
		req.OnError(err)
		return
	}

	b.logger.Error("stream %s failed: %v", req.TaskID, err)
}

// Stream is the consuming side of one producer. It is finite and cannot be
// restarted. A Stream must be consumed by a single goroutine.
type Stream struct {
	taskID string
	ch     chan Chunk
	handle *Handle
	ended  bool
	count  int
}

// Next returns the next chunk. ok is false once the terminal sentinel has
// been reached; err is non-nil only if ctx is done first.
func (s *Stream) Next(ctx context.Context) (string, bool, error) {
	if s.ended {
		return "", false, nil
	}

	select {
	case c, open := <-s.ch:
		if !open || c.End {
			s.ended = true
			return "", false, nil
		}

		s.count++

		return c.Text, true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Chunks adapts the stream to a range-over-func iterator. Iteration stops
// at the sentinel; a done ctx is yielded as the final error.
func (s *Stream) Chunks(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			text, ok, err := s.Next(ctx)
			if err != nil {
				yield("", err)
				return
			}

			if !ok || !yield(text, nil) {
				return
			}
		}
	}
}

// Count returns how many chunks have been consumed.
func (s *Stream) Count() int { return s.count }

// Handle returns the worker handle feeding this stream.
func (s *Stream) Handle() *Handle { return s.handle }
