// Package promptmesh provides a high-level façade over the prompt engine, the
// websocket transport and the file watcher, connecting a coding assistant to
// an editor client. Most applications interact with this package by:
//  1. Creating a PromptMesh via New() with the session coder and a forker
//  2. Connecting it to a client with Connect (or Serve for a custom transport)
//  3. Shutting it down once the connection is no longer needed
//
// The façade delegates orchestration to engine.Engine while keeping setup and
// usage ergonomics concise. Events emitted while no client is connected fail
// with ws.ErrNotConnected; the prompts producing them are interrupted when the
// connection drops.
package promptmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/engine"
	"github.com/hupe1980/promptmesh/logging"
	"github.com/hupe1980/promptmesh/registry"
	"github.com/hupe1980/promptmesh/session"
	"github.com/hupe1980/promptmesh/transport/ws"
	"github.com/hupe1980/promptmesh/watch"
)

// DefaultSource identifies this connector in the init event.
const DefaultSource = "promptmesh"

// Conn is a bidirectional client connection: events are sent through it and
// commands are received from it until Listen returns.
type Conn interface {
	core.Sink
	Listen(ctx context.Context, h ws.Handler) error
}

// Options configures the PromptMesh instance.
type Options struct {
	// Source names this connector in the init event. Defaults to
	// DefaultSource.
	Source string

	// BaseDir is the project root. Context file paths are reported relative
	// to it and the watcher observes it.
	BaseDir string

	// WatchFiles scans changed files below BaseDir for "AI!" comments while
	// a client is connected.
	WatchFiles bool

	// MaxReflections bounds the reflection rounds per prompt.
	MaxReflections int

	// PoolSize is the number of concurrent generation workers.
	PoolSize int

	// PollInterval is the confirmation slot polling period.
	PollInterval time.Duration

	// AutoYes answers confirmations without asking the client where allowed.
	AutoYes bool

	// Metrics instruments the task registry. Nil disables instrumentation.
	Metrics *registry.Metrics

	// Callbacks observes prompt lifecycle points. Optional.
	Callbacks *engine.CallbackManager

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// PromptMesh is the high-level façade aggregating the engine and its client
// connection.
type PromptMesh struct {
	opts   Options
	engine *engine.Engine

	mu   sync.RWMutex
	conn Conn
}

// New creates a PromptMesh whose prompts fork coder through forker.
func New(coder core.Coder, forker core.Forker, optFns ...func(o *Options)) *PromptMesh {
	opts := Options{
		Source:         DefaultSource,
		MaxReflections: engine.DefaultMaxReflections,
		Logger:         logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	m := &PromptMesh{opts: opts}

	sess := session.New(coder, func(o *session.Options) {
		o.BaseDir = opts.BaseDir
	})

	m.engine = engine.New(sess, forker, core.SinkFunc(m.send), func(o *engine.Options) {
		o.MaxReflections = opts.MaxReflections
		o.PollInterval = opts.PollInterval
		o.AutoYes = opts.AutoYes
		o.Metrics = opts.Metrics
		o.Callbacks = opts.Callbacks
		o.Logger = opts.Logger

		if opts.PoolSize > 0 {
			o.PoolSize = opts.PoolSize
		}
	})

	return m
}

// Engine exposes the underlying engine.
func (m *PromptMesh) Engine() *engine.Engine { return m.engine }

// Connected reports whether a client connection is being served.
func (m *PromptMesh) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.conn != nil
}

// Handle dispatches a client command to the engine.
func (m *PromptMesh) Handle(ctx context.Context, cmd core.Command) error {
	m.opts.Logger.Debug("received %s", cmd.Action())

	return m.engine.Handle(ctx, cmd)
}

// Connect dials url and serves the connection until it drops or ctx is done.
func (m *PromptMesh) Connect(ctx context.Context, url string, optFns ...func(o *ws.Options)) error {
	fns := append([]func(o *ws.Options){func(o *ws.Options) { o.Logger = m.opts.Logger }}, optFns...)

	client, err := ws.Dial(ctx, url, fns...)
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	m.opts.Logger.Info("connected to %s", url)

	return m.Serve(ctx, client)
}

// Serve announces this connector on conn, dispatches its commands and, when
// WatchFiles is set, runs the file watcher alongside. Once conn stops
// delivering commands every active prompt is interrupted. Only one
// connection is served at a time.
func (m *PromptMesh) Serve(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return errors.New("promptmesh: already serving a connection")
	}

	m.conn = conn
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
	}()

	if err := m.engine.Emit(ctx, m.engine.InitEvent(m.opts.Source)); err != nil {
		m.detach()
		return fmt.Errorf("promptmesh: send init: %w", err)
	}

	if m.opts.WatchFiles {
		w, err := watch.New(m.engine, func(o *watch.Options) { o.Logger = m.opts.Logger })
		if err != nil {
			m.opts.Logger.Warn("file watcher disabled: %v", err)
		} else {
			wg.Add(1)

			go func() {
				defer wg.Done()

				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.opts.Logger.Warn("file watcher stopped: %v", err)
				}
			}()
		}
	}

	err := conn.Listen(ctx, m)

	m.detach()
	m.opts.Logger.Info("client disconnected: %v", err)

	if ierr := m.engine.InterruptAll(context.WithoutCancel(ctx)); ierr != nil {
		m.opts.Logger.Warn("interrupt prompts: %v", ierr)
	}

	return err
}

// Shutdown interrupts every prompt and releases the engine.
func (m *PromptMesh) Shutdown(ctx context.Context) error {
	return m.engine.Shutdown(ctx)
}

func (m *PromptMesh) detach() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn = nil
}

func (m *PromptMesh) send(ctx context.Context, ev core.Event) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return ws.ErrNotConnected
	}

	return conn.Send(ctx, ev)
}
