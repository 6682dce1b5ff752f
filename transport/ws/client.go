package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/logging"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// DefaultQueueSize is the default inbound command buffer.
const DefaultQueueSize = 64

// ErrNotConnected is returned by Send after the connection was closed.
var ErrNotConnected = errors.New("websocket is not connected")

// Handler consumes decoded inbound commands.
type Handler interface {
	Handle(ctx context.Context, cmd core.Command) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd core.Command) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, cmd core.Command) error { return f(ctx, cmd) }

// Options configures a Client.
type Options struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the upgrade request.
	Header http.Header
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// QueueSize is the number of decoded commands buffered ahead of the
	// dispatcher. Reading pauses while the buffer is full.
	QueueSize int
	// Logger receives transport diagnostics.
	Logger logging.Logger
}

// Client is a WebSocket connection to the PromptMesh client.
type Client struct {
	opts Options

	writeMu sync.Mutex

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
}

// Dial connects to url.
func Dial(ctx context.Context, url string, optFns ...func(o *Options)) (*Client, error) {
	opts := Options{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: DefaultWriteTimeout,
		QueueSize:    DefaultQueueSize,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}

	conn, _, err := opts.Dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	opts.Logger.Info("connected to %s", url)

	return &Client{opts: opts, conn: conn}, nil
}

// Send implements core.Sink. Frames are written one at a time.
func (c *Client) Send(ctx context.Context, ev core.Event) error {
	data, err := core.MarshalEvent(ev)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", ev.Action(), err)
	}

	return nil
}

// Listen reads inbound frames until the connection drops or ctx is done and
// hands each decoded command to h. Commands are handled one at a time in
// arrival order, so a prompt is always registered before a later command
// that refers to it. Unknown actions and malformed frames are logged and
// skipped. Listen waits for the dispatcher before returning the read error.
func (c *Client) Listen(ctx context.Context, h Handler) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	ctx, cancel := context.WithCancel(ctx)

	// Closing the connection unblocks ReadMessage.
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})

	queue := make(chan core.Command, c.opts.QueueSize)
	dispatched := make(chan struct{})

	go func() {
		defer close(dispatched)

		for cmd := range queue {
			if err := h.Handle(ctx, cmd); err != nil {
				c.opts.Logger.Warn("handle %s: %v", cmd.Action(), err)
			}
		}
	}()

	defer func() {
		stop()
		close(queue)
		cancel()
		<-dispatched
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("read: %w", err)
		}

		cmd, err := core.DecodeCommand(data)
		if err != nil {
			if errors.Is(err, core.ErrUnknownCommand) {
				c.opts.Logger.Debug("ignoring frame: %v", err)
			} else {
				c.opts.Logger.Warn("malformed frame: %v", err)
			}

			continue
		}

		select {
		case queue <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close sends a close frame and closes the connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return conn.Close()
}

var _ core.Sink = (*Client)(nil)
