package promptmesh

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/promptmesh/coder"
	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/internal/testutil"
	"github.com/hupe1980/promptmesh/transport/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedConn records sent events and runs script as its command stream.
type scriptedConn struct {
	*testutil.Recorder
	script func(ctx context.Context, h ws.Handler) error
}

func (c *scriptedConn) Listen(ctx context.Context, h ws.Handler) error {
	return c.script(ctx, h)
}

func newMesh(t *testing.T, children ...*coder.MockCoder) *PromptMesh {
	t.Helper()

	base := coder.NewMockCoder().WithSettings(core.ModelSettings{
		Name:       "main",
		WeakModel:  "weak",
		EditFormat: core.DefaultEditFormat,
	})

	m := New(base, coder.NewMockForker(children...), func(o *Options) {
		o.BaseDir = t.TempDir()
		o.PollInterval = 5 * time.Millisecond
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultWait)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	})

	return m
}

func TestServe_AnnouncesAndDispatches(t *testing.T) {
	child := coder.NewMockCoder(coder.MockRun{Chunks: []string{"Hi"}})
	m := newMesh(t, child)

	conn := &scriptedConn{Recorder: testutil.NewRecorder()}
	conn.script = func(ctx context.Context, h ws.Handler) error {
		assert.True(t, m.Connected())
		require.NoError(t, h.Handle(ctx, testutil.NewPromptBuilder("p1").Content("hello").Build()))
		conn.WaitPromptFinished(t, "p1")

		return io.EOF
	}

	err := m.Serve(context.Background(), conn)
	require.ErrorIs(t, err, io.EOF)
	assert.False(t, m.Connected())

	events := conn.Events()
	require.NotEmpty(t, events)

	initEv, ok := events[0].(core.InitEvent)
	require.True(t, ok, "first event is %T", events[0])
	assert.Equal(t, DefaultSource, initEv.Source)
	assert.Equal(t, m.Engine().Session().BaseDir(), initEv.BaseDir)
	assert.ElementsMatch(t, core.HandledActions, initEv.ListenTo)

	finished := conn.Finished("p1")
	require.Len(t, finished, 1)
	assert.Equal(t, "Hi", finished[0].Content)
	assert.Equal(t, []string{"hello"}, child.Prompts())
}

func TestServe_DisconnectInterruptsPrompts(t *testing.T) {
	child := coder.NewMockCoder(coder.MockRun{Chunks: []string{"never"}, Delay: time.Hour})
	m := newMesh(t, child)

	conn := &scriptedConn{Recorder: testutil.NewRecorder()}
	conn.script = func(ctx context.Context, h ws.Handler) error {
		require.NoError(t, h.Handle(ctx, testutil.NewPromptBuilder("p1").Content("slow").Build()))
		testutil.Eventually(t, func() bool { return len(child.Prompts()) == 1 }, "prompt streaming")

		return io.ErrUnexpectedEOF
	}

	err := m.Serve(context.Background(), conn)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	ctx := context.Background()
	testutil.Eventually(t, func() bool {
		return len(m.Engine().Registry().IDs(ctx)) == 0
	}, "registry drained")

	assert.Zero(t, conn.PromptFinished("p1"))
	assert.Empty(t, conn.Responses("p1"))
}

func TestServe_EmitWithoutConnection(t *testing.T) {
	m := newMesh(t)

	err := m.Engine().Emit(context.Background(), core.NewLogEvent(core.LogInfo, "hello", false, nil))
	require.ErrorIs(t, err, ws.ErrNotConnected)
}

func TestServe_InitFailureDetaches(t *testing.T) {
	m := newMesh(t)

	conn := &scriptedConn{Recorder: testutil.NewRecorder()}
	conn.FailWith(errors.New("broken pipe"))
	conn.script = func(context.Context, ws.Handler) error {
		t.Fatal("listen must not run")
		return nil
	}

	err := m.Serve(context.Background(), conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send init")
	assert.False(t, m.Connected())
}

func TestServe_RejectsSecondConnection(t *testing.T) {
	m := newMesh(t)

	second := &scriptedConn{Recorder: testutil.NewRecorder()}
	second.script = func(context.Context, ws.Handler) error { return nil }

	first := &scriptedConn{Recorder: testutil.NewRecorder()}
	first.script = func(ctx context.Context, _ ws.Handler) error {
		err := m.Serve(ctx, second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already serving")

		return io.EOF
	}

	require.ErrorIs(t, m.Serve(context.Background(), first), io.EOF)
	assert.Empty(t, second.Events())
}

func TestHandle_UnknownCommand(t *testing.T) {
	m := newMesh(t)

	err := m.Handle(context.Background(), unknownCommand{})
	require.ErrorIs(t, err, core.ErrUnknownCommand)
}

type unknownCommand struct{}

func (unknownCommand) Action() string { return "dance" }

func TestConnect_SamePromptIDKeepsLatest(t *testing.T) {
	first := coder.NewMockCoder(coder.MockRun{Chunks: []string{"stale"}, Delay: time.Hour})
	second := coder.NewMockCoder(coder.MockRun{Chunks: []string{"fresh"}})
	m := newMesh(t, first, second)

	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultWait)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- m.Connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	}()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-ctx.Done():
		t.Fatal("no connection")
	}
	defer conn.Close()

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, core.ActionInit, frame["action"])

	send := func(content string) {
		msg := `{"action":"prompt","prompt":"` + content + `","mode":"code","promptContext":{"id":"p1"}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	send("one")
	testutil.Eventually(t, func() bool { return len(first.Prompts()) == 1 }, "first prompt streaming")
	send("two")

	var finished []string

	for {
		frame = map[string]any{}
		require.NoError(t, conn.ReadJSON(&frame))

		if frame["action"] == core.ActionResponse && frame["finished"] == true {
			finished = append(finished, frame["content"].(string))
		}

		if frame["action"] == core.ActionPromptFinished && frame["promptId"] == "p1" {
			break
		}
	}

	assert.Equal(t, []string{"fresh"}, finished)
	assert.Equal(t, []string{"one"}, first.Prompts())
	assert.Equal(t, []string{"two"}, second.Prompts())

	require.NoError(t, conn.Close())

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Connect did not return after disconnect")
	}
}
