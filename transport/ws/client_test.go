package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/internal/testutil"
)

// peer is the client side of the protocol, served by httptest.
type peer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newPeer(t *testing.T) *peer {
	t.Helper()

	p := &peer{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- conn
	}))
	t.Cleanup(p.srv.Close)

	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peer) accept(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-p.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(testutil.DefaultWait):
		t.Fatal("no connection")
		return nil
	}
}

func dial(t *testing.T, p *peer) *Client {
	t.Helper()

	c, err := Dial(context.Background(), p.url())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

type commandLog struct {
	mu   sync.Mutex
	cmds []core.Command
}

func (l *commandLog) Handle(_ context.Context, cmd core.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cmds = append(l.cmds, cmd)

	return nil
}

func (l *commandLog) snapshot() []core.Command {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]core.Command(nil), l.cmds...)
}

func TestSend_WritesActionFrames(t *testing.T) {
	p := newPeer(t)
	c := dial(t, p)
	conn := p.accept(t)

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, core.InitEvent{Source: "promptmesh", BaseDir: "/repo", ListenTo: core.HandledActions}))
	require.NoError(t, c.Send(ctx, core.PromptFinishedEvent{PromptID: "p1"}))

	var init map[string]any
	require.NoError(t, conn.ReadJSON(&init))
	assert.Equal(t, "init", init["action"])
	assert.Equal(t, "promptmesh", init["source"])
	assert.Equal(t, "/repo", init["baseDir"])

	var finished map[string]any
	require.NoError(t, conn.ReadJSON(&finished))
	assert.Equal(t, "prompt-finished", finished["action"])
	assert.Equal(t, "p1", finished["promptId"])
}

func TestListen_DispatchesCommands(t *testing.T) {
	p := newPeer(t)
	c := dial(t, p)
	conn := p.accept(t)

	handler := &commandLog{}
	done := make(chan error, 1)

	go func() {
		done <- c.Listen(context.Background(), handler)
	}()

	frames := []string{
		`{"action":"prompt","prompt":"fix it","mode":"ask","promptContext":{"id":"p1"}}`,
		`{"action":"dance"}`,
		`not json`,
		`{"action":"answer-question","answer":"y"}`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	testutil.Eventually(t, func() bool { return len(handler.snapshot()) == 2 }, "two commands handled")

	var prompt core.SubmitPrompt
	var answer core.AnswerQuestion
	for _, cmd := range handler.snapshot() {
		switch v := cmd.(type) {
		case core.SubmitPrompt:
			prompt = v
		case core.AnswerQuestion:
			answer = v
		}
	}

	assert.Equal(t, "p1", prompt.ID)
	assert.Equal(t, "fix it", prompt.Content)
	assert.Equal(t, core.ModeAsk, prompt.Mode)
	assert.Equal(t, "y", answer.Answer)

	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(testutil.DefaultWait):
		t.Fatal("Listen did not return after disconnect")
	}
}

func TestListen_PreservesArrivalOrder(t *testing.T) {
	p := newPeer(t)
	c := dial(t, p)
	conn := p.accept(t)

	handler := &commandLog{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- c.Listen(ctx, handler)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	const n = 200

	want := make([]string, n)
	for i := range n {
		want[i] = fmt.Sprintf("%03d", i)
		frame := fmt.Sprintf(`{"action":"cancel-prompt","promptId":%q}`, want[i])
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	testutil.Eventually(t, func() bool { return len(handler.snapshot()) == n }, "all commands handled")

	got := make([]string, 0, n)
	for _, cmd := range handler.snapshot() {
		cp, ok := cmd.(core.CancelPrompt)
		require.True(t, ok, "unexpected %T", cmd)
		got = append(got, cp.ID)
	}

	assert.Equal(t, want, got)
}

func TestListen_HandlesOneCommandAtATime(t *testing.T) {
	p := newPeer(t)
	c := dial(t, p)
	conn := p.accept(t)

	var (
		active  atomic.Int32
		overlap atomic.Bool
		handled atomic.Int32
	)

	h := HandlerFunc(func(context.Context, core.Command) error {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}

		time.Sleep(time.Millisecond)
		active.Add(-1)
		handled.Add(1)

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- c.Listen(ctx, h)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	for range 20 {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"interrupt-response"}`)))
	}

	testutil.Eventually(t, func() bool { return handled.Load() == 20 }, "all commands handled")
	assert.False(t, overlap.Load(), "handlers ran concurrently")
}

func TestListen_StopsOnContextCancel(t *testing.T) {
	p := newPeer(t)
	c := dial(t, p)
	p.accept(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- c.Listen(ctx, HandlerFunc(func(context.Context, core.Command) error { return nil }))
	}()

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(testutil.DefaultWait):
		t.Fatal("Listen did not return after cancel")
	}

	require.ErrorIs(t, c.Send(context.Background(), core.PromptFinishedEvent{PromptID: "p1"}), ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	p := newPeer(t)
	c := dial(t, p)
	conn := p.accept(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestSend_PayloadMatchesMarshalEvent(t *testing.T) {
	p := newPeer(t)
	c := dial(t, p)
	conn := p.accept(t)

	ev := core.NewLogEvent(core.LogWarning, "careful", false, &core.PromptContext{ID: "p1"})
	require.NoError(t, c.Send(context.Background(), ev))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	want, err := core.MarshalEvent(ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(data))

	var decoded core.LogEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "careful", decoded.Message)
}
