package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/promptmesh/core"
)

// DefaultWait bounds every Wait* helper.
const DefaultWait = 5 * time.Second

// Recorder is a core.Sink that keeps every event it receives in order.
type Recorder struct {
	mu     sync.Mutex
	events []core.Event
	notify chan struct{}
	err    error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Send implements core.Sink.
func (r *Recorder) Send(_ context.Context, ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.events = append(r.events, ev)
	close(r.notify)
	r.notify = make(chan struct{})

	return nil
}

// FailWith makes subsequent Send calls return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Events returns a snapshot of all recorded events.
func (r *Recorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.Event, len(r.events))
	copy(out, r.events)

	return out
}

// Responses returns the response events of one prompt in emission order.
func (r *Recorder) Responses(promptID string) []core.ResponseEvent {
	var out []core.ResponseEvent

	for _, ev := range r.Events() {
		if resp, ok := ev.(core.ResponseEvent); ok && resp.PromptContext.ID == promptID {
			out = append(out, resp)
		}
	}

	return out
}

// Finished returns the finished response events of one prompt.
func (r *Recorder) Finished(promptID string) []core.ResponseEvent {
	var out []core.ResponseEvent

	for _, resp := range r.Responses(promptID) {
		if resp.Finished {
			out = append(out, resp)
		}
	}

	return out
}

// Logs returns the log events with the given level ("" matches all).
func (r *Recorder) Logs(level string) []core.LogEvent {
	var out []core.LogEvent

	for _, ev := range r.Events() {
		if l, ok := ev.(core.LogEvent); ok && (level == "" || l.Level == level) {
			out = append(out, l)
		}
	}

	return out
}

// PromptFinished reports how many prompt-finished events were seen for id.
func (r *Recorder) PromptFinished(id string) int {
	n := 0

	for _, ev := range r.Events() {
		if pf, ok := ev.(core.PromptFinishedEvent); ok && pf.PromptID == id {
			n++
		}
	}

	return n
}

// WaitFor blocks until pred holds for some recorded event and returns it.
// The test fails after DefaultWait.
func (r *Recorder) WaitFor(t testing.TB, pred func(core.Event) bool) core.Event {
	t.Helper()

	deadline := time.NewTimer(DefaultWait)
	defer deadline.Stop()

	seen := 0

	for {
		r.mu.Lock()
		for ; seen < len(r.events); seen++ {
			if pred(r.events[seen]) {
				ev := r.events[seen]
				r.mu.Unlock()
				return ev
			}
		}
		notify := r.notify
		r.mu.Unlock()

		select {
		case <-notify:
		case <-deadline.C:
			t.Fatalf("timed out waiting for event; recorded: %s", r.dump())
			return nil
		}
	}
}

// WaitPromptFinished waits for the prompt-finished event of id.
func (r *Recorder) WaitPromptFinished(t testing.TB, id string) {
	t.Helper()

	r.WaitFor(t, func(ev core.Event) bool {
		pf, ok := ev.(core.PromptFinishedEvent)
		return ok && pf.PromptID == id
	})
}

// WaitQuestion waits for an ask-question event with the given text.
func (r *Recorder) WaitQuestion(t testing.TB, text string) core.AskQuestionEvent {
	t.Helper()

	ev := r.WaitFor(t, func(ev core.Event) bool {
		q, ok := ev.(core.AskQuestionEvent)
		return ok && (text == "" || q.Question == text)
	})

	return ev.(core.AskQuestionEvent)
}

func (r *Recorder) dump() string {
	var sb strings.Builder

	for i, ev := range r.Events() {
		fmt.Fprintf(&sb, "\n  %d: %s %+v", i, ev.Action(), ev)
	}

	return sb.String()
}

// Eventually polls cond until it holds or DefaultWait elapses.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(DefaultWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met: %s", msg)
}

// LogRecorder is a logging.Logger keeping formatted lines per level.
type LogRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *LogRecorder) add(level, msg string, args ...any) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+msg)
}

// Debug implements logging.Logger.
func (l *LogRecorder) Debug(msg string, args ...any) { l.add("debug", msg, args...) }

// Info implements logging.Logger.
func (l *LogRecorder) Info(msg string, args ...any) { l.add("info", msg, args...) }

// Warn implements logging.Logger.
func (l *LogRecorder) Warn(msg string, args ...any) { l.add("warn", msg, args...) }

// Error implements logging.Logger.
func (l *LogRecorder) Error(msg string, args ...any) { l.add("error", msg, args...) }

// Lines returns a snapshot of the recorded lines.
func (l *LogRecorder) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.lines))
	copy(out, l.lines)

	return out
}

// Contains reports whether any line contains substr.
func (l *LogRecorder) Contains(substr string) bool {
	for _, line := range l.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}

	return false
}
