package interaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/internal/testutil"
	"github.com/hupe1980/promptmesh/loop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRendezvous(t *testing.T, optFns ...func(o *Options)) (*Rendezvous, *testutil.Recorder) {
	t.Helper()

	l := loop.New()
	t.Cleanup(l.Close)

	rec := testutil.NewRecorder()
	fns := append([]func(o *Options){func(o *Options) { o.PollInterval = 5 * time.Millisecond }}, optFns...)

	return New(l, rec, fns...), rec
}

type askResult struct {
	ok  bool
	err error
}

func askAsync(r *Rendezvous, ctx context.Context, q core.Question) <-chan askResult {
	ch := make(chan askResult, 1)
	go func() {
		ok, err := r.Ask(ctx, q)
		ch <- askResult{ok, err}
	}()
	return ch
}

func questions(rec *testutil.Recorder) int {
	n := 0
	for _, ev := range rec.Events() {
		if _, ok := ev.(core.AskQuestionEvent); ok {
			n++
		}
	}
	return n
}

func TestAsk_RoundTrip(t *testing.T) {
	r, rec := newRendezvous(t)
	ctx := context.Background()

	res := askAsync(r, ctx, core.Question{Text: "Edit the files?", Subject: "plan"})

	ev := rec.WaitQuestion(t, "Edit the files?")
	assert.Equal(t, "plan", ev.Subject)
	assert.Equal(t, "y", ev.DefaultAnswer)
	assert.False(t, ev.IsGroupQuestion)

	pending, ok := r.Pending(ctx)
	require.True(t, ok)
	assert.Equal(t, "Edit the files?", pending.Question)

	require.NoError(t, r.Answer(ctx, "y"))

	got := <-res
	require.NoError(t, got.err)
	assert.True(t, got.ok)

	_, ok = r.Pending(ctx)
	assert.False(t, ok, "the consumed answer clears the request")
}

func TestAsk_Declined(t *testing.T) {
	r, rec := newRendezvous(t)
	ctx := context.Background()

	res := askAsync(r, ctx, core.Question{Text: "Run shell command?", Default: "n"})
	ev := rec.WaitQuestion(t, "")
	assert.Equal(t, "n", ev.DefaultAnswer)

	require.NoError(t, r.Answer(ctx, "no thanks"))
	got := <-res
	require.NoError(t, got.err)
	assert.False(t, got.ok)
}

func TestAsk_StaleAnswerIsCleared(t *testing.T) {
	r, rec := newRendezvous(t)
	ctx := context.Background()

	require.NoError(t, r.Answer(ctx, "y"))

	res := askAsync(r, ctx, core.Question{Text: "Add file?"})
	rec.WaitQuestion(t, "Add file?")

	select {
	case <-res:
		t.Fatal("stale answer must not satisfy a new question")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, r.Answer(ctx, "n"))
	assert.False(t, (<-res).ok)
}

func TestAsk_GroupPreferences(t *testing.T) {
	r, rec := newRendezvous(t)
	ctx := context.Background()

	res := askAsync(r, ctx, core.Question{Text: "Create file?", GroupID: "g1"})
	ev := rec.WaitQuestion(t, "Create file?")
	assert.True(t, ev.IsGroupQuestion)
	require.NoError(t, r.Answer(ctx, "a"))
	assert.True(t, (<-res).ok)

	ok, err := r.Ask(ctx, core.Question{Text: "Another?", GroupID: "g1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, questions(rec), "always answers without a round trip")

	pref, found := r.GroupPreference(ctx, "g1")
	require.True(t, found)
	assert.Equal(t, AnswerYes, pref)

	res = askAsync(r, ctx, core.Question{Text: "Create file?", GroupID: "g2"})
	testutil.Eventually(t, func() bool { return questions(rec) == 2 }, "second question asked")
	require.NoError(t, r.Answer(ctx, "s"))
	assert.False(t, (<-res).ok)

	ok, err = r.Ask(ctx, core.Question{Text: "More?", GroupID: "g2"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, questions(rec))
}

func TestAsk_DontAskAgain(t *testing.T) {
	r, rec := newRendezvous(t)
	ctx := context.Background()
	q := core.Question{Text: "Add URL to the chat?", Subject: "https://x", AllowNever: true}

	res := askAsync(r, ctx, q)
	rec.WaitQuestion(t, q.Text)
	require.NoError(t, r.Answer(ctx, "d"))
	assert.False(t, (<-res).ok)

	ok, err := r.Ask(ctx, q)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, questions(rec))
}

func TestAsk_AutoYes(t *testing.T) {
	r, rec := newRendezvous(t, func(o *Options) { o.AutoYes = true })
	ctx := context.Background()

	ok, err := r.Ask(ctx, core.Question{Text: "Apply edits?"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, questions(rec))

	res := askAsync(r, ctx, core.Question{Text: "Delete repo?", ExplicitYesRequired: true})
	rec.WaitQuestion(t, "Delete repo?")
	require.NoError(t, r.Answer(ctx, "y"))
	assert.True(t, (<-res).ok)
}

func TestAsk_ContextCancelled(t *testing.T) {
	r, rec := newRendezvous(t)
	ctx, cancel := context.WithCancel(context.Background())

	res := askAsync(r, ctx, core.Question{Text: "Wait?"})
	rec.WaitQuestion(t, "Wait?")
	cancel()

	got := <-res
	assert.ErrorIs(t, got.err, context.Canceled)

	testutil.Eventually(t, func() bool {
		_, ok := r.Pending(context.Background())
		return !ok
	}, "pending request released")
}

func TestAsk_FromLoop(t *testing.T) {
	l := loop.New()
	defer l.Close()

	r := New(l, testutil.NewRecorder())

	err := l.Do(context.Background(), func(ctx context.Context) error {
		_, err := r.Ask(ctx, core.Question{Text: "?"})
		return err
	})
	assert.ErrorIs(t, err, ErrOnLoop)
}

func TestAsk_SinkFailure(t *testing.T) {
	r, rec := newRendezvous(t)
	rec.FailWith(errors.New("socket closed"))

	_, err := r.Ask(context.Background(), core.Question{Text: "?"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket closed")
}

func TestParseAnswer(t *testing.T) {
	tests := map[string]Answer{
		"y":      AnswerYes,
		" Yes ":  AnswerYes,
		"n":      AnswerNo,
		"":       AnswerNo,
		"a":      AnswerAlways,
		"always": AnswerAlways,
		"s":      AnswerSkip,
		"d":      AnswerDontAsk,
		"maybe":  AnswerNo,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseAnswer(raw), raw)
	}

	assert.True(t, AnswerAlways.Accepted())
	assert.False(t, AnswerSkip.Accepted())
}
