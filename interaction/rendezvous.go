package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/logging"
	"github.com/hupe1980/promptmesh/loop"
)

// ErrOnLoop is returned when Ask is called from a loop job. Asking blocks
// until the loop processes an answer, so it would never return.
var ErrOnLoop = errors.New("interaction: ask called from the event loop")

const (
	// DefaultPollInterval is how often the slot is checked for an answer.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultGroupCacheSize bounds the remembered group preferences.
	DefaultGroupCacheSize = 256
)

// Request is the outstanding question.
type Request struct {
	Question      string
	Subject       string
	DefaultAnswer string
	GroupID       string
	AskedAt       time.Time
}

// Options configures a Rendezvous.
type Options struct {
	// PollInterval between slot checks.
	PollInterval time.Duration
	// AutoYes answers every question with yes unless it requires an
	// explicit yes.
	AutoYes bool
	// GroupCacheSize bounds the group preference cache.
	GroupCacheSize int
	// Logger for diagnostics.
	Logger logging.Logger
}

// Rendezvous is the single-slot question mailbox. Its state is only touched
// on the loop.
type Rendezvous struct {
	loop   *loop.Loop
	sink   core.Sink
	opts   Options
	logger logging.Logger

	// loop-owned
	slot     *string
	pending  *Request
	prefs    *lru.Cache[string, Answer]
	neverAsk map[string]struct{}
}

// New creates a Rendezvous that emits questions to sink from l.
func New(l *loop.Loop, sink core.Sink, optFns ...func(o *Options)) *Rendezvous {
	opts := Options{
		PollInterval:   DefaultPollInterval,
		GroupCacheSize: DefaultGroupCacheSize,
		Logger:         logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.GroupCacheSize <= 0 {
		opts.GroupCacheSize = DefaultGroupCacheSize
	}

	prefs, err := lru.New[string, Answer](opts.GroupCacheSize)
	if err != nil {
		// Only fails for non-positive sizes, which are normalised above.
		panic(err)
	}

	return &Rendezvous{
		loop:     l,
		sink:     sink,
		opts:     opts,
		logger:   opts.Logger,
		prefs:    prefs,
		neverAsk: make(map[string]struct{}),
	}
}

// Ask raises q and reports whether the user accepted it.
func (r *Rendezvous) Ask(ctx context.Context, q core.Question) (bool, error) {
	ans, err := r.AskAnswer(ctx, q)
	if err != nil {
		return false, err
	}

	return ans.Accepted(), nil
}

// AskAnswer raises q and returns the normalised answer. It blocks until the
// slot is filled or ctx is done.
func (r *Rendezvous) AskAnswer(ctx context.Context, q core.Question) (Answer, error) {
	if loop.OnLoop(ctx) {
		return "", ErrOnLoop
	}

	if r.opts.AutoYes && !q.ExplicitYesRequired {
		return AnswerYes, nil
	}

	ans, err := loop.Run(ctx, r.loop, func(ctx context.Context) (Answer, error) {
		if q.GroupID != "" {
			if pref, ok := r.prefs.Get(q.GroupID); ok {
				return pref, nil
			}
		}

		if _, ok := r.neverAsk[neverKey(q)]; ok {
			return AnswerNo, nil
		}

		return "", nil
	})
	if err != nil {
		return "", err
	}

	if ans != "" {
		r.logger.Debug("question %q answered by preference: %s", q.Text, ans)

		return ans, nil
	}

	raw, err := r.roundTrip(ctx, q)
	if err != nil {
		return "", err
	}

	ans = ParseAnswer(raw)

	err = r.loop.Do(ctx, func(ctx context.Context) error {
		switch ans {
		case AnswerAlways:
			if q.GroupID != "" {
				r.prefs.Add(q.GroupID, AnswerYes)
			}
		case AnswerSkip:
			if q.GroupID != "" {
				r.prefs.Add(q.GroupID, AnswerNo)
			}
		case AnswerDontAsk:
			if q.AllowNever {
				r.neverAsk[neverKey(q)] = struct{}{}
			}
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return ans, nil
}

func (r *Rendezvous) roundTrip(ctx context.Context, q core.Question) (string, error) {
	req := &Request{
		Question:      q.Text,
		Subject:       q.Subject,
		DefaultAnswer: q.Default,
		GroupID:       q.GroupID,
		AskedAt:       time.Now(),
	}
	if req.DefaultAnswer == "" {
		req.DefaultAnswer = string(AnswerYes)
	}

	err := r.loop.Do(ctx, func(ctx context.Context) error {
		r.slot = nil
		r.pending = req

		return r.sink.Send(ctx, core.AskQuestionEvent{
			Question:        req.Question,
			Subject:         req.Subject,
			IsGroupQuestion: req.GroupID != "",
			DefaultAnswer:   req.DefaultAnswer,
		})
	})
	if err != nil {
		r.release(req)
		return "", fmt.Errorf("ask question: %w", err)
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.release(req)
			return "", ctx.Err()
		case <-ticker.C:
		}

		raw, err := loop.Run(ctx, r.loop, func(ctx context.Context) (*string, error) {
			if r.slot == nil {
				return nil, nil
			}

			v := r.slot
			r.slot = nil

			if r.pending == req {
				r.pending = nil
			}

			return v, nil
		})
		if err != nil {
			r.release(req)
			return "", err
		}

		if raw != nil {
			return *raw, nil
		}
	}
}

// release clears the pending request if it is still ours.
func (r *Rendezvous) release(req *Request) {
	_ = r.loop.Go(func(ctx context.Context) {
		if r.pending == req {
			r.pending = nil
		}
	})
}

// Answer fills the slot with value. The next poll of the outstanding
// question consumes it.
func (r *Rendezvous) Answer(ctx context.Context, value string) error {
	return r.loop.Do(ctx, func(ctx context.Context) error {
		v := value
		r.slot = &v

		return nil
	})
}

// Pending returns the outstanding question, if any.
func (r *Rendezvous) Pending(ctx context.Context) (Request, bool) {
	req, err := loop.Run(ctx, r.loop, func(ctx context.Context) (*Request, error) {
		return r.pending, nil
	})
	if err != nil || req == nil {
		return Request{}, false
	}

	return *req, true
}

// GroupPreference returns the remembered answer for a group.
func (r *Rendezvous) GroupPreference(ctx context.Context, groupID string) (Answer, bool) {
	type pref struct {
		ans Answer
		ok  bool
	}

	p, err := loop.Run(ctx, r.loop, func(ctx context.Context) (pref, error) {
		ans, ok := r.prefs.Get(groupID)
		return pref{ans, ok}, nil
	})
	if err != nil {
		return "", false
	}

	return p.ans, p.ok
}

func neverKey(q core.Question) string {
	return q.Text + "\x00" + q.Subject
}
