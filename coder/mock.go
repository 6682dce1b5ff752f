package coder

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/hupe1980/promptmesh/core"
)

// MockCommit describes a commit a scripted run creates. Files holds the
// complete content of every changed file after the commit.
type MockCommit struct {
	Message string
	Files   map[string]string
}

// MockCommand is a shell command a scripted run reports through IO.
type MockCommand struct {
	Command string
	Output  string
}

// MockRun scripts one RunStream call.
type MockRun struct {
	// Chunks are yielded in order.
	Chunks []string
	// Delay is slept (cancellably) before each chunk.
	Delay time.Duration
	// Block, when set, is awaited before the first chunk without watching
	// the context, like a non-cooperative backend call.
	Block <-chan struct{}
	// Err is yielded after the chunks.
	Err error
	// Partial overrides the partial content (non-streaming models).
	Partial string
	// Reflect is returned by ReflectedMessage after the run.
	Reflect     string
	EditedFiles []string
	Commit      *MockCommit
	Cost        float64
	UsageReport string
	// Ask is raised through IO.Confirm after the chunks.
	Ask      *core.Question
	Commands []MockCommand
	Outputs  []string
	Warnings []string
	Errors   []string
	Loading  []string
}

// MockCoder is a scripted core.Coder. Each RunStream call consumes the next
// MockRun; once the script is exhausted runs produce nothing.
type MockCoder struct {
	mu        sync.Mutex
	runs      []MockRun
	next      int
	prompts   []string
	answers   []bool
	settings  core.ModelSettings
	io        core.IO
	files     []core.ContextFile
	messages  []core.Message
	partial   string
	usage     string
	totalCost float64
	edited    []string
	commits   []core.Commit
	snapshots map[string]map[string]string
	reflected string
	applied   []core.Edit
	editErr   error
	commands  []string
	replies   map[string]MockCommand
}

// NewMockCoder creates a MockCoder replaying runs.
func NewMockCoder(runs ...MockRun) *MockCoder {
	return &MockCoder{
		runs:      runs,
		settings:  core.ModelSettings{Name: "mock", EditFormat: core.DefaultEditFormat},
		io:        DiscardIO{},
		snapshots: map[string]map[string]string{},
	}
}

// WithSettings sets the model settings (chainable).
func (m *MockCoder) WithSettings(s core.ModelSettings) *MockCoder {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = s

	return m
}

// WithFiles sets the context files (chainable).
func (m *MockCoder) WithFiles(files ...core.ContextFile) *MockCoder {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files = files

	return m
}

// WithCommand makes RunCommand(command) report reply through
// IO.CommandOutput (chainable).
func (m *MockCoder) WithCommand(command string, reply MockCommand) *MockCoder {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.replies == nil {
		m.replies = map[string]MockCommand{}
	}

	m.replies[command] = reply

	return m
}

// FailEditsWith makes later ApplyEdits calls return err.
func (m *MockCoder) FailEditsWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.editErr = err
}

// AppliedEdits returns every edit accepted by ApplyEdits.
func (m *MockCoder) AppliedEdits() []core.Edit {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.applied)
}

// Commands returns every command RunCommand was called with.
func (m *MockCoder) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.commands)
}

// AddRuns appends scripted runs.
func (m *MockCoder) AddRuns(runs ...MockRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, runs...)
}

// Prompts returns every prompt RunStream was called with.
func (m *MockCoder) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.prompts)
}

// Answers returns the results of scripted confirmations.
func (m *MockCoder) Answers() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.answers)
}

// Messages returns the chat history the coder was created with.
func (m *MockCoder) Messages() []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.messages)
}

// RunStream implements core.Coder.
func (m *MockCoder) RunStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.Lock()
		m.prompts = append(m.prompts, prompt)
		m.partial = ""
		m.reflected = ""
		m.edited = nil

		var run MockRun
		if m.next < len(m.runs) {
			run = m.runs[m.next]
			m.next++
		}

		io := m.io
		m.mu.Unlock()

		if run.Block != nil {
			<-run.Block
		}

		for _, chunk := range run.Chunks {
			if run.Delay > 0 {
				select {
				case <-time.After(run.Delay):
				case <-ctx.Done():
					return
				}
			}

			m.mu.Lock()
			m.partial += chunk
			m.mu.Unlock()

			if !yield(chunk, nil) {
				return
			}
		}

		for _, msg := range run.Loading {
			io.Loading(msg, false)
			io.Loading(msg, true)
		}

		for _, msg := range run.Outputs {
			io.Output(msg)
		}

		for _, msg := range run.Warnings {
			io.Warning(msg)
		}

		for _, msg := range run.Errors {
			io.Error(msg)
		}

		for _, cmd := range run.Commands {
			io.CommandOutput(cmd.Command, cmd.Output)
		}

		if run.Ask != nil {
			ok, err := io.Confirm(ctx, *run.Ask)
			if err != nil {
				yield("", err)
				return
			}

			m.mu.Lock()
			m.answers = append(m.answers, ok)
			m.mu.Unlock()
		}

		m.finishRun(run)

		if run.Commit != nil {
			io.Output(fmt.Sprintf("Commit %s %s", m.lastHash(), run.Commit.Message))
		}

		if run.Err != nil {
			yield("", run.Err)
		}
	}
}

func (m *MockCoder) finishRun(run MockRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.Partial != "" {
		m.partial = run.Partial
	}

	m.reflected = run.Reflect
	m.edited = slices.Clone(run.EditedFiles)
	m.totalCost += run.Cost
	m.usage = run.UsageReport

	if run.Commit != nil {
		m.commit(*run.Commit)
	}
}

func (m *MockCoder) commit(c MockCommit) {
	var parent map[string]string
	if len(m.commits) > 0 {
		parent = m.snapshots[m.commits[len(m.commits)-1].Hash]
	}

	snap := make(map[string]string, len(parent)+len(c.Files))
	for k, v := range parent {
		snap[k] = v
	}

	for k, v := range c.Files {
		snap[k] = v
	}

	hash := fmt.Sprintf("%07x", 0xabc0000+len(m.commits)+1)
	m.snapshots[hash] = snap
	m.commits = append(m.commits, core.Commit{Hash: hash, Message: c.Message})

	for k := range c.Files {
		if !slices.Contains(m.edited, k) {
			m.edited = append(m.edited, k)
		}
	}
}

func (m *MockCoder) lastHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.commits) == 0 {
		return ""
	}

	return m.commits[len(m.commits)-1].Hash
}

// PartialContent implements core.Coder.
func (m *MockCoder) PartialContent() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.partial
}

// UsageReport implements core.Coder.
func (m *MockCoder) UsageReport() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.usage
}

// TotalCost implements core.Coder.
func (m *MockCoder) TotalCost() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalCost
}

// EditedFiles implements core.Coder.
func (m *MockCoder) EditedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.edited)
}

// CommitHashes implements core.Coder.
func (m *MockCoder) CommitHashes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes := make([]string, len(m.commits))
	for i, c := range m.commits {
		hashes[i] = c.Hash
	}

	return hashes
}

// LastCommit implements core.Coder.
func (m *MockCoder) LastCommit() (core.Commit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.commits) == 0 {
		return core.Commit{}, false
	}

	return m.commits[len(m.commits)-1], true
}

// Diff implements core.Coder. Revisions are commit hashes, optionally with
// a "~1" suffix naming the parent.
func (m *MockCoder) Diff(_ context.Context, from, to string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldSnap, err := m.resolve(from)
	if err != nil {
		return "", err
	}

	newSnap, err := m.resolve(to)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(oldSnap)+len(newSnap))
	for k := range oldSnap {
		names = append(names, k)
	}

	for k := range newSnap {
		if _, ok := oldSnap[k]; !ok {
			names = append(names, k)
		}
	}

	sort.Strings(names)

	dmp := diffmatchpatch.New()

	var sb strings.Builder

	for _, name := range names {
		oldContent, newContent := oldSnap[name], newSnap[name]
		if oldContent == newContent {
			continue
		}

		diffs := dmp.DiffMain(oldContent, newContent, false)
		diffs = dmp.DiffCleanupSemantic(diffs)
		patches := dmp.PatchMake(oldContent, diffs)

		fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", name, name)
		sb.WriteString(dmp.PatchToText(patches))
	}

	return sb.String(), nil
}

func (m *MockCoder) resolve(rev string) (map[string]string, error) {
	parent := strings.HasSuffix(rev, "~1")
	hash := strings.TrimSuffix(rev, "~1")

	idx := slices.IndexFunc(m.commits, func(c core.Commit) bool { return c.Hash == hash })
	if idx < 0 {
		return nil, fmt.Errorf("revision %q: %w", rev, core.ErrNoCommit)
	}

	if parent {
		if idx == 0 {
			return map[string]string{}, nil
		}

		return m.snapshots[m.commits[idx-1].Hash], nil
	}

	return m.snapshots[hash], nil
}

// ReflectedMessage implements core.Coder. The message is consumed.
func (m *MockCoder) ReflectedMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.reflected
	m.reflected = ""

	return msg
}

// ContextFiles implements core.Coder.
func (m *MockCoder) ContextFiles() []core.ContextFile {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.files)
}

// Settings implements core.Coder.
func (m *MockCoder) Settings() core.ModelSettings {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.settings
}

// SetIO implements core.Coder.
func (m *MockCoder) SetIO(io core.IO) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.io = io
}

// Result implements core.Coder.
func (m *MockCoder) Result() core.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes := make([]string, len(m.commits))
	for i, c := range m.commits {
		hashes[i] = c.Hash
	}

	return core.Result{
		EditedFiles:  slices.Clone(m.edited),
		TotalCost:    m.totalCost,
		CommitHashes: hashes,
	}
}

// Absorb implements core.Coder. Commit hashes unknown to this coder are
// recorded without snapshots.
func (m *MockCoder) Absorb(r core.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalCost = r.TotalCost

	if r.EditedFiles != nil {
		m.edited = slices.Clone(r.EditedFiles)
	}

	for _, h := range r.CommitHashes {
		if !slices.ContainsFunc(m.commits, func(c core.Commit) bool { return c.Hash == h }) {
			m.commits = append(m.commits, core.Commit{Hash: h})
		}
	}
}

// ApplyEdits implements core.Coder. Edits are recorded, not written.
func (m *MockCoder) ApplyEdits(_ context.Context, edits []core.Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.editErr != nil {
		return m.editErr
	}

	m.applied = append(m.applied, edits...)

	for _, e := range edits {
		if !slices.Contains(m.edited, e.Path) {
			m.edited = append(m.edited, e.Path)
		}
	}

	return nil
}

// RunCommand implements core.Coder. Commands registered with WithCommand
// report their reply; other commands are only recorded.
func (m *MockCoder) RunCommand(_ context.Context, command string) error {
	m.mu.Lock()
	m.commands = append(m.commands, command)
	reply, ok := m.replies[command]
	io := m.io
	m.mu.Unlock()

	if ok {
		io.CommandOutput(reply.Command, reply.Output)
	}

	return nil
}

var _ core.Coder = (*MockCoder)(nil)

// ForkCall records one MockForker.Fork invocation.
type ForkCall struct {
	Base core.Coder
	Opts core.ForkOptions
}

// MockForker hands out prepared MockCoders in order. When none are left it
// creates empty ones.
type MockForker struct {
	mu    sync.Mutex
	next  []*MockCoder
	calls []ForkCall
	err   error
}

// NewMockForker creates a MockForker returning children in order.
func NewMockForker(children ...*MockCoder) *MockForker {
	return &MockForker{next: children}
}

// FailWith makes every later Fork return err.
func (f *MockForker) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

// Calls returns the recorded invocations.
func (f *MockForker) Calls() []ForkCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.calls)
}

// Fork implements core.Forker.
func (f *MockForker) Fork(_ context.Context, base core.Coder, opts core.ForkOptions) (core.Coder, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ForkCall{Base: base, Opts: opts})

	if f.err != nil {
		err := f.err
		f.mu.Unlock()

		return nil, err
	}

	var child *MockCoder
	if len(f.next) > 0 {
		child = f.next[0]
		f.next = f.next[1:]
	} else {
		child = NewMockCoder()
	}
	f.mu.Unlock()

	settings := base.Settings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}

	if opts.EditFormat != "" {
		settings.EditFormat = opts.EditFormat
	}

	files := base.ContextFiles()
	if opts.Files != nil {
		files = opts.Files
	}

	prev := base.Result()

	child.mu.Lock()
	child.settings = settings
	child.files = slices.Clone(files)
	child.messages = slices.Clone(opts.Messages)
	child.totalCost = prev.TotalCost
	if opts.IO != nil {
		child.io = opts.IO
	}
	child.mu.Unlock()

	return child, nil
}

var _ core.Forker = (*MockForker)(nil)
