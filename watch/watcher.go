package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/logging"
	"github.com/hupe1980/promptmesh/registry"
	"github.com/hupe1980/promptmesh/session"
)

// DefaultDebounce is how long a file must stay unchanged before it is scanned.
const DefaultDebounce = 300 * time.Millisecond

// GroupColor is the display color of watcher-created prompt groups.
const GroupColor = "var(--color-agent-ai-request)"

// DefaultIgnoredDirs are directory names never watched.
var DefaultIgnoredDirs = []string{".git", ".hg", ".svn", "node_modules", "vendor", ".idea", ".vscode"}

// Engine is the part of the orchestrator the watcher drives.
type Engine interface {
	RunPrompt(ctx context.Context, cmd core.SubmitPrompt) (*registry.Task, error)
	Emit(ctx context.Context, ev core.Event) error
	SendContextFiles(ctx context.Context, c core.Coder) error
	Session() *session.Session
}

// Options configures a Watcher.
type Options struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// IgnoredDirs are directory names skipped while walking.
	IgnoredDirs []string
	// Logger receives watcher diagnostics.
	Logger logging.Logger
}

// Watcher submits prompts for "AI!" comments found in changed files.
type Watcher struct {
	engine  Engine
	baseDir string
	opts    Options
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	busy    bool

	wg sync.WaitGroup
}

// New creates a Watcher for the session's base directory and registers
// every directory below it.
func New(eng Engine, optFns ...func(o *Options)) (*Watcher, error) {
	opts := Options{
		Debounce:    DefaultDebounce,
		IgnoredDirs: DefaultIgnoredDirs,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	baseDir := eng.Session().BaseDir()
	if baseDir == "" {
		return nil, errors.New("watch: session has no base directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	w := &Watcher{
		engine:  eng,
		baseDir: baseDir,
		opts:    opts,
		fsw:     fsw,
		pending: make(map[string]time.Time),
	}

	if err := w.addTree(baseDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return w, nil
}

// Run processes file events until ctx is done, then closes the underlying
// watcher and waits for a running prompt to be handed back.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fsw.Close()
		w.wg.Wait()
	}()

	ticker := time.NewTicker(w.opts.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.opts.Logger.Warn("watch error: %v", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			if err := w.addTree(ev.Name); err != nil {
				w.opts.Logger.Warn("watch %s: %v", ev.Name, err)
			}
		}

		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.busy {
		return
	}

	w.pending[ev.Name] = time.Now()
}

// flush scans files that settled and starts a prompt when any of them
// carries an "AI!" comment.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return
	}

	now := time.Now()

	var settled []string

	for path, at := range w.pending {
		if now.Sub(at) >= w.opts.Debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	if len(settled) == 0 {
		return
	}

	comments := make(map[string][]Comment)

	var files []string

	for _, path := range settled {
		found, err := ScanFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.opts.Logger.Warn("scan %s: %v", path, err)
			}

			continue
		}

		if len(found) == 0 {
			continue
		}

		rel := w.engine.Session().Relative(path)
		comments[rel] = found
		files = append(files, rel)
	}

	if len(files) == 0 {
		return
	}

	slices.Sort(files)

	w.mu.Lock()
	w.busy = true
	clear(w.pending)
	w.mu.Unlock()

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer w.release()

		w.process(ctx, files, BuildPrompt(files, comments))
	}()
}

func (w *Watcher) release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.busy = false
}

func (w *Watcher) process(ctx context.Context, files []string, prompt string) {
	group := &core.PromptGroup{
		ID:    core.NewID(),
		Name:  "AI request detected in files: " + strings.Join(files, ", "),
		Color: GroupColor,
	}
	pc := core.PromptContext{ID: core.NewID(), Group: group}

	w.opts.Logger.Info("AI request in %s", strings.Join(files, ", "))

	if err := w.engine.Emit(ctx, core.NewLogEvent(core.LogLoading, "Processing request...", false, &pc)); err != nil {
		w.opts.Logger.Warn("watch: %v", err)
		return
	}

	contextFiles := make([]core.ContextFile, len(files))
	for i, f := range files {
		contextFiles[i] = core.ContextFile{Path: f}
	}

	task, err := w.engine.RunPrompt(ctx, core.SubmitPrompt{
		ID:      pc.ID,
		Group:   group,
		Content: prompt,
		Mode:    core.ModeCode,
		Files:   contextFiles,
	})
	if err != nil {
		w.opts.Logger.Warn("watch: start prompt: %v", err)
	} else if err := task.Wait(ctx); err == nil {
		if err := w.engine.SendContextFiles(ctx, w.engine.Session().Coder()); err != nil {
			w.opts.Logger.Warn("watch: %v", err)
		}
	}

	// The group is finished whatever the outcome.
	done := *group
	done.Finished = true
	pc.Group = &done

	if err := w.engine.Emit(context.WithoutCancel(ctx), core.NewLogEvent(core.LogLoading, "", true, &pc)); err != nil {
		w.opts.Logger.Debug("watch: %v", err)
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && slices.Contains(w.opts.IgnoredDirs, d.Name()) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}

		return nil
	})
}
