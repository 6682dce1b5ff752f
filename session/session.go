package session

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/hupe1980/promptmesh/core"
)

// Options configures a Session.
type Options struct {
	// BaseDir is the project root relative context files resolve against.
	BaseDir string
}

// Session is safe for concurrent access.
type Session struct {
	mu      sync.RWMutex
	coder   core.Coder
	baseDir string
}

// New creates a Session around the session-wide coder.
func New(coder core.Coder, optFns ...func(o *Options)) *Session {
	opts := Options{}

	for _, fn := range optFns {
		fn(&opts)
	}

	baseDir := opts.BaseDir
	if baseDir != "" {
		if abs, err := filepath.Abs(baseDir); err == nil {
			baseDir = abs
		}
	}

	return &Session{coder: coder, baseDir: baseDir}
}

// Coder returns the current session-wide coder.
func (s *Session) Coder() core.Coder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.coder
}

// SetCoder replaces the session-wide coder. Totals carried by the old coder
// are adopted by the new one.
func (s *Session) SetCoder(c core.Coder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coder != nil && c != nil {
		prev := s.coder.Result()
		c.Absorb(core.Result{TotalCost: prev.TotalCost, CommitHashes: prev.CommitHashes})
	}

	s.coder = c
}

// BaseDir returns the absolute project root.
func (s *Session) BaseDir() string { return s.baseDir }

// Absorb propagates cost and commits of a forked prompt context to the
// session coder. Edited files stay with the prompt.
func (s *Session) Absorb(r core.Result) {
	s.mu.RLock()
	c := s.coder
	s.mu.RUnlock()

	if c == nil {
		return
	}

	c.Absorb(core.Result{TotalCost: r.TotalCost, CommitHashes: r.CommitHashes})
}

// ResolveFiles returns files with relative paths joined onto the base
// directory. A nil slice stays nil so that callers can tell "inherit" from
// "clear".
func (s *Session) ResolveFiles(files []core.ContextFile) []core.ContextFile {
	if files == nil {
		return nil
	}

	out := make([]core.ContextFile, 0, len(files))

	for _, f := range files {
		out = append(out, core.ContextFile{Path: s.Resolve(f.Path), ReadOnly: f.ReadOnly})
	}

	return out
}

// Resolve returns path as an absolute, cleaned path under the base
// directory when it is relative.
func (s *Session) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || s.baseDir == "" {
		return filepath.Clean(path)
	}

	return filepath.Join(s.baseDir, path)
}

// Relative returns path relative to the base directory when it lies below
// it, or path unchanged otherwise.
func (s *Session) Relative(path string) string {
	if s.baseDir == "" || !filepath.IsAbs(path) {
		return path
	}

	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}

	return rel
}

// ContextFiles returns the session coder's files relative to the base
// directory.
func (s *Session) ContextFiles() []core.ContextFile {
	c := s.Coder()
	if c == nil {
		return nil
	}

	files := c.ContextFiles()
	out := make([]core.ContextFile, 0, len(files))

	for _, f := range files {
		out = append(out, core.ContextFile{Path: s.Relative(f.Path), ReadOnly: f.ReadOnly})
	}

	return out
}
