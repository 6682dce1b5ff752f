package coder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/promptmesh/core"
)

// applyEdit rewrites the file named by e on disk. The first occurrence of
// e.Original is replaced; an empty Original creates or overwrites the file.
func applyEdit(e core.Edit) error {
	if e.Original == "" {
		if err := os.MkdirAll(filepath.Dir(e.Path), 0o755); err != nil {
			return fmt.Errorf("edit %s: %w", e.Path, err)
		}

		return writeFile(e.Path, e.Updated)
	}

	data, err := os.ReadFile(e.Path)
	if err != nil {
		return fmt.Errorf("edit %s: %w", e.Path, err)
	}

	content := string(data)
	if !strings.Contains(content, e.Original) {
		return fmt.Errorf("edit %s: %w", e.Path, core.ErrEditMismatch)
	}

	return writeFile(e.Path, strings.Replace(content, e.Original, e.Updated, 1))
}

func writeFile(path, content string) error {
	mode := fs.FileMode(0o644)

	info, err := os.Stat(path)
	switch {
	case err == nil:
		mode = info.Mode().Perm()
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("edit %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("edit %s: %w", path, err)
	}

	return nil
}

// shellCommand splits "/run cmd" and "/test cmd" into the slash command
// and its shell argument.
func shellCommand(command string) (name, arg string) {
	name, arg, _ = strings.Cut(strings.TrimSpace(command), " ")

	return name, strings.TrimSpace(arg)
}
