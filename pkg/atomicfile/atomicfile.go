// Package atomicfile provides the write-to-temp-then-rename discipline
// spec.md requires of every state file: a reader must never observe a
// partially written file. It wraps google/renameio, which implements this
// pattern (temp file in the same directory, fsync, atomic rename) without
// each owner component re-deriving it.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteFile atomically replaces path's contents with data, creating parent
// directories first if they don't exist.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, perm)
}
