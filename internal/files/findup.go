// Package files holds small filesystem helpers shared by the command-line
// tools.
package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir toward the filesystem root and returns the path of
// the first entry matching name, or "" if no ancestor directory contains it.
// Unreadable directories are skipped rather than aborting the walk.
func FindUp(name, dir string) string {
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
