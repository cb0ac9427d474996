package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomstage/loom/internal/errs"
)

// Lifecycle filename prefixes applied via rename.
const (
	InProgressPrefix = "IN_PROGRESS-"
	DonePrefix       = "DONE-"
)

// IsInProgress reports whether path carries the in-progress prefix.
func IsInProgress(path string) bool {
	return strings.HasPrefix(filepath.Base(path), InProgressPrefix)
}

// IsDone reports whether path carries the done prefix.
func IsDone(path string) bool {
	return strings.HasPrefix(filepath.Base(path), DonePrefix)
}

func renameWithPrefix(path, prefix string) (string, error) {
	dir, base := filepath.Split(path)
	base = strings.TrimPrefix(base, InProgressPrefix)
	base = strings.TrimPrefix(base, DonePrefix)
	dest := filepath.Join(dir, prefix+base)
	if dest == path {
		return path, nil
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("%w: rename plan %s: %v", errs.ErrInfrastructure, path, err)
	}
	return dest, nil
}

// MarkInProgress renames the plan file with the in-progress prefix,
// returning the new path. Idempotent when already marked.
func MarkInProgress(path string) (string, error) {
	if IsInProgress(path) {
		return path, nil
	}
	return renameWithPrefix(path, InProgressPrefix)
}

// MarkDone renames the plan file with the done prefix, replacing any
// in-progress prefix. Idempotent when already marked.
func MarkDone(path string) (string, error) {
	if IsDone(path) {
		return path, nil
	}
	return renameWithPrefix(path, DonePrefix)
}
