package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/patch"
	"github.com/throw-if-null/reactor/internal/paths"
)

// ErrWriteBack marks a write-back that failed. When the returned paths are
// empty the origin was rolled back to its prior state.
var ErrWriteBack = errors.New("write back failed")

// writeOrigin writes one origin file. Tests replace it to inject failures.
var writeOrigin = func(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

type copyBack struct {
	rel    string
	dst    string
	remove bool
	data   []byte
	mode   fs.FileMode
}

// WriteBack copies the given sandbox-relative paths to the sandbox origin.
// Paths missing from the sandbox are deleted in the origin. It returns the
// paths it changed, sorted.
//
// Every source is read before the origin is touched, and the origin files
// are snapshotted first; a failure while writing restores them. If the
// rollback itself fails, the paths written so far are returned with the
// error.
func WriteBack(sb *api.Sandbox, rels []string) ([]string, error) {
	if !sb.Isolated() {
		return nil, ErrNotIsolated
	}
	seen := map[string]bool{}
	var plan []copyBack
	var targets []string
	for _, rel := range rels {
		if seen[rel] {
			continue
		}
		seen[rel] = true

		src, err := paths.SafeJoin(sb.Root, filepath.FromSlash(rel))
		if err != nil {
			return nil, err
		}
		dst, err := paths.SafeJoin(sb.Origin, filepath.FromSlash(rel))
		if err != nil {
			return nil, err
		}

		cb := copyBack{rel: rel, dst: dst}
		info, err := os.Lstat(src)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			cb.remove = true
		case err != nil:
			return nil, err
		case !info.Mode().IsRegular():
			return nil, fmt.Errorf("%s: not a regular file", rel)
		default:
			if cb.data, err = os.ReadFile(src); err != nil {
				return nil, err
			}
			cb.mode = info.Mode().Perm()
		}
		plan = append(plan, cb)
		targets = append(targets, rel)
	}

	snap, err := patch.TakeSnapshot(sb.Origin, targets)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot origin: %v", ErrWriteBack, err)
	}

	var done []string
	for _, cb := range plan {
		if err := writeOne(sb.Origin, snap, cb); err != nil {
			if rerr := snap.Restore(); rerr != nil {
				sort.Strings(done)
				return done, fmt.Errorf("%w: %s: %v; rollback failed: %v", ErrWriteBack, cb.rel, err, rerr)
			}
			if verr := snap.Verify(); verr != nil {
				sort.Strings(done)
				return done, fmt.Errorf("%w: %s: %v; rollback verification failed: %v", ErrWriteBack, cb.rel, err, verr)
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrWriteBack, cb.rel, err)
		}
		done = append(done, cb.rel)
	}
	sort.Strings(done)
	return done, nil
}

func writeOne(origin string, snap *patch.Snapshot, cb copyBack) error {
	if cb.remove {
		if err := os.Remove(cb.dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := snap.MkdirAll(origin, filepath.Dir(cb.dst)); err != nil {
		return err
	}
	if err := writeOrigin(cb.dst, cb.data); err != nil {
		return err
	}
	return os.Chmod(cb.dst, cb.mode)
}
