package patch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"

	"github.com/throw-if-null/reactor/internal/paths"
)

type fileSnap struct {
	rel    string
	abs    string
	exists bool
	data   []byte
	mode   fs.FileMode
	sum    uint64
}

// Snapshot holds the prior state of a set of files under a root, plus the
// directories created while writing them, so a failed write can be undone.
type Snapshot struct {
	files       []fileSnap
	createdDirs []string
}

// TakeSnapshot records the content and mode of each slash-separated path
// under root. Missing files are recorded as absent.
func TakeSnapshot(root string, rels []string) (*Snapshot, error) {
	s := &Snapshot{}
	for _, rel := range rels {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		fsn := fileSnap{rel: rel, abs: abs}
		info, err := os.Lstat(abs)
		switch {
		case err == nil:
			if !info.Mode().IsRegular() {
				return nil, fmt.Errorf("%s: not a regular file", rel)
			}
			b, err := os.ReadFile(abs)
			if err != nil {
				return nil, err
			}
			fsn.exists = true
			fsn.data = b
			fsn.mode = info.Mode().Perm()
			fsn.sum = xxhash.Sum64(b)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
		s.files = append(s.files, fsn)
	}
	return s, nil
}

// ID is a digest over every snapshotted file.
func (s *Snapshot) ID() string {
	d := xxhash.New()
	var buf [8]byte
	for _, f := range s.files {
		_, _ = d.WriteString(f.rel)
		binary.LittleEndian.PutUint64(buf[:], f.sum)
		_, _ = d.Write(buf[:])
		if f.exists {
			_, _ = d.Write([]byte{1})
		}
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Restore puts every file back to its snapshotted content and removes
// directories created through MkdirAll. It keeps going on error and reports
// the first.
func (s *Snapshot) Restore() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, f := range s.files {
		if f.exists {
			keep(atomicWrite(f.abs, f.data, f.mode))
			continue
		}
		if err := os.Remove(f.abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			keep(err)
		}
	}
	for i := len(s.createdDirs) - 1; i >= 0; i-- {
		if err := os.Remove(s.createdDirs[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			keep(err)
		}
	}
	return first
}

// Verify checks that the filesystem matches the snapshot byte for byte.
func (s *Snapshot) Verify() error {
	for _, f := range s.files {
		b, err := os.ReadFile(f.abs)
		if !f.exists {
			if err == nil {
				return fmt.Errorf("%s: should not exist after rollback", f.rel)
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if xxhash.Sum64(b) != f.sum || !bytes.Equal(b, f.data) {
			return fmt.Errorf("%s: content differs after rollback", f.rel)
		}
	}
	return nil
}

// MkdirAll creates dir and any missing parents below root, remembering each
// directory it created so Restore can remove it.
func (s *Snapshot) MkdirAll(root, dir string) error {
	var missing []string
	for d := dir; paths.Within(root, d) && d != filepath.Clean(root); d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return err
		}
		s.createdDirs = append(s.createdDirs, missing[i])
	}
	return nil
}

func atomicWrite(path string, data []byte, mode fs.FileMode) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}
