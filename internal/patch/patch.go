// Package patch applies model-produced unified diffs to a sandbox tree.
//
// Application is all or nothing: paths are validated and every hunk is
// applied in memory before anything is written, and a failure while writing
// restores each touched file from a snapshot taken just before.
package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/paths"
)

var (
	ErrParse    = errors.New("patch parse error")
	ErrApply    = errors.New("patch apply error")
	ErrSecurity = errors.New("patch security violation")
)

// Err maps a non-successful result to its sentinel error, or nil.
func Err(r api.PatchResult) error {
	var base error
	switch r.Outcome {
	case api.PatchParseError:
		base = ErrParse
	case api.PatchApplyError:
		base = ErrApply
	case api.PatchSecurityViolation:
		base = ErrSecurity
	default:
		return nil
	}
	if r.Error == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, r.Error)
}

type Option func(*Applier)

func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.log = l }
}

// WithWriter replaces the function used to write patched files.
func WithWriter(w func(path string, data []byte, mode fs.FileMode) error) Option {
	return func(a *Applier) { a.write = w }
}

type Applier struct {
	log    *slog.Logger
	write  func(path string, data []byte, mode fs.FileMode) error
	remove func(path string) error
}

func New(opts ...Option) *Applier {
	a := &Applier{log: slog.Default(), write: atomicWrite, remove: os.Remove}
	for _, o := range opts {
		o(a)
	}
	return a
}

type pending struct {
	exists bool
	data   []byte
	mode   fs.FileMode
}

// Apply applies the diff in text to the tree under root.
func (a *Applier) Apply(root, text string) api.PatchResult {
	if IsNoChanges(text) {
		return api.PatchResult{Outcome: api.PatchNoOp}
	}

	fps, err := parse(Normalize(text))
	if err != nil {
		return api.PatchResult{Outcome: api.PatchParseError, Error: err.Error()}
	}

	for _, fp := range fps {
		for _, p := range []string{fp.orig, fp.path} {
			if p == "" {
				continue
			}
			if err := checkPath(root, p); err != nil {
				a.log.Warn("rejected patch path", "path", p, "error", err)
				return api.PatchResult{Outcome: api.PatchSecurityViolation, Error: err.Error()}
			}
		}
	}

	state := map[string]*pending{}
	var order []string
	load := func(rel string) (*pending, error) {
		if p, ok := state[rel]; ok {
			return p, nil
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))
		p := &pending{mode: 0o644}
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
			p.exists, p.data, p.mode = true, b, info.Mode().Perm()
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
		state[rel] = p
		order = append(order, rel)
		return p, nil
	}
	fail := func(err error) api.PatchResult {
		return api.PatchResult{Outcome: api.PatchApplyError, Error: err.Error()}
	}

	for _, fp := range fps {
		src, err := load(fp.source())
		if err != nil {
			return fail(err)
		}
		if fp.op == opCreate && src.exists {
			return fail(fmt.Errorf("%s: already exists", fp.path))
		}
		if fp.op != opCreate && !src.exists {
			return fail(fmt.Errorf("%s: does not exist", fp.orig))
		}
		result, err := applyHunks(splitDoc(src.data), fp.hunks)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", displayName(fp), err))
		}

		switch fp.op {
		case opDelete:
			if len(result.lines) != 0 {
				return fail(fmt.Errorf("%s: delete leaves content behind", fp.orig))
			}
			src.exists, src.data = false, nil
		case opRename:
			dst, err := load(fp.path)
			if err != nil {
				return fail(err)
			}
			if dst.exists {
				return fail(fmt.Errorf("%s: rename target exists", fp.path))
			}
			dst.exists, dst.data, dst.mode = true, result.bytes(), src.mode
			src.exists, src.data = false, nil
		default:
			src.exists, src.data = true, result.bytes()
		}
	}

	snap, err := TakeSnapshot(root, order)
	if err != nil {
		return fail(err)
	}

	if err := a.commit(root, order, state, snap); err != nil {
		a.log.Warn("patch write failed, rolling back", "error", err)
		if rerr := snap.Restore(); rerr != nil {
			return fail(fmt.Errorf("%v; rollback failed: %v", err, rerr))
		}
		if verr := snap.Verify(); verr != nil {
			return fail(fmt.Errorf("%v; rollback verification failed: %v", err, verr))
		}
		return api.PatchResult{Outcome: api.PatchApplyError, Snapshot: snap.ID(), Error: err.Error()}
	}

	touched := append([]string(nil), order...)
	sort.Strings(touched)
	a.log.Debug("patch applied", "files", len(touched))
	return api.PatchResult{Outcome: api.PatchApplied, Touched: touched, Snapshot: snap.ID()}
}

func (a *Applier) commit(root string, order []string, state map[string]*pending, snap *Snapshot) error {
	for _, rel := range order {
		p := state[rel]
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if !p.exists {
			if err := a.remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			continue
		}
		if err := snap.MkdirAll(root, filepath.Dir(abs)); err != nil {
			return err
		}
		if err := a.write(abs, p.data, p.mode); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// checkPath rejects absolute paths, parent references, writes into .git and
// paths that resolve outside root through symlinks.
func checkPath(root, rel string) error {
	if strings.ContainsRune(rel, 0) {
		return fmt.Errorf("%q: NUL in path", rel)
	}
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return fmt.Errorf("%q: absolute path", rel)
	}
	segs := strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' })
	for _, s := range segs {
		if s == ".." {
			return fmt.Errorf("%q: parent directory reference", rel)
		}
		if s == ".git" {
			return fmt.Errorf("%q: inside .git", rel)
		}
	}
	abs, err := paths.SafeJoin(root, filepath.FromSlash(rel))
	if err != nil {
		return err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return err
	}
	// resolve the deepest existing ancestor (or the file itself)
	probe := abs
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	resolved, err := filepath.EvalSymlinks(probe)
	if err != nil {
		return err
	}
	if !paths.Within(realRoot, resolved) {
		return fmt.Errorf("%q: resolves outside sandbox via symlink", rel)
	}
	return nil
}
