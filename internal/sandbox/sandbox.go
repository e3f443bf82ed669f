// Package sandbox creates and destroys the isolated working trees a task's
// patches and tests run in.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/paths"
)

var (
	// ErrSandboxCreate wraps every failure to set up a sandbox.
	ErrSandboxCreate = errors.New("sandbox create failed")
	// ErrNotIsolated is returned for operations that need a separate tree.
	ErrNotIsolated = errors.New("sandbox is not isolated from its origin")
)

// Config selects where sandboxes live and how they are made.
type Config struct {
	Root string // directory holding one subdirectory per sandbox
	Mode api.SandboxMode
}

type Option func(*Manager)

func WithExecRunner(exe ExecRunner) Option {
	return func(m *Manager) { m.exe = exe }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the sandbox root directory.
type Manager struct {
	root string
	mode api.SandboxMode
	exe  ExecRunner
	log  *slog.Logger
	now  func() time.Time
}

func New(cfg Config, opts ...Option) (*Manager, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = api.SandboxCopy
	}
	switch mode {
	case api.SandboxCopy, api.SandboxWorktree, api.SandboxNone:
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", mode)
	}
	root := cfg.Root
	if root == "" && mode != api.SandboxNone {
		return nil, errors.New("sandbox root is required")
	}
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		root = abs
	}
	m := &Manager{root: root, mode: mode, exe: &RealExecRunner{}, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Manager) Mode() api.SandboxMode { return m.mode }

func (m *Manager) Root() string { return m.root }

// Create prepares a working tree for task. In none mode the task's
// repository is used directly.
func (m *Manager) Create(ctx context.Context, task api.Task) (*api.Sandbox, error) {
	origin, err := filepath.Abs(task.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSandboxCreate, err)
	}
	fi, err := os.Stat(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %w", ErrSandboxCreate, origin, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: source %s is not a directory", ErrSandboxCreate, origin)
	}

	created := m.now().UTC()
	if m.mode == api.SandboxNone {
		return &api.Sandbox{Root: origin, Origin: origin, Mode: api.SandboxNone, CreatedAt: created}, nil
	}

	name, err := paths.SandboxName(task.TaskID, created)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSandboxCreate, err)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSandboxCreate, err)
	}
	dir := filepath.Join(m.root, name)

	switch m.mode {
	case api.SandboxWorktree:
		// a detached worktree shares history but never moves a branch
		out, err := m.exe.Run(ctx, origin, "git", "worktree", "add", "--detach", dir, "HEAD")
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: git worktree add: %w: %s", ErrSandboxCreate, err, strings.TrimSpace(out))
		}
	default:
		if err := copyTree(ctx, origin, dir, m.skipDirs(origin)); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: copy %s: %w", ErrSandboxCreate, origin, err)
		}
	}

	m.log.Info("sandbox created", "task_id", task.TaskID, "mode", m.mode, "path", dir)
	return &api.Sandbox{Root: dir, Origin: origin, Mode: m.mode, CreatedAt: created}, nil
}

// skipDirs lists directories of origin that never belong in a sandbox: the
// state directory and the sandbox root when it is nested in the repository.
func (m *Manager) skipDirs(origin string) []string {
	skip := []string{filepath.Join(origin, paths.StateDir)}
	if paths.Within(origin, m.root) {
		skip = append(skip, m.root)
	}
	return skip
}

// Teardown removes the sandbox unless keep is set. Sandboxes in none mode
// are never removed.
func (m *Manager) Teardown(ctx context.Context, sb *api.Sandbox, keep bool) error {
	if sb == nil || !sb.Isolated() {
		return nil
	}
	if keep {
		m.log.Info("sandbox retained", "path", sb.Root)
		return nil
	}
	if !paths.Within(m.root, sb.Root) || filepath.Clean(sb.Root) == m.root {
		return fmt.Errorf("refusing to remove %s: not under sandbox root %s", sb.Root, m.root)
	}

	if sb.Mode == api.SandboxWorktree {
		out, err := m.exe.Run(ctx, sb.Origin, "git", "worktree", "remove", "--force", sb.Root)
		if err != nil {
			m.log.Warn("git worktree remove failed, pruning", "path", sb.Root, "error", err, "output", strings.TrimSpace(out))
			if rerr := os.RemoveAll(sb.Root); rerr != nil {
				return rerr
			}
			_, _ = m.exe.Run(ctx, sb.Origin, "git", "worktree", "prune")
		}
		return nil
	}
	if err := os.RemoveAll(sb.Root); err != nil {
		return fmt.Errorf("remove sandbox: %w", err)
	}
	m.log.Debug("sandbox removed", "path", sb.Root)
	return nil
}

// copyTree copies src to dst, keeping file modes and symlinks as links.
// Special files are skipped.
func copyTree(ctx context.Context, src, dst string, skip []string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, s := range skip {
			if d.IsDir() && p == s {
				return filepath.SkipDir
			}
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			// owner write so the patcher can work inside read-only trees
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// the umask may have narrowed the mode
	return os.Chmod(dst, mode)
}
