package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidTaskID returned when task id fails validation
	ErrInvalidTaskID = errors.New("invalid task id")
	// ErrEscapesRoot is returned when a path resolves outside its root.
	ErrEscapesRoot = errors.New("path escapes root")
)

// StateDir is the per-repository working directory.
const StateDir = ".reactor"

const maxTaskIDLen = 64

// MaxTaskIDLen returns the maximum allowed task id length.
func MaxTaskIDLen() int { return maxTaskIDLen }

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxTaskIDLen) + `}$`)

// ValidateTaskID returns nil for allowed task ids, or ErrInvalidTaskID.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - Disallow any ".." substring to avoid traversal attempts.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task id: %w", ErrInvalidTaskID)
	}
	if len(id) > maxTaskIDLen {
		return fmt.Errorf("task id too long: %w", ErrInvalidTaskID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("task id contains disallowed '..': %w", ErrInvalidTaskID)
	}
	if !taskIDRe.MatchString(id) {
		return fmt.Errorf("task id contains invalid characters: %w", ErrInvalidTaskID)
	}
	return nil
}

// ConfigFile returns the config path relative to the repo root.
func ConfigFile() string {
	return filepath.ToSlash(filepath.Join(StateDir, "config.toml"))
}

// DBFile returns the ledger database path relative to the repo root.
func DBFile() string {
	return filepath.ToSlash(filepath.Join(StateDir, "reactor.db"))
}

// SandboxesDir returns the default sandbox root relative to the repo root.
func SandboxesDir() string {
	return filepath.ToSlash(filepath.Join(StateDir, "sandboxes"))
}

// RunsDir returns the relative runs directory for a task (e.g. ".reactor/runs/<task>").
func RunsDir(taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(StateDir, "runs", taskID)), nil
}

// IterationDir returns the relative artifacts dir for one iteration of a task.
func IterationDir(taskID string, seq int) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	if seq < 1 {
		return "", fmt.Errorf("iteration must be >= 1, got %d", seq)
	}
	return filepath.ToSlash(filepath.Join(StateDir, "runs", taskID, "iterations", strconv.Itoa(seq))), nil
}

// SandboxName returns the directory name for a task sandbox created at t.
// Names sort by creation time.
func SandboxName(taskID string, t time.Time) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	ts := t.UTC().Format("20060102T150405.000000000Z")
	return ts + "-" + taskID, nil
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error wrapping ErrEscapesRoot if the result would escape root or
// if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	// If rel is absolute, joining will return rel; treat absolute rel as disallowed.
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("relative path expected, got absolute %q: %w", rel, ErrEscapesRoot)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned := filepath.Clean(filepath.Join(absRoot, rel))
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("%q: %w", rel, ErrEscapesRoot)
	}
	return absCleaned, nil
}

// Within reports whether path is root itself or lies beneath it. Both are
// cleaned but not resolved.
func Within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(filepath.ToSlash(rel), "../")
}
