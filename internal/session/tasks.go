package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/paths"
)

// ErrInvalidTasks reports a task list that cannot be run.
var ErrInvalidTasks = errors.New("invalid tasks")

const maxBatchTasks = 100

// NewTaskID returns a short random task id.
func NewTaskID() string {
	return "t-" + uuid.NewString()[:8]
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return "s-" + uuid.NewString()
}

type batchFile struct {
	Tasks []batchTask `yaml:"tasks"`
}

type batchTask struct {
	ID     string `yaml:"id"`
	Prompt string `yaml:"prompt"`
	Repo   string `yaml:"repo"`
}

// LoadTasks reads a YAML task batch. The file is either a mapping with a
// tasks key or a bare list; each entry has a prompt and optional id and repo.
// Relative repo paths resolve against the file's directory.
func LoadTasks(path string) ([]api.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []batchTask
	var doc batchFile
	if err := yaml.Unmarshal(data, &doc); err == nil {
		entries = doc.Tasks
	} else if lerr := yaml.Unmarshal(data, &entries); lerr != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidTasks, path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s lists no tasks", ErrInvalidTasks, path)
	}
	if len(entries) > maxBatchTasks {
		return nil, fmt.Errorf("%w: too many tasks: %d (max %d)", ErrInvalidTasks, len(entries), maxBatchTasks)
	}

	base := filepath.Dir(path)
	tasks := make([]api.Task, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Prompt) == "" {
			return nil, fmt.Errorf("%w: task %d has no prompt", ErrInvalidTasks, i+1)
		}
		repo := e.Repo
		if repo != "" && !filepath.IsAbs(repo) {
			repo = filepath.Join(base, repo)
		}
		tasks = append(tasks, api.Task{TaskID: e.ID, Prompt: e.Prompt, RepoPath: repo})
	}
	return tasks, nil
}

// Prepare fills in missing ids, repositories and creation times, and rejects
// invalid or duplicate ids.
func Prepare(tasks []api.Task, repoRoot string, now time.Time) ([]api.Task, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidTasks)
	}
	seen := map[string]bool{}
	out := make([]api.Task, 0, len(tasks))
	for _, t := range tasks {
		if strings.TrimSpace(t.Prompt) == "" {
			return nil, fmt.Errorf("%w: empty prompt", ErrInvalidTasks)
		}
		if t.TaskID == "" {
			t.TaskID = NewTaskID()
		}
		if err := paths.ValidateTaskID(t.TaskID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTasks, err)
		}
		if seen[t.TaskID] {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrInvalidTasks, t.TaskID)
		}
		seen[t.TaskID] = true
		if t.RepoPath == "" {
			t.RepoPath = repoRoot
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now.UTC()
		}
		out = append(out, t)
	}
	return out, nil
}

// Exit codes returned by the run command.
const (
	ExitSuccess   = 0
	ExitUsage     = 1
	ExitExhausted = 2
	ExitAborted   = 3
)

// ExitCode maps reports to a process exit code; the worst outcome wins.
func ExitCode(reps []*api.Report) int {
	if len(reps) == 0 {
		return ExitUsage
	}
	code := ExitSuccess
	for _, r := range reps {
		switch {
		case r == nil || r.FinalState == api.StateAborted:
			return ExitAborted
		case r.FinalState == api.StateExhausted:
			code = ExitExhausted
		case r.FinalState != api.StateSuccess:
			return ExitAborted
		}
	}
	return code
}
