package loop

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/paths"
)

// writeArtifacts stores the model output, test log and a JSON summary of it
// under the task's run directory.
func (r *run) writeArtifacts(it api.Iteration) error {
	root := r.c.opts.ArtifactsRoot
	if root == "" {
		return nil
	}
	rel, err := paths.IterationDir(r.task.TaskID, it.Seq)
	if err != nil {
		return err
	}
	dir, err := paths.SafeJoin(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if it.Diff != "" {
		if err := os.WriteFile(filepath.Join(dir, "diff.patch"), []byte(it.Diff), 0o644); err != nil {
			return err
		}
	}
	if it.Explanation != "" {
		if err := os.WriteFile(filepath.Join(dir, "explanation.md"), []byte(it.Explanation), 0o644); err != nil {
			return err
		}
	}
	if it.Test != nil {
		log := it.Test.Stdout
		if it.Test.Stderr != "" {
			log += "\n--- stderr ---\n" + it.Test.Stderr
		}
		if err := os.WriteFile(filepath.Join(dir, "test.log"), []byte(log), 0o644); err != nil {
			return err
		}
	}

	// result.json carries everything except the bulky text written above.
	summary := it
	summary.Diff, summary.Explanation = "", ""
	if it.Test != nil {
		t := *it.Test
		t.Stdout, t.Stderr = "", ""
		summary.Test = &t
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "result.json"), b, 0o644)
}
