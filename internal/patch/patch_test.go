package patch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/reactor/internal/api"
)

const libSrc = "package lib\n\nfunc A() int {\n\treturn 1\n}\n"

const helloDiff = `--- a/lib.go
+++ b/lib.go
@@ -3,3 +3,7 @@
 func A() int {
 	return 1
 }
+
+func HelloWorld() string {
+	return "hello world"
+}
`

func newTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return root
}

// treeState captures every file and directory under root.
func treeState(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if d.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, _ := os.Readlink(p)
			out[rel] = "-> " + target
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		info, _ := d.Info()
		out[rel] = info.Mode().String() + "\n" + string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

func TestApply_AddsFunction(t *testing.T) {
	root := newTree(t, map[string]string{"lib.go": libSrc})
	res := New().Apply(root, helloDiff)

	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	assert.Equal(t, []string{"lib.go"}, res.Touched)
	assert.NotEmpty(t, res.Snapshot)
	assert.Contains(t, readFile(t, root, "lib.go"), "func HelloWorld() string {\n\treturn \"hello world\"\n}\n")
	assert.NoError(t, Err(res))
}

func TestApply_NoChanges(t *testing.T) {
	for _, text := range []string{"NO_CHANGES", "  NO_CHANGES\n", "```\nNO_CHANGES\n```"} {
		root := newTree(t, map[string]string{"lib.go": libSrc})
		before := treeState(t, root)
		res := New().Apply(root, text)
		assert.Equal(t, api.PatchNoOp, res.Outcome, text)
		assert.Equal(t, before, treeState(t, root))
	}
}

func TestApply_ParseErrorsLeaveTreeUntouched(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"prose":        "I think you should rename the function.",
		"no headers":   "@@ -1,1 +1,1 @@\n-a\n+b\n",
		"no hunks":     "--- a/lib.go\n+++ b/lib.go\n",
		"garbage body": "--- a/lib.go\n+++ b/lib.go\n@@ -1,1 +1,1 @@\n?what\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			root := newTree(t, map[string]string{"lib.go": libSrc})
			before := treeState(t, root)
			res := New().Apply(root, text)
			assert.Equal(t, api.PatchParseError, res.Outcome)
			assert.NotEmpty(t, res.Error)
			assert.ErrorIs(t, Err(res), ErrParse)
			assert.Equal(t, before, treeState(t, root))
		})
	}
}

func TestApply_SecurityViolations(t *testing.T) {
	cases := map[string]string{
		"parent":     "--- /dev/null\n+++ b/../escape.txt\n@@ -0,0 +1,1 @@\n+x\n",
		"nested":     "--- a/src/../../escape.txt\n+++ b/src/../../escape.txt\n@@ -1,1 +1,1 @@\n-a\n+b\n",
		"absolute":   "--- /dev/null\n+++ /etc/reactor-test\n@@ -0,0 +1,1 @@\n+x\n",
		"git dir":    "--- /dev/null\n+++ b/.git/hooks/pre-commit\n@@ -0,0 +1,1 @@\n+x\n",
		"nested git": "--- a/sub/.git/config\n+++ b/sub/.git/config\n@@ -1,1 +1,1 @@\n-a\n+b\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			root := newTree(t, map[string]string{"lib.go": libSrc, "src/a.txt": "a\n", "sub/.git/config": "a\n"})
			before := treeState(t, root)
			res := New().Apply(root, text)
			assert.Equal(t, api.PatchSecurityViolation, res.Outcome, res.Error)
			assert.ErrorIs(t, Err(res), ErrSecurity)
			assert.Equal(t, before, treeState(t, root))
		})
	}
}

func TestApply_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	root := newTree(t, map[string]string{"lib.go": libSrc})
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	before := treeState(t, root)

	res := New().Apply(root, "--- /dev/null\n+++ b/link/evil.txt\n@@ -0,0 +1,1 @@\n+x\n")
	assert.Equal(t, api.PatchSecurityViolation, res.Outcome, res.Error)
	assert.Equal(t, before, treeState(t, root))
	_, err := os.Stat(filepath.Join(outside, "evil.txt"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestApply_ConflictingHunkIsAtomic(t *testing.T) {
	root := newTree(t, map[string]string{"lib.go": libSrc, "b.txt": "one\ntwo\n"})
	before := treeState(t, root)

	text := helloDiff + `--- a/b.txt
+++ b/b.txt
@@ -1,2 +1,2 @@
 one
-three
+four
`
	res := New().Apply(root, text)
	assert.Equal(t, api.PatchApplyError, res.Outcome)
	assert.Contains(t, res.Error, "context does not match")
	assert.ErrorIs(t, Err(res), ErrApply)
	assert.Equal(t, before, treeState(t, root), "first file must not be written when a later hunk fails")
}

func TestApply_WriteFailureRollsBack(t *testing.T) {
	root := newTree(t, map[string]string{"lib.go": libSrc, "keep.txt": "x\n"})
	require.NoError(t, os.Chmod(filepath.Join(root, "keep.txt"), 0o600))
	before := treeState(t, root)

	failing := func(path string, data []byte, mode fs.FileMode) error {
		if strings.HasSuffix(path, "b.txt") {
			return errors.New("disk full")
		}
		return atomicWrite(path, data, mode)
	}
	text := helloDiff + `--- a/keep.txt
+++ /dev/null
@@ -1,1 +0,0 @@
-x
--- /dev/null
+++ b/deep/nested/b.txt
@@ -0,0 +1,1 @@
+new
`
	res := New(WithWriter(failing)).Apply(root, text)
	assert.Equal(t, api.PatchApplyError, res.Outcome)
	assert.Contains(t, res.Error, "disk full")
	assert.Equal(t, before, treeState(t, root), "sandbox must be bit-identical after rollback")
}

func TestApply_CreateDeleteAndNestedDirs(t *testing.T) {
	root := newTree(t, map[string]string{"old.txt": "x\ny\n"})
	text := `--- /dev/null
+++ b/pkg/new/file.txt
@@ -0,0 +1,2 @@
+one
+two
--- a/old.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-x
-y
`
	res := New().Apply(root, text)
	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	assert.Equal(t, []string{"old.txt", "pkg/new/file.txt"}, res.Touched)
	assert.Equal(t, "one\ntwo\n", readFile(t, root, "pkg/new/file.txt"))
	_, err := os.Stat(filepath.Join(root, "old.txt"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestApply_CreateExistingFails(t *testing.T) {
	root := newTree(t, map[string]string{"a.txt": "a\n"})
	res := New().Apply(root, "--- /dev/null\n+++ b/a.txt\n@@ -0,0 +1,1 @@\n+b\n")
	assert.Equal(t, api.PatchApplyError, res.Outcome)
	assert.Equal(t, "a\n", readFile(t, root, "a.txt"))
}

func TestApply_ModifyMissingFails(t *testing.T) {
	root := newTree(t, map[string]string{})
	res := New().Apply(root, "--- a/missing.txt\n+++ b/missing.txt\n@@ -1,1 +1,1 @@\n-a\n+b\n")
	assert.Equal(t, api.PatchApplyError, res.Outcome)
}

func TestApply_FindsShiftedHunk(t *testing.T) {
	shifted := "// header\n// more\n// lines\n" + libSrc
	root := newTree(t, map[string]string{"lib.go": shifted})
	res := New().Apply(root, helloDiff)
	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	got := readFile(t, root, "lib.go")
	assert.True(t, strings.HasPrefix(got, "// header\n"))
	assert.Contains(t, got, "func HelloWorld()")
}

func TestApply_ToleratesTrailingWhitespace(t *testing.T) {
	root := newTree(t, map[string]string{"a.txt": "alpha  \nbeta\n"})
	res := New().Apply(root, "--- a/a.txt\n+++ b/a.txt\n@@ -1,2 +1,2 @@\n alpha\n-beta\n+gamma\n")
	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	assert.Equal(t, "alpha  \ngamma\n", readFile(t, root, "a.txt"))
}

func TestApply_FencedResponseWithProse(t *testing.T) {
	root := newTree(t, map[string]string{"lib.go": libSrc})
	text := "Here is the change you asked for:\n\n```diff\n" + helloDiff + "```\n\nLet me know if it works."
	res := New().Apply(root, text)
	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	assert.Contains(t, readFile(t, root, "lib.go"), "HelloWorld")
}

func TestApply_NoNewlineAtEOF(t *testing.T) {
	root := newTree(t, map[string]string{"n.txt": "a\nb"})
	text := "--- a/n.txt\n+++ b/n.txt\n@@ -1,2 +1,2 @@\n a\n-b\n\\ No newline at end of file\n+c\n\\ No newline at end of file\n"
	res := New().Apply(root, text)
	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	assert.Equal(t, "a\nc", readFile(t, root, "n.txt"))
}

func TestApply_PreservesMode(t *testing.T) {
	root := newTree(t, map[string]string{"run.sh": "#!/bin/sh\necho a\n"})
	require.NoError(t, os.Chmod(filepath.Join(root, "run.sh"), 0o755))
	res := New().Apply(root, "--- a/run.sh\n+++ b/run.sh\n@@ -1,2 +1,2 @@\n #!/bin/sh\n-echo a\n+echo b\n")
	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	info, err := os.Stat(filepath.Join(root, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
}

func TestNormalize(t *testing.T) {
	assert.True(t, IsNoChanges("```text\nNO_CHANGES\n```"))
	assert.False(t, IsNoChanges("NO_CHANGES needed, but here is a diff"))

	got := Normalize("Sure!\n--- a/x\n+++ b/x\n@@ -1,1 +1,1 @@\n-a\n+b")
	assert.True(t, strings.HasPrefix(got, "--- a/x\n"))
	assert.True(t, strings.HasSuffix(got, "+b\n"))
}

func TestApply_BlankLinesBetweenFileSections(t *testing.T) {
	for name, sep := range map[string]string{
		"blank line":    "\n",
		"git separator": "\ndiff --git a/b.txt b/b.txt\n",
	} {
		t.Run(name, func(t *testing.T) {
			root := newTree(t, map[string]string{"a.txt": "one\ntwo\nthree\n", "b.txt": "x\ny\n"})
			text := "--- a/a.txt\n+++ b/a.txt\n@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n" +
				sep +
				"--- a/b.txt\n+++ b/b.txt\n@@ -1,2 +1,2 @@\n x\n-y\n+Y\n"
			res := New().Apply(root, text)
			require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
			assert.Equal(t, "one\nTWO\nthree\n", readFile(t, root, "a.txt"))
			assert.Equal(t, "x\nY\n", readFile(t, root, "b.txt"))
		})
	}
}

func TestApply_KeepsBlankContextWithinHunk(t *testing.T) {
	root := newTree(t, map[string]string{"a.txt": "one\n\nthree\n"})
	res := New().Apply(root, "--- a/a.txt\n+++ b/a.txt\n@@ -1,3 +1,3 @@\n one\n\n-three\n+3\n")
	require.Equal(t, api.PatchApplied, res.Outcome, res.Error)
	assert.Equal(t, "one\n\n3\n", readFile(t, root, "a.txt"))
}
