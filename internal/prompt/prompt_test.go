package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/reactor/internal/api"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestKeywords(t *testing.T) {
	got := Keywords("Update the Client struct in api.rs, then run go test. See HelloWorld() twice: HelloWorld.")
	assert.Equal(t, []string{"Update", "Client", "api.rs", "HelloWorld"}, got)
	assert.Empty(t, Keywords("add a function to the lib"))
}

func TestBuild_SelectsMatchingFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/main.rs":      "fn main() { let client = api::Client::new(); }",
		"src/utils/api.rs": "pub struct Client;",
		"README.md":        "nothing relevant",
		".git/config":      "Client",
		".reactor/x.txt":   "Client",
	})
	b := FileContext{}
	out, err := b.Build(context.Background(), Request{TaskPrompt: "update the Client struct in api.rs", Root: root})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "User Request: update the Client struct in api.rs\n\n"))
	assert.Contains(t, out, "Context: 2 files")
	assert.Contains(t, out, "=== File: src/main.rs ===\n")
	assert.Contains(t, out, "=== File: src/utils/api.rs ===\npub struct Client;\n")
	assert.NotContains(t, out, "README.md")
	assert.NotContains(t, out, ".git/config")
	assert.NotContains(t, out, ".reactor")
	assert.Contains(t, out, api.NoChanges)
	assert.Less(t, strings.Index(out, "src/main.rs"), strings.Index(out, "src/utils/api.rs"))
}

func TestBuild_LimitsFilesAndSize(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go":   "Marker",
		"b.go":   "Marker",
		"c.go":   "Marker",
		"big.go": "Marker" + strings.Repeat("x", 100),
	})
	b := FileContext{MaxFiles: 2, MaxFileBytes: 50}
	out, err := b.Build(context.Background(), Request{TaskPrompt: "fix Marker", Root: root})
	require.NoError(t, err)
	assert.Contains(t, out, "=== File: a.go ===")
	assert.Contains(t, out, "=== File: b.go ===")
	assert.NotContains(t, out, "c.go")
	assert.NotContains(t, out, "big.go")
}

func TestBuild_FeedbackAndExplainOnly(t *testing.T) {
	b := FileContext{}
	out, err := b.Build(context.Background(), Request{
		TaskPrompt:   "add hello_world to lib",
		PriorFailure: "--- FAIL: TestHelloWorld",
		Root:         t.TempDir(),
		ExplainOnly:  true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "=== Previous attempt failed ===\n--- FAIL: TestHelloWorld\n")
	assert.Contains(t, out, "Do not produce a diff")
	assert.NotContains(t, out, api.NoChanges)

	_, err = b.Build(context.Background(), Request{TaskPrompt: "  "})
	assert.Error(t, err)
}

func TestTruncateHeadTail(t *testing.T) {
	s := strings.Repeat("a", 100) + strings.Repeat("z", 100)
	out, cut := TruncateHeadTail(s, 120)
	assert.True(t, cut)
	assert.LessOrEqual(t, len(out), 120)
	assert.True(t, strings.HasPrefix(out, "aaaa"))
	assert.True(t, strings.HasSuffix(out, "zzzz"))
	assert.Contains(t, out, "[WARNING: prompt truncated to 120 of 200 characters]")

	same, cut := TruncateHeadTail("short", 120)
	assert.False(t, cut)
	assert.Equal(t, "short", same)

	// the limit counts characters, not bytes
	accents := strings.Repeat("é", 100)
	same, cut = TruncateHeadTail(accents, 100)
	assert.False(t, cut)
	assert.Equal(t, accents, same)

	multi := strings.Repeat("é", 200)
	out, cut = TruncateHeadTail(multi, 120)
	assert.True(t, cut)
	assert.True(t, strings.HasPrefix(out, "é"))
	assert.True(t, strings.HasSuffix(out, "é"))
	assert.Equal(t, 120, utf8.RuneCountInString(out))
	assert.True(t, utf8.ValidString(out))
}
