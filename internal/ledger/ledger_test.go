package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestLoadMissingIsEmpty(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "hash"))
	seen, err := l.Load("dsi321")
	require.NoError(t, err)
	assert.Empty(t, seen)
}

func TestAppendIsMonotonicAndIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hash")
	l := New(dir)

	n, err := l.Append("dsi321", []string{"f1", "f2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Append("dsi321", []string{"f2", "f3", "f3"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seen, err := l.Load("dsi321")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2", "f3"}, keys(seen))

	raw, err := os.ReadFile(filepath.Join(dir, "dsi321.txt"))
	require.NoError(t, err)
	assert.Equal(t, "f1\nf2\nf3\n", string(raw))
}

func TestAppendNothingNewDoesNotCreateFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hash")
	l := New(dir)

	n, err := l.Append("dsi321", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = os.Stat(filepath.Join(dir, "dsi321.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadToleratesDuplicateAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	content := strings.Join([]string{"f1", "", "f1", "  f2  ", ""}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dsi321.txt"), []byte(content), 0o644))

	seen, err := New(dir).Load("dsi321")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2"}, keys(seen))
}

func TestTagsAreIsolated(t *testing.T) {
	l := New(t.TempDir())
	_, err := l.Append("a", []string{"f1"})
	require.NoError(t, err)

	seen, err := l.Load("b")
	require.NoError(t, err)
	assert.Empty(t, seen)
}
