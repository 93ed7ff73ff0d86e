package dirstream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/dirstream/internal/testutil"
)

func TestList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"b.txt":     "bb",
		"a/x.txt":   "x",
		"c/":        "",
		"Z.md":      "z",
		"a/deeper/": "",
	})

	entries, err := List(dir, false)
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"Z.md", "a", "b.txt", "c"}, names)
	assert.Equal(t, KindDir, entries[1].Kind)
	assert.Equal(t, KindFile, entries[2].Kind)
	assert.Equal(t, uint64(2), entries[2].Size)
	assert.Zero(t, entries[1].Size)
}

func TestListSymlinks(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"target.txt": "t", "sub/": ""})
	require.NoError(t, os.Symlink("target.txt", filepath.Join(dir, "file-link")))
	require.NoError(t, os.Symlink("sub", filepath.Join(dir, "dir-link")))
	require.NoError(t, os.Symlink("/", filepath.Join(dir, "escape")))

	entries, err := List(dir, false)
	require.NoError(t, err)
	kinds := map[string]Kind{}
	for _, e := range entries {
		kinds[e.Name] = e.Kind
	}
	assert.Equal(t, KindSymlink, kinds["file-link"])
	assert.Equal(t, KindSymlink, kinds["dir-link"])

	entries, err = List(dir, true)
	require.NoError(t, err)
	kinds = map[string]Kind{}
	for _, e := range entries {
		kinds[e.Name] = e.Kind
	}
	assert.Equal(t, KindFile, kinds["file-link"])
	assert.Equal(t, KindDir, kinds["dir-link"])
	assert.Equal(t, KindSymlink, kinds["escape"], "targets outside the root stay unresolved")
}

func TestListRootUnreadable(t *testing.T) {
	t.Parallel()

	_, err := List(filepath.Join(t.TempDir(), "missing"), false)
	require.ErrorIs(t, err, ErrRootUnreadable)
}

func TestEntryJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.txt": "abc"})
	entries, err := List(dir, false)
	require.NoError(t, err)

	data, err := json.Marshal(entries[0])
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "a.txt", got["path"])
	assert.Equal(t, "file", got["kind"])
	assert.InDelta(t, 3, got["size"], 0)
	assert.NotContains(t, got, "AbsolutePath")
}
