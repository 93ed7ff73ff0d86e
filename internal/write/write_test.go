package write

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFile(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("abc"), 20_000)
	f := openTemp(t, content)

	var out bytes.Buffer
	n, err := File(context.Background(), f, &out, make([]byte, 32*1024), int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, out.Bytes())
}

func TestFileShorterThanDeclared(t *testing.T) {
	t.Parallel()

	f := openTemp(t, []byte("hi\n"))

	var out bytes.Buffer
	_, err := File(context.Background(), f, &out, make([]byte, 16), 10)
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestFileLongerThanDeclared(t *testing.T) {
	t.Parallel()

	f := openTemp(t, []byte("hello world"))

	var out bytes.Buffer
	_, err := File(context.Background(), f, &out, make([]byte, 16), 5)
	require.ErrorIs(t, err, ErrSizeMismatch)
	assert.Equal(t, "hello", out.String())
}

func TestFileCanceled(t *testing.T) {
	t.Parallel()

	f := openTemp(t, []byte("data"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := File(ctx, f, &out, make([]byte, 16), 4)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckFileUnchanged(t *testing.T) {
	t.Parallel()

	f := openTemp(t, []byte("data"))
	before, err := f.Stat()
	require.NoError(t, err)

	require.NoError(t, CheckFileUnchanged(f, "f.bin", before, true))

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(f.Name(), later, later))
	require.ErrorIs(t, CheckFileUnchanged(f, "f.bin", before, true), ErrFileChanged)

	// Non-strict mode never stats.
	require.NoError(t, CheckFileUnchanged(f, "f.bin", before, false))
}

func TestValidateFileInfo(t *testing.T) {
	t.Parallel()

	a := openTemp(t, []byte("a"))
	b := openTemp(t, []byte("b"))
	ai, err := a.Stat()
	require.NoError(t, err)
	bi, err := b.Stat()
	require.NoError(t, err)

	require.NoError(t, ValidateFileInfo("a", ai, ai, true))
	require.ErrorIs(t, ValidateFileInfo("a", ai, bi, true), ErrFileChanged)
	require.NoError(t, ValidateFileInfo("a", ai, bi, false))
}

func TestDefaultSkipCompression(t *testing.T) {
	t.Parallel()

	skip := DefaultSkipCompression(512)
	assert.True(t, skip("photo.JPG", nil))
	assert.True(t, skip("small.txt", fakeInfo{size: 10}))
	assert.False(t, skip("large.txt", fakeInfo{size: 4096}))

	assert.True(t, skip("report.docx", fakeInfo{size: 4096}))
	assert.False(t, skip("Makefile", fakeInfo{size: 4096}))
	assert.False(t, skip("dir.with.dots/readme", fakeInfo{size: 4096}))

	assert.False(t, Store("a.txt", fakeInfo{size: 4096}, []SkipCompressionFunc{nil, skip}))
	assert.True(t, Store("a.zip", fakeInfo{size: 4096}, []SkipCompressionFunc{nil, skip}))
	assert.False(t, Store("a.zip", fakeInfo{size: 4096}, nil))
}

type fakeInfo struct {
	fs.FileInfo
	size int64
}

func (f fakeInfo) Size() int64 { return f.size }
