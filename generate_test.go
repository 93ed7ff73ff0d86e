package dirstream

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meigma/dirstream/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// generate produces a complete archive of dir and returns its bytes.
func generate(t *testing.T, req Request, opts ...Option) ([]byte, *Archive) {
	t.Helper()
	a, err := Generate(context.Background(), req, opts...)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	data, err := io.ReadAll(a)
	require.NoError(t, err)
	return data, a
}

func readArchive(t *testing.T, format Format, data []byte) []testutil.ArchiveEntry {
	t.Helper()
	switch format {
	case FormatZip:
		return testutil.ReadZip(t, data)
	case FormatTarGzip:
		return testutil.ReadTar(t, data, true)
	default:
		return testutil.ReadTar(t, data, false)
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestGenerateRoundTrip(t *testing.T) {
	t.Parallel()

	const capacity = 64 << 10
	large := randomBytes(t, 3*capacity+17)

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"empty.txt":     "",
		"one.txt":       "1",
		"nested/large":  string(large),
		"nested/empty/": "",
	})

	for _, format := range []Format{FormatTar, FormatTarGzip, FormatZip} {
		t.Run(format.String(), func(t *testing.T) {
			t.Parallel()

			data, a := generate(t, Request{Root: dir, Format: format},
				WithBufferSize(capacity),
				WithChunkSize(8<<10),
			)
			assert.True(t, a.Complete())
			assert.Empty(t, a.Warnings())

			got := readArchive(t, format, data)
			assert.Equal(t, []string{
				"empty.txt",
				"nested/",
				"nested/empty/",
				"nested/large",
				"one.txt",
			}, testutil.Names(got))

			assert.Empty(t, got[0].Data)
			assert.Equal(t, large, got[3].Data)
			assert.Equal(t, []byte("1"), got[4].Data)

			state := a.PipeState()
			assert.LessOrEqual(t, state.PeakBytes, int64(capacity))
			assert.True(t, state.Closed)
			assert.NoError(t, state.Err)
		})
	}
}

func TestGenerateEmptyDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tarData, _ := generate(t, Request{Root: dir, Format: FormatTar})
	assert.Equal(t, make([]byte, 1024), tarData, "two zero blocks")

	zipData, _ := generate(t, Request{Root: dir, Format: FormatZip})
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	require.NoError(t, err)
	assert.Empty(t, zr.File)
}

func TestGenerateDocsScenario(t *testing.T) {
	t.Parallel()

	logo := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10">` +
		`<rect width="10" height="10" fill="#000"/></svg>` + "\n")
	logo = append(logo, bytes.Repeat([]byte(" "), 120-len(logo))...)
	require.Len(t, logo, 120)

	served := t.TempDir()
	testutil.WriteTree(t, served, map[string]string{
		"docs/a.txt":        "hi\n",
		"docs/img/logo.svg": string(logo),
		"other/ignored.txt": "no",
	})

	data, a := generate(t, Request{
		Root:         filepath.Join(served, "docs"),
		RelativeRoot: "docs",
		Format:       FormatZip,
	})
	assert.Equal(t, "docs.zip", a.Filename())
	assert.Equal(t, "application/zip", a.ContentType())

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var files, dirs []string
	for _, f := range zr.File {
		if f.Mode().IsDir() {
			dirs = append(dirs, f.Name)
			continue
		}
		files = append(files, f.Name)
	}
	assert.Equal(t, []string{"a.txt", "img/logo.svg"}, files)
	assert.Equal(t, []string{"img/"}, dirs)

	want := map[string]uint32{
		"a.txt":        crc32.ChecksumIEEE([]byte("hi\n")),
		"img/logo.svg": crc32.ChecksumIEEE(logo),
	}
	for _, f := range zr.File {
		if crc, ok := want[f.Name]; ok {
			assert.Equal(t, crc, f.CRC32, f.Name)
		}
	}
	testutil.ReadZip(t, data)
}

func TestGenerateSymlinkPolicy(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"target.txt": "target"})
	require.NoError(t, os.Symlink("target.txt", filepath.Join(dir, "link.txt")))

	data, _ := generate(t, Request{Root: dir, Format: FormatTar})
	assert.Equal(t, []string{"target.txt"}, testutil.Names(testutil.ReadTar(t, data, false)))

	data, _ = generate(t, Request{Root: dir, Format: FormatTar, FollowSymlinks: true})
	got := testutil.ReadTar(t, data, false)
	assert.Equal(t, []string{"link.txt", "target.txt"}, testutil.Names(got))
	assert.Equal(t, []byte("target"), got[0].Data)

	// Absolute targets inside the root are followed like relative ones.
	require.NoError(t, os.Symlink(filepath.Join(dir, "target.txt"), filepath.Join(dir, "abs.txt")))
	data, a := generate(t, Request{Root: dir, Format: FormatTar, FollowSymlinks: true})
	got = testutil.ReadTar(t, data, false)
	assert.Equal(t, []string{"abs.txt", "link.txt", "target.txt"}, testutil.Names(got))
	assert.Equal(t, []byte("target"), got[0].Data)
	assert.Empty(t, a.Warnings())
}

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":     strings.Repeat("a", 4096),
		"b/c.txt":   "c",
		"b/d/e.bin": string(randomBytes(t, 10_000)),
		"z/":        "",
	})

	for _, format := range []Format{FormatTar, FormatTarGzip, FormatZip} {
		first, _ := generate(t, Request{Root: dir, Format: format})
		second, _ := generate(t, Request{Root: dir, Format: format})
		assert.Equal(t, first, second, format.String())
	}
}

func TestGenerateDigest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.txt": "a"})

	data, a := generate(t, Request{Root: dir, Format: FormatZip})
	assert.Equal(t, digest.FromBytes(data), a.Digest())
}

func TestGenerateErrorsBeforeStreaming(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"f.txt": "f"})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing root", Request{Root: filepath.Join(dir, "missing"), Format: FormatTar}, ErrRootUnreadable},
		{"file root", Request{Root: filepath.Join(dir, "f.txt"), Format: FormatTar}, ErrRootUnreadable},
		{"unknown format", Request{Root: dir}, ErrUnsupportedFormat},
		{"dot-dot relative root", Request{Root: dir, RelativeRoot: "x/..", Format: FormatTar}, ErrUnsafePath},
		{"parent relative root", Request{Root: dir, RelativeRoot: "../docs", Format: FormatTar}, ErrUnsafePath},
	}
	if runtime.GOOS != "windows" {
		link := filepath.Join(t.TempDir(), "link")
		require.NoError(t, os.Symlink(dir, link))
		tests = append(tests, struct {
			name string
			req  Request
			want error
		}{"symlinked root", Request{Root: link, Format: FormatTar}, ErrRootUnreadable})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := Generate(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, a)
		})
	}
}

func TestGenerateTooManyEntriesTruncates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a": "a", "b": "b", "c": "c"})

	a, err := Generate(context.Background(), Request{Root: dir, Format: FormatZip}, WithMaxEntries(2))
	require.NoError(t, err)

	_, err = io.ReadAll(a)
	require.ErrorIs(t, err, ErrTooManyEntries)
	assert.False(t, a.Complete())
	require.ErrorIs(t, a.Close(), ErrTooManyEntries)
}

func TestGenerateWarningsManifest(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	outside := t.TempDir()
	testutil.WriteTree(t, outside, map[string]string{"secret": "s"})
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"ok.txt": "ok"})
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "escape")))

	req := Request{Root: dir, RelativeRoot: "files", Format: FormatTar, FollowSymlinks: true}

	data, a := generate(t, req, WithWarningPolicy(WarningsManifest), WithNestedRoot())
	require.Len(t, a.Warnings(), 1)
	assert.Equal(t, "files/escape", a.Warnings()[0].Path)

	got := testutil.ReadTar(t, data, false)
	assert.Equal(t, []string{"files/", "files/ok.txt", "files/" + ManifestName}, testutil.Names(got))
	assert.Contains(t, string(got[2].Data), "files/escape")

	data, a = generate(t, req, WithWarningPolicy(WarningsDiscard))
	assert.Equal(t, 1, a.WarningCount())
	assert.Equal(t, []string{"ok.txt"}, testutil.Names(testutil.ReadTar(t, data, false)))
}

func TestGenerateBackpressureBound(t *testing.T) {
	t.Parallel()

	const (
		capacity  = 32 << 10
		chunkSize = 4 << 10
	)
	dir := t.TempDir()
	for i := range 8 {
		name := filepath.Join(dir, "f"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(name, randomBytes(t, 128<<10), 0o644))
	}

	a, err := Generate(context.Background(), Request{Root: dir, Format: FormatTar},
		WithBufferSize(capacity),
		WithChunkSize(chunkSize),
	)
	require.NoError(t, err)
	defer a.Close()

	slow := &testutil.ThrottledWriter{W: io.Discard, BytesPerSecond: 16 << 20}
	var total int64
	for {
		chunk, err := a.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), chunkSize)
		assert.LessOrEqual(t, a.PipeState().BufferedBytes, int64(capacity))
		n, err := slow.Write(chunk)
		require.NoError(t, err)
		total += int64(n)
	}

	assert.Greater(t, total, int64(8*128<<10))
	state := a.PipeState()
	assert.LessOrEqual(t, state.PeakBytes, int64(capacity))
	assert.Positive(t, state.PeakBytes)
}

func TestGenerateCancellationReleasesProducer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i := range 50 {
		name := filepath.Join(dir, "file"+strings.Repeat("x", i))
		require.NoError(t, os.WriteFile(name, randomBytes(t, 32<<10), 0o644))
	}

	var written atomic.Int64
	a, err := Generate(context.Background(), Request{Root: dir, Format: FormatZip},
		WithBufferSize(16<<10),
		WithChunkSize(4<<10),
		WithProgress(func(ev ProgressEvent) {
			if ev.Stage == StageEncoding {
				written.Add(1)
			}
		}),
	)
	require.NoError(t, err)

	_, err = a.Next(context.Background())
	require.NoError(t, err)

	a.Cancel()
	done := make(chan error, 1)
	go func() { done <- a.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not stop after cancel")
	}

	stopped := written.Load()
	assert.Less(t, stopped, int64(50))
	assert.True(t, a.PipeState().Canceled)

	_, err = a.Next(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, stopped, written.Load(), "no entries written after close")
}

func TestGenerateContextCanceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a": strings.Repeat("a", 1<<20)})

	ctx, cancel := context.WithCancel(context.Background())
	a, err := Generate(ctx, Request{Root: dir, Format: FormatTar}, WithBufferSize(8<<10))
	require.NoError(t, err)
	cancel()

	_, err = io.ReadAll(a)
	require.Error(t, err)
	assert.True(t, IsCancellation(err), "got %v", err)
	require.NoError(t, a.Close())
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a": strings.Repeat("a", 1<<20)})

	a, err := Generate(context.Background(), Request{Root: dir, Format: FormatTar},
		WithBufferSize(8<<10),
		WithTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)
	defer a.Close()

	// Fill the pipe and let the deadline pass without reading.
	time.Sleep(100 * time.Millisecond)
	_, err = io.ReadAll(a)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateWriteToStopsOnWriterError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a": strings.Repeat("a", 256<<10)})

	a, err := Generate(context.Background(), Request{Root: dir, Format: FormatTar},
		WithBufferSize(16<<10),
		WithChunkSize(4<<10),
	)
	require.NoError(t, err)

	boom := errors.New("disk full")
	w := &testutil.FailingWriter{Limit: 10 << 10, Err: boom}
	n, err := a.WriteTo(w)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(10<<10), n)
	assert.Len(t, w.Bytes(), 10<<10)

	// Abandoning the archive is not a production failure.
	require.NoError(t, a.Close())
	assert.False(t, a.Complete())
}

func TestGenerateNestedRootNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.txt": "a"})

	data, a := generate(t, Request{Root: dir, RelativeRoot: "/", Format: FormatTar}, WithNestedRoot())
	assert.Equal(t, "archive.tar", a.Filename())
	assert.Equal(t, []string{"archive/", "archive/a.txt"}, testutil.Names(testutil.ReadTar(t, data, false)))
	assert.Empty(t, a.Warnings())

	data, a = generate(t, Request{Root: dir, RelativeRoot: "/site/docs/", Format: FormatTar}, WithNestedRoot())
	assert.Equal(t, "docs.tar", a.Filename())
	assert.Equal(t, []string{"docs/", "docs/a.txt"}, testutil.Names(testutil.ReadTar(t, data, false)))
}
