// Package testutil provides tree builders and archive readers for tests.
package testutil

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// WriteTree creates files under dir from a map of slash-separated paths to
// contents. Paths ending in "/" create empty directories.
func WriteTree(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if strings.HasSuffix(path, "/") {
			require.NoError(t, os.MkdirAll(full, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// ArchiveEntry is one member read back from an archive.
type ArchiveEntry struct {
	Name    string
	Dir     bool
	Data    []byte
	Mode    os.FileMode
	ModTime time.Time
	Method  uint16
}

// ReadTar decodes a tar stream, optionally gzip-compressed.
func ReadTar(t testing.TB, data []byte, gzipped bool) []ArchiveEntry {
	t.Helper()
	var r io.Reader = bytes.NewReader(data)
	if gzipped {
		gz, err := gzip.NewReader(r)
		require.NoError(t, err)
		defer gz.Close()
		r = gz
	}

	var out []ArchiveEntry
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out = append(out, ArchiveEntry{
			Name:    h.Name,
			Dir:     h.Typeflag == tar.TypeDir,
			Data:    body,
			Mode:    h.FileInfo().Mode(),
			ModTime: h.ModTime,
		})
	}
}

// ReadZip decodes a zip archive. Reading each member to the end verifies
// its CRC-32.
func ReadZip(t testing.TB, data []byte) []ArchiveEntry {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make([]ArchiveEntry, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err, "read %s", f.Name)
		out = append(out, ArchiveEntry{
			Name:    f.Name,
			Dir:     strings.HasSuffix(f.Name, "/"),
			Data:    body,
			Mode:    f.Mode(),
			ModTime: f.Modified,
			Method:  f.Method,
		})
	}
	return out
}

// Names returns the member names of entries in order.
func Names(entries []ArchiveEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// ThrottledWriter simulates a slow network client by sleeping after each
// write until the configured rate is respected.
type ThrottledWriter struct {
	W              io.Writer
	BytesPerSecond int64

	start   time.Time
	written int64
}

// Write implements io.Writer.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	if tw.start.IsZero() {
		tw.start = time.Now()
	}
	n, err := tw.W.Write(p)
	if n > 0 && tw.BytesPerSecond > 0 {
		tw.written += int64(n)
		expected := time.Duration(float64(tw.written) / float64(tw.BytesPerSecond) * float64(time.Second))
		if elapsed := time.Since(tw.start); expected > elapsed {
			time.Sleep(expected - elapsed)
		}
	}
	return n, err
}

// FailingWriter accepts Limit bytes and then fails every write with Err.
type FailingWriter struct {
	Limit int
	Err   error

	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (fw *FailingWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	room := fw.Limit - fw.buf.Len()
	if room <= 0 {
		return 0, fw.Err
	}
	if len(p) > room {
		fw.buf.Write(p[:room])
		return room, fw.Err
	}
	return fw.buf.Write(p)
}

// Bytes returns what was accepted before failing.
func (fw *FailingWriter) Bytes() []byte {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return bytes.Clone(fw.buf.Bytes())
}
