package dirstream

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/meigma/dirstream/internal/write"
)

// USTAR mode bits, as used by archive/tar.FileInfoHeader.
const (
	c_ISUID = 0o4000 // set uid
	c_ISGID = 0o2000 // set gid
	c_ISVTX = 0o1000 // sticky
)

type tarEncoder struct {
	tw  *tar.Writer
	gz  io.Closer
	buf []byte
}

func newTarEncoder(w io.Writer, gz io.Closer) *tarEncoder {
	return &tarEncoder{
		tw:  tar.NewWriter(w),
		gz:  gz,
		buf: make([]byte, copyBufferSize),
	}
}

// newTarGzipEncoder wraps the tar stream in gzip at the given level.
func newTarGzipEncoder(w io.Writer, level int) (*tarEncoder, error) {
	if level < 0 {
		level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	return newTarEncoder(gz, gz), nil
}

func (t *tarEncoder) writeEntry(ctx context.Context, e Entry, r io.Reader) error {
	if err := t.tw.WriteHeader(tarHeader(e)); err != nil {
		return fmt.Errorf("write tar header %s: %w", e.ArchivePath, err)
	}
	if e.Kind != KindFile {
		return nil
	}
	if _, err := write.File(ctx, r, t.tw, t.buf, int64(e.Size)); err != nil { //nolint:gosec // sizes come from fs.FileInfo
		return fmt.Errorf("write %s: %w", e.ArchivePath, err)
	}
	return nil
}

func (t *tarEncoder) close() error {
	if err := t.tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if t.gz != nil {
		if err := t.gz.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
	}
	return nil
}

func tarHeader(e Entry) *tar.Header {
	h := &tar.Header{
		Name:    e.ArchivePath,
		Mode:    int64(e.Mode.Perm()),
		Uid:     int(e.UID),
		Gid:     int(e.GID),
		ModTime: e.ModTime.Round(time.Second),
	}
	if e.Mode&fs.ModeSetuid != 0 {
		h.Mode |= c_ISUID
	}
	if e.Mode&fs.ModeSetgid != 0 {
		h.Mode |= c_ISGID
	}
	if e.Mode&fs.ModeSticky != 0 {
		h.Mode |= c_ISVTX
	}

	if e.Kind == KindDir {
		h.Typeflag = tar.TypeDir
		h.Name += "/"
	} else {
		h.Typeflag = tar.TypeReg
		h.Size = int64(e.Size) //nolint:gosec // sizes come from fs.FileInfo
	}
	return h
}
