package dirstream

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/meigma/dirstream/internal/write"
)

// zipEncoder writes a streaming zip. Every file entry carries a data
// descriptor, so sizes and CRC-32 are computed while the data flows and
// only the central directory is held until close.
type zipEncoder struct {
	zw   *zip.Writer
	skip []SkipCompressionFunc
	buf  []byte
}

func newZipEncoder(w io.Writer, level int, skip []SkipCompressionFunc) *zipEncoder {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	return &zipEncoder{
		zw:   zw,
		skip: skip,
		buf:  make([]byte, copyBufferSize),
	}
}

func (z *zipEncoder) writeEntry(ctx context.Context, e Entry, r io.Reader) error {
	h := &zip.FileHeader{
		Name:     e.ArchivePath,
		Modified: e.ModTime,
	}
	h.SetMode(e.Mode)

	if e.Kind == KindDir {
		h.Name += "/"
		h.Method = zip.Store
	} else {
		h.UncompressedSize64 = e.Size
		h.Method = zip.Deflate
		if write.Store(e.ArchivePath, e.Info(), z.skip) {
			h.Method = zip.Store
		}
	}

	w, err := z.zw.CreateHeader(h)
	if err != nil {
		return fmt.Errorf("write zip header %s: %w", e.ArchivePath, err)
	}
	if e.Kind != KindFile {
		return nil
	}
	if _, err := write.File(ctx, r, w, z.buf, int64(e.Size)); err != nil { //nolint:gosec // sizes come from fs.FileInfo
		return fmt.Errorf("write %s: %w", e.ArchivePath, err)
	}
	return nil
}

func (z *zipEncoder) close() error {
	if err := z.zw.Close(); err != nil {
		return fmt.Errorf("close zip writer: %w", err)
	}
	return nil
}
