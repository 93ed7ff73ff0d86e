package dirstream

import (
	"context"
	"fmt"
	"io"
)

// copyBufferSize is the size of the buffer reused for file contents.
const copyBufferSize = 32 << 10

// encoder serializes entries in the order it receives them. Implementations
// write straight through to the underlying writer and keep no per-entry data
// beyond what the container format requires.
type encoder interface {
	// writeEntry writes the header for e and, for files, exactly e.Size bytes
	// read from r. r is nil for directories.
	writeEntry(ctx context.Context, e Entry, r io.Reader) error

	// close writes the container trailer. It must not be called after a
	// failed writeEntry, so a broken stream never ends with a valid trailer.
	close() error
}

// newEncoder returns the encoder for format writing to w.
func newEncoder(format Format, w io.Writer, cfg *config) (encoder, error) {
	switch format {
	case FormatTar:
		return newTarEncoder(w, nil), nil
	case FormatTarGzip:
		return newTarGzipEncoder(w, cfg.compressionLevel)
	case FormatZip:
		return newZipEncoder(w, cfg.compressionLevel, cfg.skipCompression), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
}
