// Package write streams file contents into archive encoders.
package write

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/meigma/dirstream/internal/file"
)

var (
	// ErrSizeMismatch is returned when a file yields a different number of
	// bytes than its metadata declared.
	ErrSizeMismatch = errors.New("file size changed while archiving")

	// ErrFileChanged is returned by strict change detection when a file was
	// modified or replaced while it was being archived.
	ErrFileChanged = errors.New("file changed while archiving")
)

// File copies exactly expectedSize bytes from r to w.
//
// The buf is reused across calls; it should be at least 32KB for efficient
// copying. A file that is shorter or longer than expectedSize fails with
// ErrSizeMismatch, since the archive header announcing the size has already
// been written.
func File(ctx context.Context, r io.Reader, w io.Writer, buf []byte, expectedSize int64) (int64, error) {
	if expectedSize < 0 {
		return 0, errors.New("negative file size")
	}

	cr := &file.CountingReader{R: io.LimitReader(r, expectedSize)}
	n, err := file.Copy(ctx, w, cr, buf)
	if err != nil {
		return n, err
	}
	if cr.N != expectedSize {
		return n, fmt.Errorf("%w: expected %d bytes, read %d", ErrSizeMismatch, expectedSize, cr.N)
	}

	more, err := file.HasMore(r)
	if err != nil {
		return n, err
	}
	if more {
		return n, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, expectedSize)
	}
	return n, nil
}
