package dirstream

import (
	"context"
	"errors"

	"github.com/meigma/dirstream/internal/bridge"
	"github.com/meigma/dirstream/internal/write"
)

var (
	// ErrRootUnreadable is returned when the directory to archive cannot be
	// opened or listed. It is always reported before any output is produced.
	ErrRootUnreadable = errors.New("archive root unreadable")

	// ErrWalkTooDeep is returned when the walk descends past the configured
	// maximum depth, typically because of a symlink cycle.
	ErrWalkTooDeep = errors.New("directory walk too deep")

	// ErrUnsupportedFormat is returned for unknown archive formats.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrTooManyEntries is returned when the tree holds more entries than allowed.
	ErrTooManyEntries = errors.New("too many entries")

	// ErrUnsafePath is returned for names that cannot be stored as a relative
	// archive member name.
	ErrUnsafePath = errors.New("unsafe archive path")
)

// Errors re-exported from internal packages.
var (
	// ErrSizeMismatch is returned when a file yields a different number of
	// bytes than its metadata declared.
	ErrSizeMismatch = write.ErrSizeMismatch

	// ErrFileChanged is returned by strict change detection when a file is
	// modified while it is being archived.
	ErrFileChanged = write.ErrFileChanged

	// ErrCanceled is returned once the consumer abandoned the stream.
	ErrCanceled = bridge.ErrCanceled

	// ErrSequenceGap indicates chunks were delivered out of order.
	ErrSequenceGap = bridge.ErrSequenceGap
)

// IsCancellation reports whether err only signals that the consumer went away
// or the request context ended. Such errors are a normal way for a stream to
// end and should not be reported as failures.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
