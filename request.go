package dirstream

import (
	"fmt"
	"strings"

	"github.com/meigma/dirstream/internal/pathutil"
)

// DefaultFilename is the archive base name used when the archived
// directory has no name of its own, such as the root of the served tree.
const DefaultFilename = "archive"

// Format identifies an archive container format.
type Format uint8

const (
	// FormatTar is an uncompressed POSIX tar stream.
	FormatTar Format = iota + 1

	// FormatTarGzip is a tar stream wrapped in gzip.
	FormatTarGzip

	// FormatZip is a streaming zip archive with data descriptors.
	FormatZip
)

// ParseFormat maps a user-supplied format name to a Format.
// Accepted names are "tar", "tar.gz" (also "tgz" and "tar_gz") and "zip".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tar":
		return FormatTar, nil
	case "tar.gz", "tgz", "tar_gz":
		return FormatTarGzip, nil
	case "zip":
		return FormatZip, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// String returns the canonical name of the format.
func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar.gz"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatTar:
		return "application/x-tar"
	case FormatTarGzip:
		return "application/gzip"
	case FormatZip:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file name extension of the format, including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatTar:
		return ".tar"
	case FormatTarGzip:
		return ".tar.gz"
	case FormatZip:
		return ".zip"
	default:
		return ""
	}
}

func (f Format) valid() bool {
	return f >= FormatTar && f <= FormatZip
}

// Request describes one archive to generate.
type Request struct {
	// Root is the filesystem directory to archive.
	Root string

	// RelativeRoot is the slash-separated location of Root inside the served
	// tree. Its last element names the archive; empty means the served root.
	RelativeRoot string

	// Format selects the archive container.
	Format Format

	// FollowSymlinks archives symlink targets that resolve inside Root.
	// When false, symlinks are skipped entirely.
	FollowSymlinks bool
}

// baseName returns the name used for the download and for the optional
// top-level directory inside the archive.
func (r Request) baseName() string {
	switch base := pathutil.Base(pathutil.Normalize(r.RelativeRoot)); base {
	case "", ".", "..":
		return DefaultFilename
	default:
		return base
	}
}

// validate rejects a RelativeRoot that is not a plain relative path.
func (r Request) validate() error {
	if rel := pathutil.Normalize(r.RelativeRoot); rel != "." && !pathutil.Valid(rel) {
		return fmt.Errorf("%w: relative root %q", ErrUnsafePath, r.RelativeRoot)
	}
	return nil
}

// Filename returns the suggested download file name, e.g. "docs.zip".
func (r Request) Filename() string {
	return r.baseName() + r.Format.Extension()
}
