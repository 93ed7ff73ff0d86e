package dirstream

import (
	"io/fs"
	"time"
)

// Kind classifies an entry.
type Kind uint8

const (
	// KindFile is a regular file.
	KindFile Kind = iota
	// KindDir is a directory.
	KindDir
	// KindSymlink is a symbolic link. Archives never contain symlink entries;
	// the kind only appears in listings for links that were not resolved.
	KindSymlink
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Entry describes one filesystem object discovered by a walk.
//
// ArchivePath is relative, slash-separated, never contains "." or ".."
// elements and is unique within one archive. For a followed symlink,
// AbsolutePath is the path of the link target.
type Entry struct {
	AbsolutePath string      `json:"-"`
	ArchivePath  string      `json:"path"`
	Name         string      `json:"name"`
	Kind         Kind        `json:"kind"`
	Size         uint64      `json:"size"`
	ModTime      time.Time   `json:"mtime"`
	Mode         fs.FileMode `json:"mode"`
	UID          uint32      `json:"-"`
	GID          uint32      `json:"-"`

	// rel is the path relative to the opened root, in OS form.
	rel string
	// info is the metadata observed during the walk.
	info fs.FileInfo
}

// IsDir reports whether e is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// Info returns the metadata observed for e, or a view of e's own fields
// when it was not read from the filesystem.
func (e Entry) Info() fs.FileInfo {
	if e.info != nil {
		return e.info
	}
	return entryInfo{e: e}
}

// entryInfo adapts an Entry to fs.FileInfo.
type entryInfo struct {
	e Entry
}

func (i entryInfo) Name() string       { return i.e.Name }
func (i entryInfo) Size() int64        { return int64(i.e.Size) } //nolint:gosec // sizes come from fs.FileInfo
func (i entryInfo) Mode() fs.FileMode  { return i.e.Mode }
func (i entryInfo) ModTime() time.Time { return i.e.ModTime }
func (i entryInfo) IsDir() bool        { return i.e.Kind == KindDir }
func (i entryInfo) Sys() any           { return nil }
