package dirstream

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/meigma/dirstream/internal/platform"
)

// List returns the immediate children of dir sorted by name, for directory
// listings. Unlike a walk, symlinks are reported with KindSymlink when they
// are not followed or their target cannot be resolved inside dir. Children
// that vanish or cannot be inspected are omitted.
func List(dir string, followSymlinks bool) ([]Entry, error) {
	root, err := openRoot(dir, followSymlinks)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(".")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	slices.Sort(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		info, err := root.Lstat(name)
		if err != nil {
			continue
		}
		kind := KindFile
		if info.Mode()&fs.ModeSymlink != 0 {
			kind = KindSymlink
			if followSymlinks {
				if target, err := platform.Stat(root, name); err == nil {
					info = target
					kind = KindFile
				}
			}
		}
		switch {
		case kind == KindSymlink:
		case info.IsDir():
			kind = KindDir
		case !info.Mode().IsRegular():
			continue
		}

		uid, gid := platform.FileOwner(info)
		e := Entry{
			AbsolutePath: filepath.Join(dir, name),
			ArchivePath:  name,
			Name:         name,
			Kind:         kind,
			ModTime:      info.ModTime(),
			Mode:         info.Mode() & modeMask,
			UID:          uid,
			GID:          gid,
			rel:          name,
			info:         info,
		}
		if kind == KindFile {
			e.Size = uint64(max(info.Size(), 0))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

