package write

import (
	"fmt"
	"io/fs"
	"os"
)

// CheckFileUnchanged verifies a file wasn't modified during write.
// In strict mode, it compares size, mtime, and permissions before/after.
func CheckFileUnchanged(f *os.File, path string, before fs.FileInfo, strict bool) error {
	if !strict {
		return nil
	}
	after, err := f.Stat()
	if err != nil {
		return err
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) || after.Mode().Perm() != before.Mode().Perm() {
		return fmt.Errorf("%w: %s", ErrFileChanged, path)
	}
	return nil
}

// ValidateFileInfo checks that the opened file is the one discovered by the
// walk. Only enforced in strict mode.
func ValidateFileInfo(path string, walked, opened fs.FileInfo, strict bool) error {
	if !strict {
		return nil
	}
	if walked == nil {
		return fmt.Errorf("missing file info: %s", path)
	}
	if !os.SameFile(walked, opened) {
		return fmt.Errorf("%w: %s", ErrFileChanged, path)
	}
	return nil
}
