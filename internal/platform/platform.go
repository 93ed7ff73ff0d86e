// Package platform holds the OS-specific parts of reading a directory tree:
// opening files without following links, resolving links inside a root and
// reading ownership.
package platform

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxLinks bounds the links followed while resolving one path.
const maxLinks = 40

var (
	// ErrSymlink is returned when a file to archive turned out to be a
	// symbolic link, or was replaced between the check and the open, and
	// links are not followed.
	ErrSymlink = errors.New("path is a symbolic link")

	// ErrEscapesRoot is returned when a link resolves outside the root.
	ErrEscapesRoot = errors.New("path escapes from root")

	errTooManyLinks = errors.New("too many levels of symbolic links")
)

// OpenFile opens name inside root for reading. Symlinks are resolved only
// when follow is set, and then only to targets that stay inside root.
func OpenFile(root *os.Root, name string, follow bool) (*os.File, error) {
	if follow {
		target, err := Resolve(root, name)
		if err != nil {
			return nil, err
		}
		return openFile(root, target)
	}

	// os.Root resolves a final link itself, so the open is checked against
	// the Lstat result instead.
	info, err := root.Lstat(name)
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, ErrSymlink
	}
	f, err := openFile(root, name)
	if err != nil {
		return nil, err
	}
	opened, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !os.SameFile(info, opened) {
		f.Close()
		return nil, ErrSymlink
	}
	return f, nil
}

// Stat returns the metadata of the file name resolves to inside root.
func Stat(root *os.Root, name string) (fs.FileInfo, error) {
	target, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	return root.Stat(target)
}

// Resolve returns the link-free path that name refers to inside root.
//
// os.Root refuses absolute link targets even when they point back into the
// root. Resolve rewrites such targets relative to the root, so they behave
// like relative links. Targets outside the root fail with ErrEscapesRoot.
func Resolve(root *os.Root, name string) (string, error) {
	var bases []string
	resolved := "."
	rest := splitPath(name)
	links := 0

	for len(rest) > 0 {
		part := rest[0]
		rest = rest[1:]

		next := filepath.Join(resolved, part)
		if next != "." && !filepath.IsLocal(next) {
			return "", &fs.PathError{Op: "resolve", Path: name, Err: ErrEscapesRoot}
		}
		info, err := root.Lstat(next)
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		links++
		if links > maxLinks {
			return "", &fs.PathError{Op: "resolve", Path: name, Err: errTooManyLinks}
		}
		target, err := root.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			if bases == nil {
				bases = rootBases(root)
			}
			rel, ok := within(bases, target)
			if !ok {
				return "", &fs.PathError{Op: "resolve", Path: name, Err: ErrEscapesRoot}
			}
			resolved = "."
			target = rel
		}
		rest = append(splitPath(target), rest...)
	}
	return resolved, nil
}

// rootBases returns the absolute forms of the root directory, with and
// without its own links evaluated.
func rootBases(root *os.Root) []string {
	abs, err := filepath.Abs(root.Name())
	if err != nil {
		return nil
	}
	bases := []string{abs}
	if eval, err := filepath.EvalSymlinks(abs); err == nil && eval != abs {
		bases = append(bases, eval)
	}
	return bases
}

// within returns target relative to the first base containing it.
func within(bases []string, target string) (string, bool) {
	candidates := []string{filepath.Clean(target)}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(target)); err == nil {
		candidates = append(candidates, filepath.Join(dir, filepath.Base(target)))
	}
	for _, c := range candidates {
		for _, base := range bases {
			rel, err := filepath.Rel(base, c)
			if err == nil && (rel == "." || filepath.IsLocal(rel)) {
				return rel, true
			}
		}
	}
	return "", false
}

// splitPath returns the elements of an OS path, without empty and "."
// elements.
func splitPath(p string) []string {
	var parts []string
	for part := range strings.SplitSeq(filepath.ToSlash(p), "/") {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}
