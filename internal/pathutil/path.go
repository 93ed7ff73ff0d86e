// Package pathutil provides path manipulation for slash-separated archive paths.
package pathutil

import (
	"io/fs"
	"strings"
)

// Base returns the last element of a slash-separated path.
// If path is empty or ".", it returns "".
func Base(path string) string {
	path = strings.Trim(path, "/")
	if path == "" || path == "." {
		return ""
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Normalize converts a user-provided path to fs.ValidPath format.
//
// It strips leading and trailing slashes, collapses consecutive slashes,
// and maps the empty string to ".". Elements such as "." and ".." are
// preserved so that Valid can reject them.
func Normalize(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "."
	}
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return "."
	}
	return strings.Join(result, "/")
}

// Valid reports whether p may be used as an archive member name.
// Valid names are relative, contain no "." or ".." elements and no
// empty elements.
func Valid(p string) bool {
	return p != "." && fs.ValidPath(p)
}

// Join appends name to the slash-separated directory dir.
// An empty dir or "." yields name unchanged.
func Join(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}

// Depth returns the number of elements in a valid archive path.
func Depth(p string) int {
	if p == "" || p == "." {
		return 0
	}
	return strings.Count(p, "/") + 1
}
