package write

import (
	"io/fs"
	"path"
	"slices"
	"strings"
)

// SkipCompressionFunc reports whether a zip member should use the Store
// method instead of Deflate. It runs once per file on the producer
// goroutine.
type SkipCompressionFunc func(name string, info fs.FileInfo) bool

// DefaultSkipCompression stores files smaller than minSize, where deflate
// framing outweighs any saving, and files whose extension marks content
// that is already compressed. A nil info is never treated as small.
func DefaultSkipCompression(minSize int64) SkipCompressionFunc {
	return func(name string, info fs.FileInfo) bool {
		if minSize > 0 && info != nil && info.Size() < minSize {
			return true
		}
		return precompressed(name)
	}
}

// Store reports whether any predicate selects the Store method for name.
func Store(name string, info fs.FileInfo, predicates []SkipCompressionFunc) bool {
	return slices.ContainsFunc(predicates, func(fn SkipCompressionFunc) bool {
		return fn != nil && fn(name, info)
	})
}

func precompressed(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return false
	}
	_, ok := precompressedExts[ext[1:]]
	return ok
}

// precompressedExts lists media, compressed streams and zip-based container
// formats. Deflating them again costs CPU on the producer goroutine for no
// gain in size.
var precompressedExts = map[string]struct{}{
	// archives and compressed streams
	"7z": {}, "br": {}, "bz2": {}, "gz": {}, "lz4": {}, "rar": {},
	"tgz": {}, "xz": {}, "zip": {}, "zst": {},
	// zip containers
	"apk": {}, "docx": {}, "epub": {}, "jar": {}, "odt": {}, "pptx": {},
	"whl": {}, "xlsx": {},
	// images
	"avif": {}, "gif": {}, "heic": {}, "jpeg": {}, "jpg": {}, "png": {},
	"webp": {},
	// audio and video
	"aac": {}, "flac": {}, "m4a": {}, "m4v": {}, "mkv": {}, "mov": {},
	"mp3": {}, "mp4": {}, "ogg": {}, "opus": {}, "webm": {},
	// fonts
	"woff": {}, "woff2": {},
}
