// Package dirstream produces tar, tar.gz and zip archives of a directory
// tree as a stream, without staging the archive on disk or in memory.
//
// An archive is produced by three cooperating parts:
//   - A [Collector] walks the tree lazily in a stable depth-first order
//   - An encoder writes each entry into the container format
//   - A bounded pipe hands encoded chunks to the consumer, blocking the
//     producer while the consumer is slow
//
// Peak memory is bounded by the pipe capacity plus the current directory
// listings, independent of the tree size.
//
// # Quick Start
//
// Stream a directory as zip to any writer:
//
//	a, err := dirstream.Generate(ctx, dirstream.Request{
//	    Root:         "/srv/files/docs",
//	    RelativeRoot: "docs",
//	    Format:       dirstream.FormatZip,
//	})
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	_, err = io.Copy(w, a)
//
// For HTTP, the http subpackage maps early errors to status codes, sets
// download headers and aborts the connection when a stream fails midway.
//
// # Errors
//
// Entries that cannot be read are skipped and reported as warnings, see
// [WithWarningPolicy]. Errors after output has started end the stream
// without a valid trailer, so a failed archive is always detectably
// truncated.
package dirstream
