// Package file provides the byte-level plumbing used while archiving a file:
// cancelable copies, byte counting and detection of growth past a declared
// size.
package file

import (
	"context"
	"io"
)

// Copy copies src to dst through buf and stops with ctx.Err() once ctx is
// done. Cancellation is observed between reads, so a single read may still
// block.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	return io.CopyBuffer(onlyWriter{dst}, &contextReader{ctx: ctx, r: src}, buf)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// onlyWriter hides io.ReaderFrom so the copy always goes through
// contextReader and buf.
type onlyWriter struct {
	io.Writer
}

// CountingReader counts the bytes read through it.
type CountingReader struct {
	R io.Reader
	N int64
}

// Read implements io.Reader.
func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.R.Read(p)
	cr.N += int64(n)
	return n, err
}

// CountingWriter counts the bytes accepted by W.
type CountingWriter struct {
	W io.Writer
	N int64
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	cw.N += int64(n)
	return n, err
}

// HasMore reports whether r still yields at least one byte. After a
// size-limited copy it detects files that grew while being read.
func HasMore(r io.Reader) (bool, error) {
	var scratch [1]byte
	for {
		n, err := r.Read(scratch[:])
		switch {
		case n > 0:
			return true, nil
		case err == io.EOF:
			return false, nil
		case err != nil:
			return false, err
		}
	}
}
