package bridge

// Writer coalesces producer writes into chunks of the pipe's chunk size.
// It is not safe for concurrent use.
type Writer struct {
	p   *Pipe
	buf []byte
}

// Writer returns a new chunking writer for the producer side of p.
func (p *Pipe) Writer() *Writer {
	return &Writer{p: p, buf: make([]byte, 0, p.chunkSize)}
}

// Write implements io.Writer. Full chunks are sent as they fill up, so Write
// blocks whenever the pipe is full.
func (w *Writer) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := min(w.p.chunkSize-len(w.buf), len(b))
		w.buf = append(w.buf, b[:n]...)
		b = b[n:]
		written += n
		if len(w.buf) == w.p.chunkSize {
			if err := w.Flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush sends any partially filled chunk.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	data := w.buf
	w.buf = make([]byte, 0, w.p.chunkSize)
	return w.p.Send(data)
}

// Close flushes the partial chunk and closes the pipe normally.
// On failure, call CloseWithError on the pipe instead.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.p.Close()
}
