// Package bridge connects a blocking archive producer to a network consumer
// through a byte-bounded chunk pipe.
//
// The producer side (Send, Writer, Close, CloseWithError) must be driven by a
// single goroutine. The consumer side (Receive, Cancel) may run on any other
// goroutine. Bytes move by channel handoff; the closed flag, terminal error
// and byte counters are guarded by one mutex.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Default sizing for New when zero values are passed.
const (
	DefaultCapacity  = 1 << 20
	DefaultChunkSize = 64 << 10
)

var (
	// ErrCanceled is returned to the producer once the consumer has gone away.
	ErrCanceled = errors.New("stream canceled by consumer")

	// ErrClosed is returned when sending on a closed pipe.
	ErrClosed = errors.New("send on closed pipe")

	// ErrSequenceGap is returned when chunks arrive out of order. It indicates
	// a bug in the pipe, never a recoverable condition.
	ErrSequenceGap = errors.New("chunk sequence gap")
)

// Chunk is an immutable slice of encoded archive bytes.
// Ownership passes to the consumer when Receive returns it.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// State is a snapshot of the pipe bookkeeping.
type State struct {
	CapacityBytes int64
	BufferedBytes int64
	PeakBytes     int64
	Closed        bool
	Canceled      bool
	Err           error
}

// Pipe is a bounded FIFO of chunks. Send blocks while the buffered byte
// count would exceed the capacity.
type Pipe struct {
	capacity  int64
	chunkSize int

	sem    *semaphore.Weighted
	chunks chan Chunk

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	canceled bool
	err      error
	buffered int64
	peak     int64
	sendSeq  uint64
	recvSeq  uint64
}

// New creates a pipe holding at most capacity bytes of unread chunks.
// The chunk size used by Writer is clamped to capacity. Zero values select
// DefaultCapacity and DefaultChunkSize.
func New(capacity int64, chunkSize int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if int64(chunkSize) > capacity {
		chunkSize = int(capacity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipe{
		capacity:  capacity,
		chunkSize: chunkSize,
		sem:       semaphore.NewWeighted(capacity),
		chunks:    make(chan Chunk, capacity/int64(chunkSize)+1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ChunkSize returns the maximum chunk size produced by Writer.
func (p *Pipe) ChunkSize() int {
	return p.chunkSize
}

// Context returns a context that is canceled together with the pipe, so a
// producer can stop work that is not blocked in Send.
func (p *Pipe) Context() context.Context {
	return p.ctx
}

// Send enqueues data as the next chunk. The pipe takes ownership of data.
//
// Send blocks while the pipe is full. It returns ErrCanceled if the consumer
// cancels while waiting and ErrClosed if the pipe was already closed.
func (p *Pipe) Send(data []byte) error {
	n := int64(len(data))
	if n == 0 {
		return nil
	}
	if n > p.capacity {
		return fmt.Errorf("chunk of %d bytes exceeds pipe capacity %d", n, p.capacity)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if p.ctx.Err() != nil {
		return ErrCanceled
	}

	if err := p.sem.Acquire(p.ctx, n); err != nil {
		return ErrCanceled
	}

	p.mu.Lock()
	seq := p.sendSeq
	p.sendSeq++
	p.buffered += n
	if p.buffered > p.peak {
		p.peak = p.buffered
	}
	p.mu.Unlock()

	select {
	case p.chunks <- Chunk{Seq: seq, Data: data}:
		return nil
	case <-p.ctx.Done():
		return ErrCanceled
	}
}

// Receive returns the next chunk in FIFO order.
//
// After a normal Close the remaining chunks are delivered and then io.EOF is
// returned. After CloseWithError the error is returned on the next call, even
// if chunks are still buffered. Receive returns ErrCanceled after Cancel.
func (p *Pipe) Receive(ctx context.Context) (Chunk, error) {
	if err := p.terminal(); err != nil {
		return Chunk{}, err
	}

	select {
	case c, ok := <-p.chunks:
		if !ok {
			if err := p.terminal(); err != nil {
				return Chunk{}, err
			}
			return Chunk{}, io.EOF
		}
		return p.accept(c)
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-p.ctx.Done():
		return Chunk{}, p.terminal()
	}
}

func (p *Pipe) accept(c Chunk) (Chunk, error) {
	n := int64(len(c.Data))

	// The bytes leave the count before a producer can reacquire them.
	p.mu.Lock()
	p.buffered -= n
	p.mu.Unlock()
	p.sem.Release(n)

	p.mu.Lock()
	if c.Seq != p.recvSeq {
		want := p.recvSeq
		p.mu.Unlock()
		err := fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, c.Seq, want)
		p.fail(err)
		return Chunk{}, err
	}
	p.recvSeq++
	p.mu.Unlock()
	return c, nil
}

// terminal returns the error the consumer should observe, if any.
func (p *Pipe) terminal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.canceled {
		return ErrCanceled
	}
	return nil
}

// fail records err as the terminal error and stops the producer.
func (p *Pipe) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.cancel()
}

// Close marks the end of the stream. Buffered chunks remain readable.
func (p *Pipe) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError closes the producer side. A nil err is a normal close; a
// non-nil err becomes the terminal error seen by the consumer. Only the first
// call has any effect.
func (p *Pipe) CloseWithError(err error) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		if err != nil && p.err == nil && !p.canceled {
			p.err = err
		}
		p.mu.Unlock()
		close(p.chunks)
	})
	return nil
}

// Fail stops the pipe with err unless the consumer already canceled it.
// It may be called from any goroutine. A producer blocked in Send returns
// ErrCanceled and the consumer receives err, even if chunks are buffered.
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	canceled := p.canceled
	p.mu.Unlock()
	if canceled {
		return
	}
	p.fail(err)
}

// Cancel is called by the consumer to abandon the stream. A producer blocked
// in Send returns ErrCanceled. Cancel is idempotent.
func (p *Pipe) Cancel() {
	p.mu.Lock()
	p.canceled = true
	p.mu.Unlock()
	p.cancel()
}

// State returns a snapshot of the pipe bookkeeping.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		CapacityBytes: p.capacity,
		BufferedBytes: p.buffered,
		PeakBytes:     p.peak,
		Closed:        p.closed,
		Canceled:      p.canceled,
		Err:           p.err,
	}
}
