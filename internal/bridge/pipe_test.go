package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(t *testing.T, p *Pipe) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	for {
		c, err := p.Receive(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out.Bytes(), nil
			}
			return out.Bytes(), err
		}
		out.Write(c.Data)
	}
}

func TestPipeFIFO(t *testing.T) {
	t.Parallel()

	p := New(1024, 16)
	go func() {
		for i := range 50 {
			if err := p.Send([]byte{byte(i)}); err != nil {
				_ = p.CloseWithError(err)
				return
			}
		}
		_ = p.Close()
	}()

	data, err := drain(t, p)
	require.NoError(t, err)
	require.Len(t, data, 50)
	for i, b := range data {
		assert.Equal(t, byte(i), b)
	}
}

func TestPipeSequenceNumbers(t *testing.T) {
	t.Parallel()

	p := New(1024, 16)
	require.NoError(t, p.Send([]byte("a")))
	require.NoError(t, p.Send([]byte("b")))
	require.NoError(t, p.Close())

	c, err := p.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Seq)
	c, err = p.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Seq)
	_, err = p.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipeSendBlocksWhenFull(t *testing.T) {
	t.Parallel()

	p := New(8, 8)
	require.NoError(t, p.Send(make([]byte, 8)))

	sent := make(chan error, 1)
	go func() {
		sent <- p.Send(make([]byte, 4))
	}()

	select {
	case <-sent:
		t.Fatal("send should block while the pipe is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := p.Receive(context.Background())
	require.NoError(t, err)

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not resume after receive")
	}

	assert.LessOrEqual(t, p.State().PeakBytes, int64(8))
	require.NoError(t, p.Close())
}

func TestPipeCloseWithErrorPreemptsData(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := New(1024, 16)
	require.NoError(t, p.Send([]byte("pending")))
	require.NoError(t, p.CloseWithError(boom))

	_, err := p.Receive(context.Background())
	require.ErrorIs(t, err, boom)

	// The first terminal error wins.
	require.NoError(t, p.CloseWithError(errors.New("second")))
	_, err = p.Receive(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestPipeSendAfterClose(t *testing.T) {
	t.Parallel()

	p := New(1024, 16)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Send([]byte("x")), ErrClosed)
	assert.True(t, p.State().Closed)
}

func TestPipeCancelUnblocksProducer(t *testing.T) {
	t.Parallel()

	p := New(4, 4)
	require.NoError(t, p.Send(make([]byte, 4)))

	var wg sync.WaitGroup
	var sendErr error
	wg.Go(func() {
		sendErr = p.Send(make([]byte, 4))
	})

	time.Sleep(20 * time.Millisecond)
	p.Cancel()
	p.Cancel()
	wg.Wait()

	require.ErrorIs(t, sendErr, ErrCanceled)
	_, err := p.Receive(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
	assert.True(t, p.State().Canceled)

	select {
	case <-p.Context().Done():
	default:
		t.Fatal("context should be canceled after Cancel")
	}
}

func TestPipeReceiveContext(t *testing.T) {
	t.Parallel()

	p := New(1024, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, p.Close())
}

func TestPipeSequenceGap(t *testing.T) {
	t.Parallel()

	p := New(1024, 16)
	// Bypass Send to inject an out-of-order chunk.
	require.NoError(t, p.sem.Acquire(context.Background(), 1))
	p.chunks <- Chunk{Seq: 3, Data: []byte("x")}

	_, err := p.Receive(context.Background())
	require.ErrorIs(t, err, ErrSequenceGap)
	assert.ErrorIs(t, p.Send([]byte("y")), ErrCanceled)

	_, err = p.Receive(context.Background())
	require.ErrorIs(t, err, ErrSequenceGap)
	require.NoError(t, p.Close())
}

func TestPipeRejectsOversizedChunk(t *testing.T) {
	t.Parallel()

	p := New(8, 8)
	require.Error(t, p.Send(make([]byte, 9)))
	require.NoError(t, p.Close())
}

func TestPipeBackpressureBound(t *testing.T) {
	t.Parallel()

	const capacity = 4096
	p := New(capacity, 512)
	w := p.Writer()

	total := 256 * 1024
	go func() {
		payload := bytes.Repeat([]byte{0xAB}, 1000)
		var err error
		for written := 0; written < total && err == nil; written += len(payload) {
			_, err = w.Write(payload)
		}
		if err == nil {
			err = w.Flush()
		}
		_ = p.CloseWithError(err)
	}()

	var received int
	for {
		c, err := p.Receive(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		received += len(c.Data)
		assert.LessOrEqual(t, len(c.Data), 512)
		assert.LessOrEqual(t, p.State().BufferedBytes, int64(capacity))
		if received%(16*1024) == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	assert.GreaterOrEqual(t, received, total)
	assert.LessOrEqual(t, p.State().PeakBytes, int64(capacity))
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	p := New(0, 0)
	st := p.State()
	assert.Equal(t, int64(DefaultCapacity), st.CapacityBytes)
	assert.Equal(t, DefaultChunkSize, p.ChunkSize())

	clamped := New(100, 1000)
	assert.Equal(t, 100, clamped.ChunkSize())
	require.NoError(t, p.Close())
	require.NoError(t, clamped.Close())
}

func TestPipeFail(t *testing.T) {
	t.Parallel()

	p := New(4, 4)
	require.NoError(t, p.Send([]byte("full")))

	var wg sync.WaitGroup
	var sendErr error
	wg.Go(func() {
		sendErr = p.Send([]byte("more"))
	})

	time.Sleep(20 * time.Millisecond)
	p.Fail(context.DeadlineExceeded)
	wg.Wait()

	require.ErrorIs(t, sendErr, ErrCanceled)
	_, err := p.Receive(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The producer's own close does not replace the failure.
	require.NoError(t, p.CloseWithError(ErrCanceled))
	assert.ErrorIs(t, p.State().Err, context.DeadlineExceeded)
}

func TestPipeFailAfterCancel(t *testing.T) {
	t.Parallel()

	p := New(16, 4)
	p.Cancel()
	p.Fail(errors.New("late"))
	require.NoError(t, p.CloseWithError(errors.New("producer")))

	_, err := p.Receive(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
	assert.NoError(t, p.State().Err)
}

func TestPipeBufferedNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	// Each send needs the whole capacity, so every send waits for a receive.
	const capacity = 64
	p := New(capacity, capacity)

	go func() {
		for range 500 {
			if err := p.Send(make([]byte, capacity)); err != nil {
				_ = p.CloseWithError(err)
				return
			}
		}
		_ = p.Close()
	}()

	stop := make(chan struct{})
	var over atomic.Int64
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if b := p.State().BufferedBytes; b > capacity {
				over.Store(b)
			}
		}
	})

	_, err := drain(t, p)
	close(stop)
	wg.Wait()
	require.NoError(t, err)
	assert.Zero(t, over.Load(), "buffered bytes exceeded capacity")
}
