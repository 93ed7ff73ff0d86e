package dirstream

import (
	"bytes"
	"context"
	_ "crypto/sha256" // registers the digest algorithm
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/dirstream/internal/bridge"
	"github.com/meigma/dirstream/internal/file"
	"github.com/meigma/dirstream/internal/pathutil"
	"github.com/meigma/dirstream/internal/platform"
	"github.com/meigma/dirstream/internal/write"
)

// PipeState is a snapshot of the buffer between producer and consumer.
type PipeState struct {
	CapacityBytes int64
	BufferedBytes int64
	PeakBytes     int64
	Closed        bool
	Canceled      bool
	Err           error
}

// Archive is an archive produced in the background while it is consumed.
//
// The producer walks the tree and encodes entries into a bounded buffer;
// the consumer pulls chunks with Next or reads bytes with Read. When the
// buffer is full the producer waits, so memory use is bounded by the buffer
// size regardless of the tree size.
//
// An Archive must be closed. Next and Read must not be called concurrently,
// but Cancel and Close may be called from any goroutine.
type Archive struct {
	req    Request
	pipe   *bridge.Pipe
	group  *errgroup.Group
	cancel context.CancelFunc
	ws     *warnings
	logger *slog.Logger

	digester digest.Digester
	pending  []byte
	finished bool

	closeOnce sync.Once
	closeErr  error
}

// Generate starts producing the archive described by req.
//
// The root is opened and listed before Generate returns, so an unreadable
// root fails here with ErrRootUnreadable and nothing has been produced.
// Errors found later are returned by Next, Read or Close. A symlinked root
// is rejected unless req.FollowSymlinks is set.
//
// ctx bounds the whole production; canceling it stops the producer.
func Generate(ctx context.Context, req Request, opts ...Option) (*Archive, error) {
	cfg := newConfig(opts)
	logger := cfg.log()

	if !req.Format.valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, req.Format)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if cfg.compressionLevel > 9 {
		return nil, fmt.Errorf("invalid compression level %d", cfg.compressionLevel)
	}

	root, err := openRoot(req.Root, req.FollowSymlinks)
	if err != nil {
		return nil, err
	}

	ws := &warnings{policy: cfg.warningPolicy, logger: logger}
	col := newCollector(root, req, &cfg, ws)
	if err := col.start(); err != nil {
		root.Close()
		return nil, err
	}

	pipe := bridge.New(cfg.bufferSize, cfg.chunkSize)

	var pctx context.Context
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, cfg.timeout)
	} else {
		pctx, cancel = context.WithCancel(ctx)
	}
	// Consumer cancellation stops the walk; the deadline or the caller's
	// context stops a producer blocked on a full pipe.
	stopCancel := context.AfterFunc(pipe.Context(), cancel)
	stopFail := context.AfterFunc(pctx, func() {
		pipe.Fail(context.Cause(pctx))
	})

	p := &producer{
		req:    req,
		cfg:    &cfg,
		root:   root,
		col:    col,
		ws:     ws,
		pipe:   pipe,
		logger: logger,
	}

	a := &Archive{
		req:      req,
		pipe:     pipe,
		group:    new(errgroup.Group),
		cancel:   cancel,
		ws:       ws,
		logger:   logger,
		digester: digest.Canonical.Digester(),
	}

	logger.Debug("archive started", "root", req.Root, "format", req.Format.String())
	a.group.Go(func() error {
		defer root.Close()
		err := p.run(pctx)
		stopCancel()
		stopFail()
		if errors.Is(err, ErrCanceled) && pctx.Err() != nil {
			err = context.Cause(pctx)
		}
		pipe.CloseWithError(err)
		return err
	})
	return a, nil
}

// openRoot opens dir as the confinement root for the walk.
func openRoot(dir string, follow bool) (*os.Root, error) {
	if !follow {
		info, err := os.Lstat(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRootUnreadable, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: %s is a symbolic link", ErrRootUnreadable, dir)
		}
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	return root, nil
}

// ContentType returns the MIME type of the archive.
func (a *Archive) ContentType() string {
	return a.req.Format.ContentType()
}

// Filename returns the suggested download name, e.g. "docs.zip".
func (a *Archive) Filename() string {
	return a.req.Filename()
}

// Format returns the archive format.
func (a *Archive) Format() Format {
	return a.req.Format
}

// Next returns the next chunk of encoded bytes. The caller owns the returned
// slice. Next returns io.EOF after the archive was produced completely, and
// the producer's error if production failed. Canceling ctx only abandons
// this call; use Cancel to stop the producer.
func (a *Archive) Next(ctx context.Context) ([]byte, error) {
	c, err := a.pipe.Receive(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			a.finished = true
		}
		return nil, err
	}
	a.digester.Hash().Write(c.Data)
	return c.Data, nil
}

// Read implements io.Reader over the chunk stream.
func (a *Archive) Read(p []byte) (int, error) {
	for len(a.pending) == 0 {
		data, err := a.Next(context.Background())
		if err != nil {
			return 0, err
		}
		a.pending = data
	}
	n := copy(p, a.pending)
	a.pending = a.pending[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, writing chunks as they arrive.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(a.pending) > 0 {
		n, err := w.Write(a.pending)
		total += int64(n)
		a.pending = nil
		if err != nil {
			return total, err
		}
	}
	for {
		data, err := a.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Cancel abandons the archive. The producer stops at its next send or
// context check and releases its file handles. Cancel is idempotent.
func (a *Archive) Cancel() {
	a.pipe.Cancel()
}

// Close cancels production if it is still running and waits for the
// producer to exit. It returns the producer's error unless the archive was
// canceled or fully consumed.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		a.pipe.Cancel()
		err := a.group.Wait()
		a.cancel()
		if err != nil && !IsCancellation(err) {
			a.closeErr = err
		}
	})
	return a.closeErr
}

// Warnings returns the entries skipped so far.
func (a *Archive) Warnings() []Warning {
	return a.ws.snapshot()
}

// WarningCount returns the number of entries skipped so far.
func (a *Archive) WarningCount() int {
	return a.ws.count()
}

// Digest returns the sha256 digest of the bytes returned by Next so far.
// Once Next has returned io.EOF it is the digest of the complete archive.
func (a *Archive) Digest() digest.Digest {
	return a.digester.Digest()
}

// Complete reports whether the archive was consumed up to its end.
func (a *Archive) Complete() bool {
	return a.finished
}

// PipeState returns a snapshot of the buffer between producer and consumer.
func (a *Archive) PipeState() PipeState {
	s := a.pipe.State()
	return PipeState{
		CapacityBytes: s.CapacityBytes,
		BufferedBytes: s.BufferedBytes,
		PeakBytes:     s.PeakBytes,
		Closed:        s.Closed,
		Canceled:      s.Canceled,
		Err:           s.Err,
	}
}

// producer runs the walk and the encoder on its own goroutine.
type producer struct {
	req    Request
	cfg    *config
	root   *os.Root
	col    *Collector
	ws     *warnings
	pipe   *bridge.Pipe
	logger *slog.Logger

	written  *file.CountingWriter
	entries  int
	manifest bool
}

func (p *producer) run(ctx context.Context) error {
	start := time.Now()
	w := p.pipe.Writer()
	p.written = &file.CountingWriter{W: w}

	enc, err := newEncoder(p.req.Format, p.written, p.cfg)
	if err != nil {
		return err
	}
	p.progress(StageEnumerating, "")

	for e, err := range p.col.Entries(ctx) {
		if err != nil {
			return p.failed(err)
		}
		if err := p.writeEntry(ctx, enc, e); err != nil {
			return p.failed(err)
		}
	}

	if err := p.writeManifest(ctx, enc); err != nil {
		return p.failed(err)
	}
	if err := enc.close(); err != nil {
		return p.failed(err)
	}
	if err := w.Close(); err != nil {
		return p.failed(err)
	}

	p.progress(StageComplete, "")
	p.logger.Debug("archive produced",
		"root", p.req.Root,
		"entries", p.entries,
		"bytes", p.written.N,
		"warnings", p.ws.count(),
		"duration", time.Since(start))
	return nil
}

// failed logs err unless it only reports cancellation.
func (p *producer) failed(err error) error {
	if IsCancellation(err) {
		p.logger.Debug("archive canceled", "root", p.req.Root, "entries", p.entries)
		return err
	}
	p.logger.Error("archive failed", "root", p.req.Root, "entries", p.entries, "error", err)
	return err
}

func (p *producer) writeEntry(ctx context.Context, enc encoder, e Entry) error {
	if e.ArchivePath == pathutil.Join(p.col.prefix, ManifestName) {
		p.manifest = true
	}
	if e.Kind == KindDir {
		if err := enc.writeEntry(ctx, e, nil); err != nil {
			return err
		}
		p.wrote(e)
		return nil
	}

	f, err := platform.OpenFile(p.root, e.rel, p.req.FollowSymlinks)
	if err != nil {
		// Replaced by a symlink or gone since the walk saw it.
		p.ws.add(e.ArchivePath, err)
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		p.ws.add(e.ArchivePath, err)
		return nil
	}
	if !info.Mode().IsRegular() {
		p.ws.add(e.ArchivePath, fmt.Errorf("not a regular file: %s", info.Mode().Type()))
		return nil
	}

	strict := p.cfg.changeDetection == ChangeDetectionStrict
	if err := write.ValidateFileInfo(e.ArchivePath, e.info, info, strict); err != nil {
		return err
	}

	// The header has not been written yet, so the opened file is authoritative.
	e.Size = uint64(max(info.Size(), 0))
	e.ModTime = info.ModTime()
	e.info = info

	if err := enc.writeEntry(ctx, e, f); err != nil {
		return err
	}
	if err := write.CheckFileUnchanged(f, e.ArchivePath, info, strict); err != nil {
		return err
	}
	p.wrote(e)
	return nil
}

// writeManifest appends the list of skipped entries when the policy asks
// for it and the name is not taken by a real entry.
func (p *producer) writeManifest(ctx context.Context, enc encoder) error {
	body := p.ws.manifest()
	if body == nil {
		return nil
	}
	name := pathutil.Join(p.col.prefix, ManifestName)
	if p.manifest {
		p.logger.Warn("warnings manifest not written, name in use", "path", name)
		return nil
	}
	e := Entry{
		ArchivePath: name,
		Name:        ManifestName,
		Kind:        KindFile,
		Size:        uint64(len(body)),
		ModTime:     time.Now(),
		Mode:        0o644,
	}
	if err := enc.writeEntry(ctx, e, bytes.NewReader(body)); err != nil {
		return err
	}
	p.wrote(e)
	return nil
}

func (p *producer) wrote(e Entry) {
	p.entries++
	p.progress(StageEncoding, e.ArchivePath)
}

func (p *producer) progress(stage ProgressStage, path string) {
	if p.cfg.progress == nil {
		return
	}
	p.cfg.progress(ProgressEvent{
		Stage:       stage,
		Path:        path,
		BytesDone:   p.written.N,
		EntriesDone: p.entries,
		Warnings:    p.ws.count(),
	})
}
