package dirstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/meigma/dirstream/internal/pathutil"
	"github.com/meigma/dirstream/internal/platform"
)

// modeMask keeps the permission, special and directory bits of a file mode.
const modeMask = fs.ModeDir | fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Collector walks a directory tree lazily in depth-first pre-order.
//
// Siblings are visited in byte order of their names and every directory
// precedes its contents, so two walks over an unchanged tree yield the same
// sequence. Only one directory listing per level of nesting is held in
// memory. A Collector is not restartable and not safe for concurrent use.
type Collector struct {
	root       *os.Root
	follow     bool
	maxDepth   int
	maxEntries int
	prefix     string
	warnings   *warnings
	logger     *slog.Logger

	stack   []*frame
	pending *Entry
	started bool
	done    bool
	count   int
}

// frame is one directory on the walk stack.
type frame struct {
	rel   string // path relative to the root, in OS form
	arch  string // archive path, "" for the root without prefix
	names []string
	next  int
}

// NewCollector returns a Collector over root. The request supplies the
// symlink policy and, with WithNestedRoot, the top-level directory name.
func NewCollector(root *os.Root, req Request, opts ...Option) *Collector {
	cfg := newConfig(opts)
	ws := &warnings{policy: cfg.warningPolicy, logger: cfg.log()}
	return newCollector(root, req, &cfg, ws)
}

func newCollector(root *os.Root, req Request, cfg *config, ws *warnings) *Collector {
	c := &Collector{
		root:       root,
		follow:     req.FollowSymlinks,
		maxDepth:   cfg.maxDepth,
		maxEntries: cfg.maxEntries,
		warnings:   ws,
		logger:     cfg.log(),
	}
	if cfg.nestedRoot {
		c.prefix = req.baseName()
	}
	return c
}

// Next returns the next entry, or io.EOF once the walk is complete.
//
// Entries that cannot be read are skipped and recorded as warnings. Errors
// other than io.EOF are fatal and end the walk: ErrRootUnreadable,
// ErrWalkTooDeep, ErrTooManyEntries or a context error.
func (c *Collector) Next(ctx context.Context) (Entry, error) {
	if c.done {
		return Entry{}, io.EOF
	}
	if !c.started {
		if err := c.start(); err != nil {
			c.done = true
			return Entry{}, err
		}
	}
	if c.pending != nil {
		e := *c.pending
		c.pending = nil
		return c.emit(e)
	}

	for len(c.stack) > 0 {
		if err := ctx.Err(); err != nil {
			c.done = true
			return Entry{}, err
		}
		top := c.stack[len(c.stack)-1]
		if top.next >= len(top.names) {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		name := top.names[top.next]
		top.next++

		e, ok, err := c.visit(top, name)
		if err != nil {
			c.done = true
			return Entry{}, err
		}
		if ok {
			return c.emit(e)
		}
	}

	c.done = true
	return Entry{}, io.EOF
}

// Entries returns an iterator over the remaining entries. Iteration stops
// after the first error, which is yielded with a zero Entry.
func (c *Collector) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for {
			e, err := c.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Warnings returns the entries skipped so far.
func (c *Collector) Warnings() []Warning {
	return c.warnings.snapshot()
}

// start lists the root directory. Failure here is the only fatal I/O error.
func (c *Collector) start() error {
	c.started = true
	names, err := c.readNames(".")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	c.stack = append(c.stack, &frame{rel: ".", arch: c.prefix, names: names})

	if c.prefix != "" {
		info, err := c.root.Stat(".")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRootUnreadable, err)
		}
		e := c.entry(".", c.prefix, c.prefix, KindDir, info)
		c.pending = &e
	}
	return nil
}

func (c *Collector) emit(e Entry) (Entry, error) {
	if c.maxEntries > 0 && c.count >= c.maxEntries {
		c.done = true
		return Entry{}, fmt.Errorf("%w: limit is %d", ErrTooManyEntries, c.maxEntries)
	}
	c.count++
	return e, nil
}

// visit resolves one directory member. ok=false means the member is skipped.
//
//nolint:gocritic // unnamedResult is acceptable for this internal helper
func (c *Collector) visit(parent *frame, name string) (Entry, bool, error) {
	rel := filepath.Join(parent.rel, name)
	arch := pathutil.Join(parent.arch, name)
	if !pathutil.Valid(arch) {
		c.warnings.add(arch, fmt.Errorf("%w: %q", ErrUnsafePath, arch))
		return Entry{}, false, nil
	}

	info, err := c.root.Lstat(rel)
	if err != nil {
		c.warnings.add(arch, err)
		return Entry{}, false, nil
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		if !c.follow {
			c.logger.Debug("skipping symlink", "path", arch)
			return Entry{}, false, nil
		}
		// Targets outside the root fail here and are skipped.
		target, err := platform.Resolve(c.root, rel)
		if err == nil {
			info, err = c.root.Stat(target)
		}
		if err != nil {
			c.warnings.add(arch, err)
			return Entry{}, false, nil
		}
		rel = target
	}

	switch {
	case info.IsDir():
		if depth := pathutil.Depth(arch) - pathutil.Depth(c.prefix); depth > c.maxDepth {
			return Entry{}, false, fmt.Errorf("%w: %s is nested deeper than %d", ErrWalkTooDeep, arch, c.maxDepth)
		}
		names, err := c.readNames(rel)
		if err != nil {
			c.warnings.add(arch, err)
			return Entry{}, false, nil
		}
		c.stack = append(c.stack, &frame{rel: rel, arch: arch, names: names})
		return c.entry(rel, arch, name, KindDir, info), true, nil
	case info.Mode().IsRegular():
		return c.entry(rel, arch, name, KindFile, info), true, nil
	default:
		c.logger.Debug("skipping special file", "path", arch, "mode", info.Mode().String())
		return Entry{}, false, nil
	}
}

// readNames returns the sorted member names of the directory rel.
func (c *Collector) readNames(rel string) ([]string, error) {
	f, err := c.root.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (c *Collector) entry(rel, arch, name string, kind Kind, info fs.FileInfo) Entry {
	uid, gid := platform.FileOwner(info)
	e := Entry{
		AbsolutePath: filepath.Join(c.root.Name(), rel),
		ArchivePath:  arch,
		Name:         name,
		Kind:         kind,
		ModTime:      info.ModTime(),
		Mode:         info.Mode() & modeMask,
		UID:          uid,
		GID:          gid,
		rel:          rel,
		info:         info,
	}
	if kind == KindFile && info.Size() > 0 {
		e.Size = uint64(info.Size())
	}
	return e
}
