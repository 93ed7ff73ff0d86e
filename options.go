package dirstream

import (
	"log/slog"
	"time"

	"github.com/meigma/dirstream/internal/bridge"
	"github.com/meigma/dirstream/internal/write"
)

const (
	// DefaultMaxDepth bounds directory nesting, which also stops symlink cycles
	// when symlinks are followed.
	DefaultMaxDepth = 64

	// DefaultMaxEntries is the entry limit used when no WithMaxEntries option is set.
	DefaultMaxEntries = 200_000

	// DefaultBufferSize is the default pipe capacity in bytes.
	DefaultBufferSize = bridge.DefaultCapacity

	// DefaultChunkSize is the default size of chunks handed to the consumer.
	DefaultChunkSize = bridge.DefaultChunkSize

	// compressionSkipMinSize is the size below which zip entries are stored.
	compressionSkipMinSize = 512
)

// ChangeDetection controls how strictly file changes are detected while archiving.
type ChangeDetection uint8

const (
	ChangeDetectionNone ChangeDetection = iota
	ChangeDetectionStrict
)

// SkipCompressionFunc returns true when a file should be stored uncompressed.
// It is called once per file and should be inexpensive.
type SkipCompressionFunc = write.SkipCompressionFunc

// DefaultSkipCompression returns a SkipCompressionFunc that skips small files
// and known already-compressed extensions.
var DefaultSkipCompression = write.DefaultSkipCompression

// config holds configuration for archive generation.
type config struct {
	logger           *slog.Logger
	bufferSize       int64
	chunkSize        int
	maxDepth         int
	maxEntries       int
	changeDetection  ChangeDetection
	skipCompression  []SkipCompressionFunc
	compressionLevel int
	warningPolicy    WarningPolicy
	nestedRoot       bool
	timeout          time.Duration
	progress         ProgressFunc
}

func newConfig(opts []Option) config {
	cfg := config{
		compressionLevel: -1,
		skipCompression:  []SkipCompressionFunc{DefaultSkipCompression(compressionSkipMinSize)},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxDepth <= 0 {
		cfg.maxDepth = DefaultMaxDepth
	}
	if cfg.maxEntries == 0 {
		cfg.maxEntries = DefaultMaxEntries
	}
	if cfg.compressionLevel < 0 {
		cfg.compressionLevel = -1
	}
	return cfg
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Option configures archive generation.
type Option func(*config)

// WithLogger sets the logger used for progress, warnings and failures.
// By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithBufferSize sets the capacity in bytes of the pipe between the archive
// producer and the consumer. Zero uses DefaultBufferSize.
func WithBufferSize(n int64) Option {
	return func(c *config) {
		c.bufferSize = n
	}
}

// WithChunkSize sets the size of chunks handed to the consumer. It is clamped
// to the buffer size. Zero uses DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(c *config) {
		c.chunkSize = n
	}
}

// WithMaxDepth limits directory nesting. Zero uses DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(c *config) {
		c.maxDepth = n
	}
}

// WithMaxEntries limits the number of entries in the archive.
// Zero uses DefaultMaxEntries. Negative means no limit.
func WithMaxEntries(n int) Option {
	return func(c *config) {
		c.maxEntries = n
	}
}

// WithChangeDetection controls whether files are verified not to change
// while they are archived. The zero value disables the extra syscalls;
// ChangeDetectionStrict fails the stream with ErrFileChanged instead.
// Size mismatches are always detected.
func WithChangeDetection(cd ChangeDetection) Option {
	return func(c *config) {
		c.changeDetection = cd
	}
}

// WithSkipCompression replaces the predicates that decide to store a zip
// entry uncompressed. If any predicate returns true, the file is stored.
// Passing no predicates compresses every file.
func WithSkipCompression(fns ...SkipCompressionFunc) Option {
	return func(c *config) {
		c.skipCompression = fns
	}
}

// WithCompressionLevel sets the deflate level for zip and gzip output
// (1 fastest to 9 best). Negative values select the library default.
func WithCompressionLevel(level int) Option {
	return func(c *config) {
		c.compressionLevel = level
	}
}

// WithWarningPolicy selects how skipped entries are reported.
func WithWarningPolicy(p WarningPolicy) Option {
	return func(c *config) {
		c.warningPolicy = p
	}
}

// WithNestedRoot places all entries under a top-level directory named after
// the archived directory, e.g. "docs/a.txt" instead of "a.txt".
func WithNestedRoot() Option {
	return func(c *config) {
		c.nestedRoot = true
	}
}

// WithTimeout bounds the total time spent producing the archive.
// Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithProgress registers a callback for progress events. The callback runs on
// the producer goroutine and must not block.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}
