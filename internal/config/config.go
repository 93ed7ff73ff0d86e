// Package config contains the knobs and defaults of the dirstream server.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meigma/dirstream"
	"github.com/meigma/dirstream/internal/pathutil"
)

const (
	DefaultAddr             = "127.0.0.1:8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultArchiveTimeout   = 0
	DefaultCompressionLevel = -1
)

// ArchiveConfig defines how archives are produced.
type ArchiveConfig struct {
	// Formats lists the archive formats clients may request.
	Formats []string

	// BufferSize is the number of bytes buffered between the archive
	// producer and a slow client.
	BufferSize int64

	// ChunkSize is the size of each write to the client.
	ChunkSize int

	MaxDepth   int
	MaxEntries int

	// CompressionLevel applies to zip and tar.gz, -1 selects the default.
	CompressionLevel int

	// WarningPolicy is one of 'log', 'discard' or 'manifest'.
	WarningPolicy string

	// NestedRoot places entries under a directory named after the
	// requested directory.
	NestedRoot bool

	// StrictChangeDetection fails archives whose files change while read.
	StrictChangeDetection bool

	// Timeout bounds the production of one archive. Zero means no limit.
	Timeout time.Duration
}

// AuthConfig enables HTTP basic authentication when both fields are set.
type AuthConfig struct {
	Username string
	Password string
}

// LogConfig defines logging settings.
type LogConfig struct {
	// Format is either 'text' or 'json'.
	Format string

	// Level is one of 'debug', 'info', 'warn' or 'error'.
	Level string
}

// MetricsConfig defines the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool
}

// Config is the complete server configuration.
type Config struct {
	// Root is the directory served to clients.
	Root string

	// Addr is the host:port the HTTP server listens on.
	Addr string

	// FollowSymlinks resolves symlinks that stay inside Root. When false,
	// symlinks are hidden from listings, downloads and archives.
	FollowSymlinks bool

	// Route is a path prefix every file is served under, e.g. "/share".
	Route string

	// RandomRoute serves files under a generated prefix when Route is empty,
	// so the tree is only reachable by clients given the URL.
	RandomRoute bool

	// Index names a file served instead of the listing for directories
	// that contain it, e.g. "index.html".
	Index string

	ShutdownTimeout time.Duration

	Archive ArchiveConfig
	Auth    AuthConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		Root:            ".",
		Addr:            DefaultAddr,
		ShutdownTimeout: DefaultShutdownTimeout,
		Archive: ArchiveConfig{
			Formats:          []string{"tar", "tar.gz", "zip"},
			BufferSize:       dirstream.DefaultBufferSize,
			ChunkSize:        dirstream.DefaultChunkSize,
			MaxDepth:         dirstream.DefaultMaxDepth,
			MaxEntries:       dirstream.DefaultMaxEntries,
			CompressionLevel: DefaultCompressionLevel,
			WarningPolicy:    "log",
			Timeout:          DefaultArchiveTimeout,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Verify checks the configuration for invalid values.
func (cfg *Config) Verify() error {
	if cfg.Root == "" {
		return errors.New("config 'root' must be set")
	}
	if cfg.Addr == "" {
		return errors.New("config 'addr' must be set")
	}

	if _, err := cfg.RoutePrefix(); err != nil {
		return err
	}
	if cfg.Index != "" && !pathutil.Valid(cfg.Index) {
		return fmt.Errorf("config 'index' must be a relative path, got %q", cfg.Index)
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return errors.New("config 'log.format' must be one of ['text', 'json']")
	}
	if _, err := cfg.LogLevel(); err != nil {
		return err
	}

	if _, err := cfg.EnabledFormats(); err != nil {
		return err
	}
	if _, err := dirstream.ParseWarningPolicy(cfg.Archive.WarningPolicy); err != nil {
		return fmt.Errorf("config 'archive.warningPolicy': %w", err)
	}
	if cfg.Archive.BufferSize <= 0 {
		return errors.New("config 'archive.bufferSize' must be positive")
	}
	if cfg.Archive.ChunkSize <= 0 {
		return errors.New("config 'archive.chunkSize' must be positive")
	}
	if int64(cfg.Archive.ChunkSize) > cfg.Archive.BufferSize {
		return fmt.Errorf("config 'archive.chunkSize' (%d) cannot exceed 'archive.bufferSize' (%d)",
			cfg.Archive.ChunkSize, cfg.Archive.BufferSize)
	}
	if cfg.Archive.CompressionLevel < -1 || cfg.Archive.CompressionLevel > 9 {
		return errors.New("config 'archive.compressionLevel' must be between -1 and 9")
	}
	if cfg.Archive.Timeout < 0 {
		return errors.New("config 'archive.timeout' cannot be negative")
	}

	if (cfg.Auth.Username == "") != (cfg.Auth.Password == "") {
		return errors.New("'auth.username' and 'auth.password' configs must be set together")
	}
	return nil
}

// RoutePrefix returns Route in the form "/a/b", or "" to serve from "/".
func (cfg *Config) RoutePrefix() (string, error) {
	if strings.Contains(cfg.Route, "\\") {
		return "", fmt.Errorf("config 'route' is not a valid path: %q", cfg.Route)
	}
	route := pathutil.Normalize(cfg.Route)
	if route == "." {
		return "", nil
	}
	if !pathutil.Valid(route) {
		return "", fmt.Errorf("config 'route' is not a valid path: %q", cfg.Route)
	}
	return "/" + route, nil
}

// LogLevel parses Log.Level.
func (cfg *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return 0, fmt.Errorf("config 'log.level' must be one of ['debug', 'info', 'warn', 'error']: %w", err)
	}
	return level, nil
}

// EnabledFormats parses Archive.Formats.
func (cfg *Config) EnabledFormats() (map[dirstream.Format]bool, error) {
	if len(cfg.Archive.Formats) == 0 {
		return nil, errors.New("config 'archive.formats' must not be empty")
	}
	formats := make(map[dirstream.Format]bool, len(cfg.Archive.Formats))
	for _, name := range cfg.Archive.Formats {
		f, err := dirstream.ParseFormat(name)
		if err != nil {
			return nil, fmt.Errorf("config 'archive.formats': %w", err)
		}
		formats[f] = true
	}
	return formats, nil
}

// ArchiveOptions converts the archive settings to generation options.
// Verify must have succeeded.
func (cfg *Config) ArchiveOptions() []dirstream.Option {
	a := cfg.Archive
	policy, _ := dirstream.ParseWarningPolicy(a.WarningPolicy)
	opts := []dirstream.Option{
		dirstream.WithBufferSize(a.BufferSize),
		dirstream.WithChunkSize(a.ChunkSize),
		dirstream.WithMaxDepth(a.MaxDepth),
		dirstream.WithMaxEntries(a.MaxEntries),
		dirstream.WithCompressionLevel(a.CompressionLevel),
		dirstream.WithWarningPolicy(policy),
		dirstream.WithTimeout(a.Timeout),
	}
	if a.NestedRoot {
		opts = append(opts, dirstream.WithNestedRoot())
	}
	if a.StrictChangeDetection {
		opts = append(opts, dirstream.WithChangeDetection(dirstream.ChangeDetectionStrict))
	}
	return opts
}
