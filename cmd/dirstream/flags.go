package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/meigma/dirstream/internal/config"
)

// binding ties a flag to a config key and its environment variable.
type binding struct {
	flag string
	key  string
	env  string
}

// mustBindPFlag binds key to flag and panics if the binding fails.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func mustBindEnv(v *viper.Viper, input ...string) {
	if err := v.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// bindFlagsFunc returns a PreRun hook binding the command's flags. Binding
// late keeps commands that share keys from overwriting each other.
func bindFlagsFunc(v *viper.Viper, bindings []binding) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		flags := cmd.Flags()
		for _, b := range bindings {
			mustBindPFlag(v, b.key, flags.Lookup(b.flag))
			mustBindEnv(v, b.key, b.env)
		}
	}
}

// addLogFlags registers the log settings shared by every command.
func addLogFlags(flags *pflag.FlagSet, defaults *config.Config) []binding {
	flags.String("log-format", defaults.Log.Format, "log output format, 'text' or 'json'")
	flags.String("log-level", defaults.Log.Level, "minimum log level, one of 'debug', 'info', 'warn' or 'error'")
	return []binding{
		{"log-format", "log.format", "DIRSTREAM_LOG_FORMAT"},
		{"log-level", "log.level", "DIRSTREAM_LOG_LEVEL"},
	}
}

// addArchiveFlags registers the archive production settings.
func addArchiveFlags(flags *pflag.FlagSet, defaults *config.Config) []binding {
	a := defaults.Archive
	flags.Bool("follow-symlinks", defaults.FollowSymlinks, "follow symbolic links that resolve inside the root")
	flags.Int64("archive-buffer-size", a.BufferSize, "bytes buffered between the archive producer and a slow client")
	flags.Int("archive-chunk-size", a.ChunkSize, "size of each write to the client")
	flags.Int("archive-max-depth", a.MaxDepth, "maximum directory nesting inside an archive")
	flags.Int("archive-max-entries", a.MaxEntries, "maximum number of entries in an archive, negative for no limit")
	flags.Int("archive-compression-level", a.CompressionLevel, "deflate level for zip and tar.gz (1-9, -1 for the default)")
	flags.String("archive-warning-policy", a.WarningPolicy, "how skipped entries are reported: 'log', 'discard' or 'manifest'")
	flags.Bool("archive-nested-root", a.NestedRoot, "place entries under a directory named after the archived directory")
	flags.Bool("archive-strict-change-detection", a.StrictChangeDetection, "fail archives whose files change while they are read")
	flags.Duration("archive-timeout", a.Timeout, "maximum time spent producing one archive, 0 for no limit")
	return []binding{
		{"follow-symlinks", "followSymlinks", "DIRSTREAM_FOLLOW_SYMLINKS"},
		{"archive-buffer-size", "archive.bufferSize", "DIRSTREAM_ARCHIVE_BUFFER_SIZE"},
		{"archive-chunk-size", "archive.chunkSize", "DIRSTREAM_ARCHIVE_CHUNK_SIZE"},
		{"archive-max-depth", "archive.maxDepth", "DIRSTREAM_ARCHIVE_MAX_DEPTH"},
		{"archive-max-entries", "archive.maxEntries", "DIRSTREAM_ARCHIVE_MAX_ENTRIES"},
		{"archive-compression-level", "archive.compressionLevel", "DIRSTREAM_ARCHIVE_COMPRESSION_LEVEL"},
		{"archive-warning-policy", "archive.warningPolicy", "DIRSTREAM_ARCHIVE_WARNING_POLICY"},
		{"archive-nested-root", "archive.nestedRoot", "DIRSTREAM_ARCHIVE_NESTED_ROOT"},
		{"archive-strict-change-detection", "archive.strictChangeDetection", "DIRSTREAM_ARCHIVE_STRICT_CHANGE_DETECTION"},
		{"archive-timeout", "archive.timeout", "DIRSTREAM_ARCHIVE_TIMEOUT"},
	}
}

// addServeFlags registers the server settings.
func addServeFlags(flags *pflag.FlagSet, defaults *config.Config) []binding {
	flags.String("root", defaults.Root, "directory to serve")
	flags.String("addr", defaults.Addr, "the host:port address to serve HTTP on")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "time allowed for in-flight requests on shutdown")
	flags.String("route", defaults.Route, "path prefix to serve files under, e.g. /share")
	flags.Bool("random-route", defaults.RandomRoute, "serve files under a random path prefix when --route is not set")
	flags.String("index", defaults.Index, "file served instead of the listing for directories containing it, e.g. index.html")
	flags.StringSlice("archive-formats", defaults.Archive.Formats, "archive formats clients may request")
	flags.String("auth-username", defaults.Auth.Username, "username for HTTP basic authentication")
	flags.String("auth-password", defaults.Auth.Password, "password for HTTP basic authentication")
	flags.Bool("metrics-enabled", defaults.Metrics.Enabled, "expose Prometheus metrics on /metrics")
	return []binding{
		{"root", "root", "DIRSTREAM_ROOT"},
		{"addr", "addr", "DIRSTREAM_ADDR"},
		{"shutdown-timeout", "shutdownTimeout", "DIRSTREAM_SHUTDOWN_TIMEOUT"},
		{"route", "route", "DIRSTREAM_ROUTE"},
		{"random-route", "randomRoute", "DIRSTREAM_RANDOM_ROUTE"},
		{"index", "index", "DIRSTREAM_INDEX"},
		{"archive-formats", "archive.formats", "DIRSTREAM_ARCHIVE_FORMATS"},
		{"auth-username", "auth.username", "DIRSTREAM_AUTH_USERNAME"},
		{"auth-password", "auth.password", "DIRSTREAM_AUTH_PASSWORD"},
		{"metrics-enabled", "metrics.enabled", "DIRSTREAM_METRICS_ENABLED"},
	}
}
