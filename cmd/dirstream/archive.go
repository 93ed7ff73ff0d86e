package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meigma/dirstream"
	"github.com/meigma/dirstream/internal/config"
)

func newArchiveCommand(v *viper.Viper) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "archive DIR",
		Short: "Write an archive of a directory to a file or stdout",
		Long: `Write an archive of a directory to a file or stdout.

The archive is identical to the one the server streams for the same
directory and settings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(v, cmd)
			if err != nil {
				return err
			}
			cfg.Root = args[0]
			if err := cfg.Verify(); err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			f, err := dirstream.ParseFormat(format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runArchive(ctx, cfg, f, output, cmd.OutOrStdout(), logger)
		},
	}

	defaults := config.DefaultConfig()
	flags := cmd.Flags()
	flags.StringVarP(&format, "format", "f", dirstream.FormatZip.String(), "archive format: tar, tar.gz or zip")
	flags.StringVarP(&output, "output", "o", "", "output file, '-' or empty for stdout")
	bindings := addArchiveFlags(flags, defaults)
	bindings = append(bindings, addLogFlags(flags, defaults)...)
	cmd.PreRun = bindFlagsFunc(v, bindings)
	return cmd
}

// runArchive streams the archive of cfg.Root to output. Files are written
// to a temporary sibling and renamed into place once complete, so a failed
// run never leaves a truncated archive behind.
func runArchive(ctx context.Context, cfg *config.Config, format dirstream.Format, output string, stdout io.Writer, logger *slog.Logger) error {
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return err
	}
	req := dirstream.Request{
		Root:           abs,
		RelativeRoot:   filepath.ToSlash(filepath.Base(abs)),
		Format:         format,
		FollowSymlinks: cfg.FollowSymlinks,
	}
	opts := append(cfg.ArchiveOptions(), dirstream.WithLogger(logger))

	if output == "" || output == "-" {
		return writeArchive(ctx, req, stdout, logger, opts)
	}

	dir := filepath.Dir(output)
	tmp, err := os.CreateTemp(dir, ".dirstream-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := writeArchive(ctx, req, tmp, logger, opts); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, output); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	logger.Info("archive written", "path", output, "format", format)
	return nil
}

func writeArchive(ctx context.Context, req dirstream.Request, w io.Writer, logger *slog.Logger, opts []dirstream.Option) error {
	a, err := dirstream.Generate(ctx, req, opts...)
	if err != nil {
		return err
	}

	n, err := a.WriteTo(w)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("archive %s: %w", req.Root, err)
	}
	if err := a.Close(); err != nil {
		return err
	}
	logger.Debug("archive complete", "bytes", n, "digest", a.Digest(), "warnings", a.WarningCount())
	return nil
}
