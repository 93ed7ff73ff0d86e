package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/dirstream/internal/config"
	"github.com/meigma/dirstream/internal/server"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [DIR]",
		Short: "Serve a directory over HTTP",
		Long: `Serve a directory over HTTP.

GET on a directory returns a JSON listing, GET on a file returns its
contents, and GET on a directory with ?download=tar|tar.gz|zip streams
an archive of it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("root", args[0])
			}
			return runServe(cmd, v)
		},
	}

	defaults := config.DefaultConfig()
	flags := cmd.Flags()
	bindings := addServeFlags(flags, defaults)
	bindings = append(bindings, addArchiveFlags(flags, defaults)...)
	bindings = append(bindings, addLogFlags(flags, defaults)...)
	cmd.PreRun = bindFlagsFunc(v, bindings)
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := readConfig(v, cmd)
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
