package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meigma/dirstream/internal/config"
)

const configFlag = "config"

// newRootCommand wires the subcommands to one viper instance. Settings are
// read from flags, DIRSTREAM_* environment variables and dirstream.yaml,
// in that order of precedence.
func newRootCommand() *cobra.Command {
	return newRootCommandFor(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("dirstream")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DIRSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, path := range []string{"/etc/dirstream", "$HOME/.dirstream", "."} {
		v.AddConfigPath(path)
	}
	return v
}

func newRootCommandFor(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "dirstream",
		Short: "Serve directories over HTTP and stream them as tar, tar.gz or zip archives",
		Long: `dirstream serves a directory tree over HTTP.

Any directory can be downloaded as a tar, tar.gz or zip archive that is
produced while it is sent, so nothing is staged in memory or on disk.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String(configFlag, "", "path to a config file (default dirstream.yaml in /etc/dirstream, $HOME/.dirstream or .)")

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newArchiveCommand(v))
	return root
}

// readConfig returns the defaults overlaid with the config file, the
// environment and the bound flags. A missing default config file is not an
// error; a missing explicit one is.
func readConfig(v *viper.Viper, cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if path, _ := cmd.Flags().GetString(configFlag); path != "" {
		v.SetConfigFile(path)
	}

	v.SetTypeByDefaultValue(true)
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
