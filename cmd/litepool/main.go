// Package main implements the litepool command: serve a datastore over the
// PostgreSQL wire protocol, or probe one through a connection pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guileen/litepool/engine/errors"
	"github.com/guileen/litepool/logger"
	"github.com/spf13/cobra"
)

var (
	// Set via ldflags during build.
	version   = "dev"
	gitCommit = "unknown"
)

type globalOptions struct {
	ConfigPath string
	LogLevel   string
}

var opts globalOptions

func main() {
	rootCmd := &cobra.Command{
		Use:               "litepool",
		Short:             "Pooled connections to embedded litepool datastores",
		PersistentPreRunE: setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Version:           version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("litepool version %s\n  commit: %s\n", version, gitCommit))

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to a YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(newServeCommand(), newProbeCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		errors.LogError(ctx, err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func setup(*cobra.Command, []string) error {
	if opts.LogLevel == "" {
		return nil
	}
	level, ok := logger.ParseLevel(opts.LogLevel)
	if !ok {
		return fmt.Errorf("invalid log level %q", opts.LogLevel)
	}
	logger.SetLogLevel(level)
	return nil
}
