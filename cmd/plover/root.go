package main

import (
	"fmt"
	"time"

	"github.com/jrife/plover/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootOptions struct {
	configPath string
	logLevel   string
	timeout    time.Duration
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	options := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "plover",
		Short:         "Replicated primitives over raft, primary-backup and log partitions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(options.logLevel)

			if err != nil {
				return err
			}

			options.logger = logger

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if options.logger != nil {
				options.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&options.configPath, "config", "c", "plover.yaml", "path to the cluster config")
	cmd.PersistentFlags().StringVar(&options.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().DurationVar(&options.timeout, "timeout", 10*time.Second, "deadline for client operations")

	cmd.AddCommand(newServeCommand(options))
	cmd.AddCommand(newValueCommand(options))
	cmd.AddCommand(newCounterCommand(options))

	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level

	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	loggerConfig.Encoding = "console"
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return loggerConfig.Build()
}

func (options *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(options.configPath)

	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	return cfg, nil
}
