package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lsm/eventsub/internal/config"
	"github.com/lsm/eventsub/internal/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

// load reads the config file and builds the process logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := o.logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger := observability.NewLogger(os.Stdout, "eventsub", observability.ParseLogLevel(level))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the configured subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	root := &cobra.Command{
		Use:   "eventsub",
		Short: "Ordered Kafka event delivery with a poison inbox",
		Long: "eventsub consumes Kafka topics, delivers events to handlers in stream order " +
			"and quarantines streams whose events keep failing.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.Path(), "path to the config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd, newValidateCommand(opts), newInboxCommand(opts))
	return root
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %d subscription(s), inbox backend %s\n", len(cfg.Subscriptions), cfg.Inbox.Backend)
			for _, sc := range cfg.Subscriptions {
				fmt.Fprintf(out, "  %s: mode=%s handler=%s instances=%d\n", sc.Topic, sc.Mode, sc.Handler.Type, sc.Instances)
			}
			return nil
		},
	}
}
