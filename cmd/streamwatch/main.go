// Command streamwatch follows a fanout event stream from the terminal. Every logical consumer
// opened with --consumers shares one transport through the connection coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pscheid92/fanout/internal/client/stream"
	"github.com/pscheid92/fanout/internal/platform/logging"
	"github.com/pscheid92/fanout/internal/platform/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := watchOptions{}

	rootCmd := &cobra.Command{
		Use:           "streamwatch",
		Short:         "Follow a fanout event stream",
		Long:          "streamwatch connects to a fanout server's /events endpoint, reconnects with backoff and prints every event it receives.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.New(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := watch(ctx, cmd.OutOrStdout(), opts); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "http://localhost:8080/events", "event stream URL")
	flags.StringVar(&opts.clientID, "client-id", "", "client identity (random when empty)")
	flags.StringVar(&opts.header, "header", "X-Client-ID", "header carrying the client identity")
	flags.IntVar(&opts.consumers, "consumers", 1, "logical consumers sharing the connection")
	flags.IntVar(&opts.count, "count", 0, "exit after this many events (0 runs until interrupted)")
	flags.DurationVar(&opts.initialBackoff, "initial-backoff", stream.DefaultInitialBackoff, "first reconnect delay")
	flags.DurationVar(&opts.maxBackoff, "max-backoff", stream.DefaultMaxBackoff, "reconnect delay cap")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", stream.DefaultConnectTimeout, "time allowed to open the stream")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().Banner("streamwatch"))
		},
	})

	return rootCmd
}

type watchOptions struct {
	url            string
	clientID       string
	header         string
	consumers      int
	count          int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	connectTimeout time.Duration
	logLevel       string
	logFormat      string
}

func (o watchOptions) validate() error {
	if o.url == "" {
		return errors.New("--url is required")
	}
	if o.consumers < 1 {
		return errors.New("--consumers must be at least 1")
	}
	if o.count < 0 {
		return errors.New("--count must not be negative")
	}
	if o.initialBackoff <= 0 || o.maxBackoff < o.initialBackoff {
		return errors.New("backoff must satisfy 0 < --initial-backoff <= --max-backoff")
	}
	return nil
}

// errDone ends a watch once --count events were printed.
var errDone = errors.New("event count reached")

func isDone(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errDone)
}
