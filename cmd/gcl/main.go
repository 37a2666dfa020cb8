// Command gcl creates, writes and reads channel logs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahimsalabs/channellog-go/channellog"
	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the global flags and the client built from them.
type app struct {
	server  string
	timeout time.Duration
	verbose bool
	retry   bool

	client *channellog.Client
}

func defaultServer() string {
	if s := os.Getenv("CHANNELLOG_SERVER"); s != "" {
		return s
	}
	return channellog.DefaultServerURL
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "gcl",
		Short: "Channel log command line client",
		Long: `gcl is a command line client for channel log servers.
It creates logs, appends records, and reads them back by recno,
in batches, or as a live subscription.

Log names are either 43-character printable names or human aliases,
which are hashed into names.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.connect,
		PersistentPostRunE: a.disconnect,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.server, "server", defaultServer(), "log server URL (env CHANNELLOG_SERVER)")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "per-operation timeout")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging and binary payload dumps")
	pf.BoolVar(&a.retry, "retry", false, "retry idempotent requests on transient failures")

	root.AddCommand(
		newNameCommand(),
		newCreateCommand(a),
		newAppendCommand(a),
		newReadCommand(a),
		newMultiReadCommand(a),
		newSubscribeCommand(a),
	)
	return root
}

// connect builds the client for commands that talk to a server.
func (a *app) connect(cmd *cobra.Command, args []string) error {
	if cmd.Annotations["offline"] == "true" {
		return nil
	}
	cfg := &channellog.ClientConfig{Timeout: a.timeout}
	if a.verbose {
		cfg.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	if a.retry {
		opts := transport.DefaultRetryOptions()
		cfg.Retry = &opts
	}
	a.client = channellog.NewClient(a.server, cfg)
	return nil
}

func (a *app) disconnect(cmd *cobra.Command, args []string) error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}
