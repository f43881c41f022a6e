// Command cell is the generic entry point a hubhost-spawned process
// links into: it parses the three standard arguments, opens the hub,
// registers, and runs until interrupted. A real cell binary embeds
// cellproc.Bootstrap directly and registers its own methods; this command
// is the minimal example/echo cell. No test in this module runs it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cellhub/cellhub/cellproc"
	"github.com/cellhub/cellhub/internal/logging"
	"github.com/cellhub/cellhub/internal/xcmd"
	"github.com/cellhub/cellhub/rpc"
)

var cmd struct {
	HubPath    string
	PeerID     int
	DoorbellFD int
}

var rootCmd = &cobra.Command{
	Use:   "cell",
	Short: "Run a cell process bound to a hub",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&cmd.HubPath, "hub-path", "", "absolute path of the hub file (required)")
	rootCmd.Flags().IntVar(&cmd.PeerID, "peer-id", -1, "this cell's peer id (required)")
	rootCmd.Flags().IntVar(&cmd.DoorbellFD, "doorbell-fd", -1, "inherited doorbell file descriptor (required)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	args, err := cellproc.ParseArgs(cmd.HubPath, cmd.PeerID, cmd.DoorbellFD)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}

	log, _, err := logging.Init(logging.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	dispatcher := rpc.NewDispatcher().Register("Echo", func(_ *rpc.CallContext, body []byte) ([]byte, error) {
		return body, nil
	})

	c, err := cellproc.Bootstrap(args, dispatcher, log)
	if err != nil {
		// Hub open/validation and registration failures are configuration
		// errors: exit code 3, distinct from argument errors (code 2).
		fmt.Fprintf(os.Stderr, "ERROR: failed to bootstrap cell: %v\n", err)
		log.Sync()
		os.Exit(3)
	}
	defer c.Close()

	ctx := context.Background()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case <-waitInterrupted(ctx):
		return nil
	}
}

func waitInterrupted(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		xcmd.WaitInterrupted(ctx)
		close(done)
	}()
	return done
}
