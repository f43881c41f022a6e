// Command hubhost runs the host side of a hub: it creates the
// shared-memory hub file, spawns the configured cell processes bound to
// it, and serves until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cellhub/cellhub/diag"
	"github.com/cellhub/cellhub/host"
	"github.com/cellhub/cellhub/internal/logging"
	"github.com/cellhub/cellhub/internal/xcmd"
)

var cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "hubhost",
	Short: "Run the host side of a cell hub",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd.ConfigPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "path to the host configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	log, _, err := logging.Init(logging.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	cfg, err := host.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load host config: %w", err)
	}

	h, err := host.Create(cfg, host.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	defer h.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	for _, cc := range cfg.Cells {
		cc := cc
		wg.Go(func() error {
			return superviseCell(ctx, h, cc, log)
		})
	}

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", "error", err)
		return err
	})

	wg.Go(func() error {
		diag.WatchSIGUSR1(ctx, h.Hub(), h.Allocator(), log)
		return nil
	})

	err = wg.Wait()
	var interrupted xcmd.Interrupted
	if errors.As(err, &interrupted) {
		return nil
	}
	return err
}

// superviseCell spawns cc, retrying a failed spawn with exponential
// backoff. Once the cell is running it is not respawned: if it later
// exits, superviseCell keeps waiting for ctx to be done.
func superviseCell(ctx context.Context, h *host.Host, cc host.CellConfig, log *zap.SugaredLogger) error {
	policy := backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
	}
	policy.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		info, err := h.AddPeer()
		if err != nil {
			return fmt.Errorf("supervise %s: add peer: %w", cc.Name, err)
		}

		if err := h.SpawnCell(ctx, info, cc.BinaryPath, cc.Name, cc.Args); err != nil {
			log.Warnw("failed to spawn cell, retrying", "name", cc.Name, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.NextBackOff()):
			}
			continue
		}

		policy.Reset()
		<-ctx.Done()
		return ctx.Err()
	}
}
