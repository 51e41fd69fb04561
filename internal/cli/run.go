package cli

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
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ede/internal/canif"
	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/event"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Duration time.Duration // zero runs until interrupted
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <network.cue>",
		Short: "Run a node in real time",
		Long: `Run the node described by a network database in wall-clock time.

Every dispatcher runs its main function once per tick period of the
database on its own goroutine. Transmitted frames are logged; there is no
bus hardware behind the node, so inbound frames time out.

Example:
  ede run ./body.cue
  ede run ./body.cue --duration 5s --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (default: until interrupted)")

	return cmd
}

// logTransmitter stands in for a bus driver by logging every frame.
type logTransmitter struct {
	net    *config.Network
	logger *slog.Logger
}

func (t *logTransmitter) Transmit(bus int, handle event.Handle, data []byte) error {
	t.logger.Info("frame transmitted",
		"bus", t.net.Buses[bus].Name,
		"id", fmt.Sprintf("%#x", uint32(handle)&^config.ExtendedFlag),
		"data", fmt.Sprintf("%x", data),
	)
	return nil
}

func runNode(opts *RunOptions, path string, cmd *cobra.Command) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	net, err := loadNetwork(path)
	if err != nil {
		return err
	}
	st, err := canif.New(net, &logTransmitter{net: net, logger: logger}, canif.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build node", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("node starting", "network", path, "dispatchers", len(st.Dispatchers()), "tick", net.TickPeriod)
	fmt.Fprintln(cmd.OutOrStdout(), "Node started. Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range st.Dispatchers() {
		g.Go(func() error {
			return d.Run(gctx, net.TickPeriod)
		})
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "dispatcher error", err)
	}

	c := st.Counters()
	fmt.Fprintf(cmd.OutOrStdout(), "Node stopped: %d frame(s) sent, %d received, %d timeout(s)\n",
		c.TxFrames, c.RxFrames, c.RxTimeouts)
	return nil
}
