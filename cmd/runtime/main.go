package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/shardflow/shardflow/internal/core/monitoring"
	"github.com/shardflow/shardflow/internal/core/observability/log"
	"github.com/shardflow/shardflow/internal/core/pipeline"
)

// loopback delivers commands to the local coordinator only. A real
// deployment plugs the wire transport in here.
type loopback struct {
	coord *pipeline.Coordinator
}

func (l loopback) Broadcast(_ context.Context, cmd pipeline.Command) error {
	l.coord.HandleCommand(cmd)
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.FromEnv()
	defer func() { _ = logger.Sync() }()

	reg, err := monitoring.New(pipeline.KeyShard, "tensors", "layers",
		monitoring.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error initializing monitoring:", err)
		os.Exit(1)
	}
	if err = pipeline.RegisterStageMetrics(reg, true); err != nil {
		fmt.Fprintln(os.Stderr, "error registering metrics:", err)
		os.Exit(1)
	}

	coord := pipeline.NewCoordinator(logger)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sched, err := pipeline.ResolveSchedule(ctx, logger, pipeline.ResolveOptions{
		WorldSize:   1,
		ModelLayers: 1,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error resolving schedule:", err)
		os.Exit(1)
	}
	if err = coord.BroadcastSchedule(ctx, loopback{coord: coord}, sched); err != nil {
		fmt.Fprintln(os.Stderr, "error broadcasting schedule:", err)
		os.Exit(1)
	}
	// The loopback delivered our own broadcast; drain the slot the way a
	// non-root participant would.
	if _, err = coord.WaitSchedule(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error receiving schedule:", err)
		os.Exit(1)
	}
	logger.Info("runtime ready", zap.String("state", coord.State().String()))

	select {
	case <-stopCh:
		coord.Stop()
	case <-coord.Stopped():
	}
	cancel()
	if err = reg.Finish(); err != nil {
		fmt.Fprintln(os.Stderr, "error finishing monitoring:", err)
	}
}
