package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the coordinator lifecycle state. Non-root participants move
// AwaitingSchedule -> Running -> Stopped; the root moves
// Scheduling -> Running -> Stopping.
type State int32

const (
	StateAwaitingSchedule State = iota
	StateScheduling
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAwaitingSchedule:
		return "awaiting-schedule"
	case StateScheduling:
		return "scheduling"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Coordinator errors.
var (
	ErrStopped = errors.New("pipeline stopped")
)

// Coordinator dispatches and receives control commands, tracks batch
// completion, and holds the ordered label queue. One coordinator serves one
// participant process.
//
// Stop is the only cancellation primitive and it is cooperative: workers
// observe it at defined points (after obtaining a schedule, after a batch
// round-trip) rather than being interrupted mid-operation.
type Coordinator struct {
	log *zap.Logger

	state atomic.Int32

	schedMu sync.Mutex
	schedCh chan *Schedule // single-slot delivery queue

	stopOnce sync.Once
	stopCh   chan struct{}

	results *BatchCounter
	labels  *LabelQueue
}

// NewCoordinator creates a coordinator in the non-root initial state.
func NewCoordinator(log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		log:     log,
		schedCh: make(chan *Schedule, 1),
		stopCh:  make(chan struct{}),
		results: NewBatchCounter(),
		labels:  NewLabelQueue(),
	}
	c.state.Store(int32(StateAwaitingSchedule))
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Results returns the batch-completion counter.
func (c *Coordinator) Results() *BatchCounter {
	return c.results
}

// Labels returns the ordered label queue.
func (c *Coordinator) Labels() *LabelQueue {
	return c.labels
}

// HandleCommand is the receipt handler the transport's callback thread
// drives. Stop routes to the process-wide stop signal; Schedule routes to
// the single-slot delivery queue consumed exactly once by WaitSchedule.
// Unknown kinds are logged and ignored so forward-compatible protocol
// extensions do not kill the participant.
func (c *Coordinator) HandleCommand(cmd Command) {
	switch cmd.Kind {
	case CommandStop:
		c.log.Info("handle command: stop")
		c.Stop()
	case CommandSchedule:
		c.log.Info("handle command: schedule")
		if err := cmd.Schedule.Validate(); err != nil {
			c.log.Warn("dropping invalid schedule", zap.Error(err))
			return
		}
		c.schedMu.Lock()
		defer c.schedMu.Unlock()
		select {
		case c.schedCh <- cmd.Schedule:
		default:
			c.log.Warn("schedule already pending, dropping")
		}
	default:
		c.log.Warn("unknown command", zap.Int("kind", int(cmd.Kind)))
	}
}

// WaitSchedule blocks a non-root participant until a schedule broadcast
// arrives, then transitions to Running. A stop command or context
// cancellation unblocks it with an error.
func (c *Coordinator) WaitSchedule(ctx context.Context) (*Schedule, error) {
	c.log.Info("waiting for schedule")
	select {
	case sched := <-c.schedCh:
		c.state.Store(int32(StateRunning))
		c.log.Info("schedule received",
			zap.Int("stages", len(sched.StageLayers)),
			zap.Int("data_rank", sched.DataRank))
		return sched, nil
	case <-c.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BroadcastSchedule distributes the schedule from the root participant and
// transitions the coordinator to Running.
func (c *Coordinator) BroadcastSchedule(ctx context.Context, b Broadcaster, sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	c.state.Store(int32(StateScheduling))
	c.log.Info("broadcasting schedule",
		zap.Int("stages", len(sched.StageLayers)),
		zap.Int("data_rank", sched.DataRank))
	if err := b.Broadcast(ctx, Command{Kind: CommandSchedule, Schedule: sched}); err != nil {
		return err
	}
	c.state.Store(int32(StateRunning))
	return nil
}

// BroadcastStop distributes the stop command and stops this participant.
func (c *Coordinator) BroadcastStop(ctx context.Context, b Broadcaster) error {
	c.state.Store(int32(StateStopping))
	err := b.Broadcast(ctx, Command{Kind: CommandStop})
	c.Stop()
	return err
}

// Stop transitions to Stopped and releases every goroutine blocked in
// WaitSchedule or WaitStop. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateStopped))
		close(c.stopCh)
	})
}

// Stopped returns a channel closed once the participant is stopped.
func (c *Coordinator) Stopped() <-chan struct{} {
	return c.stopCh
}

// WaitStop blocks until a stop command arrives or the context is canceled.
func (c *Coordinator) WaitStop(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
