package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedCoordinator(t *testing.T) (*Coordinator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	return NewCoordinator(zap.New(core)), logs
}

func validSchedule() *Schedule {
	return &Schedule{
		StageLayers: [][2]int{{1, 24}, {25, 48}},
		StageQuant:  []int{4, 0},
		StageRanks:  []int{0, 1},
		DataRank:    0,
	}
}

// chanBroadcaster loops commands straight back into a set of coordinators,
// standing in for the wire transport.
type chanBroadcaster struct {
	peers []*Coordinator
	err   error
}

func (b *chanBroadcaster) Broadcast(_ context.Context, cmd Command) error {
	if b.err != nil {
		return b.err
	}
	for _, p := range b.peers {
		p.HandleCommand(cmd)
	}
	return nil
}

func TestCoordinatorScheduleRoundTrip(t *testing.T) {
	root, _ := observedCoordinator(t)
	peer, _ := observedCoordinator(t)
	b := &chanBroadcaster{peers: []*Coordinator{peer}}

	require.Equal(t, StateAwaitingSchedule, peer.State())
	require.NoError(t, root.BroadcastSchedule(context.Background(), b, validSchedule()))
	require.Equal(t, StateRunning, root.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched, err := peer.WaitSchedule(ctx)
	require.NoError(t, err)
	require.Equal(t, [][2]int{{1, 24}, {25, 48}}, sched.StageLayers)
	require.Equal(t, StateRunning, peer.State())
}

func TestCoordinatorStopReleasesWaiters(t *testing.T) {
	root, _ := observedCoordinator(t)
	peer, _ := observedCoordinator(t)
	b := &chanBroadcaster{peers: []*Coordinator{peer}}

	schedErr := make(chan error, 1)
	go func() {
		_, err := peer.WaitSchedule(context.Background())
		schedErr <- err
	}()

	require.NoError(t, root.BroadcastStop(context.Background(), b))
	require.Equal(t, StateStopped, root.State())
	require.Equal(t, StateStopped, peer.State())

	select {
	case err := <-schedErr:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("stop did not release WaitSchedule")
	}
	require.NoError(t, peer.WaitStop(context.Background()))
}

func TestCoordinatorStopIdempotent(t *testing.T) {
	c, _ := observedCoordinator(t)
	c.Stop()
	c.Stop()
	select {
	case <-c.Stopped():
	default:
		t.Fatal("Stopped channel not closed")
	}
}

func TestCoordinatorInvalidScheduleDropped(t *testing.T) {
	c, logs := observedCoordinator(t)

	c.HandleCommand(Command{Kind: CommandSchedule, Schedule: &Schedule{}})
	require.Equal(t, 1, logs.FilterMessage("dropping invalid schedule").Len())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitSchedule(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinatorSecondSchedulePendingDropped(t *testing.T) {
	c, logs := observedCoordinator(t)

	c.HandleCommand(Command{Kind: CommandSchedule, Schedule: validSchedule()})
	c.HandleCommand(Command{Kind: CommandSchedule, Schedule: validSchedule()})
	require.Equal(t, 1, logs.FilterMessage("schedule already pending, dropping").Len())
}

func TestCoordinatorUnknownCommandIgnored(t *testing.T) {
	c, logs := observedCoordinator(t)

	c.HandleCommand(Command{Kind: CommandKind(99)})
	require.Equal(t, 1, logs.FilterMessage("unknown command").Len())
	require.Equal(t, StateAwaitingSchedule, c.State())
}

func TestCoordinatorWaitScheduleContext(t *testing.T) {
	c, _ := observedCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.WaitSchedule(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, c.WaitStop(ctx), context.Canceled)
}

func TestBroadcastScheduleValidatesFirst(t *testing.T) {
	c, _ := observedCoordinator(t)
	b := &chanBroadcaster{}
	err := c.BroadcastSchedule(context.Background(), b, &Schedule{
		StageLayers: [][2]int{{5, 2}},
		StageQuant:  []int{0},
		StageRanks:  []int{0},
	})
	require.ErrorIs(t, err, ErrBadLayerRange)
}

func TestScheduleShape(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		require.ErrorIs(t, (&Schedule{}).Validate(), ErrEmptySchedule)
		var nilSched *Schedule
		require.ErrorIs(t, nilSched.Validate(), ErrEmptySchedule)
	})

	t.Run("ragged", func(t *testing.T) {
		s := &Schedule{StageLayers: [][2]int{{1, 2}}, StageQuant: []int{0, 0}, StageRanks: []int{0}}
		require.ErrorIs(t, s.Validate(), ErrRaggedSchedule)
	})

	t.Run("layer ranges are 1-based and ordered", func(t *testing.T) {
		s := validSchedule()
		s.StageLayers[0] = [2]int{0, 4}
		require.ErrorIs(t, s.Validate(), ErrBadLayerRange)
	})

	t.Run("stage lookup by rank", func(t *testing.T) {
		s := validSchedule()
		require.Equal(t, 0, s.StageForRank(0))
		require.Equal(t, 1, s.StageForRank(1))
		require.Equal(t, -1, s.StageForRank(7))
	})
}

func TestScheduleWireArrays(t *testing.T) {
	s := validSchedule()
	layers, quant, ranks, dataRank := s.MarshalArrays()

	back, err := ScheduleFromArrays(layers, quant, ranks, dataRank)
	require.NoError(t, err)
	require.Equal(t, s, back)

	_, err = ScheduleFromArrays([][2]int64{{3, 1}}, []int64{0}, []int64{0}, 0)
	require.ErrorIs(t, err, ErrBadLayerRange)
}
