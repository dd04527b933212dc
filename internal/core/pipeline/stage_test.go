package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardflow/shardflow/internal/core/control"
	"github.com/shardflow/shardflow/internal/core/monitoring"
)

type discardSink struct{}

func (discardSink) WriteRecord(monitoring.Record) error { return nil }
func (discardSink) Close() error                        { return nil }

func testRegistry(t *testing.T) *monitoring.Registry {
	t.Helper()
	reg, err := monitoring.New(KeyShard, "tensors", "layers",
		monitoring.WithProbeFactory(func() (monitoring.EnergyProbe, error) {
			return nil, monitoring.ErrProbeNotFound
		}),
		monitoring.WithSinkFactory(func(string) (monitoring.RecordSink, error) {
			return discardSink{}, nil
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Finish() })
	return reg
}

// passProcessor forwards microbatches unchanged.
type passProcessor struct {
	layers int
}

func (p *passProcessor) Process(_ context.Context, mb Microbatch) (Microbatch, error) {
	return mb, nil
}

func (p *passProcessor) Layers() int { return p.layers }

// tagCodec marks the bitwidth without touching the payload.
type tagCodec struct {
	encoded, decoded int
}

func (c *tagCodec) Encode(mb Microbatch, bits int) Microbatch {
	c.encoded++
	mb.Bits = bits
	return mb
}

func (c *tagCodec) Decode(mb Microbatch) Microbatch {
	c.decoded++
	mb.Bits = 0
	return mb
}

func TestRegisterStageMetrics(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, RegisterStageMetrics(reg, true))
	require.Equal(t, []string{
		KeyOutput, KeyQuantDecode, KeyQuantEncode, KeyRecv, KeySend, KeyShard,
	}, reg.Keys())
}

func TestRunStageTwoStagePipeline(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, RegisterStageMetrics(reg, true))
	coord := NewCoordinator(nil)

	const batches = 4
	const items = 2

	in := make(chan Microbatch)
	mid := make(chan Microbatch, 1)
	codec := &tagCodec{}

	first := StageConfig{
		Registry:    reg,
		Coordinator: coord,
		Processor:   &passProcessor{layers: 24},
		Codec:       codec,
		QuantBits:   4,
		FirstStage:  true,
		In:          in,
		Out:         mid,
	}
	last := StageConfig{
		Registry:    reg,
		Coordinator: coord,
		Processor:   &passProcessor{layers: 24},
		Codec:       codec,
		LastStage:   true,
		In:          mid,
	}

	ctx := context.Background()
	firstErr := make(chan error, 1)
	lastErr := make(chan error, 1)
	go func() { firstErr <- RunStage(ctx, first) }()
	go func() { lastErr <- RunStage(ctx, last) }()

	for seq := 0; seq < batches; seq++ {
		coord.Labels().Put([]int{1, 0})
		mb := NewMicrobatch(seq, items, nil)
		mb.Logits = [][]float64{{0, 9}, {9, 0}} // both predictions correct
		in <- mb
	}
	close(in)
	require.NoError(t, <-firstErr)
	close(mid)
	require.NoError(t, <-lastErr)

	coord.Results().WaitFor(batches * items)
	require.Equal(t, int64(batches*items), coord.Results().Value())
	require.Zero(t, coord.Labels().Len())

	// Every microbatch was encoded once on the first stage and decoded once
	// on the last.
	require.Equal(t, batches, codec.encoded)
	require.Equal(t, batches, codec.decoded)

	// Shard work accumulates on both stages, output only at delivery.
	shardWork, err := reg.GlobalWork(KeyShard)
	require.NoError(t, err)
	require.Equal(t, float64(2*batches*items), shardWork)
	outWork, err := reg.GlobalWork(KeyOutput)
	require.NoError(t, err)
	require.Equal(t, float64(batches*items), outWork)
}

func TestRunStageStopsWithPipeline(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, RegisterStageMetrics(reg, true))
	coord := NewCoordinator(nil)

	in := make(chan Microbatch)
	done := make(chan error, 1)
	go func() {
		done <- RunStage(context.Background(), StageConfig{
			Registry:    reg,
			Coordinator: coord,
			Processor:   &passProcessor{layers: 1},
			LastStage:   true,
			In:          in,
		})
	}()

	coord.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stage did not observe stop")
	}
}

func TestDeliverResultLabelMismatch(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, RegisterStageMetrics(reg, true))
	coord := NewCoordinator(nil)

	coord.Labels().Put([]int{0})
	mb := NewMicrobatch(0, 2, nil)
	mb.Logits = [][]float64{{1, 0}, {0, 1}}
	require.ErrorIs(t, coord.DeliverResult(reg, mb), ErrLabelMismatch)
}

func TestAdaptiveBitwidthHook(t *testing.T) {
	fixed := func(targ float64) control.FeedbackFactory {
		return func(_, _, _ float64) control.FeedbackController {
			return fixedFeedback(targ)
		}
	}
	ctrl, err := control.NewBitwidthController(2, []int{8, 4}, 8, fixed(2))
	require.NoError(t, err)

	var seq control.Sequencer
	seq.Reset(control.Split{Slow: 8, Fast: 8, SlowIterations: 4})
	hook := AdaptiveBitwidthHook(KeySend, ctrl, &seq, 4)

	// Windows for other keys leave the sequencer alone.
	hook(KeyShard, monitoring.Accumulator{})
	require.Equal(t, 8, seq.Next())

	// A send window installs the controller's split.
	hook(KeySend, monitoring.Accumulator{Elapsed: 4 * time.Second, Work: 4, Beats: 4})
	require.Equal(t, 4, seq.Next())
}

type fixedFeedback float64

func (f fixedFeedback) Evaluate(float64) float64 { return float64(f) }
