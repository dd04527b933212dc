package pipeline

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shardflow/shardflow/internal/core/control"
	"github.com/shardflow/shardflow/internal/core/monitoring"
)

// Standard metric keys emitted by a pipeline stage.
const (
	KeyShard       = "shard"
	KeyOutput      = "output"
	KeyQuantDecode = "quant-decode"
	KeyQuantEncode = "quant-encode"
	KeyRecv        = "recv"
	KeySend        = "send"
)

// RegisterStageMetrics adds the non-shard metric keys to a registry created
// with KeyShard. The output accuracy label depends on whether the transport
// delivers results in submission order: ordered transports score against
// labels, unordered ones against prediction confidence.
func RegisterStageMetrics(reg *monitoring.Registry, orderedDelivery bool) error {
	outputAcc := "confidence"
	if orderedDelivery {
		outputAcc = "correct"
	}
	for _, k := range []struct{ key, work, acc string }{
		{KeyOutput, "classifications", outputAcc},
		{KeyQuantDecode, "tensors", "bits"},
		{KeyQuantEncode, "tensors", "bits"},
		{KeyRecv, "Mbits", "n/a"},
		{KeySend, "Mbits", "n/a"},
	} {
		if err := reg.AddKey(k.key, k.work, k.acc); err != nil {
			return err
		}
	}
	return nil
}

// Microbatch is the unit of data flowing through the pipeline. Payload is
// the opaque tensor handle owned by the compute collaborator.
type Microbatch struct {
	ID        uuid.UUID
	Seq       int
	Items     int     // item count
	Bits      int     // encoded bitwidth, 0 = unencoded
	SizeMbits float64 // payload size, for transfer metrics
	Logits    [][]float64
	Payload   any
}

// NewMicrobatch creates a microbatch with a fresh identity.
func NewMicrobatch(seq, items int, payload any) Microbatch {
	return Microbatch{ID: uuid.New(), Seq: seq, Items: items, Payload: payload}
}

// ShardProcessor is the opaque compute step: tensor in, tensor out.
type ShardProcessor interface {
	Process(ctx context.Context, mb Microbatch) (Microbatch, error)
	// Layers reports how many model layers the shard spans; it is the
	// accuracy payload of the shard metric.
	Layers() int
}

// QuantCodec compresses stage output for transfer. The quantization math is
// an external collaborator; the stage only decides which bitwidth to
// request when.
type QuantCodec interface {
	Encode(mb Microbatch, bits int) Microbatch
	Decode(mb Microbatch) Microbatch
}

// StageConfig wires one pipeline stage.
type StageConfig struct {
	Log         *zap.Logger
	Registry    *monitoring.Registry
	Coordinator *Coordinator
	Processor   ShardProcessor
	Codec       QuantCodec // nil disables quantization

	// Bits yields the output bitwidth per iteration; an adaptive session
	// resets it every window. Nil means the static schedule bitwidth.
	Bits      *control.Sequencer
	QuantBits int

	FirstStage bool
	LastStage  bool

	In  <-chan Microbatch
	Out chan<- Microbatch // nil on the last stage
}

// RunStage drives one stage until its input closes or the pipeline stops.
// Receive, compute, and send run as separate goroutines with one queued
// microbatch between each pair, matching the worst case of one in-flight
// and one queued exchange per side.
func RunStage(ctx context.Context, cfg StageConfig) error {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	reg := cfg.Registry
	procQ := make(chan Microbatch, 1)
	sendQ := make(chan Microbatch, 1)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(procQ)
		owner := reg.NewOwner()
		for {
			span, err := reg.IterationStart(owner, KeyRecv)
			if err != nil {
				return err
			}
			mb, ok, rerr := cfg.recv(ctx)
			if !ok || rerr != nil {
				// Span abandoned with the iteration; tracker state is
				// cleared on registry Finish.
				return rerr
			}
			if err = reg.IterationComplete(span, mb.SizeMbits, 0); err != nil {
				return err
			}
			select {
			case procQ <- mb:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		defer close(sendQ)
		owner := reg.NewOwner()
		for mb := range procQ {
			out, err := cfg.process(ctx, reg, owner, mb)
			if err != nil {
				return err
			}
			select {
			case sendQ <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		owner := reg.NewOwner()
		for mb := range sendQ {
			if cfg.LastStage {
				if err := cfg.Coordinator.DeliverResult(reg, mb); err != nil {
					return err
				}
				continue
			}
			span, err := reg.IterationStart(owner, KeySend)
			if err != nil {
				return err
			}
			select {
			case cfg.Out <- mb:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err = reg.IterationComplete(span, mb.SizeMbits, 0); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && err != context.Canceled {
		log.Error("stage failed", zap.Error(err))
	}
	return err
}

// recv takes the next microbatch, honoring stop and cancellation.
func (cfg *StageConfig) recv(ctx context.Context) (Microbatch, bool, error) {
	select {
	case mb, ok := <-cfg.In:
		return mb, ok, nil
	case <-cfg.Coordinator.Stopped():
		return Microbatch{}, false, nil
	case <-ctx.Done():
		return Microbatch{}, false, ctx.Err()
	}
}

// process runs decode, the shard computation, and encode for one
// microbatch, reporting each step.
func (cfg *StageConfig) process(ctx context.Context, reg *monitoring.Registry, owner monitoring.OwnerID, mb Microbatch) (Microbatch, error) {
	if !cfg.FirstStage && cfg.Codec != nil {
		span, err := reg.IterationStart(owner, KeyQuantDecode)
		if err != nil {
			return mb, err
		}
		bits := mb.Bits
		mb = cfg.Codec.Decode(mb)
		// Quantization only does work when the input was actually encoded.
		work := 0
		if bits > 0 {
			work = mb.Items
		}
		if err = reg.IterationComplete(span, float64(work), float64(bits)); err != nil {
			return mb, err
		}
	}

	span, err := reg.IterationStart(owner, KeyShard)
	if err != nil {
		return mb, err
	}
	out, perr := cfg.Processor.Process(ctx, mb)
	if perr != nil {
		return mb, perr
	}
	if err = reg.IterationComplete(span, float64(out.Items), float64(cfg.Processor.Layers())); err != nil {
		return out, err
	}

	if !cfg.LastStage && cfg.Codec != nil {
		bits := cfg.QuantBits
		if cfg.Bits != nil {
			bits = cfg.Bits.Next()
		}
		span, err = reg.IterationStart(owner, KeyQuantEncode)
		if err != nil {
			return out, err
		}
		work := 0
		if bits > 0 {
			out = cfg.Codec.Encode(out, bits)
			work = out.Items
		}
		if err = reg.IterationComplete(span, float64(work), float64(bits)); err != nil {
			return out, err
		}
	}
	return out, nil
}

// DeliverResult scores one result microbatch, reports the output heartbeat,
// and advances the batch counter. Output timing measures time between
// results, not end-to-end latency, so it uses the span-less heartbeat path;
// an initial zero-work heartbeat should be reported when the pipeline is
// initialized or the first result's metrics are lost.
func (c *Coordinator) DeliverResult(reg *monitoring.Registry, mb Microbatch) error {
	acc, byLabel, err := ScoreBatch(c.labels, mb.Logits)
	if err != nil {
		return err
	}
	if err := reg.Heartbeat(KeyOutput, float64(mb.Items), acc); err != nil {
		return err
	}
	c.log.Info("microbatch result",
		zap.String("id", mb.ID.String()),
		zap.Int("seq", mb.Seq),
		zap.Int("items", mb.Items),
		zap.Float64("acc", acc),
		zap.Bool("by_label", byLabel))
	c.results.Add(int64(mb.Items))
	return nil
}

// AdaptiveBitwidthHook returns a registry window hook that feeds each
// completed window's throughput for key into the bitwidth controller and
// installs the resulting split on the sequencer for the next window.
func AdaptiveBitwidthHook(key string, ctrl *control.BitwidthController, seq *control.Sequencer, windowLen int) func(string, monitoring.Accumulator) {
	return func(k string, w monitoring.Accumulator) {
		if k != key {
			return
		}
		seq.Reset(ctrl.Evaluate(w.Perf(), windowLen))
	}
}
