package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// StageSlot is one stage of a computed partition: the host it is placed on
// and the inclusive layer range it runs.
type StageSlot struct {
	Host   string
	Layers [2]int
}

// Scheduler computes a device-to-stage partition. The algorithm behind it
// is an external collaborator.
type Scheduler interface {
	Schedule(ctx context.Context, modelName string, microbatchSize int) ([]StageSlot, error)
}

// Schedule resolution errors.
var (
	ErrNoSchedule        = errors.New("no viable schedule found")
	ErrQuantNoPartition  = errors.New("quantization requires a partition")
	ErrRanksNoPartition  = errors.New("rank ordering requires a partition")
	ErrHostsWorldSize    = errors.New("hosts count != world size")
	ErrHostNotFound      = errors.New("scheduled host not in hosts list")
	ErrSchedulerRequired = errors.New("automated scheduling requires a scheduler")
)

// ResolveOptions selects how the pipeline schedule is produced: a
// user-defined partition, a degenerate single-node schedule, or the
// automated scheduler.
type ResolveOptions struct {
	WorldSize      int
	Hosts          []string // host per rank, optional
	Partition      [][2]int // user-defined stage layer ranges
	Quant          []int    // user-defined stage output bitwidths
	RankOrder      []int    // user-defined stage rank order
	DataRank       int
	ModelName      string
	ModelLayers    int // total layers, for the single-node case
	MicrobatchSize int
	Scheduler      Scheduler
}

// ResolveSchedule produces the stage assignment the root broadcasts.
func ResolveSchedule(ctx context.Context, log *zap.Logger, opts ResolveOptions) (*Schedule, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sched := &Schedule{DataRank: opts.DataRank}
	switch {
	case len(opts.Partition) > 0:
		log.Info("scheduling: user-defined partitioning")
		sched.StageLayers = opts.Partition
		if len(opts.Quant) > 0 {
			log.Info("scheduling: user-defined quantization")
			sched.StageQuant = opts.Quant
		} else {
			sched.StageQuant = defaultQuant(len(opts.Partition))
		}
		if len(opts.RankOrder) > 0 {
			log.Info("scheduling: user-defined rank ordering")
			sched.StageRanks = opts.RankOrder
		} else {
			sched.StageRanks = naturalRanks(len(opts.Partition))
		}
	case len(opts.Quant) > 0:
		return nil, ErrQuantNoPartition
	case len(opts.RankOrder) > 0:
		return nil, ErrRanksNoPartition
	case opts.WorldSize <= 1:
		// Degenerate case: everything runs locally.
		log.Info("scheduling: single-node execution")
		sched.StageLayers = [][2]int{{1, opts.ModelLayers}}
		sched.StageQuant = defaultQuant(1)
		sched.StageRanks = []int{0}
	default:
		log.Info("scheduling: using scheduler algorithm")
		if opts.Scheduler == nil {
			return nil, ErrSchedulerRequired
		}
		if len(opts.Hosts) > 0 && len(opts.Hosts) != opts.WorldSize {
			return nil, ErrHostsWorldSize
		}
		slots, err := opts.Scheduler.Schedule(ctx, opts.ModelName, opts.MicrobatchSize)
		if err != nil {
			return nil, err
		}
		layers, ranks, err := MapHosts(slots, opts.Hosts)
		if err != nil {
			return nil, err
		}
		sched.StageLayers = layers
		sched.StageRanks = ranks
		// No quantization support yet for automated scheduling.
		sched.StageQuant = defaultQuant(len(layers))
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	log.Info("scheduling: resolved",
		zap.Any("stage_layers", sched.StageLayers),
		zap.Ints("stage_quant", sched.StageQuant),
		zap.Ints("stage_ranks", sched.StageRanks),
		zap.Int("data_rank", sched.DataRank))
	return sched, nil
}

// MapHosts converts scheduler stage slots into layer ranges and ranks. With
// a hosts list, ranks are host positions; without one, slot hosts must
// themselves parse as ranks.
func MapHosts(slots []StageSlot, hosts []string) ([][2]int, []int, error) {
	if len(slots) == 0 {
		return nil, nil, ErrNoSchedule
	}
	layers := make([][2]int, len(slots))
	ranks := make([]int, len(slots))
	for i, slot := range slots {
		layers[i] = slot.Layers
		if len(hosts) > 0 {
			rank := indexOf(hosts, slot.Host)
			if rank < 0 {
				return nil, nil, fmt.Errorf("%w: %q", ErrHostNotFound, slot.Host)
			}
			ranks[i] = rank
			continue
		}
		rank, err := strconv.Atoi(slot.Host)
		if err != nil {
			return nil, nil, fmt.Errorf("no hosts list and host %q is not a rank: %w", slot.Host, err)
		}
		ranks[i] = rank
	}
	return layers, ranks, nil
}

// ParseYAMLSchedule decodes a schedule document: a list of single-entry
// maps, each mapping a host to its [start, end] layer range.
func ParseYAMLSchedule(data []byte) ([]StageSlot, error) {
	var doc []map[string][2]int
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if len(doc) == 0 {
		return nil, ErrNoSchedule
	}
	slots := make([]StageSlot, 0, len(doc))
	for i, stage := range doc {
		if len(stage) != 1 {
			return nil, fmt.Errorf("parse schedule: stage %d must have exactly one host entry", i)
		}
		for host, layers := range stage {
			slots = append(slots, StageSlot{Host: host, Layers: layers})
		}
	}
	return slots, nil
}

func defaultQuant(stages int) []int {
	return make([]int, stages)
}

func naturalRanks(stages int) []int {
	ranks := make([]int, stages)
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
