package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// CommandKind tags an out-of-band control command.
type CommandKind int

const (
	// CommandStop requests cooperative shutdown. No payload.
	CommandStop CommandKind = iota
	// CommandSchedule broadcasts the stage assignment. Payload: Schedule.
	CommandSchedule
)

func (k CommandKind) String() string {
	switch k {
	case CommandStop:
		return "stop"
	case CommandSchedule:
		return "schedule"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Schedule is the partition, quantization, and rank assignment broadcast by
// the root participant. The three stage slices are parallel.
type Schedule struct {
	StageLayers [][2]int // inclusive layer ranges, 1-based
	StageQuant  []int    // output bitwidth per stage, 0 = no quantization
	StageRanks  []int    // participant rank per stage
	DataRank    int      // rank that loads inputs and consumes outputs
}

// Schedule validation errors.
var (
	ErrEmptySchedule  = errors.New("schedule has no stages")
	ErrRaggedSchedule = errors.New("schedule stage slices differ in length")
	ErrBadLayerRange  = errors.New("schedule layer range is invalid")
)

// Validate checks shape invariants shared by both the broadcast and receive
// paths.
func (s *Schedule) Validate() error {
	if s == nil || len(s.StageLayers) == 0 {
		return ErrEmptySchedule
	}
	if len(s.StageQuant) != len(s.StageLayers) || len(s.StageRanks) != len(s.StageLayers) {
		return ErrRaggedSchedule
	}
	for _, layers := range s.StageLayers {
		if layers[0] < 1 || layers[1] < layers[0] {
			return fmt.Errorf("%w: [%d, %d]", ErrBadLayerRange, layers[0], layers[1])
		}
	}
	return nil
}

// StageForRank returns the stage index assigned to rank, or -1 when the
// rank holds no stage in this schedule.
func (s *Schedule) StageForRank(rank int) int {
	for stage, r := range s.StageRanks {
		if r == rank {
			return stage
		}
	}
	return -1
}

// MarshalArrays flattens the schedule into the fixed-shape numeric arrays
// carried by the transport.
func (s *Schedule) MarshalArrays() (layers [][2]int64, quant, ranks []int64, dataRank int64) {
	layers = make([][2]int64, len(s.StageLayers))
	quant = make([]int64, len(s.StageQuant))
	ranks = make([]int64, len(s.StageRanks))
	for i, l := range s.StageLayers {
		layers[i] = [2]int64{int64(l[0]), int64(l[1])}
	}
	for i, q := range s.StageQuant {
		quant[i] = int64(q)
	}
	for i, r := range s.StageRanks {
		ranks[i] = int64(r)
	}
	return layers, quant, ranks, int64(s.DataRank)
}

// ScheduleFromArrays reassembles a schedule from its wire arrays.
func ScheduleFromArrays(layers [][2]int64, quant, ranks []int64, dataRank int64) (*Schedule, error) {
	s := &Schedule{
		StageLayers: make([][2]int, len(layers)),
		StageQuant:  make([]int, len(quant)),
		StageRanks:  make([]int, len(ranks)),
		DataRank:    int(dataRank),
	}
	for i, l := range layers {
		s.StageLayers[i] = [2]int{int(l[0]), int(l[1])}
	}
	for i, q := range quant {
		s.StageQuant[i] = int(q)
	}
	for i, r := range ranks {
		s.StageRanks[i] = int(r)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Command is one control-plane message. Schedule is set only for
// CommandSchedule.
type Command struct {
	Kind     CommandKind
	Schedule *Schedule
}

// Broadcaster delivers a command to every participant. The wire transport
// behind it is an external collaborator.
type Broadcaster interface {
	Broadcast(ctx context.Context, cmd Command) error
}
