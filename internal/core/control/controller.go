package control

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Controller configuration errors, rejected at construction and never at
// call time.
var (
	ErrNoBitwidths       = errors.New("bitwidth set is empty")
	ErrDuplicateBitwidth = errors.New("bitwidth set contains duplicates")
	ErrInvalidBitwidth   = errors.New("bitwidth must be positive")
	ErrUnknownStart      = errors.New("starting bitwidth not in bitwidth set")
)

// Split is the bitwidth schedule for one window period: run SlowIterations
// iterations at Slow and the remainder at Fast.
type Split struct {
	Slow           int
	Fast           int
	SlowIterations int
}

// BitwidthController chooses a two-bitwidth time split per window so the
// time-weighted data-movement rate meets a performance constraint. It
// models per-bitwidth speed as inversely proportional to bitwidth,
// normalized to the largest bitwidth: perfect packing, no transfer
// overhead. Convergence tracking is delegated to a FeedbackController.
//
// Not safe for concurrent use; one controller serves one adaptive session.
type BitwidthController struct {
	bitwidths []int     // sorted descending
	speedups  []float64 // parallel, ascending; speedups[0] == 1
	feedback  FeedbackController
}

// NewBitwidthController validates the bitwidth set, derives the speedup
// table, and seeds the feedback controller with (constraint, u0, uMax). A
// nil factory selects the integral xup controller.
func NewBitwidthController(perfConstraint float64, bitwidths []int, bitwidthStart int, newFeedback FeedbackFactory) (*BitwidthController, error) {
	if len(bitwidths) == 0 {
		return nil, ErrNoBitwidths
	}
	sorted := make([]int, len(bitwidths))
	copy(sorted, bitwidths)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	seen := make(map[int]struct{}, len(sorted))
	startKnown := false
	for _, bw := range sorted {
		if bw <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidBitwidth, bw)
		}
		if _, dup := seen[bw]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateBitwidth, bw)
		}
		seen[bw] = struct{}{}
		if bw == bitwidthStart {
			startKnown = true
		}
	}
	if !startKnown {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStart, bitwidthStart)
	}

	maxBW := float64(sorted[0])
	speedups := make([]float64, len(sorted))
	for i, bw := range sorted {
		speedups[i] = maxBW / float64(bw)
	}

	if newFeedback == nil {
		newFeedback = func(constraint, u0, uMax float64) FeedbackController {
			return NewIntegralXupController(constraint, u0, uMax)
		}
	}
	u0 := maxBW / float64(bitwidthStart)
	uMax := speedups[len(speedups)-1]

	return &BitwidthController{
		bitwidths: sorted,
		speedups:  speedups,
		feedback:  newFeedback(perfConstraint, u0, uMax),
	}, nil
}

// Evaluate consumes one windowed throughput measurement and returns the
// bitwidth split for the next windowLen iterations.
func (c *BitwidthController) Evaluate(perfMeasured float64, windowLen int) Split {
	xupTarg := c.feedback.Evaluate(perfMeasured)

	// Largest index whose speedup does not exceed the target; index 0
	// (speedup 1) always qualifies for any clamped target.
	idxSlow := 0
	for i, s := range c.speedups {
		if s <= xupTarg {
			idxSlow = i
		}
	}
	idxFast := idxSlow + 1
	if idxFast > len(c.speedups)-1 {
		idxFast = len(c.speedups) - 1
	}
	xupSlow := c.speedups[idxSlow]
	xupFast := c.speedups[idxFast]

	// Split the window so the combined period matches the target period:
	//   1/target = x/slow + (1-x)/fast
	var x float64
	if !isClose(xupSlow, xupFast) {
		x = (xupSlow * (xupFast - xupTarg)) / (xupTarg * (xupFast - xupSlow))
	}

	slowIters := int(math.Round(float64(windowLen) * x))
	if slowIters < 0 {
		slowIters = 0
	}
	if slowIters > windowLen {
		slowIters = windowLen
	}
	return Split{
		Slow:           c.bitwidths[idxSlow],
		Fast:           c.bitwidths[idxFast],
		SlowIterations: slowIters,
	}
}

// Bitwidths returns the legal bitwidths in descending order.
func (c *BitwidthController) Bitwidths() []int {
	out := make([]int, len(c.bitwidths))
	copy(out, c.bitwidths)
	return out
}

func isClose(a, b float64) bool {
	const relTol = 1e-9
	return math.Abs(a-b) <= relTol*math.Max(math.Abs(a), math.Abs(b))
}

// Sequencer walks a Split across a window, yielding the bitwidth for each
// iteration in turn: SlowIterations at Slow, then Fast for the remainder.
// Reset and Next may run on different goroutines (the window rollover vs
// the compute loop).
type Sequencer struct {
	mu    sync.Mutex
	split Split
	index int
}

// Reset installs the split for the next window period.
func (s *Sequencer) Reset(split Split) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.split = split
	s.index = 0
}

// Next returns the bitwidth for the upcoming iteration.
func (s *Sequencer) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	bw := s.split.Fast
	if s.index < s.split.SlowIterations {
		bw = s.split.Slow
	}
	s.index++
	return bw
}
