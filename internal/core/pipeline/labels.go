package pipeline

import (
	"errors"
	"math"
	"sync"
)

// LabelQueue pairs submitted microbatch labels with returned results in
// strict submission order. The pairing is only valid when the transport
// guarantees in-order delivery; callers on unordered transports leave the
// queue empty and score by confidence instead.
type LabelQueue struct {
	mu sync.Mutex
	q  [][]int
}

// NewLabelQueue creates an empty queue.
func NewLabelQueue() *LabelQueue {
	return &LabelQueue{}
}

// Put enqueues the labels for one submitted microbatch.
func (q *LabelQueue) Put(labels []int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q = append(q.q, labels)
}

// Get dequeues the labels for the oldest outstanding microbatch. It
// reports false when no labels are queued.
func (q *LabelQueue) Get() ([]int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return nil, false
	}
	labels := q.q[0]
	q.q = q.q[1:]
	return labels, true
}

// Len returns the number of outstanding label sets.
func (q *LabelQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

var ErrLabelMismatch = errors.New("result and label counts differ")

// ScoreBatch derives the accuracy payload for one result microbatch, given
// per-item class logits. With queued labels it counts correct predictions
// (ordered-transport strategy); with an empty queue it sums the maximum
// softmax probability per item (confidence strategy for transports without
// ordering guarantees). byLabel reports which strategy applied.
func ScoreBatch(q *LabelQueue, logits [][]float64) (acc float64, byLabel bool, err error) {
	labels, ok := q.Get()
	if !ok {
		return ConfidenceSum(logits), false, nil
	}
	if len(labels) != len(logits) {
		return 0, true, ErrLabelMismatch
	}
	correct := 0
	for i, row := range logits {
		if Argmax(row) == labels[i] {
			correct++
		}
	}
	return float64(correct), true, nil
}

// ConfidenceSum returns the summed maximum softmax probability across items.
func ConfidenceSum(logits [][]float64) float64 {
	sum := 0.0
	for _, row := range logits {
		sum += maxSoftmax(row)
	}
	return sum
}

// Argmax returns the index of the largest value, -1 for an empty row.
func Argmax(row []float64) int {
	idx := -1
	best := math.Inf(-1)
	for i, v := range row {
		if v > best {
			best = v
			idx = i
		}
	}
	return idx
}

func maxSoftmax(row []float64) float64 {
	if len(row) == 0 {
		return 0
	}
	// Shift by the max logit for numeric stability.
	maxLogit := row[Argmax(row)]
	denom := 0.0
	for _, v := range row {
		denom += math.Exp(v - maxLogit)
	}
	if denom == 0 {
		return 0
	}
	return 1 / denom // exp(max-max) == 1
}
