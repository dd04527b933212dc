package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLabelQueueOrder(t *testing.T) {
	q := NewLabelQueue()
	q.Put([]int{1, 2})
	q.Put([]int{3})
	require.Equal(t, 2, q.Len())

	first, ok := q.Get()
	require.True(t, ok)
	require.Equal(t, []int{1, 2}, first)

	second, ok := q.Get()
	require.True(t, ok)
	require.Equal(t, []int{3}, second)

	_, ok = q.Get()
	require.False(t, ok)
}

func TestScoreBatchByLabel(t *testing.T) {
	q := NewLabelQueue()
	q.Put([]int{0, 2, 1})

	logits := [][]float64{
		{5, 1, 0}, // argmax 0, correct
		{0, 1, 9}, // argmax 2, correct
		{3, 1, 2}, // argmax 0, wrong
	}
	acc, byLabel, err := ScoreBatch(q, logits)
	require.NoError(t, err)
	require.True(t, byLabel)
	require.Equal(t, 2.0, acc)
	require.Zero(t, q.Len())
}

func TestScoreBatchConfidenceFallback(t *testing.T) {
	q := NewLabelQueue()

	// Uniform logits: every class has probability 1/3.
	acc, byLabel, err := ScoreBatch(q, [][]float64{{1, 1, 1}, {1, 1, 1}})
	require.NoError(t, err)
	require.False(t, byLabel)
	require.InDelta(t, 2.0/3.0, acc, 1e-12)
}

func TestScoreBatchLabelMismatch(t *testing.T) {
	q := NewLabelQueue()
	q.Put([]int{0, 1})

	_, byLabel, err := ScoreBatch(q, [][]float64{{1, 0}})
	require.ErrorIs(t, err, ErrLabelMismatch)
	require.True(t, byLabel)
}

func TestArgmax(t *testing.T) {
	require.Equal(t, 2, Argmax([]float64{-1, 0, 3}))
	require.Equal(t, 0, Argmax([]float64{5}))
	require.Equal(t, -1, Argmax(nil))
}

func TestConfidenceSum(t *testing.T) {
	// A strongly peaked row contributes close to 1.
	sum := ConfidenceSum([][]float64{{100, 0, 0}})
	require.InDelta(t, 1.0, sum, 1e-12)

	require.Zero(t, ConfidenceSum([][]float64{{}}))
}
