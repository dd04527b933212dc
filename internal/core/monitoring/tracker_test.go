package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerPushPop(t *testing.T) {
	tr := NewTracker()
	owner := tr.NewOwner()

	span := &IterationSpan{key: "shard", owner: owner, start: time.Now()}
	require.NoError(t, tr.Push(span))
	require.Equal(t, 1, tr.Len())

	got, err := tr.Pop(owner, "shard")
	require.NoError(t, err)
	require.Same(t, span, got)
	require.Zero(t, tr.Len())
}

func TestTrackerCollision(t *testing.T) {
	tr := NewTracker()
	owner := tr.NewOwner()

	require.NoError(t, tr.Push(&IterationSpan{key: "send", owner: owner}))
	err := tr.Push(&IterationSpan{key: "send", owner: owner})
	require.ErrorIs(t, err, ErrSpanCollision)

	// A different owner may hold the same key concurrently.
	other := tr.NewOwner()
	require.NoError(t, tr.Push(&IterationSpan{key: "send", owner: other}))

	// The same owner may hold distinct keys concurrently.
	require.NoError(t, tr.Push(&IterationSpan{key: "recv", owner: owner}))
}

func TestTrackerPopMissing(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Pop(tr.NewOwner(), "shard")
	require.ErrorIs(t, err, ErrNoOpenSpan)
}

func TestTrackerClear(t *testing.T) {
	tr := NewTracker()
	owner := tr.NewOwner()
	require.NoError(t, tr.Push(&IterationSpan{key: "a", owner: owner}))
	require.NoError(t, tr.Push(&IterationSpan{key: "b", owner: owner}))

	tr.Clear()
	require.Zero(t, tr.Len())
	require.NoError(t, tr.Push(&IterationSpan{key: "a", owner: owner}))
}

func TestTrackerOwnersDistinct(t *testing.T) {
	tr := NewTracker()
	a := tr.NewOwner()
	b := tr.NewOwner()
	require.NotEqual(t, a, b)
}
