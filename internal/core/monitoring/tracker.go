package monitoring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// OwnerID identifies the task that opened an iteration span. Workers
// allocate one owner per goroutine; a span opened by an owner must be
// completed with the same span handle, which preserves the "same task must
// close what it opened" contract without any thread-local lookup.
type OwnerID uint64

// IterationSpan is one open measurement interval for a (owner, key) pair.
// It is created by IterationStart and consumed exactly once by
// IterationComplete.
type IterationSpan struct {
	key         string
	owner       OwnerID
	start       time.Time
	startEnergy float64
	done        bool
}

// Key returns the metric key the span was opened under.
func (s *IterationSpan) Key() string { return s.key }

// Owner returns the owner the span was opened by.
func (s *IterationSpan) Owner() OwnerID { return s.owner }

const trackerShards = 16

type trackerShard struct {
	mu    sync.Mutex
	spans map[spanKey]*IterationSpan
}

type spanKey struct {
	owner OwnerID
	key   string
}

// Tracker maps (owner, key) pairs to open iteration spans. At most one span
// may be open per pair; reentrant use of a key by the same owner is a usage
// error, not a race. The table is sharded by key hash so distinct keys
// proceed independently.
type Tracker struct {
	shards  [trackerShards]trackerShard
	nextOwn atomic.Uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].spans = make(map[spanKey]*IterationSpan)
	}
	return t
}

// NewOwner allocates a fresh owner identity.
func (t *Tracker) NewOwner() OwnerID {
	return OwnerID(t.nextOwn.Add(1))
}

// Push records a newly opened span. It fails with ErrSpanCollision if the
// (owner, key) pair already has an open span.
func (t *Tracker) Push(span *IterationSpan) error {
	shard := t.shard(span.key)
	sk := spanKey{owner: span.owner, key: span.key}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, open := shard.spans[sk]; open {
		return fmt.Errorf("%w: owner=%d key=%q", ErrSpanCollision, span.owner, span.key)
	}
	shard.spans[sk] = span
	return nil
}

// Pop removes and returns the open span for (owner, key). It fails with
// ErrNoOpenSpan if none is open.
func (t *Tracker) Pop(owner OwnerID, key string) (*IterationSpan, error) {
	shard := t.shard(key)
	sk := spanKey{owner: owner, key: key}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	span, open := shard.spans[sk]
	if !open {
		return nil, fmt.Errorf("%w: owner=%d key=%q", ErrNoOpenSpan, owner, key)
	}
	delete(shard.spans, sk)
	return span, nil
}

// Len returns the number of open spans across all shards.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].spans)
		t.shards[i].mu.Unlock()
	}
	return n
}

// Clear drops all open spans. Used on registry shutdown; any in-flight
// spans are abandoned.
func (t *Tracker) Clear() {
	for i := range t.shards {
		t.shards[i].mu.Lock()
		t.shards[i].spans = make(map[spanKey]*IterationSpan)
		t.shards[i].mu.Unlock()
	}
}

func (t *Tracker) shard(key string) *trackerShard {
	return &t.shards[xxhash.Sum64String(key)%trackerShards]
}
