package queue

import (
	"fmt"
	"sync"
	"testing"

	"flowcore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ff(id uint64, size int64) *types.FlowFileRecord {
	return &types.FlowFileRecord{
		ID:         id,
		Size:       size,
		Attributes: map[string]string{types.AttributeUUID: fmt.Sprintf("uuid-%d", id)},
	}
}

func TestFIFOOrdering(t *testing.T) {
	q := New("conn-1")
	for i := uint64(1); i <= 5; i++ {
		q.Put(ff(i, 10))
	}

	for i := uint64(1); i <= 5; i++ {
		got := q.Poll()
		require.NotNil(t, got)
		assert.Equal(t, i, got.ID)
	}
	assert.Nil(t, q.Poll())
}

func TestSizeIncludesSwappedPortion(t *testing.T) {
	q := New("conn-1")
	q.Put(ff(1, 100))
	q.AddSwapLocation("12345-conn-1-abc.swap", SwapSummary{Count: 10, Bytes: 1000})

	count, bytes := q.Size()
	assert.Equal(t, 11, count)
	assert.Equal(t, int64(1100), bytes)

	active, activeBytes := q.ActiveSize()
	assert.Equal(t, 1, active)
	assert.Equal(t, int64(100), activeBytes)

	q.RemoveSwapLocation("12345-conn-1-abc.swap")
	count, bytes = q.Size()
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(100), bytes)
}

func TestBackpressureThresholds(t *testing.T) {
	q := New("conn-1")
	q.SetBackpressure(2, 0)
	assert.False(t, q.IsFull())

	q.Put(ff(1, 1))
	q.Put(ff(2, 1))
	assert.True(t, q.IsFull())

	q.Poll()
	assert.False(t, q.IsFull())

	q.SetBackpressure(0, 100)
	q.Put(ff(3, 200))
	assert.True(t, q.IsFull())
}

func TestSwapTriggers(t *testing.T) {
	q := New("conn-1")
	q.SetSwapThresholds(SwapThresholds{HighWater: 3, LowWater: 2})

	for i := uint64(1); i <= 5; i++ {
		q.Put(ff(i, 1))
	}

	overflow, should := q.ShouldSwapOut()
	assert.True(t, should)
	assert.Equal(t, 2, overflow)

	// Swap-out takes the tail so in-memory FIFO order is preserved.
	batch := q.PollForSwap(overflow)
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(4), batch[0].ID)
	assert.Equal(t, uint64(5), batch[1].ID)

	q.AddSwapLocation("loc-1", SwapSummary{Count: 2, Bytes: 2})
	_, should = q.ShouldSwapIn()
	assert.False(t, should, "queue still above low-water mark")

	q.PollBatch(2)
	location, should := q.ShouldSwapIn()
	assert.True(t, should)
	assert.Equal(t, "loc-1", location)
}

func TestConcurrentPutPoll(t *testing.T) {
	q := New("conn-1")
	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Put(ff(uint64(p*perProducer+i), 1))
			}
		}(p)
	}
	wg.Wait()

	count, bytes := q.Size()
	assert.Equal(t, producers*perProducer, count)
	assert.Equal(t, int64(producers*perProducer), bytes)

	seen := 0
	for q.Poll() != nil {
		seen++
	}
	assert.Equal(t, producers*perProducer, seen)
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider()
	q := p.Register("conn-a")
	assert.Same(t, q, p.Register("conn-a"))
	assert.Same(t, q, p.Queue("conn-a"))
	assert.True(t, p.Exists("conn-a"))
	assert.False(t, p.Exists("conn-deleted"))
	assert.Nil(t, p.Queue("conn-deleted"))
}
