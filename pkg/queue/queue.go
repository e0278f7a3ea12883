// Package queue holds the in-memory FlowFile queues that connect processors.
// Queues are internally synchronized: schedulers, sessions, and the
// load-balance server all touch the same queue concurrently.
package queue

import (
	"sync"

	"flowcore/pkg/types"
)

// Provider supplies FlowFileQueue instances by connection id. The repository
// uses it during replay to reconstruct queue contents, and to decide which
// queues still exist in the flow definition (orphan detection).
type Provider interface {
	// Queue returns the queue for the connection, creating it if the
	// connection exists in the flow definition.
	Queue(id types.ConnectionID) *FlowFileQueue

	// Exists reports whether the connection is part of the current flow
	// definition. FlowFiles referencing unknown connections are orphans.
	Exists(id types.ConnectionID) bool
}

// SwapThresholds control when a queue's contents move to or from secondary
// storage. Exact values are configuration, not protocol.
type SwapThresholds struct {
	// HighWater is the in-memory FlowFile count above which the overflow
	// should be swapped out.
	HighWater int
	// LowWater is the count below which swapped FlowFiles should be
	// restored, when swap files exist.
	LowWater int
}

// FlowFileQueue is an ordered FIFO collection of FlowFiles for one
// connection, plus bookkeeping for the portion currently swapped to disk.
type FlowFileQueue struct {
	id types.ConnectionID

	mu        sync.Mutex
	items     []*types.FlowFileRecord
	byteSize  int64
	swapped   map[string]SwapSummary // swap location -> summary
	swapCount int
	swapBytes int64

	thresholds SwapThresholds

	// Backpressure limits. Zero means unlimited.
	maxCount int
	maxBytes int64
}

// SwapSummary is what the queue remembers about a swap file it owns without
// holding its FlowFiles in memory.
type SwapSummary struct {
	Count int
	Bytes int64
}

func New(id types.ConnectionID) *FlowFileQueue {
	return &FlowFileQueue{
		id:      id,
		swapped: make(map[string]SwapSummary),
	}
}

func (q *FlowFileQueue) ID() types.ConnectionID {
	return q.id
}

func (q *FlowFileQueue) SetBackpressure(maxCount int, maxBytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxCount = maxCount
	q.maxBytes = maxBytes
}

func (q *FlowFileQueue) SetSwapThresholds(t SwapThresholds) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.thresholds = t
}

func (q *FlowFileQueue) Put(ff *types.FlowFileRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ff)
	q.byteSize += ff.Size
}

func (q *FlowFileQueue) PutAll(ffs []*types.FlowFileRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ff := range ffs {
		q.items = append(q.items, ff)
		q.byteSize += ff.Size
	}
}

// Poll removes and returns the head of the queue, or nil when the in-memory
// portion is empty.
func (q *FlowFileQueue) Poll() *types.FlowFileRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	ff := q.items[0]
	q.items = q.items[1:]
	q.byteSize -= ff.Size
	return ff
}

// PollBatch removes and returns up to max FlowFiles from the head.
func (q *FlowFileQueue) PollBatch(max int) []*types.FlowFileRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.items) {
		max = len(q.items)
	}
	if max == 0 {
		return nil
	}
	batch := make([]*types.FlowFileRecord, max)
	copy(batch, q.items[:max])
	q.items = q.items[max:]
	for _, ff := range batch {
		q.byteSize -= ff.Size
	}
	return batch
}

// Size returns the total FlowFile count and byte size, including the
// swapped-out portion.
func (q *FlowFileQueue) Size() (count int, bytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.swapCount, q.byteSize + q.swapBytes
}

// ActiveSize returns only the in-memory portion.
func (q *FlowFileQueue) ActiveSize() (count int, bytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.byteSize
}

func (q *FlowFileQueue) IsEmpty() bool {
	count, _ := q.Size()
	return count == 0
}

// IsFull reports whether the queue has reached its backpressure limits.
// Not an error; callers stop producing instead of failing.
func (q *FlowFileQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxCount > 0 && len(q.items)+q.swapCount >= q.maxCount {
		return true
	}
	if q.maxBytes > 0 && q.byteSize+q.swapBytes >= q.maxBytes {
		return true
	}
	return false
}

// ShouldSwapOut reports whether the in-memory portion exceeds the high-water
// mark, and how many FlowFiles the overflow holds.
func (q *FlowFileQueue) ShouldSwapOut() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.thresholds.HighWater <= 0 || len(q.items) <= q.thresholds.HighWater {
		return 0, false
	}
	return len(q.items) - q.thresholds.HighWater, true
}

// ShouldSwapIn reports whether the queue has drained below the low-water
// mark while swap files exist.
func (q *FlowFileQueue) ShouldSwapIn() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.thresholds.LowWater <= 0 || len(q.items) >= q.thresholds.LowWater {
		return "", false
	}
	for location := range q.swapped {
		return location, true
	}
	return "", false
}

// PollForSwap removes the tail of the queue for swap-out, preserving FIFO
// order for the FlowFiles that remain in memory.
func (q *FlowFileQueue) PollForSwap(count int) []*types.FlowFileRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if count <= 0 || count > len(q.items) {
		count = len(q.items)
	}
	if count == 0 {
		return nil
	}
	cut := len(q.items) - count
	batch := make([]*types.FlowFileRecord, count)
	copy(batch, q.items[cut:])
	q.items = q.items[:cut]
	for _, ff := range batch {
		q.byteSize -= ff.Size
	}
	return batch
}

// AddSwapLocation records that a swap file belongs to this queue.
func (q *FlowFileQueue) AddSwapLocation(location string, summary SwapSummary) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.swapped[location] = summary
	q.swapCount += summary.Count
	q.swapBytes += summary.Bytes
}

// RemoveSwapLocation forgets a swap file, after swap-in restored its
// FlowFiles to memory.
func (q *FlowFileQueue) RemoveSwapLocation(location string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	summary, ok := q.swapped[location]
	if !ok {
		return
	}
	delete(q.swapped, location)
	q.swapCount -= summary.Count
	q.swapBytes -= summary.Bytes
}

// SwapLocations lists the swap files this queue owns.
func (q *FlowFileQueue) SwapLocations() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	locations := make([]string, 0, len(q.swapped))
	for location := range q.swapped {
		locations = append(locations, location)
	}
	return locations
}

// StaticProvider is a Provider backed by an explicit set of registered
// connections, standing in for the flow definition.
type StaticProvider struct {
	mu     sync.RWMutex
	queues map[types.ConnectionID]*FlowFileQueue
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{queues: make(map[types.ConnectionID]*FlowFileQueue)}
}

// Register adds a connection to the flow definition.
func (p *StaticProvider) Register(id types.ConnectionID) *FlowFileQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[id]; ok {
		return q
	}
	q := New(id)
	p.queues[id] = q
	return q
}

func (p *StaticProvider) Queue(id types.ConnectionID) *FlowFileQueue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queues[id]
}

func (p *StaticProvider) Exists(id types.ConnectionID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.queues[id]
	return ok
}

// All returns every registered queue.
func (p *StaticProvider) All() []*FlowFileQueue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	queues := make([]*FlowFileQueue, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	return queues
}
