// Package repository is the system of record for FlowFile state. Every queue
// transition is appended to a write-ahead journal as an atomic batch of
// repository records and replayed on startup to reconstruct queue contents.
package repository

import (
	"errors"
	"time"

	"flowcore/pkg/queue"
	"flowcore/pkg/types"
)

var (
	// ErrSwapLocationUnknown reports a swap-in for a location the repository
	// never recorded a swap-out to. This is corruption, not a lookup miss.
	ErrSwapLocationUnknown = errors.New("swap location not recorded in repository")

	ErrClosed = errors.New("repository is closed")
)

// Repository durably tracks FlowFile identity, attributes, content-claim
// references, and queue membership. Implementations are safe for concurrent
// use; UpdateRepository serializes only journal-append ordering, not
// unrelated queues.
type Repository interface {
	// UpdateRepository atomically persists a batch of repository records.
	// Either every record in the batch is durable or, after a crash, replay
	// observes none of them.
	UpdateRepository(records []*types.RepositoryRecord) error

	// LoadFlowFiles replays the journal from the last checkpoint,
	// reconstructs every queue's contents through the provider, rebuilds
	// claimant counts, and returns the highest FlowFile sequence id seen.
	LoadFlowFiles(provider queue.Provider) (maxID uint64, err error)

	// NextFlowFileSequence hands out the next process-unique FlowFile id.
	NextFlowFileSequence() uint64

	// SwapFlowFilesOut durably records that the FlowFiles moved to the named
	// swap location and no longer live in memory.
	SwapFlowFilesOut(flowFiles []*types.FlowFileRecord, q *queue.FlowFileQueue, swapLocation string) error

	// SwapFlowFilesIn durably records that the swap location's FlowFiles are
	// back in memory on the given queue.
	SwapFlowFilesIn(swapLocation string, flowFiles []*types.FlowFileRecord, q *queue.FlowFileQueue) error

	// IsValidSwapLocationSuffix reports whether the suffix names a swap
	// location this repository knows about. Matching is by filename suffix
	// so swap references survive repository relocation.
	IsValidSwapLocationSuffix(suffix string) bool

	// FindQueuesWithFlowFiles lists the connections that still own FlowFiles,
	// live or swapped, for startup reconciliation.
	FindQueuesWithFlowFiles() map[types.ConnectionID]struct{}

	// FindResourceClaimReferences maps each of the given claims to the
	// FlowFile ids referencing it.
	FindResourceClaimReferences(claims map[types.ResourceClaim]struct{}) map[types.ResourceClaim][]uint64

	// FindOrphanedResourceClaims returns claims referenced only by FlowFiles
	// whose connection no longer exists in the flow definition.
	FindOrphanedResourceClaims() []types.ResourceClaim

	// SwappedLocations lists every swap location the repository believes
	// exists, per queue, so startup can verify the files are really there.
	SwappedLocations() map[types.ConnectionID][]string

	StorageCapacity() (int64, error)
	UsableStorageSpace() (int64, error)
	IsVolatile() bool

	// Checkpoint snapshots live state and truncates the journal so replay
	// time stays bounded.
	Checkpoint() error

	// SetObserver registers the sink for commit and checkpoint
	// notifications. A nil observer disables them.
	SetObserver(o Observer)

	Close() error
}

// Observer receives repository lifecycle notifications. The metrics layer
// implements this; implementations must be safe for concurrent use and must
// not block.
type Observer interface {
	BatchCommitted(records int)
	CheckpointCompleted(elapsed time.Duration)
}
