package repository

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"flowcore/pkg/claim"
	"flowcore/pkg/queue"
	"flowcore/pkg/types"

	"go.uber.org/zap"
)

// Volatile is the in-memory Repository for non-durable deployments. Nothing
// survives a restart; LoadFlowFiles always starts empty.
type Volatile struct {
	claims *claim.Manager
	logger *zap.Logger

	seq atomic.Uint64

	mu       sync.Mutex
	live     map[uint64]*liveRecord
	swapped  map[string]*swapSet
	provider queue.Provider
	observer Observer
}

func NewVolatile(claims *claim.Manager, logger *zap.Logger) *Volatile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Volatile{
		claims:  claims,
		logger:  logger,
		live:    make(map[uint64]*liveRecord),
		swapped: make(map[string]*swapSet),
	}
}

func (v *Volatile) UpdateRepository(records []*types.RepositoryRecord) error {
	v.mu.Lock()
	for _, r := range records {
		if r.Current == nil {
			v.mu.Unlock()
			return fmt.Errorf("repository record of type %s has no working FlowFile", r.Type)
		}
		v.apply(journalEntry{
			op:           r.Type,
			queueID:      r.Destination,
			swapLocation: r.SwapLocation,
			flowFile:     r.Current,
		})
	}
	observer := v.observer
	v.mu.Unlock()

	for _, r := range records {
		v.settleClaims(r)
	}
	if observer != nil {
		observer.BatchCommitted(len(records))
	}
	return nil
}

// SetObserver registers the sink for commit notifications. Checkpoints are
// no-ops here, so only commits are reported.
func (v *Volatile) SetObserver(o Observer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observer = o
}

func (v *Volatile) apply(e journalEntry) {
	switch e.op {
	case types.RecordCreate, types.RecordUpdate, types.RecordSwapIn:
		v.live[e.flowFile.ID] = &liveRecord{flowFile: e.flowFile, queueID: e.queueID}
		if e.op == types.RecordSwapIn {
			if set := v.swapped[e.swapLocation]; set != nil {
				kept := set.flowFiles[:0]
				for _, ff := range set.flowFiles {
					if ff.ID != e.flowFile.ID {
						kept = append(kept, ff)
					}
				}
				set.flowFiles = kept
				if len(set.flowFiles) == 0 {
					delete(v.swapped, e.swapLocation)
				}
			}
		}
	case types.RecordDelete:
		delete(v.live, e.flowFile.ID)
	case types.RecordSwapOut:
		delete(v.live, e.flowFile.ID)
		set := v.swapped[e.swapLocation]
		if set == nil {
			set = &swapSet{queueID: e.queueID}
			v.swapped[e.swapLocation] = set
		}
		set.flowFiles = append(set.flowFiles, e.flowFile)
	}
}

func (v *Volatile) settleClaims(r *types.RepositoryRecord) {
	decrement := func(cc *types.ContentClaim) {
		if cc == nil {
			return
		}
		if _, err := v.claims.DecrementClaimantCount(cc.Resource); err != nil {
			v.logger.Error("Claimant accounting error",
				zap.String("claim_id", cc.Resource.ID),
				zap.Error(err))
		}
	}
	switch r.Type {
	case types.RecordDelete:
		decrement(r.Current.Claim)
		if r.ContentModified && r.Original != nil && !sameClaim(r.Original.Claim, r.Current.Claim) {
			decrement(r.Original.Claim)
		}
	case types.RecordUpdate:
		if r.ContentModified && r.Original != nil && !sameClaim(r.Original.Claim, r.Current.Claim) {
			decrement(r.Original.Claim)
		}
	}
}

func (v *Volatile) LoadFlowFiles(provider queue.Provider) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.provider = provider
	return 0, nil
}

func (v *Volatile) NextFlowFileSequence() uint64 {
	return v.seq.Add(1)
}

func (v *Volatile) SwapFlowFilesOut(flowFiles []*types.FlowFileRecord, q *queue.FlowFileQueue, swapLocation string) error {
	records := make([]*types.RepositoryRecord, 0, len(flowFiles))
	for _, ff := range flowFiles {
		records = append(records, &types.RepositoryRecord{
			Type:         types.RecordSwapOut,
			Current:      ff,
			Destination:  q.ID(),
			SwapLocation: swapLocation,
		})
	}
	return v.UpdateRepository(records)
}

func (v *Volatile) SwapFlowFilesIn(swapLocation string, flowFiles []*types.FlowFileRecord, q *queue.FlowFileQueue) error {
	v.mu.Lock()
	_, known := v.swapped[swapLocation]
	v.mu.Unlock()
	if !known {
		return fmt.Errorf("swap in from %s: %w", swapLocation, ErrSwapLocationUnknown)
	}
	records := make([]*types.RepositoryRecord, 0, len(flowFiles))
	for _, ff := range flowFiles {
		records = append(records, &types.RepositoryRecord{
			Type:         types.RecordSwapIn,
			Current:      ff,
			Destination:  q.ID(),
			SwapLocation: swapLocation,
		})
	}
	return v.UpdateRepository(records)
}

func (v *Volatile) IsValidSwapLocationSuffix(suffix string) bool {
	base := filepath.Base(strings.TrimSpace(suffix))
	if base == "." || base == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for location := range v.swapped {
		if filepath.Base(location) == base {
			return true
		}
	}
	return false
}

func (v *Volatile) FindQueuesWithFlowFiles() map[types.ConnectionID]struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	queues := make(map[types.ConnectionID]struct{})
	for _, rec := range v.live {
		queues[rec.queueID] = struct{}{}
	}
	for _, set := range v.swapped {
		queues[set.queueID] = struct{}{}
	}
	return queues
}

func (v *Volatile) FindResourceClaimReferences(claims map[types.ResourceClaim]struct{}) map[types.ResourceClaim][]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	refs := make(map[types.ResourceClaim][]uint64)
	record := func(ff *types.FlowFileRecord) {
		if ff.Claim == nil {
			return
		}
		if _, wanted := claims[ff.Claim.Resource]; wanted {
			refs[ff.Claim.Resource] = append(refs[ff.Claim.Resource], ff.ID)
		}
	}
	for _, rec := range v.live {
		record(rec.flowFile)
	}
	for _, set := range v.swapped {
		for _, ff := range set.flowFiles {
			record(ff)
		}
	}
	return refs
}

func (v *Volatile) FindOrphanedResourceClaims() []types.ResourceClaim {
	v.mu.Lock()
	defer v.mu.Unlock()
	referenced := make(map[types.ResourceClaim]bool)
	note := func(ff *types.FlowFileRecord, queueID types.ConnectionID) {
		if ff.Claim == nil {
			return
		}
		alive := v.provider != nil && v.provider.Exists(queueID)
		referenced[ff.Claim.Resource] = referenced[ff.Claim.Resource] || alive
	}
	for _, rec := range v.live {
		note(rec.flowFile, rec.queueID)
	}
	for _, set := range v.swapped {
		for _, ff := range set.flowFiles {
			note(ff, set.queueID)
		}
	}
	var orphans []types.ResourceClaim
	for rc, alive := range referenced {
		if !alive {
			orphans = append(orphans, rc)
		}
	}
	return orphans
}

func (v *Volatile) SwappedLocations() map[types.ConnectionID][]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[types.ConnectionID][]string)
	for location, set := range v.swapped {
		out[set.queueID] = append(out[set.queueID], location)
	}
	return out
}

func (v *Volatile) StorageCapacity() (int64, error) {
	return 0, nil
}

func (v *Volatile) UsableStorageSpace() (int64, error) {
	return 0, nil
}

func (v *Volatile) IsVolatile() bool {
	return true
}

func (v *Volatile) Checkpoint() error {
	return nil
}

func (v *Volatile) Close() error {
	return nil
}
