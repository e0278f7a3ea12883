package repository

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flowcore/pkg/claim"
	"flowcore/pkg/codec"
	"flowcore/pkg/content"
	"flowcore/pkg/queue"
	"flowcore/pkg/types"

	"go.uber.org/zap"
)

const (
	checkpointMagic   = 0x46434B50 // "FCKP"
	checkpointVersion = 1

	DefaultCheckpointInterval = 2 * time.Minute
	DefaultMaxJournalBytes    = 64 * 1024 * 1024
)

// WALConfig configures the write-ahead FlowFile repository.
type WALConfig struct {
	Dir                string
	CheckpointInterval time.Duration
	MaxJournalBytes    int64
}

// liveRecord is the repository's in-memory view of one FlowFile currently
// resident in a queue.
type liveRecord struct {
	flowFile *types.FlowFileRecord
	queueID  types.ConnectionID
}

// swapSet is the repository's view of one swap file: the FlowFiles whose
// attributes now live only on secondary storage.
type swapSet struct {
	queueID   types.ConnectionID
	flowFiles []*types.FlowFileRecord
}

// WAL is the disk-backed Repository. A single mutex serializes journal
// appends and the in-memory projection; fsync ordering per batch is the only
// global serialization point.
type WAL struct {
	dir    string
	claims *claim.Manager
	prober content.SpaceProber
	logger *zap.Logger

	checkpointInterval time.Duration
	maxJournalBytes    int64

	seq atomic.Uint64

	mu           sync.Mutex
	journal      *os.File
	journalBytes int64
	generation   uint64
	live         map[uint64]*liveRecord
	swapped      map[string]*swapSet
	provider     queue.Provider
	observer     Observer
	loaded       bool
	closed       bool

	checkpointNow chan struct{}
	stop          chan struct{}
	done          chan struct{}
}

func NewWAL(cfg WALConfig, claims *claim.Manager, logger *zap.Logger) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("flowfile repository requires a directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create flowfile repository directory: %w", err)
	}
	interval := cfg.CheckpointInterval
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	maxJournal := cfg.MaxJournalBytes
	if maxJournal <= 0 {
		maxJournal = DefaultMaxJournalBytes
	}

	w := &WAL{
		dir:                cfg.Dir,
		claims:             claims,
		prober:             content.NewSpaceProber(),
		logger:             logger,
		checkpointInterval: interval,
		maxJournalBytes:    maxJournal,
		live:               make(map[uint64]*liveRecord),
		swapped:            make(map[string]*swapSet),
		checkpointNow:      make(chan struct{}, 1),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
	return w, nil
}

func (w *WAL) journalPath(gen uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("journal-%d.log", gen))
}

func (w *WAL) checkpointPath(gen uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("checkpoint-%d", gen))
}

// LoadFlowFiles replays the newest valid checkpoint plus all journals at or
// after its generation, repopulates queues through the provider, rebuilds
// claimant counts, and starts the background checkpoint loop.
func (w *WAL) LoadFlowFiles(provider queue.Provider) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded {
		return 0, fmt.Errorf("repository already loaded")
	}
	w.provider = provider

	gen, err := w.recoverCheckpoint()
	if err != nil {
		return 0, err
	}
	w.generation = gen

	journalGens, err := w.listJournalGenerations()
	if err != nil {
		return 0, err
	}
	for _, jg := range journalGens {
		if jg < gen {
			// Superseded by the checkpoint; left over from an interrupted
			// checkpoint cleanup.
			continue
		}
		if err := w.replayJournal(jg); err != nil {
			return 0, err
		}
		if jg > w.generation {
			w.generation = jg
		}
	}

	var maxID uint64
	for id := range w.live {
		if id > maxID {
			maxID = id
		}
	}
	for _, set := range w.swapped {
		for _, ff := range set.flowFiles {
			if ff.ID > maxID {
				maxID = ff.ID
			}
		}
	}
	w.seq.Store(maxID)

	// Repopulate queues and rebuild claimant counts. FlowFiles whose queue
	// left the flow definition stay in the repository as orphans; startup
	// replay must not silently lose them.
	orphaned := 0
	for _, rec := range w.live {
		if rec.flowFile.Claim != nil {
			w.claims.IncrementClaimantCount(rec.flowFile.Claim.Resource)
		}
		if !provider.Exists(rec.queueID) {
			orphaned++
			continue
		}
		provider.Queue(rec.queueID).Put(rec.flowFile)
	}
	for location, set := range w.swapped {
		var bytes int64
		for _, ff := range set.flowFiles {
			if ff.Claim != nil {
				w.claims.IncrementClaimantCount(ff.Claim.Resource)
			}
			bytes += ff.Size
		}
		if !provider.Exists(set.queueID) {
			orphaned += len(set.flowFiles)
			continue
		}
		provider.Queue(set.queueID).AddSwapLocation(location, queue.SwapSummary{
			Count: len(set.flowFiles),
			Bytes: bytes,
		})
	}
	if orphaned > 0 {
		w.logger.Warn("FlowFiles reference queues no longer in the flow definition",
			zap.Int("orphaned_flowfiles", orphaned))
	}

	if err := w.openJournalLocked(w.generation); err != nil {
		return 0, err
	}
	w.loaded = true

	go w.checkpointLoop()

	w.logger.Info("FlowFile repository loaded",
		zap.Uint64("generation", w.generation),
		zap.Int("live_flowfiles", len(w.live)),
		zap.Int("swap_locations", len(w.swapped)),
		zap.Uint64("max_flowfile_id", maxID))

	return maxID, nil
}

// recoverCheckpoint loads the newest valid checkpoint and returns its
// generation, or 0 when none exists.
func (w *WAL) recoverCheckpoint() (uint64, error) {
	gens, err := w.listGenerations("checkpoint-")
	if err != nil {
		return 0, err
	}
	// Newest first; an older checkpoint can survive an interrupted cleanup.
	var lastErr error
	for i := len(gens) - 1; i >= 0; i-- {
		gen := gens[i]
		if err := w.loadCheckpoint(gen); err != nil {
			w.logger.Error("Checkpoint is corrupt, trying older generation",
				zap.Uint64("generation", gen),
				zap.Error(err))
			w.live = make(map[uint64]*liveRecord)
			w.swapped = make(map[string]*swapSet)
			lastErr = err
			continue
		}
		return gen, nil
	}
	if len(gens) > 0 {
		// A checkpoint exists but nothing loads cleanly. Starting empty here
		// would silently drop every checkpointed FlowFile; refuse to load so
		// the operator can reconcile instead.
		return 0, fmt.Errorf("no checkpoint generation loads cleanly (newest %d): %w", gens[len(gens)-1], lastErr)
	}
	return 0, nil
}

func (w *WAL) loadCheckpoint(gen uint64) error {
	f, err := os.Open(w.checkpointPath(gen))
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic, err := codec.ReadUint32(r)
	if err != nil || magic != checkpointMagic {
		return fmt.Errorf("bad checkpoint magic")
	}
	version, err := codec.ReadUint8(r)
	if err != nil {
		return err
	}
	if version != checkpointVersion {
		return fmt.Errorf("unsupported checkpoint version %d", version)
	}
	seq, err := codec.ReadUint64(r)
	if err != nil {
		return err
	}
	entries, err := readBatch(r)
	if err != nil {
		return fmt.Errorf("read checkpoint records: %w", err)
	}
	for _, e := range entries {
		w.applyLocked(e)
	}
	if seq > w.seq.Load() {
		w.seq.Store(seq)
	}
	return nil
}

func (w *WAL) replayJournal(gen uint64) error {
	f, err := os.Open(w.journalPath(gen))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal %d: %w", gen, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	batches := 0
	for {
		entries, err := readBatch(r)
		if err != nil {
			if err == errTornBatch {
				// Interrupted write at the tail. Everything before it is
				// intact; the torn batch was never acknowledged.
				w.logger.Warn("Discarding torn batch at journal tail",
					zap.Uint64("generation", gen),
					zap.Int("intact_batches", batches))
				return nil
			}
			return nil // io.EOF: clean end
		}
		for _, e := range entries {
			w.applyLocked(e)
		}
		batches++
	}
}

// applyLocked applies one journal entry to the in-memory projection. Replay
// and live commits share this; claimant accounting is handled separately by
// each path.
func (w *WAL) applyLocked(e journalEntry) {
	switch e.op {
	case types.RecordCreate, types.RecordUpdate:
		w.live[e.flowFile.ID] = &liveRecord{flowFile: e.flowFile, queueID: e.queueID}
	case types.RecordDelete:
		delete(w.live, e.flowFile.ID)
	case types.RecordSwapOut:
		delete(w.live, e.flowFile.ID)
		set := w.swapped[e.swapLocation]
		if set == nil {
			set = &swapSet{queueID: e.queueID}
			w.swapped[e.swapLocation] = set
		}
		set.flowFiles = append(set.flowFiles, e.flowFile)
	case types.RecordSwapIn:
		w.live[e.flowFile.ID] = &liveRecord{flowFile: e.flowFile, queueID: e.queueID}
		if set := w.swapped[e.swapLocation]; set != nil {
			kept := set.flowFiles[:0]
			for _, ff := range set.flowFiles {
				if ff.ID != e.flowFile.ID {
					kept = append(kept, ff)
				}
			}
			set.flowFiles = kept
			if len(set.flowFiles) == 0 {
				delete(w.swapped, e.swapLocation)
			}
		}
	}
}

// abandonJournalLocked takes a journal whose tail may hold a torn frame out
// of service after a failed append. Replay stops at the first bad frame, so
// any batch appended past torn bytes would be acknowledged and then lost on
// restart. Rolling to a fresh generation isolates the torn tail; replay
// discards it and continues with the next generation's journal.
func (w *WAL) abandonJournalLocked() {
	if w.journal != nil {
		w.journal.Close()
		w.journal = nil
	}
	next := w.generation + 1
	if err := w.openJournalLocked(next); err != nil {
		w.logger.Error("Failed to roll journal after append failure; updates are rejected until a journal opens",
			zap.Uint64("generation", next),
			zap.Error(err))
		return
	}
	w.generation = next
	w.logger.Warn("Rolled journal to a fresh generation after append failure",
		zap.Uint64("generation", next))
}

// SetObserver registers the sink for commit and checkpoint notifications.
func (w *WAL) SetObserver(o Observer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observer = o
}

func (w *WAL) openJournalLocked(gen uint64) error {
	f, err := os.OpenFile(w.journalPath(gen), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open journal %d: %w", gen, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal %d: %w", gen, err)
	}
	w.journal = f
	w.journalBytes = info.Size()
	return nil
}

// UpdateRepository appends the batch to the journal, fsyncs, applies it to
// the in-memory projection, and settles claimant counts. IO failure leaves
// the projection untouched and must fail the caller's session commit.
func (w *WAL) UpdateRepository(records []*types.RepositoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	entries := make([]journalEntry, 0, len(records))
	for _, r := range records {
		if r.Current == nil {
			return fmt.Errorf("repository record of type %s has no working FlowFile", r.Type)
		}
		entries = append(entries, journalEntry{
			op:           r.Type,
			queueID:      r.Destination,
			swapLocation: r.SwapLocation,
			flowFile:     r.Current,
		})
	}
	framed, err := encodeBatch(entries)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if !w.loaded {
		w.mu.Unlock()
		return fmt.Errorf("repository not loaded")
	}
	if w.journal == nil {
		// A previous append failure abandoned the journal and the roll to a
		// fresh generation also failed. Retry the roll before accepting more
		// batches.
		if err := w.openJournalLocked(w.generation + 1); err != nil {
			w.mu.Unlock()
			return fmt.Errorf("journal unavailable: %w", err)
		}
		w.generation++
	}
	if _, err := w.journal.Write(framed); err != nil {
		w.abandonJournalLocked()
		w.mu.Unlock()
		return fmt.Errorf("append journal batch: %w", err)
	}
	if err := w.journal.Sync(); err != nil {
		w.abandonJournalLocked()
		w.mu.Unlock()
		return fmt.Errorf("sync journal: %w", err)
	}
	w.journalBytes += int64(len(framed))
	for _, e := range entries {
		w.applyLocked(e)
	}
	needCheckpoint := w.journalBytes >= w.maxJournalBytes
	observer := w.observer
	w.mu.Unlock()

	if observer != nil {
		observer.BatchCommitted(len(records))
	}

	// The batch is durable; now settle claimant counts for destroyed or
	// rewritten content.
	for _, r := range records {
		w.settleClaims(r)
	}

	if needCheckpoint {
		select {
		case w.checkpointNow <- struct{}{}:
		default:
		}
	}
	return nil
}

func sameClaim(a, b *types.ContentClaim) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// settleClaims releases claimants exactly once per claim the record retires:
// the current claim when the FlowFile is deleted, and the original claim
// when the session rewrote content.
func (w *WAL) settleClaims(r *types.RepositoryRecord) {
	decrement := func(cc *types.ContentClaim) {
		if cc == nil {
			return
		}
		if _, err := w.claims.DecrementClaimantCount(cc.Resource); err != nil {
			w.logger.Error("Claimant accounting error",
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

func (w *WAL) NextFlowFileSequence() uint64 {
	return w.seq.Add(1)
}

func (w *WAL) SwapFlowFilesOut(flowFiles []*types.FlowFileRecord, q *queue.FlowFileQueue, swapLocation string) error {
	records := make([]*types.RepositoryRecord, 0, len(flowFiles))
	for _, ff := range flowFiles {
		records = append(records, &types.RepositoryRecord{
			Type:         types.RecordSwapOut,
			Current:      ff,
			Destination:  q.ID(),
			SwapLocation: swapLocation,
		})
	}
	return w.UpdateRepository(records)
}

func (w *WAL) SwapFlowFilesIn(swapLocation string, flowFiles []*types.FlowFileRecord, q *queue.FlowFileQueue) error {
	w.mu.Lock()
	_, known := w.swapped[swapLocation]
	w.mu.Unlock()
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
	return w.UpdateRepository(records)
}

// IsValidSwapLocationSuffix matches by filename, not absolute path, so a
// relocated repository still recognizes its swap files.
func (w *WAL) IsValidSwapLocationSuffix(suffix string) bool {
	base := filepath.Base(strings.TrimSpace(suffix))
	if base == "." || base == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for location := range w.swapped {
		if filepath.Base(location) == base {
			return true
		}
	}
	return false
}

func (w *WAL) FindQueuesWithFlowFiles() map[types.ConnectionID]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	queues := make(map[types.ConnectionID]struct{})
	for _, rec := range w.live {
		queues[rec.queueID] = struct{}{}
	}
	for _, set := range w.swapped {
		queues[set.queueID] = struct{}{}
	}
	return queues
}

func (w *WAL) FindResourceClaimReferences(claims map[types.ResourceClaim]struct{}) map[types.ResourceClaim][]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	refs := make(map[types.ResourceClaim][]uint64)
	record := func(ff *types.FlowFileRecord) {
		if ff.Claim == nil {
			return
		}
		rc := ff.Claim.Resource
		if _, wanted := claims[rc]; wanted {
			refs[rc] = append(refs[rc], ff.ID)
		}
	}
	for _, rec := range w.live {
		record(rec.flowFile)
	}
	for _, set := range w.swapped {
		for _, ff := range set.flowFiles {
			record(ff)
		}
	}
	return refs
}

func (w *WAL) FindOrphanedResourceClaims() []types.ResourceClaim {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A claim is orphaned when every FlowFile referencing it belongs to a
	// queue missing from the flow definition.
	referenced := make(map[types.ResourceClaim]bool) // true = some live queue references it
	note := func(ff *types.FlowFileRecord, queueID types.ConnectionID) {
		if ff.Claim == nil {
			return
		}
		rc := ff.Claim.Resource
		alive := w.provider != nil && w.provider.Exists(queueID)
		referenced[rc] = referenced[rc] || alive
	}
	for _, rec := range w.live {
		note(rec.flowFile, rec.queueID)
	}
	for _, set := range w.swapped {
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
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Sequence < orphans[j].Sequence })
	return orphans
}

func (w *WAL) SwappedLocations() map[types.ConnectionID][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[types.ConnectionID][]string)
	for location, set := range w.swapped {
		out[set.queueID] = append(out[set.queueID], location)
	}
	return out
}

func (w *WAL) StorageCapacity() (int64, error) {
	return w.prober.Capacity(w.dir)
}

func (w *WAL) UsableStorageSpace() (int64, error) {
	return w.prober.Usable(w.dir)
}

func (w *WAL) IsVolatile() bool {
	return false
}

// Checkpoint writes a snapshot of all live and swapped records, rolls the
// journal to the next generation, and removes superseded files.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.checkpointLocked()
}

func (w *WAL) checkpointLocked() error {
	started := time.Now()
	nextGen := w.generation + 1

	entries := make([]journalEntry, 0, len(w.live))
	for _, rec := range w.live {
		entries = append(entries, journalEntry{
			op:       types.RecordCreate,
			queueID:  rec.queueID,
			flowFile: rec.flowFile,
		})
	}
	for location, set := range w.swapped {
		for _, ff := range set.flowFiles {
			entries = append(entries, journalEntry{
				op:           types.RecordSwapOut,
				queueID:      set.queueID,
				swapLocation: location,
				flowFile:     ff,
			})
		}
	}

	var buf bytes.Buffer
	if err := codec.WriteUint32(&buf, checkpointMagic); err != nil {
		return err
	}
	if err := codec.WriteUint8(&buf, checkpointVersion); err != nil {
		return err
	}
	if err := codec.WriteUint64(&buf, w.seq.Load()); err != nil {
		return err
	}
	framed, err := encodeBatch(entries)
	if err != nil {
		return err
	}
	buf.Write(framed)

	tmp := w.checkpointPath(nextGen) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.checkpointPath(nextGen)); err != nil {
		return fmt.Errorf("publish checkpoint: %w", err)
	}

	// The checkpoint is durable; roll the journal.
	oldGen := w.generation
	if w.journal != nil {
		w.journal.Close()
		w.journal = nil
	}
	if err := w.openJournalLocked(nextGen); err != nil {
		return err
	}
	w.generation = nextGen

	if err := os.Remove(w.journalPath(oldGen)); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove superseded journal", zap.Error(err))
	}
	if oldGen > 0 {
		if err := os.Remove(w.checkpointPath(oldGen)); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("Failed to remove superseded checkpoint", zap.Error(err))
		}
	}

	if w.observer != nil {
		w.observer.CheckpointCompleted(time.Since(started))
	}
	w.logger.Info("Checkpoint complete",
		zap.Uint64("generation", nextGen),
		zap.Int("records", len(entries)))
	return nil
}

func (w *WAL) checkpointLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-w.checkpointNow:
		case <-w.stop:
			return
		}
		if err := w.Checkpoint(); err != nil && err != ErrClosed {
			w.logger.Error("Checkpoint failed", zap.Error(err))
		}
	}
}

func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	loaded := w.loaded
	if w.journal != nil {
		w.journal.Close()
		w.journal = nil
	}
	w.mu.Unlock()

	close(w.stop)
	if loaded {
		<-w.done
	}
	return nil
}

// listGenerations returns the sorted generations of files named
// <prefix><gen> in the repository directory.
func (w *WAL) listGenerations(prefix string) ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("scan repository directory: %w", err)
	}
	var gens []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		numPart := strings.TrimPrefix(name, prefix)
		numPart = strings.TrimSuffix(numPart, ".log")
		gen, err := strconv.ParseUint(numPart, 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func (w *WAL) listJournalGenerations() ([]uint64, error) {
	return w.listGenerations("journal-")
}
