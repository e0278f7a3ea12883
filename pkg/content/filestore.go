package content

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flowcore/pkg/claim"
	"flowcore/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxAppendableClaimBytes is how large a resource claim file may
	// grow before it is sealed and a new claim is started. Packing many small
	// FlowFiles into one file keeps the file count bounded.
	DefaultMaxAppendableClaimBytes = 1024 * 1024

	DefaultSectionsPerContainer = 16

	reclamationInterval = 10 * time.Second
	reclamationBatch    = 1000
)

// FileStoreConfig configures a disk-backed content repository.
type FileStoreConfig struct {
	// Containers maps container name to its directory path.
	Containers map[string]string

	SectionsPerContainer    int
	MaxAppendableClaimBytes int64
}

// FileStore is the disk-backed Repository. Each container directory holds
// numbered section subdirectories; each section holds resource claim files
// that are appended until sealed.
type FileStore struct {
	containers map[string]string
	sections   int
	maxAppend  int64
	claims     *claim.Manager
	prober     SpaceProber
	logger     *zap.Logger

	claimSeq atomic.Uint64

	observerMu sync.Mutex
	observer   Observer

	slotMu sync.Mutex
	slots  map[string]*sectionSlot // container/section -> active claim

	stopReclaim chan struct{}
	reclaimDone chan struct{}
	closeOnce   sync.Once
}

// sectionSlot serializes writers for one container section. The slot's mutex
// is held from NewWriter until the returned ClaimWriter is closed, so a
// single resource claim never has concurrent appenders.
type sectionSlot struct {
	mu      sync.Mutex
	active  types.ResourceClaim
	file    *os.File
	written int64
}

func NewFileStore(cfg FileStoreConfig, claims *claim.Manager, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Containers) == 0 {
		return nil, fmt.Errorf("content repository requires at least one container")
	}
	sections := cfg.SectionsPerContainer
	if sections <= 0 {
		sections = DefaultSectionsPerContainer
	}
	maxAppend := cfg.MaxAppendableClaimBytes
	if maxAppend <= 0 {
		maxAppend = DefaultMaxAppendableClaimBytes
	}

	fs := &FileStore{
		containers:  make(map[string]string, len(cfg.Containers)),
		sections:    sections,
		maxAppend:   maxAppend,
		claims:      claims,
		prober:      NewSpaceProber(),
		logger:      logger,
		slots:       make(map[string]*sectionSlot),
		stopReclaim: make(chan struct{}),
		reclaimDone: make(chan struct{}),
	}

	for name, path := range cfg.Containers {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve container %s path: %w", name, err)
		}
		fs.containers[name] = abs
		for i := 0; i < sections; i++ {
			dir := filepath.Join(abs, strconv.Itoa(i))
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create container %s section %d: %w", name, i, err)
			}
		}
	}

	if err := fs.recoverClaimSequence(); err != nil {
		return nil, err
	}

	go fs.reclamationLoop()

	return fs, nil
}

// recoverClaimSequence scans existing claim files so freshly issued claim
// sequences never collide with claims that survived a restart.
func (fs *FileStore) recoverClaimSequence() error {
	var max uint64
	for name := range fs.containers {
		claims, err := fs.ActiveResourceClaims(name)
		if err != nil {
			return err
		}
		for _, rc := range claims {
			if rc.Sequence > max {
				max = rc.Sequence
			}
		}
	}
	fs.claimSeq.Store(max)
	return nil
}

// NewWriter opens a writer for a new content claim, continuing the section's
// active resource claim when it still has room.
func (fs *FileStore) NewWriter() (*ClaimWriter, error) {
	container, err := fs.chooseContainer()
	if err != nil {
		return nil, err
	}

	seq := fs.claimSeq.Add(1)
	section := strconv.FormatUint(seq%uint64(fs.sections), 10)
	key := container + "/" + section

	fs.slotMu.Lock()
	slot := fs.slots[key]
	if slot == nil {
		slot = &sectionSlot{}
		fs.slots[key] = slot
	}
	fs.slotMu.Unlock()

	// Held until the writer closes; see sectionSlot.
	slot.mu.Lock()

	if slot.file == nil {
		rc := types.ResourceClaim{
			Container: container,
			Section:   section,
			ID:        fmt.Sprintf("%d-%d", seq, time.Now().UnixMilli()),
			Sequence:  seq,
		}
		path := fs.claimPath(rc)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slot.mu.Unlock()
			return nil, fmt.Errorf("open resource claim %s: %w", path, err)
		}
		slot.active = rc
		slot.file = f
		slot.written = 0
		fs.claims.SetActive(rc)
	}

	fs.claims.IncrementClaimantCount(slot.active)

	return &ClaimWriter{
		store:  fs,
		slot:   slot,
		claim:  types.ContentClaim{Resource: slot.active, Offset: slot.written},
		logger: fs.logger,
	}, nil
}

// chooseContainer picks the container with the most usable space, falling
// back to name order when space cannot be probed. Deterministic given
// container state.
func (fs *FileStore) chooseContainer() (string, error) {
	names := fs.ContainerNames()
	best := ""
	var bestSpace int64 = -1
	for _, name := range names {
		space, err := fs.ContainerUsableSpace(name)
		if err != nil {
			space = 0
		}
		if space > bestSpace {
			best = name
			bestSpace = space
		}
	}
	if best == "" {
		return "", fmt.Errorf("no containers configured")
	}
	return best, nil
}

func (fs *FileStore) claimPath(rc types.ResourceClaim) string {
	return filepath.Join(fs.containers[rc.Container], rc.Section, rc.ID)
}

// Read returns a stream scoped to the claim's byte range.
func (fs *FileStore) Read(cc types.ContentClaim) (io.ReadCloser, error) {
	if cc.Resource.IsZero() || cc.Length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	root, ok := fs.containers[cc.Resource.Container]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", cc.Resource.Container, ErrContentNotFound)
	}
	path := filepath.Join(root, cc.Resource.Section, cc.Resource.ID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("claim %s/%s/%s: %w",
				cc.Resource.Container, cc.Resource.Section, cc.Resource.ID, ErrContentNotFound)
		}
		return nil, fmt.Errorf("open claim %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat claim %s: %w", path, err)
	}
	if cc.Offset+cc.Length > info.Size() {
		f.Close()
		return nil, fmt.Errorf("claim %s range [%d,%d) beyond written extent %d: %w",
			path, cc.Offset, cc.Offset+cc.Length, info.Size(), ErrContentNotFound)
	}
	if _, err := f.Seek(cc.Offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek claim %s: %w", path, err)
	}
	return &rangeReader{f: f, remaining: cc.Length}, nil
}

type rangeReader struct {
	f         *os.File
	remaining int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *rangeReader) Close() error {
	return r.f.Close()
}

func (fs *FileStore) ContainerNames() []string {
	names := make([]string, 0, len(fs.containers))
	for name := range fs.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (fs *FileStore) ContainerCapacity(name string) (int64, error) {
	path, ok := fs.containers[name]
	if !ok {
		return 0, fmt.Errorf("unknown container %s", name)
	}
	return fs.prober.Capacity(path)
}

func (fs *FileStore) ContainerUsableSpace(name string) (int64, error) {
	path, ok := fs.containers[name]
	if !ok {
		return 0, fmt.Errorf("unknown container %s", name)
	}
	return fs.prober.Usable(path)
}

// ActiveResourceClaims reconstructs the claims backed by files on disk.
func (fs *FileStore) ActiveResourceClaims(container string) ([]types.ResourceClaim, error) {
	root, ok := fs.containers[container]
	if !ok {
		return nil, fmt.Errorf("unknown container %s", container)
	}
	var claims []types.ResourceClaim
	for i := 0; i < fs.sections; i++ {
		section := strconv.Itoa(i)
		entries, err := os.ReadDir(filepath.Join(root, section))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan container %s section %s: %w", container, section, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			rc := types.ResourceClaim{
				Container: container,
				Section:   section,
				ID:        entry.Name(),
			}
			if seqStr, _, found := strings.Cut(entry.Name(), "-"); found {
				if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
					rc.Sequence = seq
				}
			}
			claims = append(claims, rc)
		}
	}
	return claims, nil
}

// Purge deletes every claim file in every container and resets claim
// bookkeeping. Containers are cleared in parallel.
func (fs *FileStore) Purge() error {
	var g errgroup.Group
	for name := range fs.containers {
		name := name
		g.Go(func() error {
			claims, err := fs.ActiveResourceClaims(name)
			if err != nil {
				return err
			}
			for _, rc := range claims {
				if err := os.Remove(fs.claimPath(rc)); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("purge claim %s: %w", rc.ID, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fs.claims.Purge()
	return nil
}

// reclamationLoop drains destructible claims from the claim manager and
// deletes their backing files.
func (fs *FileStore) reclamationLoop() {
	defer close(fs.reclaimDone)

	ticker := time.NewTicker(reclamationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.reclaimOnce()
		case <-fs.stopReclaim:
			fs.reclaimOnce()
			return
		}
	}
}

// SetObserver registers the sink for reclamation notifications.
func (fs *FileStore) SetObserver(o Observer) {
	fs.observerMu.Lock()
	defer fs.observerMu.Unlock()
	fs.observer = o
}

func (fs *FileStore) notifyDestroyed(rc types.ResourceClaim) {
	fs.observerMu.Lock()
	o := fs.observer
	fs.observerMu.Unlock()
	if o != nil {
		o.ClaimDestroyed(rc)
	}
}

func (fs *FileStore) reclaimOnce() {
	for _, rc := range fs.claims.DrainDestructible(reclamationBatch) {
		path := fs.claimPath(rc)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			// The claim must not be forgotten while its file still exists;
			// put it back so a later pass retries the delete.
			fs.logger.Warn("Failed to reclaim resource claim, will retry",
				zap.String("container", rc.Container),
				zap.String("section", rc.Section),
				zap.String("claim_id", rc.ID),
				zap.Error(err))
			fs.claims.MarkDestructible(rc)
			continue
		}
		fs.notifyDestroyed(rc)
		fs.logger.Debug("Reclaimed resource claim",
			zap.String("container", rc.Container),
			zap.String("claim_id", rc.ID))
	}
}

func (fs *FileStore) Close() error {
	fs.closeOnce.Do(func() {
		close(fs.stopReclaim)
	})
	<-fs.reclaimDone

	fs.slotMu.Lock()
	defer fs.slotMu.Unlock()
	for _, slot := range fs.slots {
		slot.mu.Lock()
		if slot.file != nil {
			slot.file.Close()
			slot.file = nil
		}
		slot.mu.Unlock()
	}
	return nil
}

// ClaimWriter appends one content claim's bytes to its resource claim file.
// Close finalizes the claim; the claim handed back by Claim() already holds
// a claimant count.
type ClaimWriter struct {
	store   *FileStore
	slot    *sectionSlot
	claim   types.ContentClaim
	written int64
	closed  bool
	syncErr error
	logger  *zap.Logger
}

func (w *ClaimWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed claim writer")
	}
	n, err := w.slot.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("append to resource claim %s: %w", w.claim.Resource.ID, err)
	}
	return n, nil
}

// Close flushes the claim to stable storage and releases the section for the
// next writer. Content durability is a precondition for attribute
// durability, so Close fsyncs before returning.
func (w *ClaimWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.claim.Length = w.written
	w.slot.written += w.written

	err := w.slot.file.Sync()
	if err != nil {
		w.syncErr = fmt.Errorf("sync resource claim %s: %w", w.claim.Resource.ID, err)
	}

	// Seal the resource claim once it has grown past the append limit.
	if w.slot.written >= w.store.maxAppend {
		sealed := w.slot.active
		w.slot.file.Close()
		w.slot.file = nil
		w.slot.active = types.ResourceClaim{}
		w.slot.written = 0
		w.store.claims.ClearActive(sealed)
	}

	w.slot.mu.Unlock()
	return w.syncErr
}

// Claim returns the finalized content claim. Valid only after Close.
func (w *ClaimWriter) Claim() types.ContentClaim {
	return w.claim
}

// Abandon closes the writer and releases the claimant acquired at creation,
// for callers that fail before commit.
func (w *ClaimWriter) Abandon() {
	rc := w.claim.Resource
	if err := w.Close(); err != nil {
		w.logger.Warn("Failed to close abandoned claim writer", zap.Error(err))
	}
	if _, err := w.store.claims.DecrementClaimantCount(rc); err != nil {
		w.logger.Error("Claimant accounting error on abandon", zap.Error(err))
	}
}
