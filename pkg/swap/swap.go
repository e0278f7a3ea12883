// Package swap moves queue overflow to compressed files on disk and back.
// Swap files hold FlowFile attributes and claim references only; content
// bytes never leave the content repository.
package swap

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flowcore/pkg/codec"
	"flowcore/pkg/types"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	swapMagic   = 0x46435357 // "FCSW"
	swapVersion = 1

	// Extension is the suffix every swap file carries. Files without it in
	// the swap directory are ignored.
	Extension = ".swap"
)

var (
	// ErrSwapFileMissing reports a swap-in for a file that no longer exists
	// on disk. The repository believed the FlowFiles were swapped; losing
	// the file loses them.
	ErrSwapFileMissing = errors.New("swap file missing")

	// ErrWrongQueue reports a swap file whose recorded owner differs from
	// the queue asking for it.
	ErrWrongQueue = errors.New("swap file belongs to a different queue")
)

// FileSwapManager serializes FlowFiles to zstd-compressed swap files named
// <timestamp>-<queue id>-<uuid>.swap under a single directory.
type FileSwapManager struct {
	dir    string
	logger *zap.Logger
}

func NewFileSwapManager(dir string, logger *zap.Logger) (*FileSwapManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, fmt.Errorf("swap manager requires a directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create swap directory: %w", err)
	}
	return &FileSwapManager{dir: dir, logger: logger}, nil
}

// SwapOut writes the FlowFiles to a new swap file owned by the queue and
// returns its location. The file is fsynced before the location is returned;
// callers record the location in the FlowFile repository afterwards.
func (m *FileSwapManager) SwapOut(flowFiles []*types.FlowFileRecord, queueID types.ConnectionID) (string, error) {
	if len(flowFiles) == 0 {
		return "", fmt.Errorf("nothing to swap out")
	}
	name := fmt.Sprintf("%d-%s-%s%s", time.Now().UnixMilli(), queueID, uuid.NewString(), Extension)
	location := filepath.Join(m.dir, name)

	f, err := os.OpenFile(location, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("create swap file: %w", err)
	}

	if err := m.writeSwapFile(f, queueID, flowFiles); err != nil {
		f.Close()
		os.Remove(location)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(location)
		return "", fmt.Errorf("sync swap file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(location)
		return "", err
	}

	m.logger.Debug("Swapped FlowFiles out",
		zap.String("queue_id", string(queueID)),
		zap.String("location", location),
		zap.Int("flowfiles", len(flowFiles)))
	return location, nil
}

func (m *FileSwapManager) writeSwapFile(f *os.File, queueID types.ConnectionID, flowFiles []*types.FlowFileRecord) error {
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("open zstd writer: %w", err)
	}
	w := bufio.NewWriter(zw)

	if err := codec.WriteUint32(w, swapMagic); err != nil {
		return err
	}
	if err := codec.WriteUint8(w, swapVersion); err != nil {
		return err
	}
	if err := codec.WriteString(w, string(queueID)); err != nil {
		return err
	}
	if err := codec.WriteUint32(w, uint32(len(flowFiles))); err != nil {
		return err
	}
	for _, ff := range flowFiles {
		if err := codec.WriteFlowFile(w, ff); err != nil {
			return fmt.Errorf("encode swapped FlowFile %d: %w", ff.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

// SwapIn reads the swap file back, verifies it belongs to the queue, and
// deletes the file. Callers record the swap-in in the FlowFile repository
// before calling, so a crash between record and delete only leaves a stale
// file behind, never lost FlowFiles.
func (m *FileSwapManager) SwapIn(swapLocation string, queueID types.ConnectionID) ([]*types.FlowFileRecord, error) {
	flowFiles, err := m.Peek(swapLocation, queueID)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(swapLocation); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove restored swap file",
			zap.String("location", swapLocation),
			zap.Error(err))
	}
	return flowFiles, nil
}

// Peek reads a swap file without deleting it.
func (m *FileSwapManager) Peek(swapLocation string, queueID types.ConnectionID) ([]*types.FlowFileRecord, error) {
	f, err := os.Open(swapLocation)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", swapLocation, ErrSwapFileMissing)
		}
		return nil, fmt.Errorf("open swap file: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	defer zr.Close()
	r := bufio.NewReader(zr)

	magic, err := codec.ReadUint32(r)
	if err != nil || magic != swapMagic {
		return nil, fmt.Errorf("%s is not a swap file", swapLocation)
	}
	version, err := codec.ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if version != swapVersion {
		return nil, fmt.Errorf("unsupported swap file version %d", version)
	}
	owner, err := codec.ReadString(r)
	if err != nil {
		return nil, err
	}
	if types.ConnectionID(owner) != queueID {
		return nil, fmt.Errorf("%s owned by %q, requested by %q: %w", swapLocation, owner, queueID, ErrWrongQueue)
	}
	count, err := codec.ReadUint32(r)
	if err != nil {
		return nil, err
	}

	flowFiles := make([]*types.FlowFileRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		ff, err := codec.ReadFlowFile(r)
		if err != nil {
			return nil, fmt.Errorf("decode swapped FlowFile %d of %d: %w", i+1, count, err)
		}
		flowFiles = append(flowFiles, ff)
	}
	return flowFiles, nil
}

// RecoverSwapLocations lists the swap files on disk belonging to the queue,
// oldest first by the timestamp embedded in the filename. Used at startup to
// reconcile disk contents against the FlowFile repository's swap records.
func (m *FileSwapManager) RecoverSwapLocations(queueID types.ConnectionID) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("scan swap directory: %w", err)
	}
	marker := "-" + string(queueID) + "-"
	var locations []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, Extension) {
			continue
		}
		if !strings.Contains(name, marker) {
			continue
		}
		locations = append(locations, filepath.Join(m.dir, name))
	}
	// Filenames start with a millisecond timestamp so a lexicographic sort
	// is close enough to chronological for recovery purposes.
	sort.Strings(locations)
	return locations, nil
}

// Drop deletes a swap file that the repository does not recognize, after
// startup reconciliation decided it is stale.
func (m *FileSwapManager) Drop(swapLocation string) error {
	if err := os.Remove(swapLocation); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale swap file: %w", err)
	}
	return nil
}
