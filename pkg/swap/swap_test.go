package swap

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowcore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) *FileSwapManager {
	t.Helper()
	m, err := NewFileSwapManager(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func swapFlowFile(id uint64, uuid string) *types.FlowFileRecord {
	return &types.FlowFileRecord{
		ID: id,
		Attributes: map[string]string{
			types.AttributeUUID: uuid,
			"origin":            "test",
		},
		Size: 42,
		Claim: &types.ContentClaim{
			Resource: types.ResourceClaim{Container: "default", Section: "3", ID: "claim-" + uuid, Sequence: id},
			Offset:   int64(id * 10),
			Length:   42,
		},
		EntryDate: time.Now().Truncate(time.Millisecond),
	}
}

func TestSwapOutAndInRoundTrip(t *testing.T) {
	m := newTestManager(t)

	original := []*types.FlowFileRecord{
		swapFlowFile(1, "u1"),
		swapFlowFile(2, "u2"),
		swapFlowFile(3, "u3"),
	}
	location, err := m.SwapOut(original, "q1")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(location, Extension))
	assert.Contains(t, filepath.Base(location), "-q1-")

	restored, err := m.SwapIn(location, "q1")
	require.NoError(t, err)
	require.Len(t, restored, 3)
	for i, ff := range restored {
		assert.Equal(t, original[i].ID, ff.ID)
		assert.Equal(t, original[i].Attributes, ff.Attributes)
		assert.Equal(t, original[i].Size, ff.Size)
		require.NotNil(t, ff.Claim)
		assert.Equal(t, *original[i].Claim, *ff.Claim)
	}

	// The file is gone after a successful swap-in.
	_, err = m.SwapIn(location, "q1")
	require.ErrorIs(t, err, ErrSwapFileMissing)
}

func TestSwapInRejectsWrongQueue(t *testing.T) {
	m := newTestManager(t)
	location, err := m.SwapOut([]*types.FlowFileRecord{swapFlowFile(1, "u1")}, "q1")
	require.NoError(t, err)

	_, err = m.SwapIn(location, "q2")
	require.ErrorIs(t, err, ErrWrongQueue)

	// The failed attempt must not consume the file.
	restored, err := m.SwapIn(location, "q1")
	require.NoError(t, err)
	assert.Len(t, restored, 1)
}

func TestPeekLeavesFileInPlace(t *testing.T) {
	m := newTestManager(t)
	location, err := m.SwapOut([]*types.FlowFileRecord{swapFlowFile(1, "u1")}, "q1")
	require.NoError(t, err)

	peeked, err := m.Peek(location, "q1")
	require.NoError(t, err)
	assert.Len(t, peeked, 1)

	again, err := m.Peek(location, "q1")
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestRecoverSwapLocations(t *testing.T) {
	m := newTestManager(t)

	loc1, err := m.SwapOut([]*types.FlowFileRecord{swapFlowFile(1, "u1")}, "q1")
	require.NoError(t, err)
	loc2, err := m.SwapOut([]*types.FlowFileRecord{swapFlowFile(2, "u2")}, "q1")
	require.NoError(t, err)
	_, err = m.SwapOut([]*types.FlowFileRecord{swapFlowFile(3, "u3")}, "q2")
	require.NoError(t, err)

	locations, err := m.RecoverSwapLocations("q1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{loc1, loc2}, locations)

	other, err := m.RecoverSwapLocations("q2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	none, err := m.RecoverSwapLocations("q-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDropRemovesStaleFile(t *testing.T) {
	m := newTestManager(t)
	location, err := m.SwapOut([]*types.FlowFileRecord{swapFlowFile(1, "u1")}, "q1")
	require.NoError(t, err)

	require.NoError(t, m.Drop(location))
	_, err = m.Peek(location, "q1")
	require.ErrorIs(t, err, ErrSwapFileMissing)

	// Dropping twice is fine.
	require.NoError(t, m.Drop(location))
}
