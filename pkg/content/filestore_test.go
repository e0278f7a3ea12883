package content

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"flowcore/pkg/claim"
	"flowcore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*FileStore, *claim.Manager) {
	t.Helper()
	claims := claim.NewManager(zaptest.NewLogger(t))
	fs, err := NewFileStore(FileStoreConfig{
		Containers:              map[string]string{"default": t.TempDir()},
		SectionsPerContainer:    4,
		MaxAppendableClaimBytes: 64,
	}, claims, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs, claims
}

func writeContent(t *testing.T, fs *FileStore, data string) types.ContentClaim {
	t.Helper()
	w, err := fs.NewWriter()
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return w.Claim()
}

func TestContentRoundTrip(t *testing.T) {
	fs, _ := newTestStore(t)

	cc := writeContent(t, fs, "hello")
	assert.Equal(t, int64(5), cc.Length)

	data, err := ReadAll(fs, cc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestEarlierRangesStableUnderLaterAppends(t *testing.T) {
	fs, _ := newTestStore(t)

	claims := make([]types.ContentClaim, 0, 10)
	for i := 0; i < 10; i++ {
		claims = append(claims, writeContent(t, fs, fmt.Sprintf("payload-%02d", i)))
	}

	for i, cc := range claims {
		data, err := ReadAll(fs, cc)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("payload-%02d", i), string(data))
	}
}

func TestSmallClaimsShareResourceClaims(t *testing.T) {
	fs, _ := newTestStore(t)

	// With a 64-byte append limit, 10-byte payloads should pack several
	// content claims per resource claim.
	resources := make(map[types.ResourceClaim]int)
	for i := 0; i < 20; i++ {
		cc := writeContent(t, fs, "0123456789")
		resources[cc.Resource]++
	}
	assert.Less(t, len(resources), 20, "content claims should share backing resource claims")
}

func TestReadMissingClaimReturnsNotFound(t *testing.T) {
	fs, _ := newTestStore(t)

	_, err := fs.Read(types.ContentClaim{
		Resource: types.ResourceClaim{Container: "default", Section: "0", ID: "no-such-claim"},
		Offset:   0,
		Length:   5,
	})
	require.ErrorIs(t, err, ErrContentNotFound)

	_, err = fs.Read(types.ContentClaim{
		Resource: types.ResourceClaim{Container: "bogus", Section: "0", ID: "x"},
		Length:   1,
	})
	require.ErrorIs(t, err, ErrContentNotFound)
}

func TestReadBeyondWrittenExtentFails(t *testing.T) {
	fs, _ := newTestStore(t)

	cc := writeContent(t, fs, "short")
	cc.Length = 1000
	_, err := fs.Read(cc)
	require.ErrorIs(t, err, ErrContentNotFound)
}

func TestReclamationDeletesUnreferencedClaims(t *testing.T) {
	fs, claims := newTestStore(t)

	cc := writeContent(t, fs, "soon to be gone, padded well past the append limit so the claim seals")

	// Drop the single claimant; sealing already cleared the active flag.
	_, err := claims.DecrementClaimantCount(cc.Resource)
	require.NoError(t, err)

	fs.reclaimOnce()

	_, err = fs.Read(cc)
	require.ErrorIs(t, err, ErrContentNotFound)
}

// countingObserver counts destroyed claims.
type countingObserver struct {
	destroyed int
}

func (o *countingObserver) ClaimDestroyed(types.ResourceClaim) {
	o.destroyed++
}

func TestFailedReclamationRetriesOnNextPass(t *testing.T) {
	fs, claims := newTestStore(t)
	obs := &countingObserver{}
	fs.SetObserver(obs)

	cc := writeContent(t, fs, "doomed content, padded well past the append limit so the claim seals")
	_, err := claims.DecrementClaimantCount(cc.Resource)
	require.NoError(t, err)

	// Swap the backing file for a non-empty directory so the delete fails the
	// way a transient filesystem error would.
	path := fs.claimPath(cc.Resource)
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0755))

	fs.reclaimOnce()
	assert.Zero(t, obs.destroyed, "a failed delete is not a destroyed claim")

	// The claim went back on the destructible list, so once the obstruction
	// clears the next pass finishes the job.
	require.NoError(t, os.Remove(filepath.Join(path, "child")))
	fs.reclaimOnce()
	assert.Equal(t, 1, obs.destroyed)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "backing file should be gone after the retry")
}

func TestActiveResourceClaimsListsBackingFiles(t *testing.T) {
	fs, _ := newTestStore(t)

	cc := writeContent(t, fs, "tracked")
	active, err := fs.ActiveResourceClaims("default")
	require.NoError(t, err)

	found := false
	for _, rc := range active {
		if rc.ID == cc.Resource.ID {
			found = true
			assert.Equal(t, cc.Resource.Sequence, rc.Sequence)
		}
	}
	assert.True(t, found, "written claim should appear in active resource claims")
}

func TestPurgeRemovesAllContent(t *testing.T) {
	fs, _ := newTestStore(t)

	cc := writeContent(t, fs, "ephemeral")
	require.NoError(t, fs.Purge())

	_, err := fs.Read(cc)
	require.ErrorIs(t, err, ErrContentNotFound)

	for _, name := range fs.ContainerNames() {
		active, err := fs.ActiveResourceClaims(name)
		require.NoError(t, err)
		assert.Empty(t, active)
	}
}

func TestClaimSequenceSurvivesRestart(t *testing.T) {
	claims := claim.NewManager(zaptest.NewLogger(t))
	dir := t.TempDir()
	cfg := FileStoreConfig{
		Containers:              map[string]string{"default": dir},
		SectionsPerContainer:    4,
		MaxAppendableClaimBytes: 64,
	}

	fs, err := NewFileStore(cfg, claims, zaptest.NewLogger(t))
	require.NoError(t, err)
	first := writeContent(t, fs, "before restart, long enough to seal the claim immediately......")
	require.NoError(t, fs.Close())

	fs2, err := NewFileStore(cfg, claims, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer fs2.Close()

	second := writeContent(t, fs2, "after restart")
	assert.Greater(t, second.Resource.Sequence, first.Resource.Sequence,
		"claim sequences must not repeat after restart")
}
