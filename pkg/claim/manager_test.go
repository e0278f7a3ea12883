package claim

import (
	"sync"
	"testing"

	"flowcore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testClaim(id string) types.ResourceClaim {
	return types.ResourceClaim{Container: "default", Section: "1", ID: id, Sequence: 1}
}

func TestClaimantCountLifecycle(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	rc := testClaim("c1")

	assert.Equal(t, 1, m.IncrementClaimantCount(rc))
	assert.Equal(t, 2, m.IncrementClaimantCount(rc))
	assert.Equal(t, 2, m.ClaimantCount(rc))

	count, err := m.DecrementClaimantCount(rc)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = m.DecrementClaimantCount(rc)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.True(t, m.IsDestructible(rc))
}

func TestDecrementBelowZeroFailsLoudly(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	rc := testClaim("c1")

	m.IncrementClaimantCount(rc)
	_, err := m.DecrementClaimantCount(rc)
	require.NoError(t, err)

	_, err = m.DecrementClaimantCount(rc)
	require.ErrorIs(t, err, ErrNegativeClaimantCount)

	// A claim never incremented behaves the same way.
	_, err = m.DecrementClaimantCount(testClaim("never-seen"))
	require.ErrorIs(t, err, ErrNegativeClaimantCount)
}

func TestActiveClaimIsNeverDestructible(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	rc := testClaim("active")

	m.SetActive(rc)
	m.IncrementClaimantCount(rc)
	_, err := m.DecrementClaimantCount(rc)
	require.NoError(t, err)

	assert.False(t, m.IsDestructible(rc), "active write target must not be destructible at zero claimants")
	assert.Empty(t, m.DrainDestructible(10))

	m.ClearActive(rc)
	assert.True(t, m.IsDestructible(rc))

	drained := m.DrainDestructible(10)
	require.Len(t, drained, 1)
	assert.Equal(t, rc, drained[0])
}

func TestDrainDestructibleRemovesClaims(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	for _, id := range []string{"a", "b", "c"} {
		rc := testClaim(id)
		m.IncrementClaimantCount(rc)
		_, err := m.DecrementClaimantCount(rc)
		require.NoError(t, err)
	}

	first := m.DrainDestructible(2)
	assert.Len(t, first, 2)
	second := m.DrainDestructible(10)
	assert.Len(t, second, 1)
	assert.Empty(t, m.DrainDestructible(10))
}

func TestMarkDestructibleIgnoresReferencedClaims(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	rc := testClaim("held")

	m.IncrementClaimantCount(rc)
	m.MarkDestructible(rc)
	assert.Empty(t, m.DrainDestructible(10))

	orphan := testClaim("orphan")
	m.MarkDestructible(orphan)
	drained := m.DrainDestructible(10)
	require.Len(t, drained, 1)
	assert.Equal(t, orphan, drained[0])
}

func TestConcurrentCountsNeverGoNegative(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	rc := testClaim("shared")

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.IncrementClaimantCount(rc)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := m.DecrementClaimantCount(rc)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.ClaimantCount(rc))
	assert.True(t, m.IsDestructible(rc))
}
