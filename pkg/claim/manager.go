// Package claim tracks claimant counts for resource claims and decides when
// a claim becomes safe to physically reclaim.
package claim

import (
	"errors"
	"fmt"
	"sync"

	"flowcore/pkg/types"

	"go.uber.org/zap"
)

// ErrNegativeClaimantCount reports a decrement below zero. This is a
// programming error in the caller, never a recoverable condition.
var ErrNegativeClaimantCount = errors.New("claimant count decremented below zero")

type claimState struct {
	count  int
	active bool // current append target for its container/section
}

// Manager tracks claimant counts for every ResourceClaim in the process.
// A claim is destructible only when its count is zero and it is not the
// active write target of its section. Destructible claims queue up until the
// content repository's reclamation loop drains them.
type Manager struct {
	mu           sync.Mutex
	states       map[types.ResourceClaim]*claimState
	destructible []types.ResourceClaim
	queued       map[types.ResourceClaim]bool
	logger       *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		states: make(map[types.ResourceClaim]*claimState),
		queued: make(map[types.ResourceClaim]bool),
		logger: logger,
	}
}

// IncrementClaimantCount adds a claimant and returns the new count.
func (m *Manager) IncrementClaimantCount(rc types.ResourceClaim) int {
	if rc.IsZero() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[rc]
	if st == nil {
		st = &claimState{}
		m.states[rc] = st
	}
	st.count++
	return st.count
}

// DecrementClaimantCount removes a claimant and returns the new count.
// Reaching zero marks the claim a destruction candidate; it is enqueued for
// reclamation once it is also no longer the active write target.
func (m *Manager) DecrementClaimantCount(rc types.ResourceClaim) (int, error) {
	if rc.IsZero() {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[rc]
	if st == nil || st.count == 0 {
		m.logger.Error("Claimant count underflow",
			zap.String("container", rc.Container),
			zap.String("section", rc.Section),
			zap.String("claim_id", rc.ID))
		return 0, fmt.Errorf("claim %s/%s/%s: %w", rc.Container, rc.Section, rc.ID, ErrNegativeClaimantCount)
	}
	st.count--
	if st.count == 0 && !st.active {
		m.enqueueLocked(rc)
	}
	return st.count, nil
}

// ClaimantCount returns the current count, for diagnostics.
func (m *Manager) ClaimantCount(rc types.ResourceClaim) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.states[rc]; st != nil {
		return st.count
	}
	return 0
}

// SetActive marks the claim as the current append target for its section.
// An active claim is never destructible, even at zero claimants.
func (m *Manager) SetActive(rc types.ResourceClaim) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[rc]
	if st == nil {
		st = &claimState{}
		m.states[rc] = st
	}
	st.active = true
}

// ClearActive seals the claim for further appends. If no claimants remain it
// becomes destructible immediately.
func (m *Manager) ClearActive(rc types.ResourceClaim) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[rc]
	if st == nil {
		return
	}
	st.active = false
	if st.count == 0 {
		m.enqueueLocked(rc)
	}
}

// MarkDestructible explicitly queues a claim for reclamation, used during
// startup reconciliation for claims no live FlowFile references.
func (m *Manager) MarkDestructible(rc types.ResourceClaim) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[rc]
	if st != nil && (st.count > 0 || st.active) {
		return
	}
	m.enqueueLocked(rc)
}

// IsDestructible reports whether the claim has zero claimants and is not the
// active write target.
func (m *Manager) IsDestructible(rc types.ResourceClaim) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[rc]
	if st == nil {
		return true
	}
	return st.count == 0 && !st.active
}

// DrainDestructible removes and returns up to max destructible claims. The
// content repository's reclamation loop consumes these.
func (m *Manager) DrainDestructible(max int) []types.ResourceClaim {
	m.mu.Lock()
	defer m.mu.Unlock()

	if max <= 0 || max > len(m.destructible) {
		max = len(m.destructible)
	}
	if max == 0 {
		return nil
	}
	drained := make([]types.ResourceClaim, max)
	copy(drained, m.destructible[:max])
	m.destructible = m.destructible[max:]
	for _, rc := range drained {
		delete(m.queued, rc)
		delete(m.states, rc)
	}
	return drained
}

// Purge drops all claim bookkeeping. Only valid at startup in non-durable
// mode, paired with the content repository's own purge.
func (m *Manager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[types.ResourceClaim]*claimState)
	m.destructible = nil
	m.queued = make(map[types.ResourceClaim]bool)
}

func (m *Manager) enqueueLocked(rc types.ResourceClaim) {
	if m.queued[rc] {
		return
	}
	m.queued[rc] = true
	m.destructible = append(m.destructible, rc)
}
