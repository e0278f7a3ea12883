// Package session implements the working-copy commit protocol. A processor
// polls FlowFiles from queues, mutates working copies, and the session turns
// the accumulated changes into one atomic repository batch on commit. Queue
// mutations become visible only after the batch is durable.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"flowcore/pkg/claim"
	"flowcore/pkg/content"
	"flowcore/pkg/queue"
	"flowcore/pkg/repository"
	"flowcore/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotTransferred reports a commit attempt while a polled or created
	// FlowFile has neither a destination queue nor a pending delete.
	ErrNotTransferred = errors.New("flowfile neither transferred nor removed")

	// ErrNotTracked reports an operation on a FlowFile this session does not
	// own.
	ErrNotTracked = errors.New("flowfile not part of this session")

	ErrSessionClosed = errors.New("session already committed or rolled back")
)

// tracked is the per-FlowFile state machine: untouched after Get, working
// once mutated, resolved to create/update/delete at commit.
type tracked struct {
	original        *types.FlowFileRecord // nil for FlowFiles created here
	working         *types.FlowFileRecord
	sourceQueue     *queue.FlowFileQueue // set when polled, for rollback
	destination     types.ConnectionID
	deleted         bool
	contentModified bool
	acquiredClaim   *types.ContentClaim // claim acquired by Write, not yet durable
}

// Session accumulates FlowFile changes and commits them atomically.
// A session is single-owner; it is not safe for concurrent use, matching the
// one-session-per-worker execution model.
type Session struct {
	repo     repository.Repository
	content  content.Repository
	claims   *claim.Manager
	provider queue.Provider
	logger   *zap.Logger

	mu      sync.Mutex
	records map[uint64]*tracked
	order   []uint64 // FlowFile ids in touch order; commits apply FIFO per queue
	closed  bool
}

func New(repo repository.Repository, contentRepo content.Repository, claims *claim.Manager, provider queue.Provider, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		repo:     repo,
		content:  contentRepo,
		claims:   claims,
		provider: provider,
		logger:   logger,
		records:  make(map[uint64]*tracked),
	}
}

// Create makes a new FlowFile owned by this session. It has no content and
// must be transferred or removed before commit.
func (s *Session) Create() *types.FlowFileRecord {
	ff := &types.FlowFileRecord{
		ID: s.repo.NextFlowFileSequence(),
		Attributes: map[string]string{
			types.AttributeUUID: uuid.NewString(),
		},
		EntryDate: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[ff.ID] = &tracked{working: ff}
	s.order = append(s.order, ff.ID)
	return ff
}

// CreateWithAttributes makes a new FlowFile carrying the given attributes,
// used by receivers that already hold a deserialized attribute map. A uuid
// attribute in the map is kept; otherwise one is generated.
func (s *Session) CreateWithAttributes(attrs map[string]string) *types.FlowFileRecord {
	ff := &types.FlowFileRecord{
		ID:         s.repo.NextFlowFileSequence(),
		Attributes: make(map[string]string, len(attrs)+1),
		EntryDate:  time.Now(),
	}
	for k, v := range attrs {
		ff.Attributes[k] = v
	}
	if ff.Attributes[types.AttributeUUID] == "" {
		ff.Attributes[types.AttributeUUID] = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[ff.ID] = &tracked{working: ff}
	s.order = append(s.order, ff.ID)
	return ff
}

// Get polls the next FlowFile from the queue into this session and returns a
// working copy, or nil when the in-memory portion is empty.
func (s *Session) Get(q *queue.FlowFileQueue) *types.FlowFileRecord {
	original := q.Poll()
	if original == nil {
		return nil
	}
	working := original.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[working.ID] = &tracked{
		original:    original,
		working:     working,
		sourceQueue: q,
	}
	s.order = append(s.order, working.ID)
	return working
}

func (s *Session) lookup(ff *types.FlowFileRecord) (*tracked, error) {
	rec, ok := s.records[ff.ID]
	if !ok {
		return nil, fmt.Errorf("flowfile %d: %w", ff.ID, ErrNotTracked)
	}
	return rec, nil
}

// PutAttribute sets one attribute on the working copy. The uuid attribute is
// immutable and attempts to change it are ignored.
func (s *Session) PutAttribute(ff *types.FlowFileRecord, key, value string) error {
	if key == types.AttributeUUID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(ff)
	if err != nil {
		return err
	}
	rec.working.Attributes[key] = value
	return nil
}

// PutAllAttributes merges the map into the working copy's attributes.
func (s *Session) PutAllAttributes(ff *types.FlowFileRecord, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(ff)
	if err != nil {
		return err
	}
	for k, v := range attrs {
		if k == types.AttributeUUID {
			continue
		}
		rec.working.Attributes[k] = v
	}
	return nil
}

// RemoveAttribute drops one attribute from the working copy. The uuid
// attribute cannot be removed.
func (s *Session) RemoveAttribute(ff *types.FlowFileRecord, key string) error {
	if key == types.AttributeUUID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(ff)
	if err != nil {
		return err
	}
	delete(rec.working.Attributes, key)
	return nil
}

// Write replaces the FlowFile's content with the bytes from r. The new claim
// holds a claimant immediately; the old claim's claimant is settled by the
// repository at commit, or released here if the session rewrites again or
// rolls back.
func (s *Session) Write(ff *types.FlowFileRecord, r io.Reader) error {
	s.mu.Lock()
	rec, err := s.lookup(ff)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	w, err := s.content.NewWriter()
	if err != nil {
		return fmt.Errorf("allocate content claim: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abandon()
		return fmt.Errorf("write flowfile content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize content claim: %w", err)
	}
	cc := w.Claim()

	s.mu.Lock()
	defer s.mu.Unlock()
	// A second Write within the session retires the first in-session claim;
	// it was never durable so the session releases it directly.
	if rec.acquiredClaim != nil {
		s.releaseClaim(rec.acquiredClaim)
	}
	rec.acquiredClaim = &cc
	rec.contentModified = true
	rec.working.Claim = &cc
	rec.working.Size = cc.Length
	return nil
}

// Read opens the working copy's content.
func (s *Session) Read(ff *types.FlowFileRecord) (io.ReadCloser, error) {
	s.mu.Lock()
	rec, err := s.lookup(ff)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if rec.working.Claim == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return s.content.Read(*rec.working.Claim)
}

// Transfer routes the FlowFile to the destination queue at commit.
func (s *Session) Transfer(ff *types.FlowFileRecord, destination types.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(ff)
	if err != nil {
		return err
	}
	if rec.deleted {
		return fmt.Errorf("flowfile %d already removed", ff.ID)
	}
	rec.destination = destination
	return nil
}

// Remove marks the FlowFile for deletion at commit.
func (s *Session) Remove(ff *types.FlowFileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(ff)
	if err != nil {
		return err
	}
	rec.deleted = true
	rec.destination = ""
	return nil
}

// Commit submits every touched FlowFile as one atomic repository batch, then
// makes the queue transfers visible. Any repository failure rolls the session
// back; queues never observe a half-committed session.
func (s *Session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	batch := make([]*types.RepositoryRecord, 0, len(s.records))
	var dropped []*tracked // created then removed, never durable
	for _, id := range s.order {
		rec := s.records[id]
		switch {
		case rec.original == nil && rec.deleted:
			dropped = append(dropped, rec)
		case rec.original == nil:
			if rec.destination == "" {
				s.mu.Unlock()
				return fmt.Errorf("flowfile %d: %w", rec.working.ID, ErrNotTransferred)
			}
			batch = append(batch, &types.RepositoryRecord{
				Type:            types.RecordCreate,
				Current:         rec.working,
				Destination:     rec.destination,
				ContentModified: rec.contentModified,
			})
		case rec.deleted:
			batch = append(batch, &types.RepositoryRecord{
				Type:            types.RecordDelete,
				Original:        rec.original,
				Current:         rec.working,
				ContentModified: rec.contentModified,
			})
		default:
			if rec.destination == "" {
				s.mu.Unlock()
				return fmt.Errorf("flowfile %d: %w", rec.working.ID, ErrNotTransferred)
			}
			batch = append(batch, &types.RepositoryRecord{
				Type:            types.RecordUpdate,
				Original:        rec.original,
				Current:         rec.working,
				Destination:     rec.destination,
				ContentModified: rec.contentModified,
			})
		}
	}
	s.mu.Unlock()

	if err := s.repo.UpdateRepository(batch); err != nil {
		s.Rollback()
		return fmt.Errorf("commit session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Durable now. Created-then-removed FlowFiles never reached the
	// repository, so their claims are released here.
	for _, rec := range dropped {
		if rec.acquiredClaim != nil {
			s.releaseClaim(rec.acquiredClaim)
		}
	}
	for _, id := range s.order {
		rec := s.records[id]
		if rec.deleted || rec.destination == "" {
			continue
		}
		if q := s.provider.Queue(rec.destination); q != nil {
			q.Put(rec.working)
		} else {
			s.logger.Error("Committed flowfile routed to unknown queue",
				zap.Uint64("flowfile_id", rec.working.ID),
				zap.String("queue_id", string(rec.destination)))
		}
	}
	s.records = make(map[uint64]*tracked)
	s.order = nil
	s.closed = true
	return nil
}

// Rollback returns polled FlowFiles to their source queues unchanged and
// releases every content claim acquired during the session.
func (s *Session) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, id := range s.order {
		rec := s.records[id]
		if rec.acquiredClaim != nil {
			s.releaseClaim(rec.acquiredClaim)
		}
		if rec.original != nil && rec.sourceQueue != nil {
			rec.sourceQueue.Put(rec.original)
		}
	}
	s.records = make(map[uint64]*tracked)
	s.order = nil
	s.closed = true
}

func (s *Session) releaseClaim(cc *types.ContentClaim) {
	if _, err := s.claims.DecrementClaimantCount(cc.Resource); err != nil {
		s.logger.Error("Claimant accounting error",
			zap.String("claim_id", cc.Resource.ID),
			zap.Error(err))
	}
}
