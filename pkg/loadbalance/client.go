package loadbalance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowcore/pkg/codec"
	"flowcore/pkg/content"
	"flowcore/pkg/types"

	"go.uber.org/zap"
)

const (
	defaultBatchSize      = 100
	defaultPollInterval   = 100 * time.Millisecond
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// ClientConfig registers one connection for load-balanced transfer. The
// registry runs one worker per (connection, peer) pair.
type ClientConfig struct {
	ConnectionID types.ConnectionID
	Peers        []string

	// FlowFileSupplier hands the worker its next batch. The supplier keeps
	// ownership of the FlowFiles until OnSuccess; a failed transaction hands
	// them back through OnFailure for requeueing.
	FlowFileSupplier func(max int) []*types.FlowFileRecord

	// IsEmpty short-circuits polling without taking queue locks.
	IsEmpty func() bool

	// Backpressured reports that the destination should not receive more
	// data right now. Not an error; the worker just waits.
	Backpressured func() bool

	// OnSuccess fires after the peer confirmed its commit is durable.
	OnSuccess func(peer string, flowFiles []*types.FlowFileRecord)

	// OnFailure fires when the transaction failed for any reason, including
	// a dropped connection. The FlowFiles were not committed remotely.
	OnFailure func(peer string, flowFiles []*types.FlowFileRecord, err error)

	BatchSize    int
	PollInterval time.Duration
}

// ClientRegistry runs the sending side of the load-balance protocol: a set
// of workers, one per (connection, peer) pair, multiplexed over the pooled
// persistent sockets.
type ClientRegistry struct {
	pool    *PeerPool
	content content.Repository
	logger  *zap.Logger

	mu       sync.Mutex
	workers  map[types.ConnectionID][]*clientWorker
	observer Observer
	closed   bool
}

func NewClientRegistry(pool *PeerPool, contentRepo content.Repository, logger *zap.Logger) *ClientRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientRegistry{
		pool:    pool,
		content: contentRepo,
		logger:  logger,
		workers: make(map[types.ConnectionID][]*clientWorker),
	}
}

// SetObserver registers the sink for outbound transaction notifications.
func (r *ClientRegistry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *ClientRegistry) getObserver() Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

// Register starts transfer workers for the connection, one per peer.
func (r *ClientRegistry) Register(cfg ClientConfig) error {
	if cfg.ConnectionID == "" {
		return fmt.Errorf("load-balance client requires a connection id")
	}
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("load-balance client for %s has no peers", cfg.ConnectionID)
	}
	if cfg.FlowFileSupplier == nil {
		return fmt.Errorf("load-balance client for %s has no flowfile supplier", cfg.ConnectionID)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("client registry is closed")
	}
	if _, exists := r.workers[cfg.ConnectionID]; exists {
		return fmt.Errorf("connection %s already registered", cfg.ConnectionID)
	}

	workers := make([]*clientWorker, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		w := &clientWorker{
			registry: r,
			cfg:      cfg,
			peer:     peer,
			logger: r.logger.With(
				zap.String("connection_id", string(cfg.ConnectionID)),
				zap.String("peer", peer)),
			stop: make(chan struct{}),
			done: make(chan struct{}),
		}
		workers = append(workers, w)
		go w.run()
	}
	r.workers[cfg.ConnectionID] = workers

	r.logger.Info("Registered load-balance connection",
		zap.String("connection_id", string(cfg.ConnectionID)),
		zap.Int("peers", len(cfg.Peers)))
	return nil
}

// Unregister stops the connection's workers. An in-flight transaction runs
// to its confirm or abort; the repository on the far side is never left
// ambiguous.
func (r *ClientRegistry) Unregister(connectionID types.ConnectionID) {
	r.mu.Lock()
	workers := r.workers[connectionID]
	delete(r.workers, connectionID)
	r.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}
	for _, w := range workers {
		<-w.done
	}
	if len(workers) > 0 {
		r.logger.Info("Unregistered load-balance connection",
			zap.String("connection_id", string(connectionID)))
	}
}

func (r *ClientRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*clientWorker
	for id, workers := range r.workers {
		all = append(all, workers...)
		delete(r.workers, id)
	}
	r.mu.Unlock()

	for _, w := range all {
		close(w.stop)
	}
	for _, w := range all {
		<-w.done
	}
}

// clientWorker drives transactions for one (connection, peer) pair.
type clientWorker struct {
	registry *ClientRegistry
	cfg      ClientConfig
	peer     string
	logger   *zap.Logger

	backoff time.Duration
	stop    chan struct{}
	done    chan struct{}
}

func (w *clientWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		if (w.cfg.IsEmpty != nil && w.cfg.IsEmpty()) ||
			(w.cfg.Backpressured != nil && w.cfg.Backpressured()) ||
			!w.registry.pool.PeerUsable(w.peer) {
			if !w.sleep(w.cfg.PollInterval) {
				return
			}
			continue
		}

		batch := w.cfg.FlowFileSupplier(w.cfg.BatchSize)
		if len(batch) == 0 {
			if !w.sleep(w.cfg.PollInterval) {
				return
			}
			continue
		}

		if err := w.sendBatch(batch); err != nil {
			w.logger.Warn("Load-balance transaction failed",
				zap.Int("flowfiles", len(batch)),
				zap.Error(err))
			if o := w.registry.getObserver(); o != nil {
				o.TransactionFailed()
			}
			if w.cfg.OnFailure != nil {
				w.cfg.OnFailure(w.peer, batch, err)
			}
			if !w.sleep(w.nextBackoff()) {
				return
			}
			continue
		}

		w.backoff = 0
		if o := w.registry.getObserver(); o != nil {
			o.TransactionSent(len(batch))
		}
		if w.cfg.OnSuccess != nil {
			w.cfg.OnSuccess(w.peer, batch)
		}
	}
}

// sendBatch runs one full transaction. Success means the peer's confirm was
// read; everything else, including a dropped connection, is failure and the
// caller retries the whole batch.
func (w *clientWorker) sendBatch(batch []*types.FlowFileRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.registry.pool.cfg.DialTimeout)
	pc, err := w.registry.pool.Get(ctx, w.cfg.ConnectionID, w.peer)
	cancel()
	if err != nil {
		return err
	}

	if err := w.transact(pc, batch); err != nil {
		w.registry.pool.Release(w.cfg.ConnectionID, w.peer, pc, false)
		return err
	}
	w.registry.pool.Release(w.cfg.ConnectionID, w.peer, pc, true)
	return nil
}

func (w *clientWorker) transact(pc *PeerConn, batch []*types.FlowFileRecord) error {
	if err := codec.WriteUint8(pc.w, msgTransactionStart); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}
	if err := codec.WriteString(pc.w, string(w.cfg.ConnectionID)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}

	for _, ff := range batch {
		var body []byte
		if ff.Claim != nil {
			var err error
			body, err = content.ReadAll(w.registry.content, *ff.Claim)
			if err != nil {
				// Local content is unreadable; aborting keeps the peer's
				// repository out of it entirely.
				writeAbort(pc.w, "sender content unavailable")
				pc.w.Flush()
				return fmt.Errorf("read content for flowfile %d: %w", ff.ID, err)
			}
		}
		if err := writeFlowFileBlock(pc.w, ff.Attributes, body, pc.compression); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
		}
	}

	if err := codec.WriteUint8(pc.w, msgNoMoreFlowFiles); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}
	if err := codec.WriteUint8(pc.w, msgCompleteTx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}
	if err := pc.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}

	code, err := codec.ReadUint8(pc.r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}
	switch code {
	case msgConfirmComplete:
		return nil
	case msgAbortTransaction:
		reason, err := codec.ReadString(pc.r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
		}
		return fmt.Errorf("%w: %s", ErrTransactionAborted, reason)
	default:
		return fmt.Errorf("unexpected transaction response %#x", code)
	}
}

func (w *clientWorker) nextBackoff() time.Duration {
	if w.backoff == 0 {
		w.backoff = defaultInitialBackoff
	} else {
		w.backoff *= 2
		if w.backoff > defaultMaxBackoff {
			w.backoff = defaultMaxBackoff
		}
	}
	return w.backoff
}

// sleep waits for d or until the worker is stopped; false means stop.
func (w *clientWorker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stop:
		return false
	}
}
