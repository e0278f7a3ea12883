package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"flowcore/pkg/auth"
	"flowcore/pkg/claim"
	"flowcore/pkg/config"
	"flowcore/pkg/content"
	"flowcore/pkg/loadbalance"
	"flowcore/pkg/metrics"
	"flowcore/pkg/queue"
	"flowcore/pkg/repository"
	"flowcore/pkg/swap"
	"flowcore/pkg/types"
	"flowcore/pkg/utils"

	"go.uber.org/zap"
)

const swapSupervisorInterval = time.Second

// engine owns the full component graph of one node: claim manager, content
// and FlowFile repositories, queues, swap supervisor, and both sides of the
// load-balance protocol.
type engine struct {
	cfg    *config.Config
	logger *zap.Logger

	claims   *claim.Manager
	store    *content.FileStore
	repo     repository.Repository
	provider *queue.StaticProvider
	swapMgr  *swap.FileSwapManager

	lbServer *loadbalance.Server
	pool     *loadbalance.PeerPool
	registry *loadbalance.ClientRegistry

	metrics       *metrics.Metrics
	monitor       *metrics.Monitor
	metricsServer interface{ Close() error }

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newEngine(cfg *config.Config, logger *zap.Logger) (*engine, error) {
	claims := claim.NewManager(logger)

	store, err := content.NewFileStore(content.FileStoreConfig{
		Containers:              cfg.ContentRepository.Containers,
		SectionsPerContainer:    cfg.ContentRepository.SectionsPerContainer,
		MaxAppendableClaimBytes: cfg.MaxAppendableClaimBytes(),
	}, claims, logger)
	if err != nil {
		return nil, fmt.Errorf("open content repository: %w", err)
	}

	var repo repository.Repository
	if cfg.FlowFileRepository.Volatile {
		repo = repository.NewVolatile(claims, logger)
	} else {
		repo, err = repository.NewWAL(repository.WALConfig{
			Dir:                cfg.FlowFileRepository.Dir,
			CheckpointInterval: cfg.CheckpointInterval(),
			MaxJournalBytes:    cfg.MaxJournalBytes(),
		}, claims, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open flowfile repository: %w", err)
		}
	}

	provider := queue.NewStaticProvider()
	for _, conn := range cfg.Connections {
		q := provider.Register(types.ConnectionID(conn.ID))
		q.SetBackpressure(conn.MaxCount, utils.ParseDataSizeWithDefault(conn.MaxSize, 0))
		q.SetSwapThresholds(queue.SwapThresholds{
			HighWater: cfg.Swap.HighWater,
			LowWater:  cfg.Swap.LowWater,
		})
	}

	if _, err := repo.LoadFlowFiles(provider); err != nil {
		repo.Close()
		store.Close()
		return nil, fmt.Errorf("load flowfile repository: %w", err)
	}

	swapMgr, err := swap.NewFileSwapManager(cfg.Swap.Dir, logger)
	if err != nil {
		repo.Close()
		store.Close()
		return nil, fmt.Errorf("open swap directory: %w", err)
	}

	e := &engine{
		cfg:      cfg,
		logger:   logger,
		claims:   claims,
		store:    store,
		repo:     repo,
		provider: provider,
		swapMgr:  swapMgr,
		stop:     make(chan struct{}),
	}
	e.reconcileSwapFiles()

	srvCfg := loadbalance.ServerConfig{Addr: cfg.LoadBalance.ListenAddr}
	poolCfg := loadbalance.PoolConfig{
		FailureThreshold: cfg.LoadBalance.FailureThreshold,
		BreakerCooldown:  cfg.BreakerCooldown(),
		DialsPerSecond:   cfg.LoadBalance.DialsPerSecond,
		Compression:      parseCompression(cfg.LoadBalance.Compression),
	}
	if cfg.TLS.Enabled {
		settings := auth.TLSSettings{
			CertPath: cfg.TLS.CertPath,
			KeyPath:  cfg.TLS.KeyPath,
			CAPath:   cfg.TLS.CAPath,
		}
		srvCfg.TLS, err = auth.BuildServerConfig(settings)
		if err != nil {
			e.closeRepositories()
			return nil, fmt.Errorf("build server tls config: %w", err)
		}
		poolCfg.TLS, err = auth.BuildClientConfig(settings)
		if err != nil {
			e.closeRepositories()
			return nil, fmt.Errorf("build client tls config: %w", err)
		}
	}

	e.lbServer = loadbalance.NewServer(srvCfg, repo, store, claims, provider, logger)
	e.pool = loadbalance.NewPeerPool(poolCfg, logger)
	e.registry = loadbalance.NewClientRegistry(e.pool, store, logger)

	if cfg.Metrics.Enabled {
		e.metrics = metrics.New(nil)
		e.repo.SetObserver(e.metrics)
		e.store.SetObserver(e.metrics)
		e.lbServer.SetObserver(e.metrics)
		e.pool.SetObserver(e.metrics)
		e.registry.SetObserver(e.metrics)
	}

	return e, nil
}

func (e *engine) Start() error {
	if err := e.lbServer.Start(); err != nil {
		return fmt.Errorf("start load-balance listener: %w", err)
	}

	if len(e.cfg.LoadBalance.Peers) > 0 {
		for _, q := range e.provider.All() {
			if err := e.registry.Register(e.clientConfigFor(q)); err != nil {
				return fmt.Errorf("register load-balance client for %s: %w", q.ID(), err)
			}
		}
	}

	if e.metrics != nil {
		e.monitor = metrics.NewMonitor(e.metrics, e.repo, e.provider, e.logger)
		e.monitor.Start()
		e.metricsServer = metrics.StartServer(e.cfg.Metrics.Port, e.monitor, e.logger)
	}

	e.wg.Add(1)
	go e.swapSupervisor()

	e.logger.Info("Engine started",
		zap.String("node_id", e.cfg.NodeID),
		zap.String("listen_addr", e.cfg.LoadBalance.ListenAddr),
		zap.Int("queues", len(e.provider.All())),
		zap.Bool("volatile", e.repo.IsVolatile()))
	return nil
}

// clientConfigFor binds one queue to the sending side of the load-balance
// protocol. Confirmed FlowFiles are deleted locally so their claims can be
// reclaimed; failed batches re-enter at the tail of the queue and take
// another trip through it before the next attempt.
func (e *engine) clientConfigFor(q *queue.FlowFileQueue) loadbalance.ClientConfig {
	return loadbalance.ClientConfig{
		ConnectionID:     q.ID(),
		Peers:            e.cfg.LoadBalance.Peers,
		BatchSize:        e.cfg.LoadBalance.BatchSize,
		FlowFileSupplier: q.PollBatch,
		IsEmpty:          q.IsEmpty,
		OnSuccess: func(peer string, flowFiles []*types.FlowFileRecord) {
			records := make([]*types.RepositoryRecord, 0, len(flowFiles))
			for _, ff := range flowFiles {
				records = append(records, &types.RepositoryRecord{
					Type:    types.RecordDelete,
					Current: ff,
				})
			}
			if err := e.repo.UpdateRepository(records); err != nil {
				e.logger.Error("Failed to delete transferred FlowFiles from repository",
					zap.String("connection_id", string(q.ID())),
					zap.String("peer", peer),
					zap.Error(err))
			}
		},
		OnFailure: func(peer string, flowFiles []*types.FlowFileRecord, err error) {
			q.PutAll(flowFiles)
		},
	}
}

// reconcileSwapFiles squares the swap directory with what the repository
// replayed. A swap file the repository never made durable holds FlowFiles
// that are still live in memory; keeping it would duplicate them. A durable
// swap location whose file is gone is unrecoverable data loss and must be
// reported, not silently retried forever.
func (e *engine) reconcileSwapFiles() {
	for _, q := range e.provider.All() {
		onDisk, err := e.swapMgr.RecoverSwapLocations(q.ID())
		if err != nil {
			e.logger.Error("Failed to scan swap directory",
				zap.String("connection_id", string(q.ID())),
				zap.Error(err))
			continue
		}
		known := make(map[string]struct{})
		for _, location := range q.SwapLocations() {
			known[location] = struct{}{}
		}

		for _, location := range onDisk {
			if _, ok := known[location]; ok {
				continue
			}
			e.logger.Warn("Dropping swap file with no durable repository record",
				zap.String("connection_id", string(q.ID())),
				zap.String("swap_location", location))
			if err := e.swapMgr.Drop(location); err != nil {
				e.logger.Error("Failed to drop stale swap file",
					zap.String("swap_location", location),
					zap.Error(err))
			}
		}
		for location := range known {
			if _, err := os.Stat(location); err != nil {
				e.logger.Error("Swap file referenced by the repository is missing; its FlowFiles are lost",
					zap.String("connection_id", string(q.ID())),
					zap.String("swap_location", location))
				q.RemoveSwapLocation(location)
			}
		}
	}
}

// swapSupervisor moves queue overflow to disk and restores it as queues
// drain. Ordering matters for crash consistency: the swap file is written
// before the repository record, and the file is removed only after the
// swap-in record is durable.
func (e *engine) swapSupervisor() {
	defer e.wg.Done()
	ticker := time.NewTicker(swapSupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, q := range e.provider.All() {
				e.swapQueue(q)
			}
		case <-e.stop:
			return
		}
	}
}

func (e *engine) swapQueue(q *queue.FlowFileQueue) {
	if count, ok := q.ShouldSwapOut(); ok {
		flowFiles := q.PollForSwap(count)
		if len(flowFiles) == 0 {
			return
		}
		location, err := e.swapMgr.SwapOut(flowFiles, q.ID())
		if err != nil {
			e.logger.Error("Swap-out failed, restoring FlowFiles to memory",
				zap.String("connection_id", string(q.ID())),
				zap.Error(err))
			q.PutAll(flowFiles)
			return
		}
		if err := e.repo.SwapFlowFilesOut(flowFiles, q, location); err != nil {
			e.logger.Error("Swap-out record not durable, dropping swap file",
				zap.String("connection_id", string(q.ID())),
				zap.String("swap_location", location),
				zap.Error(err))
			e.swapMgr.Drop(location)
			q.PutAll(flowFiles)
			return
		}
		var bytes int64
		for _, ff := range flowFiles {
			bytes += ff.Size
		}
		q.AddSwapLocation(location, queue.SwapSummary{Count: len(flowFiles), Bytes: bytes})
		e.logger.Info("Swapped FlowFiles out",
			zap.String("connection_id", string(q.ID())),
			zap.String("swap_location", location),
			zap.Int("count", len(flowFiles)))
	}

	if location, ok := q.ShouldSwapIn(); ok {
		flowFiles, err := e.swapMgr.Peek(location, q.ID())
		if err != nil {
			e.logger.Error("Swap-in read failed",
				zap.String("connection_id", string(q.ID())),
				zap.String("swap_location", location),
				zap.Error(err))
			q.RemoveSwapLocation(location)
			return
		}
		if err := e.repo.SwapFlowFilesIn(location, flowFiles, q); err != nil {
			e.logger.Error("Swap-in record not durable, leaving swap file in place",
				zap.String("connection_id", string(q.ID())),
				zap.String("swap_location", location),
				zap.Error(err))
			return
		}
		q.RemoveSwapLocation(location)
		q.PutAll(flowFiles)
		if err := e.swapMgr.Drop(location); err != nil {
			e.logger.Warn("Failed to remove restored swap file",
				zap.String("swap_location", location),
				zap.Error(err))
		}
		e.logger.Info("Swapped FlowFiles in",
			zap.String("connection_id", string(q.ID())),
			zap.String("swap_location", location),
			zap.Int("count", len(flowFiles)))
	}
}

func (e *engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()

	if e.registry != nil {
		e.registry.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.lbServer != nil {
		e.lbServer.Close()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.metricsServer != nil {
		e.metricsServer.Close()
	}
	return e.closeRepositories()
}

func (e *engine) closeRepositories() error {
	var firstErr error
	if err := e.repo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func parseCompression(s string) loadbalance.Compression {
	if s == "gzip" {
		return loadbalance.CompressionGzip
	}
	return loadbalance.CompressionNone
}
