package loadbalance

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"flowcore/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultDialTimeout         = 10 * time.Second
	defaultIdleTimeout         = 5 * time.Minute
	defaultMaintenanceInterval = 30 * time.Second
	defaultFailureThreshold    = 3
	defaultBreakerCooldown     = 30 * time.Second
)

// PoolConfig configures the peer connection pool.
type PoolConfig struct {
	DialTimeout         time.Duration
	IdleTimeout         time.Duration
	MaintenanceInterval time.Duration

	// FailureThreshold is how many consecutive failures open a peer's
	// circuit breaker; BreakerCooldown is how long it stays open before
	// half-opening.
	FailureThreshold int
	BreakerCooldown  time.Duration

	// DialsPerSecond paces new connection attempts across all peers so a
	// flapping cluster cannot trigger a reconnect storm. Zero means unpaced.
	DialsPerSecond float64

	// TLS enables mutually authenticated transport when set.
	TLS *tls.Config

	// Compression is proposed to every peer at handshake.
	Compression Compression
}

// CircuitState is the per-peer circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, reject attempts
	CircuitHalfOpen                     // probing recovery
)

// PeerConn is one established, handshaken connection to a peer.
type PeerConn struct {
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	compression Compression
	lastUsed    time.Time
}

func (pc *PeerConn) Close() error {
	return pc.conn.Close()
}

// peerState tracks circuit breaker bookkeeping for one peer address, shared
// by every connection-id socket to that peer.
type peerState struct {
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// PeerPool hands out one persistent socket per (connection id, peer) pair
// and tracks per-peer health with a circuit breaker.
type PeerPool struct {
	cfg     PoolConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	idle     map[string]*PeerConn  // connection id | peer -> idle socket
	peers    map[string]*peerState // peer -> breaker state
	observer Observer

	stop      chan struct{}
	closeOnce sync.Once
}

// SetObserver registers the sink for circuit breaker notifications.
func (p *PeerPool) SetObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

func NewPeerPool(cfg PoolConfig, logger *zap.Logger) *PeerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}

	var limiter *rate.Limiter
	if cfg.DialsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DialsPerSecond), 1)
	}

	p := &PeerPool{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		idle:    make(map[string]*PeerConn),
		peers:   make(map[string]*peerState),
		stop:    make(chan struct{}),
	}
	go p.maintain()
	return p
}

func poolKey(connectionID types.ConnectionID, peer string) string {
	return string(connectionID) + "|" + peer
}

// Get returns the pooled socket for the pair, dialing and handshaking a new
// one when none is idle. A peer with an open circuit breaker is refused
// without a dial attempt.
func (p *PeerPool) Get(ctx context.Context, connectionID types.ConnectionID, peer string) (*PeerConn, error) {
	key := poolKey(connectionID, peer)

	p.mu.Lock()
	st := p.peerStateLocked(peer)
	if st.state == CircuitOpen {
		p.mu.Unlock()
		return nil, fmt.Errorf("peer %s: %w", peer, ErrCircuitOpen)
	}
	if pc, ok := p.idle[key]; ok {
		delete(p.idle, key)
		p.mu.Unlock()
		pc.lastUsed = time.Now()
		return pc, nil
	}
	p.mu.Unlock()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return p.dial(ctx, peer)
}

func (p *PeerPool) dial(ctx context.Context, peer string) (*PeerConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: p.cfg.TLS}).DialContext(ctx, "tcp", peer)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", peer)
	}
	if err != nil {
		p.RecordFailure(peer)
		return nil, fmt.Errorf("dial peer %s: %w", peer, err)
	}

	pc := &PeerConn{
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		lastUsed: time.Now(),
	}
	if err := p.handshake(pc); err != nil {
		conn.Close()
		p.RecordFailure(peer)
		return nil, fmt.Errorf("handshake with peer %s: %w", peer, err)
	}

	p.logger.Info("Established load-balance connection",
		zap.String("peer", peer),
		zap.String("compression", pc.compression.String()))
	return pc, nil
}

func (p *PeerPool) handshake(pc *PeerConn) error {
	if err := writeClientHandshake(pc.w, p.cfg.Compression); err != nil {
		return err
	}
	if err := pc.w.Flush(); err != nil {
		return err
	}
	negotiated, err := readServerHandshakeResponse(pc.r)
	if err != nil {
		return err
	}
	pc.compression = negotiated
	return nil
}

// Release returns a healthy socket to the pool, or closes a poisoned one.
// A transaction failure poisons the socket: mid-protocol state is not
// recoverable on a reused connection.
func (p *PeerPool) Release(connectionID types.ConnectionID, peer string, pc *PeerConn, healthy bool) {
	if pc == nil {
		return
	}
	if !healthy {
		pc.Close()
		p.RecordFailure(peer)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.peerStateLocked(peer)
	if st.state == CircuitHalfOpen {
		st.state = CircuitClosed
		p.logger.Info("Peer circuit breaker closed", zap.String("peer", peer))
	}
	st.failures = 0

	key := poolKey(connectionID, peer)
	if prev, ok := p.idle[key]; ok {
		prev.Close()
	}
	pc.lastUsed = time.Now()
	p.idle[key] = pc
}

// RecordFailure counts a failure against the peer and opens its circuit
// breaker at the threshold.
func (p *PeerPool) RecordFailure(peer string) {
	p.mu.Lock()
	st := p.peerStateLocked(peer)
	st.failures++
	st.lastFailure = time.Now()
	opened := false
	if st.failures >= p.cfg.FailureThreshold && st.state != CircuitOpen {
		st.state = CircuitOpen
		opened = true
	}
	failures := st.failures
	observer := p.observer
	p.mu.Unlock()

	if opened {
		p.logger.Warn("Peer circuit breaker opened",
			zap.String("peer", peer),
			zap.Int("consecutive_failures", failures))
		if observer != nil {
			observer.CircuitBreakerOpened(peer)
		}
	}
}

// PeerUsable reports whether the peer's circuit breaker admits traffic.
func (p *PeerPool) PeerUsable(peer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerStateLocked(peer).state != CircuitOpen
}

func (p *PeerPool) peerStateLocked(peer string) *peerState {
	st := p.peers[peer]
	if st == nil {
		st = &peerState{}
		p.peers[peer] = st
	}
	return st
}

func (p *PeerPool) maintain() {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.performMaintenance()
		case <-p.stop:
			return
		}
	}
}

func (p *PeerPool) performMaintenance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, pc := range p.idle {
		if now.Sub(pc.lastUsed) > p.cfg.IdleTimeout {
			pc.Close()
			delete(p.idle, key)
			p.logger.Debug("Closed idle load-balance connection", zap.String("pair", key))
		}
	}
	for peer, st := range p.peers {
		if st.state == CircuitOpen && now.Sub(st.lastFailure) > p.cfg.BreakerCooldown {
			st.state = CircuitHalfOpen
			st.failures = 0
			p.logger.Info("Peer circuit breaker half-open", zap.String("peer", peer))
		}
	}
}

// Stats summarizes pool health for diagnostics.
func (p *PeerPool) Stats() (idleConns int, openBreakers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.peers {
		if st.state == CircuitOpen {
			openBreakers++
		}
	}
	return len(p.idle), openBreakers
}

func (p *PeerPool) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pc := range p.idle {
		pc.Close()
		delete(p.idle, key)
	}
	return nil
}
