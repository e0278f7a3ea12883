package loadbalance

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"flowcore/pkg/claim"
	"flowcore/pkg/codec"
	"flowcore/pkg/content"
	"flowcore/pkg/queue"
	"flowcore/pkg/repository"
	"flowcore/pkg/session"
	"flowcore/pkg/types"

	"go.uber.org/zap"
)

const (
	// dedupTTL is how long a committed FlowFile uuid is remembered. A batch
	// retried after the confirm was lost re-applies idempotently inside this
	// window.
	dedupTTL = 5 * time.Minute

	readIdleTimeout = 2 * time.Minute
)

// ServerConfig configures the receiving side of the load-balance protocol.
type ServerConfig struct {
	Addr string

	// TLS enables mutually authenticated transport when set.
	TLS *tls.Config

	// ReadIdleTimeout bounds the wait for the next frame. It is refreshed
	// per frame, so a long transaction stays alive as long as the peer keeps
	// sending. Zero means the default.
	ReadIdleTimeout time.Duration
}

// Server accepts peer connections and stages received FlowFiles into the
// local repositories exactly like a local session commit. The confirm is
// sent only after the repository batch is durable.
type Server struct {
	cfg      ServerConfig
	repo     repository.Repository
	content  content.Repository
	claims   *claim.Manager
	provider queue.Provider
	logger   *zap.Logger

	ln net.Listener
	wg sync.WaitGroup

	dedupMu sync.Mutex
	dedup   map[string]time.Time // flowfile uuid -> commit time

	observerMu sync.Mutex
	observer   Observer

	stop      chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg ServerConfig, repo repository.Repository, contentRepo content.Repository, claims *claim.Manager, provider queue.Provider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = readIdleTimeout
	}
	return &Server{
		cfg:      cfg,
		repo:     repo,
		content:  contentRepo,
		claims:   claims,
		provider: provider,
		logger:   logger,
		dedup:    make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
}

// Start binds the listener and begins accepting peers.
func (s *Server) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", s.cfg.Addr, s.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Load-balance server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	version, compression, err := readClientHandshake(r)
	if err != nil {
		logger.Warn("Bad handshake", zap.Error(err))
		return
	}
	if version != ProtocolVersion {
		writeServerReject(w)
		w.Flush()
		logger.Warn("Rejected protocol version", zap.Uint8("proposed_version", version))
		return
	}
	if compression > CompressionGzip {
		// Unknown mode; fall back rather than refuse.
		compression = CompressionNone
	}
	if err := writeServerAccept(w, compression); err != nil {
		return
	}
	if err := w.Flush(); err != nil {
		return
	}

	// Transaction loop. A clean EOF between transactions is a normal
	// disconnect; anything else mid-transaction is handled inside.
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))

		code, err := codec.ReadUint8(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}
		if code != msgTransactionStart {
			logger.Warn("Unexpected message between transactions", zap.Uint8("code", code))
			return
		}
		if err := s.receiveFlowFiles(conn, r, w, compression, logger); err != nil {
			logger.Warn("Transaction failed", zap.Error(err))
			return
		}
	}
}

// receiveFlowFiles runs one inbound transaction: stage every FlowFile into a
// session, commit on the completion marker, confirm only after the commit is
// durable. Any error sends an explicit abort; a dropped connection rolls the
// session back and commits nothing.
func (s *Server) receiveFlowFiles(conn net.Conn, r *bufio.Reader, w *bufio.Writer, compression Compression, logger *zap.Logger) error {
	connID, err := codec.ReadString(r)
	if err != nil {
		return fmt.Errorf("read destination connection id: %w", err)
	}
	queueID := types.ConnectionID(connID)

	if !s.provider.Exists(queueID) {
		s.abort(w, fmt.Sprintf("unknown connection %s", connID))
		return fmt.Errorf("transaction for unknown connection %s", connID)
	}
	if q := s.provider.Queue(queueID); q != nil && q.IsFull() {
		s.abort(w, fmt.Sprintf("connection %s is backpressured", connID))
		return fmt.Errorf("refused transaction for backpressured connection %s", connID)
	}

	sess := session.New(s.repo, s.content, s.claims, s.provider, logger)
	staged := make(map[string]*types.FlowFileRecord) // uuid -> session flowfile
	received := 0
	skipped := 0

	fail := func(reason string, err error) error {
		sess.Rollback()
		s.abort(w, reason)
		return err
	}

	for {
		// A slow link or large batch must not inherit a deadline set before
		// the transaction began; each frame earns a fresh one.
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))

		code, err := codec.ReadUint8(r)
		if err != nil {
			sess.Rollback()
			return fmt.Errorf("connection dropped mid-transaction: %w", err)
		}

		switch code {
		case msgMoreFlowFiles:
			payload, err := readFlowFileBlock(r, compression)
			if err != nil {
				return fail("malformed flowfile block", fmt.Errorf("read flowfile block: %w", err))
			}
			received++

			id := uuidOf(payload.attributes)
			if id != "" && s.recentlyCommitted(id) {
				// Retry of a batch whose confirm was lost; this FlowFile is
				// already durable here.
				skipped++
				continue
			}
			if prev, ok := staged[id]; ok && id != "" {
				// Same uuid twice within one transaction; last one wins.
				if err := sess.Remove(prev); err != nil {
					return fail("internal error", err)
				}
			}

			ff := sess.CreateWithAttributes(payload.attributes)
			if len(payload.content) > 0 {
				if err := sess.Write(ff, bytes.NewReader(payload.content)); err != nil {
					return fail("content staging failed", fmt.Errorf("stage content: %w", err))
				}
			}
			if err := sess.Transfer(ff, queueID); err != nil {
				return fail("internal error", err)
			}
			if id != "" {
				staged[id] = ff
			}

		case msgNoMoreFlowFiles:
			// Batch complete; the completion marker must follow.

		case msgCompleteTx:
			if err := sess.Commit(); err != nil {
				s.abort(w, "repository commit failed")
				return fmt.Errorf("commit received flowfiles: %w", err)
			}
			s.rememberCommitted(staged)
			if err := codec.WriteUint8(w, msgConfirmComplete); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			s.notifyReceived(received - skipped)
			logger.Debug("Received load-balanced flowfiles",
				zap.String("connection_id", connID),
				zap.Int("received", received),
				zap.Int("deduplicated", skipped))
			return nil

		case msgAbortTransaction:
			reason, _ := codec.ReadString(r)
			sess.Rollback()
			logger.Info("Peer aborted transaction",
				zap.String("connection_id", connID),
				zap.String("reason", reason))
			return nil

		default:
			return fail("protocol error", fmt.Errorf("unexpected message %#x in transaction", code))
		}
	}
}

// SetObserver registers the sink for inbound transaction notifications.
func (s *Server) SetObserver(o Observer) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.observer = o
}

func (s *Server) notifyReceived(flowFiles int) {
	s.observerMu.Lock()
	o := s.observer
	s.observerMu.Unlock()
	if o != nil {
		o.TransactionReceived(flowFiles)
	}
}

func (s *Server) abort(w *bufio.Writer, reason string) {
	if err := writeAbort(w, reason); err == nil {
		w.Flush()
	}
}

func (s *Server) recentlyCommitted(uuid string) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	at, ok := s.dedup[uuid]
	if !ok {
		return false
	}
	if time.Since(at) > dedupTTL {
		delete(s.dedup, uuid)
		return false
	}
	return true
}

func (s *Server) rememberCommitted(staged map[string]*types.FlowFileRecord) {
	now := time.Now()
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	for uuid, at := range s.dedup {
		if now.Sub(at) > dedupTTL {
			delete(s.dedup, uuid)
		}
	}
	for uuid := range staged {
		s.dedup[uuid] = now
	}
}

func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	return nil
}
