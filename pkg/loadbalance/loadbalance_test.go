package loadbalance

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"flowcore/pkg/claim"
	"flowcore/pkg/codec"
	"flowcore/pkg/content"
	"flowcore/pkg/queue"
	"flowcore/pkg/repository"
	"flowcore/pkg/session"
	"flowcore/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type lbEnv struct {
	claims   *claim.Manager
	content  *content.FileStore
	repo     repository.Repository
	provider *queue.StaticProvider
	server   *Server
}

func newLBEnv(t *testing.T) *lbEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	claims := claim.NewManager(logger)

	store, err := content.NewFileStore(content.FileStoreConfig{
		Containers: map[string]string{"default": t.TempDir()},
	}, claims, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo, err := repository.NewWAL(repository.WALConfig{
		Dir:                t.TempDir(),
		CheckpointInterval: time.Hour,
	}, claims, logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	provider := queue.NewStaticProvider()
	provider.Register("dest")
	_, err = repo.LoadFlowFiles(provider)
	require.NoError(t, err)

	server := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, repo, store, claims, provider, logger)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Close() })

	return &lbEnv{claims: claims, content: store, repo: repo, provider: provider, server: server}
}

// rawClient drives the wire protocol by hand for fine-grained test control.
type rawClient struct {
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	compression Compression
}

func dialRaw(t *testing.T, addr string, compression Compression) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	require.NoError(t, writeClientHandshake(c.w, compression))
	require.NoError(t, c.w.Flush())
	negotiated, err := readServerHandshakeResponse(c.r)
	require.NoError(t, err)
	c.compression = negotiated
	return c
}

type wireFlowFile struct {
	attrs   map[string]string
	content string
}

func (c *rawClient) beginTransaction(t *testing.T, connID string) {
	t.Helper()
	require.NoError(t, codec.WriteUint8(c.w, msgTransactionStart))
	require.NoError(t, codec.WriteString(c.w, connID))
}

func (c *rawClient) sendFlowFile(t *testing.T, ff wireFlowFile) {
	t.Helper()
	require.NoError(t, writeFlowFileBlock(c.w, ff.attrs, []byte(ff.content), c.compression))
}

func (c *rawClient) complete(t *testing.T) error {
	t.Helper()
	require.NoError(t, codec.WriteUint8(c.w, msgNoMoreFlowFiles))
	require.NoError(t, codec.WriteUint8(c.w, msgCompleteTx))
	require.NoError(t, c.w.Flush())

	code, err := codec.ReadUint8(c.r)
	require.NoError(t, err)
	switch code {
	case msgConfirmComplete:
		return nil
	case msgAbortTransaction:
		reason, err := codec.ReadString(c.r)
		require.NoError(t, err)
		return &abortError{reason: reason}
	default:
		t.Fatalf("unexpected response %#x", code)
		return nil
	}
}

type abortError struct{ reason string }

func (e *abortError) Error() string { return "aborted: " + e.reason }

func (c *rawClient) sendBatch(t *testing.T, connID string, batch []wireFlowFile) error {
	t.Helper()
	c.beginTransaction(t, connID)
	for _, ff := range batch {
		c.sendFlowFile(t, ff)
	}
	return c.complete(t)
}

func attrsWithUUID(extra map[string]string) map[string]string {
	attrs := map[string]string{types.AttributeUUID: uuid.NewString()}
	for k, v := range extra {
		attrs[k] = v
	}
	return attrs
}

func TestHandshakeRejectsUnknownVersion(t *testing.T) {
	env := newLBEnv(t)
	conn, err := net.Dial("tcp", env.server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	require.NoError(t, codec.WriteUint32(w, ProtocolMagic))
	require.NoError(t, codec.WriteUint8(w, 99))
	require.NoError(t, codec.WriteUint8(w, uint8(CompressionNone)))
	require.NoError(t, codec.WriteUint32(w, 0))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(conn)
	code, err := codec.ReadUint8(r)
	require.NoError(t, err)
	assert.Equal(t, msgVersionRejected, code)
	highest, err := codec.ReadUint8(r)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, highest)
}

func TestReceiveTransaction(t *testing.T) {
	env := newLBEnv(t)
	c := dialRaw(t, env.server.Addr().String(), CompressionNone)

	batch := []wireFlowFile{
		{attrs: attrsWithUUID(map[string]string{"filename": "a.txt"}), content: "alpha"},
		{attrs: attrsWithUUID(nil), content: ""},
	}
	require.NoError(t, c.sendBatch(t, "dest", batch))

	q := env.provider.Queue("dest")
	count, _ := q.Size()
	require.Equal(t, 2, count)

	first := q.Poll()
	require.NotNil(t, first)
	assert.Equal(t, "a.txt", first.Attributes["filename"])
	assert.Equal(t, batch[0].attrs[types.AttributeUUID], first.UUID())
	require.NotNil(t, first.Claim)
	body, err := content.ReadAll(env.content, *first.Claim)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(body))

	second := q.Poll()
	require.NotNil(t, second)
	assert.Nil(t, second.Claim)
	assert.Zero(t, second.Size)
}

func TestReceiveTransactionGzip(t *testing.T) {
	env := newLBEnv(t)
	c := dialRaw(t, env.server.Addr().String(), CompressionGzip)
	require.Equal(t, CompressionGzip, c.compression)

	payload := strings.Repeat("compressible ", 1000)
	require.NoError(t, c.sendBatch(t, "dest", []wireFlowFile{
		{attrs: attrsWithUUID(nil), content: payload},
	}))

	ff := env.provider.Queue("dest").Poll()
	require.NotNil(t, ff)
	body, err := content.ReadAll(env.content, *ff.Claim)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
}

func TestRetriedBatchAppliesOnce(t *testing.T) {
	env := newLBEnv(t)
	c := dialRaw(t, env.server.Addr().String(), CompressionNone)

	batch := []wireFlowFile{
		{attrs: attrsWithUUID(nil), content: "one"},
		{attrs: attrsWithUUID(nil), content: "two"},
		{attrs: attrsWithUUID(nil), content: "three"},
	}
	require.NoError(t, c.sendBatch(t, "dest", batch))

	// The confirm was "lost"; the sender retries the identical batch on a
	// fresh connection.
	retry := dialRaw(t, env.server.Addr().String(), CompressionNone)
	require.NoError(t, retry.sendBatch(t, "dest", batch))

	count, _ := env.provider.Queue("dest").Size()
	assert.Equal(t, 3, count, "retried batch must be deduplicated by uuid")
}

func TestDuplicateUUIDWithinTransactionLastWins(t *testing.T) {
	env := newLBEnv(t)
	c := dialRaw(t, env.server.Addr().String(), CompressionNone)

	attrs := attrsWithUUID(map[string]string{"attempt": "1"})
	attrsRetry := map[string]string{
		types.AttributeUUID: attrs[types.AttributeUUID],
		"attempt":           "2",
	}
	require.NoError(t, c.sendBatch(t, "dest", []wireFlowFile{
		{attrs: attrs, content: "first"},
		{attrs: attrsRetry, content: "second"},
	}))

	q := env.provider.Queue("dest")
	count, _ := q.Size()
	require.Equal(t, 1, count)
	ff := q.Poll()
	assert.Equal(t, "2", ff.Attributes["attempt"])
	body, err := content.ReadAll(env.content, *ff.Claim)
	require.NoError(t, err)
	assert.Equal(t, "second", string(body))
}

func TestUnknownConnectionAborts(t *testing.T) {
	env := newLBEnv(t)
	c := dialRaw(t, env.server.Addr().String(), CompressionNone)

	c.beginTransaction(t, "no-such-connection")
	require.NoError(t, c.w.Flush())

	code, err := codec.ReadUint8(c.r)
	require.NoError(t, err)
	assert.Equal(t, msgAbortTransaction, code)
	reason, err := codec.ReadString(c.r)
	require.NoError(t, err)
	assert.Contains(t, reason, "no-such-connection")
}

func TestBackpressuredConnectionAborts(t *testing.T) {
	env := newLBEnv(t)
	q := env.provider.Queue("dest")
	q.SetBackpressure(1, 0)
	q.Put(&types.FlowFileRecord{ID: 999, Attributes: map[string]string{types.AttributeUUID: "resident"}})

	c := dialRaw(t, env.server.Addr().String(), CompressionNone)
	err := c.sendBatch(t, "dest", []wireFlowFile{{attrs: attrsWithUUID(nil), content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backpressured")

	count, _ := q.Size()
	assert.Equal(t, 1, count)
}

func TestDroppedConnectionCommitsNothing(t *testing.T) {
	env := newLBEnv(t)
	c := dialRaw(t, env.server.Addr().String(), CompressionNone)

	c.beginTransaction(t, "dest")
	c.sendFlowFile(t, wireFlowFile{attrs: attrsWithUUID(nil), content: "doomed"})
	require.NoError(t, c.w.Flush())
	c.conn.Close()

	// The server must roll the partial transaction back, not commit it.
	require.Eventually(t, func() bool {
		count, _ := env.provider.Queue("dest").Size()
		return count == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, env.repo.FindQueuesWithFlowFiles())
}

func TestSlowTransactionOutlivesReadIdleTimeout(t *testing.T) {
	env := newLBEnv(t)
	server := NewServer(ServerConfig{
		Addr:            "127.0.0.1:0",
		ReadIdleTimeout: 250 * time.Millisecond,
	}, env.repo, env.content, env.claims, env.provider, zaptest.NewLogger(t))
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Close() })

	c := dialRaw(t, server.Addr().String(), CompressionNone)
	c.beginTransaction(t, "dest")
	require.NoError(t, c.w.Flush())

	// Every frame arrives inside the idle window but the transaction as a
	// whole runs well past it. A deadline set once at transaction start would
	// kill the connection partway through.
	for i := 0; i < 5; i++ {
		time.Sleep(150 * time.Millisecond)
		c.sendFlowFile(t, wireFlowFile{attrs: attrsWithUUID(nil), content: "slow"})
		require.NoError(t, c.w.Flush())
	}
	require.NoError(t, c.complete(t))

	count, _ := env.provider.Queue("dest").Size()
	assert.Equal(t, 5, count)
}

// recordingObserver collects transfer notifications.
type recordingObserver struct {
	mu            sync.Mutex
	sent          int
	sentFlowFiles int
	received      int
	failed        int
	opened        []string
}

func (o *recordingObserver) TransactionSent(flowFiles int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent++
	o.sentFlowFiles += flowFiles
}

func (o *recordingObserver) TransactionReceived(int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received++
}

func (o *recordingObserver) TransactionFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *recordingObserver) CircuitBreakerOpened(peer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, peer)
}

func TestServerObserverCountsCommittedTransactions(t *testing.T) {
	env := newLBEnv(t)
	obs := &recordingObserver{}
	env.server.SetObserver(obs)

	c := dialRaw(t, env.server.Addr().String(), CompressionNone)
	require.NoError(t, c.sendBatch(t, "dest", []wireFlowFile{
		{attrs: attrsWithUUID(nil), content: "a"},
		{attrs: attrsWithUUID(nil), content: "b"},
	}))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.received)
}

func TestPoolObserverSeesCircuitBreakerOpen(t *testing.T) {
	pool := NewPeerPool(PoolConfig{
		DialTimeout:      200 * time.Millisecond,
		FailureThreshold: 2,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { pool.Close() })
	obs := &recordingObserver{}
	pool.SetObserver(obs)

	dead := "127.0.0.1:1"
	for i := 0; i < 2; i++ {
		_, err := pool.Get(context.Background(), "dest", dead)
		require.Error(t, err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{dead}, obs.opened)
}

func TestClientRegistryEndToEnd(t *testing.T) {
	env := newLBEnv(t)
	logger := zaptest.NewLogger(t)

	pool := NewPeerPool(PoolConfig{Compression: CompressionGzip}, logger)
	t.Cleanup(func() { pool.Close() })

	// Sender-side repositories, independent of the receiving env.
	senderClaims := claim.NewManager(logger)
	senderStore, err := content.NewFileStore(content.FileStoreConfig{
		Containers: map[string]string{"default": t.TempDir()},
	}, senderClaims, logger)
	require.NoError(t, err)
	t.Cleanup(func() { senderStore.Close() })

	senderRepo, err := repository.NewWAL(repository.WALConfig{
		Dir:                t.TempDir(),
		CheckpointInterval: time.Hour,
	}, senderClaims, logger)
	require.NoError(t, err)
	t.Cleanup(func() { senderRepo.Close() })

	senderProvider := queue.NewStaticProvider()
	source := senderProvider.Register("dest")
	_, err = senderRepo.LoadFlowFiles(senderProvider)
	require.NoError(t, err)

	// Seed the source queue through a local session.
	seed := session.New(senderRepo, senderStore, senderClaims, senderProvider, logger)
	for i := 0; i < 3; i++ {
		ff := seed.Create()
		require.NoError(t, seed.Write(ff, strings.NewReader("payload")))
		require.NoError(t, seed.Transfer(ff, "dest"))
	}
	require.NoError(t, seed.Commit())

	registry := NewClientRegistry(pool, senderStore, logger)
	t.Cleanup(func() { registry.Close() })
	obs := &recordingObserver{}
	registry.SetObserver(obs)

	var mu sync.Mutex
	var confirmed []*types.FlowFileRecord
	require.NoError(t, registry.Register(ClientConfig{
		ConnectionID: "dest",
		Peers:        []string{env.server.Addr().String()},
		IsEmpty:      source.IsEmpty,
		FlowFileSupplier: func(max int) []*types.FlowFileRecord {
			return source.PollBatch(max)
		},
		OnSuccess: func(peer string, flowFiles []*types.FlowFileRecord) {
			mu.Lock()
			confirmed = append(confirmed, flowFiles...)
			mu.Unlock()
		},
		OnFailure: func(peer string, flowFiles []*types.FlowFileRecord, err error) {
			source.PutAll(flowFiles)
		},
		PollInterval: 10 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		count, _ := env.provider.Queue("dest").Size()
		return count == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Len(t, confirmed, 3)
	mu.Unlock()

	obs.mu.Lock()
	assert.Equal(t, 3, obs.sentFlowFiles)
	assert.Zero(t, obs.failed)
	obs.mu.Unlock()

	received := env.provider.Queue("dest").Poll()
	require.NotNil(t, received)
	body, err := content.ReadAll(env.content, *received.Claim)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	registry.Unregister("dest")
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := NewPeerPool(PoolConfig{
		DialTimeout:      200 * time.Millisecond,
		FailureThreshold: 2,
	}, logger)
	t.Cleanup(func() { pool.Close() })

	// A port nothing listens on.
	dead := "127.0.0.1:1"
	for i := 0; i < 2; i++ {
		_, err := pool.Get(context.Background(), "dest", dead)
		require.Error(t, err)
	}

	_, err := pool.Get(context.Background(), "dest", dead)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, pool.PeerUsable(dead))
}
