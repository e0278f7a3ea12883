package session

import (
	"strings"
	"testing"
	"time"

	"flowcore/pkg/claim"
	"flowcore/pkg/content"
	"flowcore/pkg/queue"
	"flowcore/pkg/repository"
	"flowcore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sessionEnv struct {
	claims   *claim.Manager
	content  *content.FileStore
	repo     repository.Repository
	provider *queue.StaticProvider
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	claims := claim.NewManager(logger)

	store, err := content.NewFileStore(content.FileStoreConfig{
		Containers: map[string]string{"default": t.TempDir()},
		// Seal after every write so each test write lands in its own
		// resource claim and claimant counts are unambiguous.
		MaxAppendableClaimBytes: 1,
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
	provider.Register("in")
	provider.Register("out")
	_, err = repo.LoadFlowFiles(provider)
	require.NoError(t, err)

	return &sessionEnv{claims: claims, content: store, repo: repo, provider: provider}
}

func (e *sessionEnv) newSession(t *testing.T) *Session {
	return New(e.repo, e.content, e.claims, e.provider, zaptest.NewLogger(t))
}

func TestCreateWriteTransferCommit(t *testing.T) {
	env := newSessionEnv(t)
	s := env.newSession(t)

	ff := s.Create()
	assert.NotEmpty(t, ff.UUID())
	require.NoError(t, s.PutAttribute(ff, "filename", "data.bin"))
	require.NoError(t, s.Write(ff, strings.NewReader("hello world")))
	require.NoError(t, s.Transfer(ff, "out"))
	require.NoError(t, s.Commit())

	out := env.provider.Queue("out")
	committed := out.Poll()
	require.NotNil(t, committed)
	assert.Equal(t, "data.bin", committed.Attributes["filename"])
	assert.Equal(t, int64(11), committed.Size)
	require.NotNil(t, committed.Claim)

	body, err := content.ReadAll(env.content, *committed.Claim)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))

	assert.Equal(t, 1, env.claims.ClaimantCount(committed.Claim.Resource))
}

func TestUUIDAttributeIsImmutable(t *testing.T) {
	env := newSessionEnv(t)
	s := env.newSession(t)

	ff := s.Create()
	original := ff.UUID()
	require.NoError(t, s.PutAttribute(ff, types.AttributeUUID, "forged"))
	require.NoError(t, s.PutAllAttributes(ff, map[string]string{types.AttributeUUID: "forged", "other": "ok"}))
	require.NoError(t, s.RemoveAttribute(ff, types.AttributeUUID))

	assert.Equal(t, original, ff.UUID())
	assert.Equal(t, "ok", ff.Attributes["other"])
	s.Rollback()
}

func TestCommitRequiresTransferOrRemove(t *testing.T) {
	env := newSessionEnv(t)
	s := env.newSession(t)

	s.Create()
	err := s.Commit()
	require.ErrorIs(t, err, ErrNotTransferred)
}

func TestGetUpdateMovesBetweenQueues(t *testing.T) {
	env := newSessionEnv(t)

	// Seed the input queue.
	seed := env.newSession(t)
	ff := seed.Create()
	require.NoError(t, seed.Write(ff, strings.NewReader("payload")))
	require.NoError(t, seed.Transfer(ff, "in"))
	require.NoError(t, seed.Commit())

	s := env.newSession(t)
	got := s.Get(env.provider.Queue("in"))
	require.NotNil(t, got)
	require.NoError(t, s.PutAttribute(got, "state", "processed"))
	require.NoError(t, s.Transfer(got, "out"))
	require.NoError(t, s.Commit())

	inCount, _ := env.provider.Queue("in").Size()
	assert.Zero(t, inCount)
	moved := env.provider.Queue("out").Poll()
	require.NotNil(t, moved)
	assert.Equal(t, "processed", moved.Attributes["state"])
	// Content untouched: still one claimant on the original claim.
	assert.Equal(t, 1, env.claims.ClaimantCount(moved.Claim.Resource))
}

func TestRollbackRestoresSourceQueueAndClaims(t *testing.T) {
	env := newSessionEnv(t)

	seed := env.newSession(t)
	ff := seed.Create()
	require.NoError(t, seed.Write(ff, strings.NewReader("original")))
	require.NoError(t, seed.Transfer(ff, "in"))
	require.NoError(t, seed.Commit())
	originalClaim := env.provider.Queue("in").Poll().Claim
	env.provider.Queue("in").Put(ff)

	s := env.newSession(t)
	got := s.Get(env.provider.Queue("in"))
	require.NotNil(t, got)
	require.NoError(t, s.PutAttribute(got, "state", "doomed"))
	require.NoError(t, s.Write(got, strings.NewReader("rewritten")))
	rewrittenClaim := got.Claim
	s.Rollback()

	// The FlowFile is back, unmodified, and the abandoned rewrite claim
	// carries no claimant.
	restored := env.provider.Queue("in").Poll()
	require.NotNil(t, restored)
	assert.Empty(t, restored.Attributes["state"])
	assert.Equal(t, *originalClaim, *restored.Claim)
	assert.Equal(t, 1, env.claims.ClaimantCount(originalClaim.Resource))
	assert.Zero(t, env.claims.ClaimantCount(rewrittenClaim.Resource))
}

func TestRemoveAfterContentRewriteSettlesBothClaims(t *testing.T) {
	env := newSessionEnv(t)

	seed := env.newSession(t)
	ff := seed.Create()
	require.NoError(t, seed.Write(ff, strings.NewReader("original")))
	require.NoError(t, seed.Transfer(ff, "in"))
	require.NoError(t, seed.Commit())

	s := env.newSession(t)
	got := s.Get(env.provider.Queue("in"))
	require.NotNil(t, got)
	originalClaim := *got.Claim
	require.NoError(t, s.Write(got, strings.NewReader("rewritten before delete")))
	rewrittenClaim := *got.Claim
	require.NoError(t, s.Remove(got))
	require.NoError(t, s.Commit())

	// Exactly once per claim touched in the session: the original lost its
	// only claimant, and so did the rewrite.
	assert.Zero(t, env.claims.ClaimantCount(originalClaim.Resource))
	assert.Zero(t, env.claims.ClaimantCount(rewrittenClaim.Resource))
}

func TestDoubleWriteReleasesIntermediateClaim(t *testing.T) {
	env := newSessionEnv(t)
	s := env.newSession(t)

	ff := s.Create()
	require.NoError(t, s.Write(ff, strings.NewReader("first")))
	first := *ff.Claim
	require.NoError(t, s.Write(ff, strings.NewReader("second version")))
	second := *ff.Claim
	require.NoError(t, s.Transfer(ff, "out"))
	require.NoError(t, s.Commit())

	require.NotEqual(t, first.Resource, second.Resource)
	assert.Zero(t, env.claims.ClaimantCount(first.Resource))
	assert.Equal(t, 1, env.claims.ClaimantCount(second.Resource))

	committed := env.provider.Queue("out").Poll()
	require.NotNil(t, committed)
	body, err := content.ReadAll(env.content, *committed.Claim)
	require.NoError(t, err)
	assert.Equal(t, "second version", string(body))
}

func TestCreateThenRemoveLeavesNothingBehind(t *testing.T) {
	env := newSessionEnv(t)
	s := env.newSession(t)

	ff := s.Create()
	require.NoError(t, s.Write(ff, strings.NewReader("ephemeral")))
	cc := *ff.Claim
	require.NoError(t, s.Remove(ff))
	require.NoError(t, s.Commit())

	assert.Zero(t, env.claims.ClaimantCount(cc.Resource))
	assert.Empty(t, env.repo.FindQueuesWithFlowFiles())
}

func TestSessionClosedAfterCommit(t *testing.T) {
	env := newSessionEnv(t)
	s := env.newSession(t)

	ff := s.Create()
	require.NoError(t, s.Transfer(ff, "out"))
	require.NoError(t, s.Commit())
	require.ErrorIs(t, s.Commit(), ErrSessionClosed)
}
