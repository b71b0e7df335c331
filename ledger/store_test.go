package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareCreate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := NewMemStore()
	ti := newTestIssuer(t, 0)

	prep := commitOp(t, ctx, store, ti.create, testTime)
	assert.Equal("", prep.PrevHead)
	assert.Equal(ti.create.Hash(), prep.OpHash)

	entry, err := store.GetDid(ctx, ti.did)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(ti.create.Hash(), entry.Head)
	assert.Len(entry.Keys, 3)
	assert.Equal(testTime, entry.CreatedAt)

	// same DID again
	_, err = PrepareOperation(ctx, store, ti.create, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)
	assert.ErrorIs(err, didwallet.ErrLedgerRejected)

	missing, err := store.GetDid(ctx, "did:wal:missing")
	assert.NoError(err)
	assert.Nil(missing)
}

func TestPrepareCreateInvalid(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := NewMemStore()
	ti := newTestIssuer(t, 0)

	unsigned := *ti.create
	unsigned.Sig = nil
	_, err := PrepareOperation(ctx, store, &unsigned, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	// signed by a key that isn't a master key
	byIssuing := NewCreateDidOp("issuing0", ti.create.PublicKeys)
	require.NoError(t, byIssuing.Sign(ti.issuing.Private))
	_, err = PrepareOperation(ctx, store, byIssuing, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	// claims master0 but signed with another key
	forged := NewCreateDidOp("master0", ti.create.PublicKeys)
	require.NoError(t, forged.Sign(ti.issuing.Private))
	_, err = PrepareOperation(ctx, store, forged, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	dup := NewCreateDidOp("master0", []PublicKeyEntry{ti.create.PublicKeys[0], ti.create.PublicKeys[0]})
	require.NoError(t, dup.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, dup, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	badUsage := NewCreateDidOp("master0", []PublicKeyEntry{
		ti.create.PublicKeys[0],
		{ID: "x0", Usage: "signing", Key: ti.issuing.DIDKey()},
	})
	require.NoError(t, badUsage.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, badUsage, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	_, err = PrepareOperation(ctx, store, nil, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)
}

func TestPrepareUpdate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := NewMemStore()
	ti := newTestIssuer(t, 0)
	commitOp(t, ctx, store, ti.create, testTime)

	auth := deriveKey(t, ti.seed, 0, didwallet.AuthenticationKey, 0)
	add := NewUpdateDidOp(ti.did, ti.create.Hash(), "master0", []PublicKeyEntry{
		NewPublicKeyEntry("authentication0", didwallet.AuthenticationKey, auth),
	}, nil)
	require.NoError(t, add.Sign(ti.master.Private))
	later := testTime.Add(time.Hour)
	prep := commitOp(t, ctx, store, add, later)
	assert.Equal(ti.create.Hash(), prep.PrevHead)

	entry, err := store.GetDid(ctx, ti.did)
	require.NoError(t, err)
	assert.Equal(add.Hash(), entry.Head)
	assert.Len(entry.Keys, 4)
	assert.Equal(later, entry.UpdatedAt)

	// stale prev
	stale := NewUpdateDidOp(ti.did, ti.create.Hash(), "master0", nil, []string{"authentication0"})
	require.NoError(t, stale.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, stale, later)
	assert.ErrorIs(err, ErrHeadMismatch)
	assert.ErrorIs(err, didwallet.ErrChainConflict)

	revoke := NewUpdateDidOp(ti.did, add.Hash(), "master0", nil, []string{"authentication0"})
	require.NoError(t, revoke.Sign(ti.master.Private))
	commitOp(t, ctx, store, revoke, later.Add(time.Hour))

	entry, err = store.GetDid(ctx, ti.did)
	require.NoError(t, err)
	k := entry.FindKey("authentication0")
	require.NotNil(t, k)
	assert.True(k.Revoked())
	assert.True(k.ValidAt(later))
	assert.False(k.ValidAt(later.Add(time.Hour)))

	again := NewUpdateDidOp(ti.did, revoke.Hash(), "master0", nil, []string{"authentication0"})
	require.NoError(t, again.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, again, later)
	assert.ErrorIs(err, ErrInvalidOperation)

	// revoked key ids stay reserved
	readd := NewUpdateDidOp(ti.did, revoke.Hash(), "master0", []PublicKeyEntry{
		NewPublicKeyEntry("authentication0", didwallet.AuthenticationKey, auth),
	}, nil)
	require.NoError(t, readd.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, readd, later)
	assert.ErrorIs(err, ErrInvalidOperation)

	lastMaster := NewUpdateDidOp(ti.did, revoke.Hash(), "master0", nil, []string{"master0"})
	require.NoError(t, lastMaster.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, lastMaster, later)
	assert.ErrorIs(err, ErrInvalidOperation)

	byIssuing := NewUpdateDidOp(ti.did, revoke.Hash(), "issuing0", nil, []string{"revocation0"})
	require.NoError(t, byIssuing.Sign(ti.issuing.Private))
	_, err = PrepareOperation(ctx, store, byIssuing, later)
	assert.ErrorIs(err, ErrInvalidOperation)

	empty := NewUpdateDidOp(ti.did, revoke.Hash(), "master0", nil, nil)
	require.NoError(t, empty.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, empty, later)
	assert.ErrorIs(err, ErrInvalidOperation)

	unknownDid := NewUpdateDidOp("did:wal:unknown", "", "master0", nil, []string{"issuing0"})
	require.NoError(t, unknownDid.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, unknownDid, later)
	assert.ErrorIs(err, ErrInvalidOperation)
}

func TestRotateMasterKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	ti := newTestIssuer(t, 0)
	commitOp(t, ctx, store, ti.create, testTime)

	master1 := deriveKey(t, ti.seed, 0, didwallet.MasterKey, 1)
	add := NewUpdateDidOp(ti.did, ti.create.Hash(), "master0", []PublicKeyEntry{
		NewPublicKeyEntry("master1", didwallet.MasterKey, master1),
	}, []string{"master0"})
	require.NoError(t, add.Sign(ti.master.Private))
	commitOp(t, ctx, store, add, testTime)

	// master0 is gone, master1 signs from now on
	next := NewUpdateDidOp(ti.did, add.Hash(), "master0", nil, []string{"issuing0"})
	require.NoError(t, next.Sign(ti.master.Private))
	_, err := PrepareOperation(ctx, store, next, testTime)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	next = NewUpdateDidOp(ti.did, add.Hash(), "master1", nil, []string{"issuing0"})
	require.NoError(t, next.Sign(master1.Private))
	commitOp(t, ctx, store, next, testTime)
}

func TestPrepareIssueAndRevoke(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := NewMemStore()
	ti := newTestIssuer(t, 0)
	commitOp(t, ctx, store, ti.create, testTime)

	batch := ti.issueBatch(t, ti.create.Hash(), 3)
	prep := commitOp(t, ctx, store, batch.op, testTime)
	require.NotNil(t, prep.Batch)
	assert.Equal(batch.op.BatchID(), prep.Batch.BatchID)

	entry, err := store.GetDid(ctx, ti.did)
	require.NoError(t, err)
	assert.Equal(batch.op.Hash(), entry.Head)

	anchored, err := store.GetBatch(ctx, batch.op.BatchID())
	require.NoError(t, err)
	require.NotNil(t, anchored)
	assert.Equal(batch.tree.Root(), anchored.MerkleRoot)
	assert.Equal(ti.did, anchored.IssuerDID)
	assert.Equal(batch.op.Hash(), anchored.OperationHash)

	// the same root can't be anchored twice
	replay := NewIssueCredentialsOp(ti.did, batch.op.Hash(), "issuing0", batch.tree.Root())
	require.NoError(t, replay.Sign(ti.issuing.Private))
	_, err = PrepareOperation(ctx, store, replay, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	byMaster := ti.issueBatch(t, batch.op.Hash(), 1)
	byMaster.op.SignedWith = "master0"
	require.NoError(t, byMaster.op.Sign(ti.master.Private))
	_, err = PrepareOperation(ctx, store, byMaster.op, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	leaf := batch.creds[1].Hash()
	revoke := NewRevokeCredentialsOp(ti.did, batch.op.Hash(), "revocation0", batch.op.BatchID(), []string{leaf})
	require.NoError(t, revoke.Sign(ti.revocation.Private))
	prep = commitOp(t, ctx, store, revoke, testTime)
	assert.Nil(prep.Did)

	// revocation does not move the DID head
	entry, err = store.GetDid(ctx, ti.did)
	require.NoError(t, err)
	assert.Equal(batch.op.Hash(), entry.Head)

	anchored, err = store.GetBatch(ctx, batch.op.BatchID())
	require.NoError(t, err)
	assert.True(anchored.IsRevoked(leaf))
	assert.False(anchored.IsRevoked(batch.creds[0].Hash()))

	again := NewRevokeCredentialsOp(ti.did, batch.op.Hash(), "revocation0", batch.op.BatchID(), []string{leaf})
	require.NoError(t, again.Sign(ti.revocation.Private))
	_, err = PrepareOperation(ctx, store, again, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	wrongPrev := NewRevokeCredentialsOp(ti.did, ti.create.Hash(), "revocation0", batch.op.BatchID(), []string{batch.creds[0].Hash()})
	require.NoError(t, wrongPrev.Sign(ti.revocation.Private))
	_, err = PrepareOperation(ctx, store, wrongPrev, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	byIssuing := NewRevokeCredentialsOp(ti.did, batch.op.Hash(), "issuing0", batch.op.BatchID(), []string{batch.creds[0].Hash()})
	require.NoError(t, byIssuing.Sign(ti.issuing.Private))
	_, err = PrepareOperation(ctx, store, byIssuing, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	unknownBatch := NewRevokeCredentialsOp(ti.did, batch.op.Hash(), "revocation0", "00", []string{batch.creds[0].Hash()})
	require.NoError(t, unknownBatch.Sign(ti.revocation.Private))
	_, err = PrepareOperation(ctx, store, unknownBatch, testTime)
	assert.ErrorIs(err, ErrInvalidOperation)

	whole := NewRevokeCredentialsOp(ti.did, batch.op.Hash(), "revocation0", batch.op.BatchID(), nil)
	require.NoError(t, whole.Sign(ti.revocation.Private))
	commitOp(t, ctx, store, whole, testTime)
	anchored, err = store.GetBatch(ctx, batch.op.BatchID())
	require.NoError(t, err)
	assert.True(anchored.IsRevoked(batch.creds[0].Hash()))
	assert.True(anchored.IsRevoked(batch.creds[2].Hash()))
}

func TestCommitHeadMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	ti := newTestIssuer(t, 0)
	commitOp(t, ctx, store, ti.create, testTime)

	a := NewUpdateDidOp(ti.did, ti.create.Hash(), "master0", nil, []string{"issuing0"})
	require.NoError(t, a.Sign(ti.master.Private))
	b := NewUpdateDidOp(ti.did, ti.create.Hash(), "master0", nil, []string{"revocation0"})
	require.NoError(t, b.Sign(ti.master.Private))

	// both validate against the same head; only the first commit wins
	prepA, err := PrepareOperation(ctx, store, a, testTime)
	require.NoError(t, err)
	prepB, err := PrepareOperation(ctx, store, b, testTime)
	require.NoError(t, err)

	require.NoError(t, store.CommitOperations(ctx, []*PreparedOperation{prepA}))
	err = store.CommitOperations(ctx, []*PreparedOperation{prepB})
	assert.ErrorIs(t, err, ErrHeadMismatch)
}

func TestOverlay(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	base := NewMemStore()
	overlay := NewOverlay(base)
	ti := newTestIssuer(t, 0)

	commitOp(t, ctx, overlay, ti.create, testTime)

	// chained operation validates against the staged state
	batch := ti.issueBatch(t, ti.create.Hash(), 2)
	commitOp(t, ctx, overlay, batch.op, testTime)

	staged, err := overlay.GetBatch(ctx, batch.op.BatchID())
	require.NoError(t, err)
	assert.NotNil(staged)

	// base is untouched
	entry, err := base.GetDid(ctx, ti.did)
	require.NoError(t, err)
	assert.Nil(entry)
	anchored, err := base.GetBatch(ctx, batch.op.BatchID())
	require.NoError(t, err)
	assert.Nil(anchored)

	overlay.Reset()
	entry, err = overlay.GetDid(ctx, ti.did)
	require.NoError(t, err)
	assert.Nil(entry)
}
