package wallet

import (
	"context"
	"fmt"
	"testing"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type issuerFixture struct {
	seed   []byte
	ledger *countingLedger
	did    *didwallet.Did
	dids   *DidManager
	engine *CredentialEngine
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()
	ctx := context.Background()
	f := &issuerFixture{
		seed:   testSeed(t),
		ledger: newCountingLedger(),
	}
	f.dids = NewDidManager(f.ledger)
	f.engine = NewCredentialEngine(f.ledger)

	did, err := f.dids.CreateDid("issuer", 0, f.seed, true)
	require.NoError(t, err)
	_, err = f.dids.Publish(ctx, did, f.seed)
	require.NoError(t, err)
	f.did = did
	return f
}

func (f *issuerFixture) issue(t *testing.T, aliases ...string) []didwallet.IssuedCredential {
	t.Helper()
	reqs := []CredentialRequest{}
	for i, alias := range aliases {
		reqs = append(reqs, CredentialRequest{Alias: alias, Claim: bobClaim(fmt.Sprintf(`{"n":%d}`, i))})
	}
	issued, _, err := f.engine.Issue(context.Background(), f.did, f.seed, reqs)
	require.NoError(t, err)
	return issued
}

func TestIssue(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newIssuerFixture(t)
	head := f.did.LastOperationHash()

	issued := f.issue(t, "c1", "c2", "c3")
	require.Len(t, issued, 3)
	assert.Len(f.did.OperationHashes, 2)
	assert.NotEqual(head, f.did.LastOperationHash())

	batchID := issued[0].BatchID
	for _, c := range issued {
		assert.Equal(batchID, c.BatchID)
		assert.Equal("issuer", c.IssuingDidAlias)
		assert.Equal(f.did.LastOperationHash(), c.OperationHash)
		assert.Equal(c.CredentialHash, c.VerifiedCredential.Proof.Hash)
		assert.Equal(ledger.CredentialHash(c.VerifiedCredential.EncodedSignedCredential), c.CredentialHash)
		assert.Len(c.OperationIDs, 1)
		assert.False(c.Revoked)

		sc, err := ledger.ParseSignedCredential(c.VerifiedCredential.EncodedSignedCredential)
		require.NoError(t, err)
		assert.Equal(f.did.URI, sc.Content.Issuer)
		assert.Equal("issuing0", sc.Content.KeyID)
		assert.Equal("did:example:bob", sc.Content.CredentialSubject["id"])
	}

	require.NoError(t, f.ledger.Flush(ctx))
	for _, c := range issued {
		errs, err := f.engine.Verify(ctx, c.VerifiedCredential, c.BatchID)
		require.NoError(t, err)
		assert.Empty(errs)
	}
}

func TestIssue_Rejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newIssuerFixture(t)
	submitted := f.ledger.submissions.Load()

	_, _, err := f.engine.Issue(ctx, f.did, f.seed, nil)
	assert.ErrorIs(err, didwallet.ErrInvalidClaim)

	_, _, err = f.engine.Issue(ctx, f.did, f.seed, []CredentialRequest{{Alias: "c1", Claim: bobClaim(`[1,2]`)}})
	assert.ErrorIs(err, didwallet.ErrInvalidClaim)

	_, _, err = f.engine.Issue(ctx, f.did, f.seed, []CredentialRequest{{Alias: "c1", Claim: didwallet.Claim{SubjectDID: "bob", Content: `{}`}}})
	assert.ErrorIs(err, didwallet.ErrInvalidClaim)

	same := CredentialRequest{Alias: "c1", Claim: bobClaim(`{"a":1}`)}
	holder, err := f.dids.CreateDid("holder", 1, f.seed, false)
	require.NoError(t, err)
	_, _, err = f.engine.Issue(ctx, holder, f.seed, []CredentialRequest{same})
	assert.ErrorIs(err, didwallet.ErrInvalidState)
	_, err = f.dids.Publish(ctx, holder, f.seed)
	require.NoError(t, err)
	submitted++
	_, _, err = f.engine.Issue(ctx, holder, f.seed, []CredentialRequest{same})
	assert.ErrorIs(err, didwallet.ErrKeyNotFound)

	assert.Equal(submitted, f.ledger.submissions.Load())
}

func TestRevoke(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newIssuerFixture(t)
	issued := f.issue(t, "c1", "c2")
	head := f.did.LastOperationHash()

	opID, err := f.engine.Revoke(ctx, &issued[0], f.did, f.seed)
	require.NoError(t, err)
	assert.True(issued[0].Revoked)
	assert.Equal(opID, issued[0].OperationIDs[1])
	// revocations chain off the issuance, not the DID head
	assert.Equal(head, f.did.LastOperationHash())

	_, err = f.engine.Revoke(ctx, &issued[0], f.did, f.seed)
	assert.ErrorIs(err, didwallet.ErrInvalidState)

	require.NoError(t, f.ledger.Flush(ctx))
	errs, err := f.engine.Verify(ctx, issued[0].VerifiedCredential, issued[0].BatchID)
	require.NoError(t, err)
	assert.Equal([]didwallet.VerificationError{didwallet.VerificationRevoked}, errs)

	errs, err = f.engine.Verify(ctx, issued[1].VerifiedCredential, issued[1].BatchID)
	require.NoError(t, err)
	assert.Empty(errs)
}

func TestRevokeBatch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newIssuerFixture(t)
	issued := f.issue(t, "c1", "c2", "c3")

	_, err := f.engine.Revoke(ctx, &issued[0], f.did, f.seed)
	require.NoError(t, err)

	creds := []*didwallet.IssuedCredential{&issued[0], &issued[1], &issued[2]}
	opID, err := f.engine.RevokeBatch(ctx, creds, f.did, f.seed)
	require.NoError(t, err)
	for _, c := range issued {
		assert.True(c.Revoked)
	}
	// already revoked credentials keep their own revocation id
	assert.NotEqual(opID, issued[0].OperationIDs[1])
	assert.Equal(opID, issued[2].OperationIDs[1])

	_, err = f.engine.RevokeBatch(ctx, creds, f.did, f.seed)
	assert.ErrorIs(err, didwallet.ErrInvalidState)

	require.NoError(t, f.ledger.Flush(ctx))
	for _, c := range issued {
		errs, err := f.engine.Verify(ctx, c.VerifiedCredential, c.BatchID)
		require.NoError(t, err)
		assert.Equal([]didwallet.VerificationError{didwallet.VerificationRevoked}, errs)
	}
}

func TestVerify_Tampered(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newIssuerFixture(t)
	issued := f.issue(t, "c1", "c2", "c3", "c4")
	require.NoError(t, f.ledger.Flush(ctx))

	t.Run("garbage envelope", func(t *testing.T) {
		vc := issued[0].VerifiedCredential.Clone()
		vc.EncodedSignedCredential = "not-a-credential"
		errs, err := f.engine.Verify(ctx, vc, issued[0].BatchID)
		require.NoError(t, err)
		assert.Equal([]didwallet.VerificationError{didwallet.VerificationBadSignature}, errs)
	})

	t.Run("proof of another credential", func(t *testing.T) {
		vc := issued[0].VerifiedCredential.Clone()
		vc.Proof = issued[1].VerifiedCredential.Clone().Proof
		errs, err := f.engine.Verify(ctx, vc, issued[0].BatchID)
		require.NoError(t, err)
		assert.Equal([]didwallet.VerificationError{didwallet.VerificationProofMismatch}, errs)
	})

	t.Run("tampered sibling", func(t *testing.T) {
		vc := issued[0].VerifiedCredential.Clone()
		vc.Proof.Siblings[0] = issued[0].CredentialHash
		errs, err := f.engine.Verify(ctx, vc, issued[0].BatchID)
		require.NoError(t, err)
		assert.Equal([]didwallet.VerificationError{didwallet.VerificationProofMismatch}, errs)

		// without the expected batch, only the ledger can tell
		errs, err = f.engine.Verify(ctx, vc, "")
		require.NoError(t, err)
		assert.Equal([]didwallet.VerificationError{didwallet.VerificationBatchNotFound}, errs)
	})

	t.Run("not anchored yet", func(t *testing.T) {
		pending := f.issue(t, "c5")
		errs, err := f.engine.Verify(ctx, pending[0].VerifiedCredential, pending[0].BatchID)
		require.NoError(t, err)
		assert.Equal([]didwallet.VerificationError{didwallet.VerificationBatchNotFound}, errs)
	})
}
