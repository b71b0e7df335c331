package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type testIssuer struct {
	seed       []byte
	didIdx     int
	master     *didwallet.KeyPair
	issuing    *didwallet.KeyPair
	revocation *didwallet.KeyPair
	create     *CreateDidOp
	did        string
}

func deriveKey(t *testing.T, seed []byte, didIdx int, usage didwallet.KeyUsage, keyIdx int) *didwallet.KeyPair {
	t.Helper()
	kp, err := didwallet.Derive(seed, didIdx, usage, keyIdx)
	require.NoError(t, err)
	return kp
}

// newTestIssuer returns a signed create operation for a DID with master0, issuing0 and revocation0.
func newTestIssuer(t *testing.T, didIdx int) *testIssuer {
	t.Helper()
	seed, err := didwallet.SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	ti := &testIssuer{
		seed:       seed,
		didIdx:     didIdx,
		master:     deriveKey(t, seed, didIdx, didwallet.MasterKey, 0),
		issuing:    deriveKey(t, seed, didIdx, didwallet.IssuingKey, 0),
		revocation: deriveKey(t, seed, didIdx, didwallet.RevocationKey, 0),
	}
	ti.create = NewCreateDidOp("master0", []PublicKeyEntry{
		NewPublicKeyEntry("master0", didwallet.MasterKey, ti.master),
		NewPublicKeyEntry("issuing0", didwallet.IssuingKey, ti.issuing),
		NewPublicKeyEntry("revocation0", didwallet.RevocationKey, ti.revocation),
	})
	require.NoError(t, ti.create.Sign(ti.master.Private))
	ti.did = ti.create.TargetDID()
	return ti
}

type testBatch struct {
	creds []*SignedCredential
	tree  *MerkleTree
	op    *IssueCredentialsOp
}

// issueBatch signs n credentials with issuing0 and builds the signed anchoring operation.
func (ti *testIssuer) issueBatch(t *testing.T, prev string, n int) *testBatch {
	t.Helper()
	b := &testBatch{}
	leaves := []string{}
	for i := range n {
		claim := didwallet.Claim{
			SubjectDID: fmt.Sprintf("did:example:subject%d", i),
			Content:    fmt.Sprintf(`{"name":"Subject %d","degree":"BSc"}`, i),
		}
		sc, err := SignCredential(ti.issuing.Private, ti.did, "issuing0", claim)
		require.NoError(t, err)
		b.creds = append(b.creds, sc)
		leaves = append(leaves, sc.Hash())
	}
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)
	b.tree = tree
	b.op = NewIssueCredentialsOp(ti.did, prev, "issuing0", tree.Root())
	require.NoError(t, b.op.Sign(ti.issuing.Private))
	return b
}

func (b *testBatch) proof(t *testing.T, i int) didwallet.Proof {
	t.Helper()
	p, err := b.tree.Proof(b.creds[i].Hash())
	require.NoError(t, err)
	return p
}

func commitOp(t *testing.T, ctx context.Context, store Store, op Operation, createdAt time.Time) *PreparedOperation {
	t.Helper()
	prep, err := PrepareOperation(ctx, store, op, createdAt)
	require.NoError(t, err)
	require.NoError(t, store.CommitOperations(ctx, []*PreparedOperation{prep}))
	return prep
}

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
