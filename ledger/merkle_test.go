package ledger

import (
	"fmt"
	"testing"

	"github.com/roots-id/go-didwallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaves(n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = hashHex([]byte(fmt.Sprintf("credential-%d", i)))
	}
	return leaves
}

func TestMerkleProofs(t *testing.T) {
	assert := assert.New(t)

	for n := 1; n <= 9; n++ {
		leaves := testLeaves(n)
		tree, err := BuildMerkleTree(leaves)
		require.NoError(t, err)
		assert.Equal(n, tree.Len())

		for i, leaf := range leaves {
			p, err := tree.Proof(leaf)
			require.NoError(t, err)
			assert.Equal(i, p.Index)
			assert.Equal(leaf, p.Hash)
			assert.True(VerifyProof(p, tree.Root()), "n=%d i=%d", n, i)

			root, err := ComputeRoot(p)
			require.NoError(t, err)
			assert.Equal(tree.Root(), root)
		}
	}
}

func TestMerkleSingleLeaf(t *testing.T) {
	leaves := testLeaves(1)
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)
	assert.Equal(t, leaves[0], tree.Root())

	p, err := tree.Proof(leaves[0])
	require.NoError(t, err)
	assert.Empty(t, p.Siblings)
	assert.True(t, VerifyProof(p, tree.Root()))
}

func TestMerkleTamperedProof(t *testing.T) {
	assert := assert.New(t)
	leaves := testLeaves(5)
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)

	p, err := tree.Proof(leaves[2])
	require.NoError(t, err)

	sib := p
	sib.Siblings = append([]string{}, p.Siblings...)
	sib.Siblings[0] = leaves[4]
	assert.False(VerifyProof(sib, tree.Root()))

	idx := p
	idx.Index = 3
	assert.False(VerifyProof(idx, tree.Root()))

	leaf := p
	leaf.Hash = leaves[1]
	assert.False(VerifyProof(leaf, tree.Root()))

	short := p
	short.Siblings = p.Siblings[:1]
	assert.False(VerifyProof(short, tree.Root()))

	outOfRange := p
	outOfRange.Index = 1 << len(p.Siblings)
	_, err = ComputeRoot(outOfRange)
	assert.ErrorIs(err, didwallet.ErrProofInvalid)

	badHex := p
	badHex.Siblings = []string{"zz"}
	badHex.Index = 0
	_, err = ComputeRoot(badHex)
	assert.ErrorIs(err, ErrInvalidProof)
}

func TestMerkleOrderMatters(t *testing.T) {
	leaves := testLeaves(4)
	a, err := BuildMerkleTree(leaves)
	require.NoError(t, err)
	b, err := BuildMerkleTree([]string{leaves[1], leaves[0], leaves[2], leaves[3]})
	require.NoError(t, err)
	assert.NotEqual(t, a.Root(), b.Root())
}

func TestMerkleInvalidLeaves(t *testing.T) {
	assert := assert.New(t)

	_, err := BuildMerkleTree(nil)
	assert.Error(err)

	leaves := testLeaves(3)
	_, err = BuildMerkleTree([]string{leaves[0], leaves[1], leaves[0]})
	assert.Error(err)

	_, err = BuildMerkleTree([]string{"not-hex"})
	assert.Error(err)

	_, err = BuildMerkleTree([]string{"abcd"})
	assert.Error(err)

	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)
	_, err = tree.Proof(testLeaves(4)[3])
	assert.Error(err)
}

func TestBatchID(t *testing.T) {
	assert := assert.New(t)
	root := testLeaves(1)[0]

	id := BatchID("did:wal:abc", root)
	assert.Len(id, 64)
	assert.Equal(id, BatchID("did:wal:abc", root))
	assert.NotEqual(id, BatchID("did:wal:abd", root))
	assert.NotEqual(id, BatchID("did:wal:abc", testLeaves(2)[1]))

	op := NewIssueCredentialsOp("did:wal:abc", "", "issuing0", root)
	assert.Equal(id, op.BatchID())
}
