package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/roots-id/go-didwallet"
)

var ErrInvalidProof = fmt.Errorf("merkle: %w", didwallet.ErrProofInvalid)

// domain separation for interior nodes; leaves are already sha256 digests
const nodePrefix = 0x01

// MerkleTree is a binary sha256 tree over credential hashes. When a level has an odd
// number of nodes the last one is paired with itself.
type MerkleTree struct {
	levels [][][]byte
	index  map[string]int
}

type batchData struct {
	IssuerDid  string `json:"issuerDid" cborgen:"issuerDid"`
	MerkleRoot string `json:"merkleRoot" cborgen:"merkleRoot"`
}

// BatchID identifies the batch with the given root anchored by an issuer.
func BatchID(issuerDID, merkleRoot string) string {
	return hashHex(dumpCBOR(batchData{IssuerDid: issuerDID, MerkleRoot: merkleRoot}))
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

func decodeHash(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("hash must be %d bytes, got %d", sha256.Size, len(b))
	}
	return b, nil
}

// BuildMerkleTree builds the tree over hex encoded leaf hashes, in order.
func BuildMerkleTree(leaves []string) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle: no leaves")
	}

	tree := &MerkleTree{index: make(map[string]int, len(leaves))}
	level := make([][]byte, 0, len(leaves))
	for i, leaf := range leaves {
		b, err := decodeHash(leaf)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %d: %w", i, err)
		}
		if _, dup := tree.index[leaf]; dup {
			return nil, fmt.Errorf("merkle: duplicate leaf %s", leaf)
		}
		tree.index[leaf] = i
		level = append(level, b)
	}
	tree.levels = append(tree.levels, level)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		tree.levels = append(tree.levels, next)
		level = next
	}
	return tree, nil
}

func (t *MerkleTree) Root() string {
	return hex.EncodeToString(t.levels[len(t.levels)-1][0])
}

func (t *MerkleTree) Len() int {
	return len(t.levels[0])
}

// Proof returns the inclusion proof for a leaf hash.
func (t *MerkleTree) Proof(leaf string) (didwallet.Proof, error) {
	idx, ok := t.index[leaf]
	if !ok {
		return didwallet.Proof{}, fmt.Errorf("merkle: leaf %s not in tree", leaf)
	}

	siblings := []string{}
	pos := idx
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := pos ^ 1
		if sib >= len(level) {
			sib = pos
		}
		siblings = append(siblings, hex.EncodeToString(level[sib]))
		pos /= 2
	}
	return didwallet.Proof{
		Hash:     leaf,
		Index:    idx,
		Siblings: siblings,
	}, nil
}

// ComputeRoot folds the proof's siblings into the root, taking left/right order from
// the bits of the index.
func ComputeRoot(p didwallet.Proof) (string, error) {
	if p.Index < 0 || (len(p.Siblings) < 63 && p.Index >= 1<<len(p.Siblings)) {
		return "", fmt.Errorf("%w: index %d out of range", ErrInvalidProof, p.Index)
	}
	cur, err := decodeHash(p.Hash)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	pos := p.Index
	for i, s := range p.Siblings {
		sib, err := decodeHash(s)
		if err != nil {
			return "", fmt.Errorf("%w: sibling %d: %w", ErrInvalidProof, i, err)
		}
		if pos%2 == 0 {
			cur = hashPair(cur, sib)
		} else {
			cur = hashPair(sib, cur)
		}
		pos /= 2
	}
	return hex.EncodeToString(cur), nil
}

// VerifyProof reports whether the proof leads to root.
func VerifyProof(p didwallet.Proof, root string) bool {
	computed, err := ComputeRoot(p)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(root)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(computed)
	return bytes.Equal(got, want)
}
