package didwallet

import (
	"encoding/hex"
	"fmt"
	"slices"
)

// HexBytes is a byte slice stored as a hex string.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(b []byte) error {
	out, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	*h = out
	return nil
}

// Wallet is the identity root: a seed plus every DID and credential derived from or held by it.
type Wallet struct {
	ID                  string               `json:"_id"`
	Seed                HexBytes             `json:"seed"`
	Dids                []Did                `json:"dids"`
	IssuedCredentials   []IssuedCredential   `json:"issuedCredentials"`
	ImportedCredentials []ImportedCredential `json:"importedCredentials"`
}

// KeyPath is a derivation coordinate. Key bytes are recomputed from the wallet seed.
type KeyPath struct {
	KeyID      string   `json:"keyId"`
	Usage      KeyUsage `json:"keyType"`
	DidIdx     int      `json:"didIdx"`
	Derivation uint32   `json:"keyDerivation"`
	KeyIdx     int      `json:"keyIdx"`
	Revoked    bool     `json:"revoked"`
}

func NewKeyPath(keyID string, didIdx int, usage KeyUsage, keyIdx int) KeyPath {
	return KeyPath{
		KeyID:      keyID,
		Usage:      usage,
		DidIdx:     didIdx,
		Derivation: usage.Branch(),
		KeyIdx:     keyIdx,
	}
}

func (kp *KeyPath) Derive(seed []byte) (*KeyPair, error) {
	return Derive(seed, kp.DidIdx, kp.Usage, kp.KeyIdx)
}

type Did struct {
	Alias       string `json:"alias"`
	DidIdx      int    `json:"didIdx"`
	URI         string `json:"uriCanonical"`
	LongFormURI string `json:"uriLongForm"`

	KeyPaths []KeyPath `json:"keyPaths"`

	// Append-only, newest last. Rejected operations stay in the history.
	OperationHashes []string `json:"operationHash"`
	OperationIDs    []string `json:"operationId"`
	// hash the next operation chains from; moves back to the ledger's head on refresh
	Head string `json:"head,omitempty"`

	// Empty while the DID has never been published.
	PublishedStatus      OperationStatus `json:"publishedStatus,omitempty"`
	PublishedOperationID string          `json:"publishedOperationId,omitempty"`
}

func (d *Did) IsPublished() bool {
	return d.PublishedOperationID != ""
}

// LastOperationHash returns the chain head, or "" for an unpublished DID.
func (d *Did) LastOperationHash() string {
	return d.Head
}

// HasOperation reports whether the DID's history lists the operation id.
func (d *Did) HasOperation(opID string) bool {
	return slices.Contains(d.OperationIDs, opID)
}

// RecordOperation appends a submitted operation to the history and makes it the head.
func (d *Did) RecordOperation(opID, opHash string) {
	d.OperationHashes = append(d.OperationHashes, opHash)
	d.OperationIDs = append(d.OperationIDs, opID)
	d.Head = opHash
}

func (d *Did) FindKey(keyID string) *KeyPath {
	for i := range d.KeyPaths {
		if d.KeyPaths[i].KeyID == keyID {
			return &d.KeyPaths[i]
		}
	}
	return nil
}

// ActiveKey returns the first non-revoked key of the given usage.
func (d *Did) ActiveKey(usage KeyUsage) (*KeyPath, error) {
	for i := range d.KeyPaths {
		if d.KeyPaths[i].Usage == usage && !d.KeyPaths[i].Revoked {
			return &d.KeyPaths[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no active %s key on %s", ErrKeyNotFound, usage, d.Alias)
}

func (d *Did) ActiveKeyCount(usage KeyUsage) int {
	n := 0
	for _, kp := range d.KeyPaths {
		if kp.Usage == usage && !kp.Revoked {
			n++
		}
	}
	return n
}

// NextKeyIdx is the first sequence index never used for this usage, revoked keys included.
// Skipping revoked indices keeps a revoked key's derivation path from being handed out
// again under a new key id.
func (d *Did) NextKeyIdx(usage KeyUsage) int {
	next := 0
	for _, kp := range d.KeyPaths {
		if kp.Usage == usage && kp.KeyIdx >= next {
			next = kp.KeyIdx + 1
		}
	}
	return next
}

// Claim is what a credential asserts about its subject. Content is a JSON object.
type Claim struct {
	SubjectDID string `json:"subjectDid"`
	Content    string `json:"content"`
}

// Proof is a Merkle inclusion proof for one credential hash.
type Proof struct {
	Hash     string   `json:"hash"`
	Index    int      `json:"index"`
	Siblings []string `json:"siblings"`
}

type VerifiedCredential struct {
	EncodedSignedCredential string `json:"encodedSignedCredential"`
	Proof                   Proof  `json:"proof"`
}

type IssuedCredential struct {
	Alias              string             `json:"alias"`
	IssuingDidAlias    string             `json:"issuingDidAlias"`
	Claim              Claim              `json:"claim"`
	VerifiedCredential VerifiedCredential `json:"verifiedCredential"`
	BatchID            string             `json:"batchId"`
	CredentialHash     string             `json:"credentialHash"`
	// hash of the operation that anchored the batch
	OperationHash string `json:"operationHash"`
	// issuance operation id first, then the revocation operation id once revoked
	OperationIDs []string `json:"operationId"`
	Revoked      bool     `json:"revoked"`
}

type ImportedCredential struct {
	Alias              string             `json:"alias"`
	VerifiedCredential VerifiedCredential `json:"verifiedCredential"`
}

// VerificationError is one distinct reason a credential failed verification.
type VerificationError string

const (
	VerificationBadSignature  VerificationError = "bad-signature"
	VerificationProofMismatch VerificationError = "proof-mismatch"
	VerificationRevoked       VerificationError = "revoked"
	VerificationBatchNotFound VerificationError = "batch-not-found"
)

func (w *Wallet) FindDid(alias string) *Did {
	for i := range w.Dids {
		if w.Dids[i].Alias == alias {
			return &w.Dids[i]
		}
	}
	return nil
}

// NextDidIdx is the creation position of the next DID. DIDs are never deleted, so
// indices are never reused.
func (w *Wallet) NextDidIdx() int {
	next := len(w.Dids)
	for _, d := range w.Dids {
		if d.DidIdx >= next {
			next = d.DidIdx + 1
		}
	}
	return next
}

func (w *Wallet) FindIssuedCredential(alias string) *IssuedCredential {
	for i := range w.IssuedCredentials {
		if w.IssuedCredentials[i].Alias == alias {
			return &w.IssuedCredentials[i]
		}
	}
	return nil
}

func (w *Wallet) FindImportedCredential(alias string) *ImportedCredential {
	for i := range w.ImportedCredentials {
		if w.ImportedCredentials[i].Alias == alias {
			return &w.ImportedCredentials[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (w *Wallet) Clone() *Wallet {
	out := &Wallet{
		ID:   w.ID,
		Seed: slices.Clone(w.Seed),
	}
	for _, d := range w.Dids {
		out.Dids = append(out.Dids, d.Clone())
	}
	for _, c := range w.IssuedCredentials {
		out.IssuedCredentials = append(out.IssuedCredentials, c.Clone())
	}
	for _, c := range w.ImportedCredentials {
		c.VerifiedCredential = c.VerifiedCredential.Clone()
		out.ImportedCredentials = append(out.ImportedCredentials, c)
	}
	return out
}

func (d Did) Clone() Did {
	d.KeyPaths = slices.Clone(d.KeyPaths)
	d.OperationHashes = slices.Clone(d.OperationHashes)
	d.OperationIDs = slices.Clone(d.OperationIDs)
	return d
}

func (c IssuedCredential) Clone() IssuedCredential {
	c.VerifiedCredential = c.VerifiedCredential.Clone()
	c.OperationIDs = slices.Clone(c.OperationIDs)
	return c
}

func (vc VerifiedCredential) Clone() VerifiedCredential {
	vc.Proof.Siblings = slices.Clone(vc.Proof.Siblings)
	return vc
}
