package ledger

import (
	"context"
	"fmt"
	"slices"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/roots-id/go-didwallet"
)

// Ledger is the append-only ledger that DID and credential operations are submitted to.
// Submissions return the operation id as soon as the ledger accepts the operation;
// confirmation is observed through GetOperationInfo.
type Ledger interface {
	CreateDid(ctx context.Context, op *CreateDidOp) (string, error)
	UpdateDid(ctx context.Context, op *UpdateDidOp) (string, error)
	IssueCredentials(ctx context.Context, op *IssueCredentialsOp) (string, error)
	RevokeCredentials(ctx context.Context, op *RevokeCredentialsOp) (string, error)

	// Fails with didwallet.ErrNotFound for unknown operation ids.
	GetOperationInfo(ctx context.Context, operationID string) (*OperationInfo, error)

	// Checks a signed credential and its inclusion proof against the anchored state.
	// Verification failures are reported in the result, never as errors.
	Verify(ctx context.Context, encodedSignedCredential string, proof didwallet.Proof) (*VerificationResult, error)

	// Returns the applied state of a DID. Fails with didwallet.ErrNotFound if the DID
	// has not been applied yet.
	ResolveDid(ctx context.Context, did string) (*DidEntry, error)

	// Returns every operation submitted for a DID, in submission order, rejected and
	// in-flight ones included. Fails with didwallet.ErrNotFound if there are none.
	AuditLog(ctx context.Context, did string) ([]LogEntry, error)
}

type OperationInfo struct {
	OperationID   string                    `json:"operationId"`
	OperationHash string                    `json:"operationHash"`
	DID           string                    `json:"did"`
	Type          string                    `json:"type"`
	Status        didwallet.OperationStatus `json:"status"`
	TransactionID string                    `json:"transactionId,omitempty"`
	// reason for CONFIRMED_AND_REJECTED
	Error string `json:"error,omitempty"`
}

type VerificationResult struct {
	Errors []didwallet.VerificationError `json:"errors"`
}

func NewVerificationResult() *VerificationResult {
	return &VerificationResult{Errors: []didwallet.VerificationError{}}
}

func (r *VerificationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *VerificationResult) Has(code didwallet.VerificationError) bool {
	return slices.Contains(r.Errors, code)
}

// Add records a failure once.
func (r *VerificationResult) Add(code didwallet.VerificationError) {
	if !r.Has(code) {
		r.Errors = append(r.Errors, code)
	}
}

// VerifyCredential checks a credential against a ledger store: the proof must lead from
// the credential hash to the root of a batch anchored by the issuer, the signature must
// come from an issuing key valid when the batch was anchored, and the credential must not
// be revoked.
func VerifyCredential(ctx context.Context, store Store, encoded string, proof didwallet.Proof) (*VerificationResult, error) {
	res := NewVerificationResult()

	sc, err := ParseSignedCredential(encoded)
	if err != nil {
		res.Add(didwallet.VerificationBadSignature)
		return res, nil
	}

	leaf := sc.Hash()
	if proof.Hash != leaf {
		res.Add(didwallet.VerificationProofMismatch)
	}
	proof.Hash = leaf
	root, err := ComputeRoot(proof)
	if err != nil {
		res.Add(didwallet.VerificationProofMismatch)
		return res, nil
	}

	batch, err := store.GetBatch(ctx, BatchID(CanonicalDID(sc.Content.Issuer), root))
	if err != nil {
		return nil, err
	}
	if batch == nil {
		if !res.Has(didwallet.VerificationProofMismatch) {
			res.Add(didwallet.VerificationBatchNotFound)
		}
		return res, nil
	}

	issuer, err := store.GetDid(ctx, batch.IssuerDID)
	if err != nil {
		return nil, err
	}
	if !signedByIssuer(sc, issuer, batch) {
		res.Add(didwallet.VerificationBadSignature)
	}
	if batch.IsRevoked(leaf) {
		res.Add(didwallet.VerificationRevoked)
	}
	return res, nil
}

func signedByIssuer(sc *SignedCredential, issuer *DidEntry, batch *BatchEntry) bool {
	if issuer == nil {
		return false
	}
	key := issuer.FindKey(sc.Content.KeyID)
	if key == nil || key.Usage != didwallet.IssuingKey.String() || !key.ValidAt(batch.IssuedAt) {
		return false
	}
	pub, err := atcrypto.ParsePublicDIDKey(key.Key)
	if err != nil {
		return false
	}
	return sc.VerifySignature(pub) == nil
}

// Doc renders the DID document of the applied state. Revoked keys are omitted.
func (e *DidEntry) Doc() (didwallet.Doc, error) {
	doc := didwallet.Doc{
		Context: didwallet.DocContext,
		ID:      e.DID,
	}
	for _, k := range e.Keys {
		if k.Revoked() {
			continue
		}
		if err := addDocKey(&doc, k.ID, k.Usage, k.Key); err != nil {
			return didwallet.Doc{}, err
		}
	}
	return doc, nil
}

// Doc renders the DID document described by a create operation, for DIDs not yet
// resolvable on the ledger.
func (op *CreateDidOp) Doc(did string) (didwallet.Doc, error) {
	doc := didwallet.Doc{
		Context: didwallet.DocContext,
		ID:      did,
	}
	for _, k := range op.PublicKeys {
		if err := addDocKey(&doc, k.ID, k.Usage, k.Key); err != nil {
			return didwallet.Doc{}, err
		}
	}
	return doc, nil
}

func addDocKey(doc *didwallet.Doc, id, usage, didKey string) error {
	u, err := didwallet.ParseKeyUsage(usage)
	if err != nil {
		return err
	}
	pub, err := atcrypto.ParsePublicDIDKey(didKey)
	if err != nil {
		return fmt.Errorf("key %s: %w", id, err)
	}
	doc.AddVerificationMethod(id, u, pub.Multibase())
	return nil
}
