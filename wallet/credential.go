package wallet

import (
	"context"
	"fmt"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
)

// CredentialRequest asks for one credential of a batch.
type CredentialRequest struct {
	Alias string          `json:"alias"`
	Claim didwallet.Claim `json:"claim"`
}

// CredentialEngine issues Merkle-batched credentials and revokes them leaf by leaf.
type CredentialEngine struct {
	ledger ledger.Ledger
}

func NewCredentialEngine(l ledger.Ledger) *CredentialEngine {
	return &CredentialEngine{ledger: l}
}

// Issue signs one credential per request, anchors the batch root, and advances the
// issuer's chain. The returned credentials carry their inclusion proofs.
func (e *CredentialEngine) Issue(ctx context.Context, issuer *didwallet.Did, seed []byte, reqs []CredentialRequest) ([]didwallet.IssuedCredential, string, error) {
	if len(reqs) == 0 {
		return nil, "", fmt.Errorf("%w: no credentials to issue", didwallet.ErrInvalidClaim)
	}
	if err := requirePublished(issuer); err != nil {
		return nil, "", err
	}
	issuing, err := issuer.ActiveKey(didwallet.IssuingKey)
	if err != nil {
		return nil, "", err
	}
	pair, err := issuing.Derive(seed)
	if err != nil {
		return nil, "", err
	}

	signed := make([]*ledger.SignedCredential, 0, len(reqs))
	leaves := make([]string, 0, len(reqs))
	for _, req := range reqs {
		sc, err := ledger.SignCredential(pair.Private, issuer.URI, issuing.KeyID, req.Claim)
		if err != nil {
			return nil, "", fmt.Errorf("credential %s: %w", req.Alias, err)
		}
		signed = append(signed, sc)
		leaves = append(leaves, sc.Hash())
	}
	tree, err := ledger.BuildMerkleTree(leaves)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", didwallet.ErrInvalidClaim, err)
	}

	op := ledger.NewIssueCredentialsOp(issuer.URI, issuer.LastOperationHash(), issuing.KeyID, tree.Root())
	if err := op.Sign(pair.Private); err != nil {
		return nil, "", err
	}
	opID, err := e.ledger.IssueCredentials(ctx, op)
	if err != nil {
		return nil, "", err
	}

	issued := make([]didwallet.IssuedCredential, 0, len(reqs))
	for i, req := range reqs {
		proof, err := tree.Proof(leaves[i])
		if err != nil {
			return nil, "", err
		}
		issued = append(issued, didwallet.IssuedCredential{
			Alias:           req.Alias,
			IssuingDidAlias: issuer.Alias,
			Claim:           req.Claim,
			VerifiedCredential: didwallet.VerifiedCredential{
				EncodedSignedCredential: signed[i].Encoded,
				Proof:                   proof,
			},
			BatchID:        op.BatchID(),
			CredentialHash: leaves[i],
			OperationHash:  op.Hash(),
			OperationIDs:   []string{opID},
		})
	}

	issuer.RecordOperation(opID, op.Hash())
	return issued, opID, nil
}

// revoke submits a revocation of the given leaves of a batch; no leaves revokes the
// whole batch. The operation links to the batch's issuance, not to the DID head.
func (e *CredentialEngine) revoke(ctx context.Context, issuer *didwallet.Did, seed []byte, batchID, issuanceHash string, hashes []string) (string, error) {
	revocation, err := issuer.ActiveKey(didwallet.RevocationKey)
	if err != nil {
		return "", err
	}
	pair, err := revocation.Derive(seed)
	if err != nil {
		return "", err
	}
	op := ledger.NewRevokeCredentialsOp(issuer.URI, issuanceHash, revocation.KeyID, batchID, hashes)
	if err := op.Sign(pair.Private); err != nil {
		return "", err
	}
	return e.ledger.RevokeCredentials(ctx, op)
}

// Revoke revokes exactly one credential, leaving the rest of its batch valid.
func (e *CredentialEngine) Revoke(ctx context.Context, cred *didwallet.IssuedCredential, issuer *didwallet.Did, seed []byte) (string, error) {
	if cred.Revoked {
		return "", fmt.Errorf("%w: credential %s already revoked", didwallet.ErrInvalidState, cred.Alias)
	}
	if cred.IssuingDidAlias != issuer.Alias {
		return "", fmt.Errorf("%w: credential %s was issued by %s", didwallet.ErrInvalidState, cred.Alias, cred.IssuingDidAlias)
	}

	opID, err := e.revoke(ctx, issuer, seed, cred.BatchID, cred.OperationHash, []string{cred.CredentialHash})
	if err != nil {
		return "", err
	}
	cred.Revoked = true
	cred.OperationIDs = append(cred.OperationIDs, opID)
	return opID, nil
}

// RevokeBatch revokes every credential anchored with the batch. creds are the wallet's
// credentials of that batch; all of them are marked revoked.
func (e *CredentialEngine) RevokeBatch(ctx context.Context, creds []*didwallet.IssuedCredential, issuer *didwallet.Did, seed []byte) (string, error) {
	if len(creds) == 0 {
		return "", fmt.Errorf("%w: empty batch", didwallet.ErrNotFound)
	}
	batchID, issuanceHash := creds[0].BatchID, creds[0].OperationHash
	allRevoked := true
	for _, c := range creds {
		if c.BatchID != batchID || c.IssuingDidAlias != issuer.Alias {
			return "", fmt.Errorf("%w: credential %s is not part of batch %s", didwallet.ErrInvalidState, c.Alias, batchID)
		}
		allRevoked = allRevoked && c.Revoked
	}
	if allRevoked {
		return "", fmt.Errorf("%w: batch %s already revoked", didwallet.ErrInvalidState, batchID)
	}

	opID, err := e.revoke(ctx, issuer, seed, batchID, issuanceHash, nil)
	if err != nil {
		return "", err
	}
	for _, c := range creds {
		if !c.Revoked {
			c.Revoked = true
			c.OperationIDs = append(c.OperationIDs, opID)
		}
	}
	return opID, nil
}

// Verify checks the inclusion proof locally, then asks the ledger about the anchored
// root, the issuer signature and revocation. expectedBatchID may be empty for
// credentials this wallet did not issue. Verification failures are never errors.
func (e *CredentialEngine) Verify(ctx context.Context, vc didwallet.VerifiedCredential, expectedBatchID string) ([]didwallet.VerificationError, error) {
	local := ledger.NewVerificationResult()

	sc, err := ledger.ParseSignedCredential(vc.EncodedSignedCredential)
	if err != nil {
		local.Add(didwallet.VerificationBadSignature)
		return local.Errors, nil
	}
	if vc.Proof.Hash != sc.Hash() {
		local.Add(didwallet.VerificationProofMismatch)
	} else if expectedBatchID != "" {
		root, err := ledger.ComputeRoot(vc.Proof)
		if err != nil || ledger.BatchID(ledger.CanonicalDID(sc.Content.Issuer), root) != expectedBatchID {
			local.Add(didwallet.VerificationProofMismatch)
		}
	}

	remote, err := e.ledger.Verify(ctx, vc.EncodedSignedCredential, vc.Proof)
	if err != nil {
		return nil, err
	}
	for _, code := range remote.Errors {
		if code == didwallet.VerificationBatchNotFound && local.Has(didwallet.VerificationProofMismatch) {
			continue
		}
		local.Add(code)
	}
	return local.Errors, nil
}
