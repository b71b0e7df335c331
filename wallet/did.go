package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
)

// DidManager drives the publish/update state machine of a single DID. It mutates the
// Did it is given only after the ledger accepted the corresponding operation; callers
// are responsible for serializing calls per DID and persisting the result.
type DidManager struct {
	ledger ledger.Ledger
}

func NewDidManager(l ledger.Ledger) *DidManager {
	return &DidManager{ledger: l}
}

func publicKeyEntry(seed []byte, kp didwallet.KeyPath) (ledger.PublicKeyEntry, error) {
	pair, err := kp.Derive(seed)
	if err != nil {
		return ledger.PublicKeyEntry{}, err
	}
	return ledger.NewPublicKeyEntry(kp.KeyID, kp.Usage, pair), nil
}

// createOperation rebuilds the unsigned create operation from the DID's initial keys.
// Keys are never added before publication, so the key paths of an unpublished DID are
// exactly its initial state.
func createOperation(did *didwallet.Did, seed []byte) (*ledger.CreateDidOp, error) {
	master, err := did.ActiveKey(didwallet.MasterKey)
	if err != nil {
		return nil, err
	}
	entries := make([]ledger.PublicKeyEntry, 0, len(did.KeyPaths))
	for _, kp := range did.KeyPaths {
		entry, err := publicKeyEntry(seed, kp)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return ledger.NewCreateDidOp(master.KeyID, entries), nil
}

// CreateDid derives the initial keys of a new DID and computes its URIs. It does not
// touch the ledger.
func (m *DidManager) CreateDid(alias string, didIdx int, seed []byte, includeIssuerKeys bool) (*didwallet.Did, error) {
	usages := []didwallet.KeyUsage{didwallet.MasterKey}
	if includeIssuerKeys {
		usages = append(usages, didwallet.IssuingKey, didwallet.RevocationKey)
	}

	did := &didwallet.Did{
		Alias:           alias,
		DidIdx:          didIdx,
		KeyPaths:        []didwallet.KeyPath{},
		OperationHashes: []string{},
		OperationIDs:    []string{},
	}
	for _, usage := range usages {
		did.KeyPaths = append(did.KeyPaths, didwallet.NewKeyPath(usage.KeyID(0), didIdx, usage, 0))
	}

	op, err := createOperation(did, seed)
	if err != nil {
		return nil, err
	}
	did.URI = op.TargetDID()
	did.LongFormURI = op.LongFormDID()
	return did, nil
}

// Publish submits the signed create operation. The operation hash becomes the first
// link of the DID's chain.
func (m *DidManager) Publish(ctx context.Context, did *didwallet.Did, seed []byte) (string, error) {
	if did.IsPublished() {
		return "", fmt.Errorf("%w: DID %s already published by %s", didwallet.ErrInvalidState, did.Alias, did.PublishedOperationID)
	}

	op, err := createOperation(did, seed)
	if err != nil {
		return "", err
	}
	if op.TargetDID() != did.URI {
		return "", fmt.Errorf("%w: key paths of %s no longer match its URI", didwallet.ErrInvalidState, did.Alias)
	}
	master, err := did.ActiveKey(didwallet.MasterKey)
	if err != nil {
		return "", err
	}
	masterPair, err := master.Derive(seed)
	if err != nil {
		return "", err
	}
	if err := op.Sign(masterPair.Private); err != nil {
		return "", err
	}

	opID, err := m.ledger.CreateDid(ctx, op)
	if err != nil {
		return "", err
	}

	did.RecordOperation(opID, op.Hash())
	did.PublishedOperationID = opID
	did.PublishedStatus = didwallet.StatusPendingSubmission
	return opID, nil
}

// signUpdate signs an update operation with the DID's first active master key.
func signUpdate(did *didwallet.Did, seed []byte, add []ledger.PublicKeyEntry, revoke []string) (*ledger.UpdateDidOp, error) {
	master, err := did.ActiveKey(didwallet.MasterKey)
	if err != nil {
		return nil, err
	}
	masterPair, err := master.Derive(seed)
	if err != nil {
		return nil, err
	}
	op := ledger.NewUpdateDidOp(did.URI, did.LastOperationHash(), master.KeyID, add, revoke)
	if err := op.Sign(masterPair.Private); err != nil {
		return nil, err
	}
	return op, nil
}

func requirePublished(did *didwallet.Did) error {
	if !did.IsPublished() {
		return fmt.Errorf("%w: DID %s is not published", didwallet.ErrInvalidState, did.Alias)
	}
	return nil
}

// AddKey derives the next key of the given usage and publishes it.
func (m *DidManager) AddKey(ctx context.Context, did *didwallet.Did, seed []byte, keyID string, usage didwallet.KeyUsage) (string, error) {
	if keyID == "" {
		return "", fmt.Errorf("%w: empty key id", didwallet.ErrInvalidState)
	}
	if did.FindKey(keyID) != nil {
		return "", fmt.Errorf("%w: %s on %s", didwallet.ErrDuplicateKeyID, keyID, did.Alias)
	}
	if err := requirePublished(did); err != nil {
		return "", err
	}

	kp := didwallet.NewKeyPath(keyID, did.DidIdx, usage, did.NextKeyIdx(usage))
	entry, err := publicKeyEntry(seed, kp)
	if err != nil {
		return "", err
	}
	op, err := signUpdate(did, seed, []ledger.PublicKeyEntry{entry}, nil)
	if err != nil {
		return "", err
	}

	opID, err := m.ledger.UpdateDid(ctx, op)
	if err != nil {
		return "", err
	}

	did.KeyPaths = append(did.KeyPaths, kp)
	did.RecordOperation(opID, op.Hash())
	return opID, nil
}

// RevokeKey revokes a key of a published DID. All local checks run before anything is
// submitted.
func (m *DidManager) RevokeKey(ctx context.Context, did *didwallet.Did, seed []byte, keyID string) (string, error) {
	kp := did.FindKey(keyID)
	if kp == nil {
		return "", fmt.Errorf("%w: %s on %s", didwallet.ErrKeyNotFound, keyID, did.Alias)
	}
	if kp.Revoked {
		return "", fmt.Errorf("%w: %s on %s", didwallet.ErrKeyAlreadyRevoked, keyID, did.Alias)
	}
	if err := requirePublished(did); err != nil {
		return "", err
	}
	if kp.Usage == didwallet.MasterKey && did.ActiveKeyCount(didwallet.MasterKey) == 1 {
		return "", fmt.Errorf("%w: %s is the last master key of %s", didwallet.ErrInvalidState, keyID, did.Alias)
	}

	op, err := signUpdate(did, seed, nil, []string{keyID})
	if err != nil {
		return "", err
	}

	opID, err := m.ledger.UpdateDid(ctx, op)
	if err != nil {
		return "", err
	}

	kp.Revoked = true
	did.RecordOperation(opID, op.Hash())
	return opID, nil
}

// keyRecoveryWindow bounds the search for the derivation index of a ledger key the
// wallet has no key path for.
const keyRecoveryWindow = 64

// Refresh resyncs did with the ledger: its applied state plus the operations still in
// flight. Key paths, revocation flags, publication and the chain head follow the
// ledger, and operations missing from the history are appended. Needed after a
// submission whose effect was never persisted, or after the ledger rejected one.
func (m *DidManager) Refresh(ctx context.Context, did *didwallet.Did, seed []byte) error {
	applied, err := m.ledger.ResolveDid(ctx, did.URI)
	if errors.Is(err, didwallet.ErrNotFound) {
		applied, err = nil, nil
	}
	if err != nil {
		return err
	}
	entries, err := m.ledger.AuditLog(ctx, did.URI)
	if errors.Is(err, didwallet.ErrNotFound) {
		entries, err = nil, nil
	}
	if err != nil {
		return err
	}

	state, err := ledger.ProjectDid(applied, entries)
	if err != nil {
		return err
	}
	if state == nil {
		return resetUnpublished(did)
	}

	keyPaths := make([]didwallet.KeyPath, 0, len(state.Keys))
	for _, ks := range state.Keys {
		kp := did.FindKey(ks.ID)
		if kp != nil {
			match, err := derivesTo(*kp, seed, ks.Key)
			if err != nil {
				return err
			}
			if !match {
				kp = nil
			}
		}
		if kp == nil {
			kp, err = recoverKeyPath(did, seed, ks)
			if err != nil {
				return err
			}
		}
		synced := *kp
		synced.Revoked = ks.Revoked()
		keyPaths = append(keyPaths, synced)
	}
	did.KeyPaths = keyPaths

	for _, le := range entries {
		if le.Status == didwallet.StatusConfirmedRejected {
			continue
		}
		op := le.Operation.AsOperation()
		if op == nil {
			return fmt.Errorf("%w: unknown operation type in log of %s", didwallet.ErrInvalidState, did.URI)
		}
		if create, ok := op.(*ledger.CreateDidOp); ok && create.TargetDID() == did.URI {
			did.PublishedOperationID = le.OperationID
			did.PublishedStatus = le.Status
		}
		if _, ok := op.(*ledger.RevokeCredentialsOp); ok || did.HasOperation(le.OperationID) {
			continue
		}
		did.OperationHashes = append(did.OperationHashes, op.Hash())
		did.OperationIDs = append(did.OperationIDs, le.OperationID)
	}
	if applied != nil && did.PublishedStatus != didwallet.StatusConfirmedApplied && did.IsPublished() {
		did.PublishedStatus = didwallet.StatusConfirmedApplied
	}
	did.Head = state.Head
	return nil
}

// resetUnpublished returns a DID the ledger never created to its initial keys, with no
// publication and no head. The history is kept.
func resetUnpublished(did *didwallet.Did) error {
	create, err := ledger.ParseLongFormDID(did.LongFormURI)
	if err != nil {
		return err
	}
	keyPaths := make([]didwallet.KeyPath, 0, len(create.PublicKeys))
	for _, entry := range create.PublicKeys {
		kp := did.FindKey(entry.ID)
		if kp == nil {
			return fmt.Errorf("%w: initial key %s of %s is missing", didwallet.ErrInvalidState, entry.ID, did.Alias)
		}
		initial := *kp
		initial.Revoked = false
		keyPaths = append(keyPaths, initial)
	}
	did.KeyPaths = keyPaths
	did.PublishedOperationID = ""
	did.PublishedStatus = ""
	did.Head = ""
	return nil
}

// recoverKeyPath finds the derivation index of a ledger key the wallet lost track of.
func recoverKeyPath(did *didwallet.Did, seed []byte, ks ledger.KeyState) (*didwallet.KeyPath, error) {
	usage, err := didwallet.ParseKeyUsage(ks.Usage)
	if err != nil {
		return nil, err
	}
	limit := did.NextKeyIdx(usage) + keyRecoveryWindow
	for idx := 0; idx < limit; idx++ {
		kp := didwallet.NewKeyPath(ks.ID, did.DidIdx, usage, idx)
		match, err := derivesTo(kp, seed, ks.Key)
		if err != nil {
			return nil, err
		}
		if match {
			return &kp, nil
		}
	}
	return nil, fmt.Errorf("%w: key %s of %s is not derived from this wallet", didwallet.ErrInvalidState, ks.ID, did.Alias)
}

func derivesTo(kp didwallet.KeyPath, seed []byte, didKey string) (bool, error) {
	pair, err := kp.Derive(seed)
	if err != nil {
		return false, err
	}
	return pair.DIDKey() == didKey, nil
}
