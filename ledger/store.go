package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/roots-id/go-didwallet"
)

var (
	// May be returned by PrepareOperation (as a wrapped error)
	ErrInvalidOperation = fmt.Errorf("invalid ledger operation: %w", didwallet.ErrLedgerRejected)

	// May be returned by PrepareOperation and CommitOperations (as a wrapped error)
	ErrHeadMismatch = fmt.Errorf("head mismatch: %w", didwallet.ErrChainConflict)
)

// KeyState is a published key of a DID.
type KeyState struct {
	ID        string     `json:"id"`
	Usage     string     `json:"usage"`
	Key       string     `json:"key"`
	AddedAt   time.Time  `json:"addedAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (k *KeyState) Revoked() bool {
	return k.RevokedAt != nil
}

// ValidAt reports whether the key was published and not yet revoked at t.
func (k *KeyState) ValidAt(t time.Time) bool {
	if k.AddedAt.After(t) {
		return false
	}
	return k.RevokedAt == nil || k.RevokedAt.After(t)
}

// DidEntry is the applied state of a DID.
type DidEntry struct {
	DID string `json:"did"`
	// hash of the most recent operation in the DID's chain
	Head      string     `json:"head"`
	Keys      []KeyState `json:"keys"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (e *DidEntry) Clone() *DidEntry {
	out := *e
	out.Keys = make([]KeyState, len(e.Keys))
	for i, k := range e.Keys {
		if k.RevokedAt != nil {
			t := *k.RevokedAt
			k.RevokedAt = &t
		}
		out.Keys[i] = k
	}
	return &out
}

func (e *DidEntry) FindKey(id string) *KeyState {
	for i := range e.Keys {
		if e.Keys[i].ID == id {
			return &e.Keys[i]
		}
	}
	return nil
}

// ActiveKey returns the key with the given id if it is unrevoked and of the given usage.
func (e *DidEntry) ActiveKey(id string, usage didwallet.KeyUsage) (*KeyState, error) {
	k := e.FindKey(id)
	if k == nil {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalidOperation, id)
	}
	if k.Revoked() {
		return nil, fmt.Errorf("%w: key %s is revoked", ErrInvalidOperation, id)
	}
	if k.Usage != usage.String() {
		return nil, fmt.Errorf("%w: key %s is a %s key, %s required", ErrInvalidOperation, id, k.Usage, usage)
	}
	return k, nil
}

func (e *DidEntry) activeCount(usage didwallet.KeyUsage) int {
	n := 0
	for _, k := range e.Keys {
		if k.Usage == usage.String() && !k.Revoked() {
			n++
		}
	}
	return n
}

// BatchEntry is the applied state of an anchored credential batch.
type BatchEntry struct {
	BatchID       string     `json:"batchId"`
	IssuerDID     string     `json:"issuerDid"`
	MerkleRoot    string     `json:"merkleRoot"`
	SignedWith    string     `json:"signedWith"`
	OperationHash string     `json:"operationHash"`
	IssuedAt      time.Time  `json:"issuedAt"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RevokedHashes []string   `json:"revokedHashes"`
}

func (b *BatchEntry) Clone() *BatchEntry {
	out := *b
	out.RevokedHashes = slices.Clone(b.RevokedHashes)
	if b.RevokedAt != nil {
		t := *b.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

// IsRevoked reports whether a credential of this batch is revoked, individually or with the whole batch.
func (b *BatchEntry) IsRevoked(credentialHash string) bool {
	return b.RevokedAt != nil || slices.Contains(b.RevokedHashes, credentialHash)
}

// PreparedOperation contains all the information needed to commit a validated operation.
type PreparedOperation struct {
	DID string
	// DID head the operation was validated against; must still be the head at commit
	PrevHead  string
	Op        Operation
	OpHash    string
	OpID      string
	CreatedAt time.Time
	// resulting DID state, nil if the operation leaves the DID unchanged
	Did *DidEntry
	// resulting batch state, nil if the operation touches no batch
	Batch *BatchEntry
}

type Store interface {
	// GetDid returns nil if the DID does not exist.
	GetDid(ctx context.Context, did string) (*DidEntry, error)

	// GetBatch returns nil if the batch does not exist.
	GetBatch(ctx context.Context, batchID string) (*BatchEntry, error)

	// CommitOperations atomically commits a batch of prepared operations to the store.
	// All operations in the batch are committed, or none are.
	// It is invalid to have multiple operations for the same DID in the same batch.
	//
	// For each PreparedOperation that changes a DID, `PrevHead` MUST match the DID's
	// current head (or "" if it does not exist yet), otherwise ErrHeadMismatch is returned.
	CommitOperations(ctx context.Context, ops []*PreparedOperation) error
}

// PrepareOperation validates a single operation against the store's current state and
// computes the state it produces.
// Errors wrapping ErrInvalidOperation or ErrHeadMismatch indicate the operation is invalid
// against this state. Other errors are Store-related and may be resolved by retrying.
func PrepareOperation(ctx context.Context, store Store, op Operation, createdAt time.Time) (*PreparedOperation, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: empty operation", ErrInvalidOperation)
	}
	if !op.IsSigned() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOperation, ErrNotSignedOp)
	}

	prep := &PreparedOperation{
		DID:       op.TargetDID(),
		Op:        op,
		OpHash:    op.Hash(),
		OpID:      op.CID().String(),
		CreatedAt: createdAt,
	}

	var err error
	switch v := op.(type) {
	case *CreateDidOp:
		err = prepareCreate(ctx, store, v, prep)
	case *UpdateDidOp:
		err = prepareUpdate(ctx, store, v, prep)
	case *IssueCredentialsOp:
		err = prepareIssue(ctx, store, v, prep)
	case *RevokeCredentialsOp:
		err = prepareRevoke(ctx, store, v, prep)
	default:
		err = fmt.Errorf("%w: unsupported operation type %T", ErrInvalidOperation, op)
	}
	if err != nil {
		return nil, err
	}
	return prep, nil
}

func verifyWith(op Operation, key *KeyState) error {
	pub, err := atcrypto.ParsePublicDIDKey(key.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := op.VerifySignature(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	return nil
}

func keyStates(entries []PublicKeyEntry, existing *DidEntry, addedAt time.Time) ([]KeyState, error) {
	out := []KeyState{}
	seen := map[string]bool{}
	for _, entry := range entries {
		if entry.ID == "" {
			return nil, fmt.Errorf("%w: empty key id", ErrInvalidOperation)
		}
		if seen[entry.ID] || (existing != nil && existing.FindKey(entry.ID) != nil) {
			return nil, fmt.Errorf("%w: duplicate key id %s", ErrInvalidOperation, entry.ID)
		}
		seen[entry.ID] = true
		if _, err := entry.KeyUsage(); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrInvalidOperation, entry.ID, err)
		}
		if _, err := entry.PublicKey(); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrInvalidOperation, entry.ID, err)
		}
		out = append(out, KeyState{
			ID:      entry.ID,
			Usage:   entry.Usage,
			Key:     entry.Key,
			AddedAt: addedAt,
		})
	}
	return out, nil
}

// loadHead fetches the DID and checks that prev is its current head.
func loadHead(ctx context.Context, store Store, did, prev string) (*DidEntry, error) {
	entry, err := store.GetDid(ctx, did)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: DID not found: %s", ErrInvalidOperation, did)
	}
	if entry.Head != prev {
		return nil, fmt.Errorf("%w: %s references %s, head is %s", ErrHeadMismatch, did, prev, entry.Head)
	}
	return entry, nil
}

func prepareCreate(ctx context.Context, store Store, op *CreateDidOp, prep *PreparedOperation) error {
	existing, err := store.GetDid(ctx, prep.DID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: DID already exists: %s", ErrInvalidOperation, prep.DID)
	}

	keys, err := keyStates(op.PublicKeys, nil, prep.CreatedAt)
	if err != nil {
		return err
	}
	entry := &DidEntry{
		DID:       prep.DID,
		Head:      prep.OpHash,
		Keys:      keys,
		CreatedAt: prep.CreatedAt,
		UpdatedAt: prep.CreatedAt,
	}
	signer, err := entry.ActiveKey(op.SignedWith, didwallet.MasterKey)
	if err != nil {
		return err
	}
	if err := verifyWith(op, signer); err != nil {
		return err
	}

	prep.Did = entry
	return nil
}

func prepareUpdate(ctx context.Context, store Store, op *UpdateDidOp, prep *PreparedOperation) error {
	entry, err := loadHead(ctx, store, op.Did, op.Prev)
	if err != nil {
		return err
	}
	signer, err := entry.ActiveKey(op.SignedWith, didwallet.MasterKey)
	if err != nil {
		return err
	}
	if err := verifyWith(op, signer); err != nil {
		return err
	}
	if len(op.AddKeys) == 0 && len(op.RevokeKeys) == 0 {
		return fmt.Errorf("%w: update changes nothing", ErrInvalidOperation)
	}

	next := entry.Clone()
	added, err := keyStates(op.AddKeys, entry, prep.CreatedAt)
	if err != nil {
		return err
	}
	next.Keys = append(next.Keys, added...)

	for _, id := range op.RevokeKeys {
		k := next.FindKey(id)
		if k == nil {
			return fmt.Errorf("%w: cannot revoke unknown key %s", ErrInvalidOperation, id)
		}
		if k.Revoked() {
			return fmt.Errorf("%w: key %s already revoked", ErrInvalidOperation, id)
		}
		revokedAt := prep.CreatedAt
		k.RevokedAt = &revokedAt
	}
	if next.activeCount(didwallet.MasterKey) == 0 {
		return fmt.Errorf("%w: update would leave no active master key", ErrInvalidOperation)
	}

	next.Head = prep.OpHash
	next.UpdatedAt = prep.CreatedAt
	prep.PrevHead = entry.Head
	prep.Did = next
	return nil
}

func prepareIssue(ctx context.Context, store Store, op *IssueCredentialsOp, prep *PreparedOperation) error {
	entry, err := loadHead(ctx, store, op.Did, op.Prev)
	if err != nil {
		return err
	}
	signer, err := entry.ActiveKey(op.SignedWith, didwallet.IssuingKey)
	if err != nil {
		return err
	}
	if err := verifyWith(op, signer); err != nil {
		return err
	}
	if _, err := decodeHash(op.MerkleRoot); err != nil {
		return fmt.Errorf("%w: merkle root: %v", ErrInvalidOperation, err)
	}

	batchID := op.BatchID()
	existing, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: batch already anchored: %s", ErrInvalidOperation, batchID)
	}

	next := entry.Clone()
	next.Head = prep.OpHash
	next.UpdatedAt = prep.CreatedAt
	prep.PrevHead = entry.Head
	prep.Did = next
	prep.Batch = &BatchEntry{
		BatchID:       batchID,
		IssuerDID:     op.Did,
		MerkleRoot:    op.MerkleRoot,
		SignedWith:    op.SignedWith,
		OperationHash: prep.OpHash,
		IssuedAt:      prep.CreatedAt,
		RevokedHashes: []string{},
	}
	return nil
}

func prepareRevoke(ctx context.Context, store Store, op *RevokeCredentialsOp, prep *PreparedOperation) error {
	entry, err := store.GetDid(ctx, op.Did)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: DID not found: %s", ErrInvalidOperation, op.Did)
	}
	batch, err := store.GetBatch(ctx, op.BatchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("%w: batch not found: %s", ErrInvalidOperation, op.BatchID)
	}
	if batch.IssuerDID != op.Did {
		return fmt.Errorf("%w: batch %s was not issued by %s", ErrInvalidOperation, op.BatchID, op.Did)
	}
	if batch.OperationHash != op.Prev {
		return fmt.Errorf("%w: batch %s was anchored by %s, not %s", ErrInvalidOperation, op.BatchID, batch.OperationHash, op.Prev)
	}
	signer, err := entry.ActiveKey(op.SignedWith, didwallet.RevocationKey)
	if err != nil {
		return err
	}
	if err := verifyWith(op, signer); err != nil {
		return err
	}
	if batch.RevokedAt != nil {
		return fmt.Errorf("%w: batch %s already revoked", ErrInvalidOperation, op.BatchID)
	}

	next := batch.Clone()
	if len(op.CredentialHashes) == 0 {
		revokedAt := prep.CreatedAt
		next.RevokedAt = &revokedAt
	}
	for _, h := range op.CredentialHashes {
		if _, err := decodeHash(h); err != nil {
			return fmt.Errorf("%w: credential hash: %v", ErrInvalidOperation, err)
		}
		if slices.Contains(next.RevokedHashes, h) {
			return fmt.Errorf("%w: credential %s already revoked", ErrInvalidOperation, h)
		}
		next.RevokedHashes = append(next.RevokedHashes, h)
	}
	prep.Batch = next
	return nil
}

// MemStore is an in-memory implementation of the Store interface
type MemStore struct {
	dids    map[string]*DidEntry
	batches map[string]*BatchEntry
	lock    sync.RWMutex
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		dids:    make(map[string]*DidEntry),
		batches: make(map[string]*BatchEntry),
	}
}

func (store *MemStore) GetDid(ctx context.Context, did string) (*DidEntry, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	entry, exists := store.dids[did]
	if !exists {
		return nil, nil
	}
	return entry.Clone(), nil
}

func (store *MemStore) GetBatch(ctx context.Context, batchID string) (*BatchEntry, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	batch, exists := store.batches[batchID]
	if !exists {
		return nil, nil
	}
	return batch.Clone(), nil
}

// CommitOperations atomically commits a batch of prepared operations to the store.
func (store *MemStore) CommitOperations(ctx context.Context, ops []*PreparedOperation) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	// Verify all heads upfront before making any modifications
	// (a db implementation can do this in the main loop and roll back the tx on mismatch)
	for _, prepOp := range ops {
		if prepOp.Did == nil {
			continue
		}
		currentHead := ""
		if entry, ok := store.dids[prepOp.DID]; ok {
			currentHead = entry.Head
		}
		if currentHead != prepOp.PrevHead {
			return fmt.Errorf("%w: head mismatch for DID %s", ErrHeadMismatch, prepOp.DID)
		}
	}

	for _, prepOp := range ops {
		if prepOp.Did != nil {
			store.dids[prepOp.DID] = prepOp.Did.Clone()
		}
		if prepOp.Batch != nil {
			store.batches[prepOp.Batch.BatchID] = prepOp.Batch.Clone()
		}
	}
	return nil
}

// Overlay layers prepared operations over a base Store without committing them, so that
// operations can be validated against the state their pending predecessors will produce.
// Committing to an Overlay only stages the operations.
type Overlay struct {
	base    Store
	dids    map[string]*DidEntry
	batches map[string]*BatchEntry
	lock    sync.RWMutex
}

var _ Store = (*Overlay)(nil)

func NewOverlay(base Store) *Overlay {
	return &Overlay{
		base:    base,
		dids:    make(map[string]*DidEntry),
		batches: make(map[string]*BatchEntry),
	}
}

func (o *Overlay) GetDid(ctx context.Context, did string) (*DidEntry, error) {
	o.lock.RLock()
	entry, staged := o.dids[did]
	o.lock.RUnlock()
	if staged {
		return entry.Clone(), nil
	}
	return o.base.GetDid(ctx, did)
}

func (o *Overlay) GetBatch(ctx context.Context, batchID string) (*BatchEntry, error) {
	o.lock.RLock()
	batch, staged := o.batches[batchID]
	o.lock.RUnlock()
	if staged {
		return batch.Clone(), nil
	}
	return o.base.GetBatch(ctx, batchID)
}

func (o *Overlay) CommitOperations(ctx context.Context, ops []*PreparedOperation) error {
	for _, prepOp := range ops {
		if prepOp.Did == nil {
			continue
		}
		current, err := o.GetDid(ctx, prepOp.DID)
		if err != nil {
			return err
		}
		currentHead := ""
		if current != nil {
			currentHead = current.Head
		}
		if currentHead != prepOp.PrevHead {
			return fmt.Errorf("%w: head mismatch for DID %s", ErrHeadMismatch, prepOp.DID)
		}
	}

	o.lock.Lock()
	defer o.lock.Unlock()
	for _, prepOp := range ops {
		if prepOp.Did != nil {
			o.dids[prepOp.DID] = prepOp.Did.Clone()
		}
		if prepOp.Batch != nil {
			o.batches[prepOp.Batch.BatchID] = prepOp.Batch.Clone()
		}
	}
	return nil
}

// Reset drops every staged operation.
func (o *Overlay) Reset() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.dids = make(map[string]*DidEntry)
	o.batches = make(map[string]*BatchEntry)
}
