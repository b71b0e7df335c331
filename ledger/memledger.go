package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roots-id/go-didwallet"
)

type memOp struct {
	op        Operation
	createdAt time.Time
	info      OperationInfo
}

// MemLedger is an in-memory Ledger. Submitted operations are validated against the
// applied state plus all operations still in flight. Each Tick confirms the transaction
// packed by the previous Tick, then packs the pending operations into a new one.
type MemLedger struct {
	store       *MemStore
	staged      *Overlay
	ops         map[string]*memOp
	byDID       map[string][]*memOp
	queue       []*memOp // not yet terminal, in submission order
	autoConfirm bool
	now         func() time.Time
	lock        sync.Mutex
}

var _ Ledger = (*MemLedger)(nil)

type MemLedgerOption func(*MemLedger)

// WithAutoConfirm applies every operation at submission time.
func WithAutoConfirm() MemLedgerOption {
	return func(l *MemLedger) {
		l.autoConfirm = true
	}
}

func WithClock(now func() time.Time) MemLedgerOption {
	return func(l *MemLedger) {
		l.now = now
	}
}

// WithStore makes the ledger apply operations to store instead of a private one.
func WithStore(store *MemStore) MemLedgerOption {
	return func(l *MemLedger) {
		l.store = store
		l.staged = NewOverlay(store)
	}
}

func NewMemLedger(opts ...MemLedgerOption) *MemLedger {
	store := NewMemStore()
	l := &MemLedger{
		store:  store,
		staged: NewOverlay(store),
		ops:    make(map[string]*memOp),
		byDID:  make(map[string][]*memOp),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemLedger) CreateDid(ctx context.Context, op *CreateDidOp) (string, error) {
	return l.Submit(ctx, op)
}

func (l *MemLedger) UpdateDid(ctx context.Context, op *UpdateDidOp) (string, error) {
	return l.Submit(ctx, op)
}

func (l *MemLedger) IssueCredentials(ctx context.Context, op *IssueCredentialsOp) (string, error) {
	return l.Submit(ctx, op)
}

func (l *MemLedger) RevokeCredentials(ctx context.Context, op *RevokeCredentialsOp) (string, error) {
	return l.Submit(ctx, op)
}

// Submit validates and queues an operation of any type. Resubmitting an operation
// that is known and not rejected returns its id again.
func (l *MemLedger) Submit(ctx context.Context, op Operation) (string, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	opID := op.CID().String()
	if existing, ok := l.ops[opID]; ok && existing.info.Status != didwallet.StatusConfirmedRejected {
		return opID, nil
	}

	createdAt := l.now()
	m := &memOp{
		op:        op,
		createdAt: createdAt,
		info: OperationInfo{
			OperationID:   opID,
			OperationHash: op.Hash(),
			DID:           op.TargetDID(),
			Type:          op.OpType(),
			Status:        didwallet.StatusPendingSubmission,
		},
	}

	if l.autoConfirm {
		prep, err := PrepareOperation(ctx, l.store, op, createdAt)
		if err != nil {
			return "", err
		}
		if err := l.store.CommitOperations(ctx, []*PreparedOperation{prep}); err != nil {
			return "", err
		}
		m.info.Status = didwallet.StatusConfirmedApplied
		m.info.TransactionID = uuid.NewString()
	} else {
		prep, err := PrepareOperation(ctx, l.staged, op, createdAt)
		if err != nil {
			return "", err
		}
		if err := l.staged.CommitOperations(ctx, []*PreparedOperation{prep}); err != nil {
			return "", err
		}
		l.queue = append(l.queue, m)
	}

	l.ops[opID] = m
	l.byDID[m.info.DID] = append(l.byDID[m.info.DID], m)
	return opID, nil
}

// Tick advances the ledger by one block. Returns the number of operations that changed status.
func (l *MemLedger) Tick(ctx context.Context) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	changed := 0
	remaining := []*memOp{}
	for _, m := range l.queue {
		if m.info.Status != didwallet.StatusAwaitConfirmation {
			remaining = append(remaining, m)
			continue
		}
		if err := l.apply(ctx, m); err != nil {
			return changed, err
		}
		changed++
	}

	if len(remaining) > 0 {
		txID := uuid.NewString()
		for _, m := range remaining {
			m.info.Status = didwallet.StatusAwaitConfirmation
			m.info.TransactionID = txID
			changed++
		}
	}
	l.queue = remaining

	// restage what is still in flight over the new applied state
	l.staged.Reset()
	for _, m := range l.queue {
		prep, err := PrepareOperation(ctx, l.staged, m.op, m.createdAt)
		if err != nil {
			continue
		}
		_ = l.staged.CommitOperations(ctx, []*PreparedOperation{prep})
	}
	return changed, nil
}

// Flush ticks until no operation is in flight.
func (l *MemLedger) Flush(ctx context.Context) error {
	for {
		l.lock.Lock()
		empty := len(l.queue) == 0
		l.lock.Unlock()
		if empty {
			return nil
		}
		if _, err := l.Tick(ctx); err != nil {
			return err
		}
	}
}

func (l *MemLedger) apply(ctx context.Context, m *memOp) error {
	prep, err := PrepareOperation(ctx, l.store, m.op, m.createdAt)
	if err == nil {
		err = l.store.CommitOperations(ctx, []*PreparedOperation{prep})
	}
	if err != nil {
		if !IsRejection(err) {
			return err
		}
		m.info.Status = didwallet.StatusConfirmedRejected
		m.info.Error = err.Error()
		return nil
	}
	m.info.Status = didwallet.StatusConfirmedApplied
	return nil
}

func (l *MemLedger) GetOperationInfo(ctx context.Context, operationID string) (*OperationInfo, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	m, ok := l.ops[operationID]
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", didwallet.ErrNotFound, operationID)
	}
	info := m.info
	return &info, nil
}

func (l *MemLedger) Verify(ctx context.Context, encodedSignedCredential string, proof didwallet.Proof) (*VerificationResult, error) {
	return VerifyCredential(ctx, l.store, encodedSignedCredential, proof)
}

func (l *MemLedger) ResolveDid(ctx context.Context, did string) (*DidEntry, error) {
	entry, err := l.store.GetDid(ctx, CanonicalDID(did))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: DID %s", didwallet.ErrNotFound, did)
	}
	return entry, nil
}

// AuditLog returns every operation submitted for a DID, in submission order.
func (l *MemLedger) AuditLog(ctx context.Context, did string) ([]LogEntry, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	ops := l.byDID[CanonicalDID(did)]
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: DID %s", didwallet.ErrNotFound, did)
	}
	out := make([]LogEntry, 0, len(ops))
	for _, m := range ops {
		entry, err := NewLogEntry(m.op, m.info.Status, m.createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}
