package ledgernode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"github.com/google/uuid"
	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"go.opentelemetry.io/otel/metric"
)

type inFlightOp struct {
	rec *OperationRecord
	op  ledger.Operation
}

/*

Operations move through the node in blocks:

- Submit validates against the applied state plus everything in flight, and stores the op as PENDING
- Tick confirms the ops packed by the previous Tick (APPLIED or REJECTED), then packs every PENDING op into a new transaction (AWAIT)

Each Tick restages what is still in flight over the new applied state.

*/

// Node is a ledger backed by a GormStore.
type Node struct {
	store    *GormStore
	staged   *ledger.Overlay
	inFlight map[int64]*inFlightOp
	seqs     *treeset.Set // in-flight seqs, in submission order
	hub      *hub
	now      func() time.Time
	logger   *slog.Logger
	lock     sync.Mutex
}

var _ ledger.Ledger = (*Node)(nil)

type NodeOption func(*Node)

func WithClock(now func() time.Time) NodeOption {
	return func(n *Node) {
		n.now = now
	}
}

// NewNode loads the operations left in flight by a previous run and restages them.
func NewNode(ctx context.Context, store *GormStore, logger *slog.Logger, opts ...NodeOption) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "node")
	n := &Node{
		store:    store,
		staged:   ledger.NewOverlay(store),
		inFlight: make(map[int64]*inFlightOp),
		seqs:     treeset.NewWith(utils.Int64Comparator),
		hub:      newHub(logger),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(n)
	}

	recs, err := store.ListOperations(ctx, didwallet.StatusPendingSubmission, didwallet.StatusAwaitConfirmation)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		rec := &recs[i]
		op := rec.Operation()
		if op == nil {
			return nil, fmt.Errorf("invalid operation type for %s", rec.OpID)
		}
		n.inFlight[rec.Seq] = &inFlightOp{rec: rec, op: op}
		n.seqs.Add(rec.Seq)
	}
	n.restage(ctx)
	if len(recs) > 0 {
		logger.Info("resumed in-flight operations", "count", len(recs))
	}
	InFlightOpsGauge.Record(ctx, int64(n.seqs.Size()))
	return n, nil
}

// timestamps are stored with microsecond precision by postgres
func (n *Node) timestamp() time.Time {
	return n.now().UTC().Truncate(time.Microsecond)
}

func (n *Node) CreateDid(ctx context.Context, op *ledger.CreateDidOp) (string, error) {
	return n.Submit(ctx, op)
}

func (n *Node) UpdateDid(ctx context.Context, op *ledger.UpdateDidOp) (string, error) {
	return n.Submit(ctx, op)
}

func (n *Node) IssueCredentials(ctx context.Context, op *ledger.IssueCredentialsOp) (string, error) {
	return n.Submit(ctx, op)
}

func (n *Node) RevokeCredentials(ctx context.Context, op *ledger.RevokeCredentialsOp) (string, error) {
	return n.Submit(ctx, op)
}

// Submit validates and queues an operation of any type. Resubmitting an operation
// that is known and not rejected returns its id again.
func (n *Node) Submit(ctx context.Context, op ledger.Operation) (string, error) {
	if op == nil {
		return "", fmt.Errorf("%w: empty operation", ledger.ErrInvalidOperation)
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	opID := op.CID().String()
	existing, err := n.store.GetOperation(ctx, opID)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Status != didwallet.StatusConfirmedRejected {
		return opID, nil
	}

	createdAt := n.timestamp()
	prep, err := ledger.PrepareOperation(ctx, n.staged, op, createdAt)
	if err != nil {
		return "", err
	}
	enum, err := ledger.NewOpEnum(op)
	if err != nil {
		return "", err
	}

	rec := &OperationRecord{
		OpID:      opID,
		OpHash:    prep.OpHash,
		DID:       prep.DID,
		Type:      op.OpType(),
		Status:    didwallet.StatusPendingSubmission,
		CreatedAt: createdAt,
		OpData:    opEnumDB(*enum),
	}
	if err := n.store.InsertOperation(ctx, rec); err != nil {
		return "", err
	}
	if err := n.staged.CommitOperations(ctx, []*ledger.PreparedOperation{prep}); err != nil {
		return "", err
	}
	n.inFlight[rec.Seq] = &inFlightOp{rec: rec, op: op}
	n.seqs.Add(rec.Seq)

	n.logger.Info("operation submitted", "operation", opID, "type", rec.Type, "did", rec.DID)
	SubmittedOps.Add(ctx, 1, metric.WithAttributes(opTypeAttr(rec.Type)))
	InFlightOpsGauge.Record(ctx, int64(n.seqs.Size()))
	n.hub.publish(*rec.Info())
	return opID, nil
}

// Tick produces one block. Returns the number of operations that changed status.
func (n *Node) Tick(ctx context.Context) (int, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	changed := []ledger.OperationInfo{}
	defer func() {
		n.hub.publish(changed...)
	}()

	pending := []*inFlightOp{}
	for _, v := range n.seqs.Values() {
		seq := v.(int64)
		f := n.inFlight[seq]
		if f.rec.Status != didwallet.StatusAwaitConfirmation {
			pending = append(pending, f)
			continue
		}
		if err := n.confirm(ctx, f); err != nil {
			return len(changed), err
		}
		n.seqs.Remove(seq)
		delete(n.inFlight, seq)
		changed = append(changed, *f.rec.Info())
	}

	if len(pending) > 0 {
		txID := uuid.NewString()
		opIDs := make([]string, 0, len(pending))
		for _, f := range pending {
			opIDs = append(opIDs, f.rec.OpID)
		}
		if err := n.store.MarkAwaiting(ctx, opIDs, txID); err != nil {
			return len(changed), err
		}
		for _, f := range pending {
			f.rec.Status = didwallet.StatusAwaitConfirmation
			f.rec.TxID = txID
			changed = append(changed, *f.rec.Info())
		}
		n.logger.Info("packed transaction", "tx", txID, "operations", len(pending))
	}

	n.restage(ctx)
	LastBlockTsGauge.Record(ctx, n.now().Unix())
	InFlightOpsGauge.Record(ctx, int64(n.seqs.Size()))
	return len(changed), nil
}

// confirm applies an awaited operation to the store, or rejects it if it is no longer
// valid against the applied state.
func (n *Node) confirm(ctx context.Context, f *inFlightOp) error {
	prep, err := ledger.PrepareOperation(ctx, n.store, f.op, f.rec.CreatedAt)
	if err == nil {
		err = n.store.CommitOperations(ctx, []*ledger.PreparedOperation{prep})
	}
	if err != nil {
		if !ledger.IsRejection(err) {
			return err
		}
		if err := n.store.RejectOperation(ctx, f.rec.OpID, err.Error()); err != nil {
			return err
		}
		f.rec.Status = didwallet.StatusConfirmedRejected
		f.rec.Error = err.Error()
		n.logger.Warn("operation rejected", "operation", f.rec.OpID, "err", err)
		ConfirmedOps.Add(ctx, 1, metric.WithAttributes(OutcomeRejected, opTypeAttr(f.rec.Type)))
		return nil
	}
	f.rec.Status = didwallet.StatusConfirmedApplied
	ConfirmedOps.Add(ctx, 1, metric.WithAttributes(OutcomeApplied, opTypeAttr(f.rec.Type)))
	return nil
}

// restage rebuilds the staging area from the in-flight operations. Operations that no
// longer validate stay in flight and are rejected when confirmed.
func (n *Node) restage(ctx context.Context) {
	n.staged.Reset()
	for _, v := range n.seqs.Values() {
		f := n.inFlight[v.(int64)]
		prep, err := ledger.PrepareOperation(ctx, n.staged, f.op, f.rec.CreatedAt)
		if err != nil {
			n.logger.Debug("in-flight operation no longer valid", "operation", f.rec.OpID, "err", err)
			continue
		}
		_ = n.staged.CommitOperations(ctx, []*ledger.PreparedOperation{prep})
	}
}

// Flush ticks until no operation is in flight.
func (n *Node) Flush(ctx context.Context) error {
	for {
		n.lock.Lock()
		empty := n.seqs.Empty()
		n.lock.Unlock()
		if empty {
			return nil
		}
		if _, err := n.Tick(ctx); err != nil {
			return err
		}
	}
}

func (n *Node) InFlight() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.seqs.Size()
}

func (n *Node) GetOperationInfo(ctx context.Context, operationID string) (*ledger.OperationInfo, error) {
	rec, err := n.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: operation %s", didwallet.ErrNotFound, operationID)
	}
	return rec.Info(), nil
}

func (n *Node) Verify(ctx context.Context, encodedSignedCredential string, proof didwallet.Proof) (*ledger.VerificationResult, error) {
	return ledger.VerifyCredential(ctx, n.store, encodedSignedCredential, proof)
}

func (n *Node) ResolveDid(ctx context.Context, did string) (*ledger.DidEntry, error) {
	entry, err := n.store.GetDid(ctx, ledger.CanonicalDID(did))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: DID %s", didwallet.ErrNotFound, did)
	}
	return entry, nil
}

func (n *Node) GetBatch(ctx context.Context, batchID string) (*ledger.BatchEntry, error) {
	batch, err := n.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("%w: batch %s", didwallet.ErrNotFound, batchID)
	}
	return batch, nil
}

// AuditLog returns every operation submitted for a DID, in submission order.
func (n *Node) AuditLog(ctx context.Context, did string) ([]ledger.LogEntry, error) {
	entries, err := n.store.GetOperationLog(ctx, ledger.CanonicalDID(did))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: DID %s", didwallet.ErrNotFound, did)
	}
	return entries, nil
}

// Subscribe streams every operation status change until cancel is called.
func (n *Node) Subscribe() (<-chan ledger.OperationInfo, func()) {
	return n.hub.subscribe()
}
