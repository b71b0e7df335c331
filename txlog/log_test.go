package txlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource reports whatever status was last set for an operation.
type fakeSource struct {
	infos map[string]ledger.OperationInfo
	calls map[string]int
	fail  error
	lock  sync.Mutex
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		infos: make(map[string]ledger.OperationInfo),
		calls: make(map[string]int),
	}
}

func (s *fakeSource) set(id string, status didwallet.OperationStatus, txID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.infos[id] = ledger.OperationInfo{OperationID: id, Status: status, TransactionID: txID}
}

func (s *fakeSource) GetOperationInfo(ctx context.Context, id string) (*ledger.OperationInfo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls[id]++
	if s.fail != nil {
		return nil, s.fail
	}
	info, ok := s.infos[id]
	if !ok {
		return nil, didwallet.ErrNotFound
	}
	return &info, nil
}

// flakyStore fails the first n inserts.
type flakyStore struct {
	*didwallet.MemTxLogStorage
	failures int
}

func (s *flakyStore) Insert(ctx context.Context, e *didwallet.TxLogEntry) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.MemTxLogStorage.Insert(ctx, e)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLog(t *testing.T, store didwallet.TxLogStorage, source StatusSource) *Log {
	t.Helper()
	return NewLog(store, source, Config{RetryDelay: time.Millisecond}, testLogger())
}

func TestRecord(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := newTestLog(t, didwallet.NewMemTxLogStorage(), newFakeSource())

	entry, err := l.Record(ctx, "op1", "w1", didwallet.ActionPublishDid, "publish alice", "alice")
	require.NoError(t, err)
	assert.Equal("op1", entry.ID)
	assert.Equal(didwallet.StatusPendingSubmission, entry.Status)
	assert.False(entry.CreatedAt.IsZero())

	// idempotent
	again, err := l.Record(ctx, "op1", "w1", didwallet.ActionPublishDid, "publish alice", "alice")
	require.NoError(t, err)
	assert.Equal(entry.CreatedAt, again.CreatedAt)

	pending, err := l.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(pending, 1)

	all, err := l.List(ctx, "w1")
	require.NoError(t, err)
	assert.Len(all, 1)
}

func TestRecord_Retries(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemTxLogStorage: didwallet.NewMemTxLogStorage(), failures: 2}
	l := newTestLog(t, store, newFakeSource())

	_, err := l.Record(ctx, "op1", "w1", didwallet.ActionAddKey, "", "alice")
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "op1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRecord_GivesUp(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemTxLogStorage: didwallet.NewMemTxLogStorage(), failures: 100}
	l := newTestLog(t, store, newFakeSource())

	_, err := l.Record(ctx, "op1", "w1", didwallet.ActionAddKey, "", "alice")
	assert.ErrorIs(t, err, didwallet.ErrStorageFailure)
}

func TestReconcile(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	source := newFakeSource()
	l := newTestLog(t, didwallet.NewMemTxLogStorage(), source)

	for _, id := range []string{"op1", "op2", "op3"} {
		_, err := l.Record(ctx, id, "w1", didwallet.ActionIssueCredential, "", "cred")
		require.NoError(t, err)
		source.set(id, didwallet.StatusPendingSubmission, "")
	}

	var notified []string
	var lock sync.Mutex
	l.OnStatusChange(func(ctx context.Context, e *didwallet.TxLogEntry) {
		lock.Lock()
		defer lock.Unlock()
		notified = append(notified, e.ID+":"+string(e.Status))
	})

	// nothing moved yet
	changed, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(0, changed)

	source.set("op1", didwallet.StatusAwaitConfirmation, "tx1")
	source.set("op2", didwallet.StatusConfirmedApplied, "tx1")
	changed, err = l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(2, changed)
	assert.ElementsMatch([]string{"op1:AWAIT_CONFIRMATION", "op2:CONFIRMED_AND_APPLIED"}, notified)

	op1, err := l.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal("tx1", op1.TxID)
	assert.Equal(ExplorerURL+"tx1", op1.URL)
	assert.True(op1.UpdatedAt.After(op1.CreatedAt) || op1.UpdatedAt.Equal(op1.CreatedAt))

	pending, err := l.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(pending, 2)

	// terminal entries are not queried again
	source.lock.Lock()
	op2Calls := source.calls["op2"]
	source.lock.Unlock()
	_, err = l.Reconcile(ctx)
	require.NoError(t, err)
	source.lock.Lock()
	assert.Equal(op2Calls, source.calls["op2"])
	source.lock.Unlock()
}

func TestReconcileEntry_TerminalIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	source := newFakeSource()
	l := newTestLog(t, didwallet.NewMemTxLogStorage(), source)

	_, err := l.Record(ctx, "op1", "w1", didwallet.ActionRevokeCredential, "", "cred")
	require.NoError(t, err)
	source.set("op1", didwallet.StatusConfirmedRejected, "tx9")

	changed, err := l.ReconcileEntry(ctx, "op1")
	require.NoError(t, err)
	assert.True(changed)
	first, err := l.Get(ctx, "op1")
	require.NoError(t, err)

	// the ledger keeps reporting the terminal status; a second pass changes nothing
	changed, err = l.ReconcileEntry(ctx, "op1")
	require.NoError(t, err)
	assert.False(changed)
	second, err := l.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(first, second)

	_, err = l.ReconcileEntry(ctx, "missing")
	assert.ErrorIs(err, didwallet.ErrNotFound)
}

func TestReconcile_LedgerFailure(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	l := newTestLog(t, didwallet.NewMemTxLogStorage(), source)

	_, err := l.Record(ctx, "op1", "w1", didwallet.ActionAddKey, "", "alice")
	require.NoError(t, err)
	source.fail = errors.New("ledger unavailable")

	changed, err := l.Reconcile(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, changed)

	pending, err := l.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReconcile_MemLedger(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	ml := ledger.NewMemLedger()
	l := newTestLog(t, didwallet.NewMemTxLogStorage(), ml)

	seed, err := didwallet.SeedFromMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "")
	require.NoError(t, err)
	master, err := didwallet.Derive(seed, 0, didwallet.MasterKey, 0)
	require.NoError(t, err)
	op := ledger.NewCreateDidOp("master0", []ledger.PublicKeyEntry{
		ledger.NewPublicKeyEntry("master0", didwallet.MasterKey, master),
	})
	require.NoError(t, op.Sign(master.Private))

	opID, err := ml.CreateDid(ctx, op)
	require.NoError(t, err)
	_, err = l.Record(ctx, opID, "w1", didwallet.ActionPublishDid, "", "alice")
	require.NoError(t, err)

	for _, want := range []didwallet.OperationStatus{didwallet.StatusAwaitConfirmation, didwallet.StatusConfirmedApplied} {
		_, err := ml.Tick(ctx)
		require.NoError(t, err)
		changed, err := l.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(1, changed)
		entry, err := l.Get(ctx, opID)
		require.NoError(t, err)
		assert.Equal(want, entry.Status)
		assert.NotEmpty(entry.TxID)
	}

	changed, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(0, changed)
}
