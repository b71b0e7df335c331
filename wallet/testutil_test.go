package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"github.com/roots-id/go-didwallet/txlog"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed, err := didwallet.SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	return seed
}

// steppingClock returns strictly increasing timestamps, one second apart.
func steppingClock() func() time.Time {
	var lock sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		lock.Lock()
		defer lock.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// countingLedger counts submissions that reached the ledger.
type countingLedger struct {
	*ledger.MemLedger
	submissions atomic.Int32
}

func newCountingLedger(opts ...ledger.MemLedgerOption) *countingLedger {
	opts = append([]ledger.MemLedgerOption{ledger.WithClock(steppingClock())}, opts...)
	return &countingLedger{MemLedger: ledger.NewMemLedger(opts...)}
}

func (l *countingLedger) CreateDid(ctx context.Context, op *ledger.CreateDidOp) (string, error) {
	l.submissions.Add(1)
	return l.MemLedger.CreateDid(ctx, op)
}

func (l *countingLedger) UpdateDid(ctx context.Context, op *ledger.UpdateDidOp) (string, error) {
	l.submissions.Add(1)
	return l.MemLedger.UpdateDid(ctx, op)
}

func (l *countingLedger) IssueCredentials(ctx context.Context, op *ledger.IssueCredentialsOp) (string, error) {
	l.submissions.Add(1)
	return l.MemLedger.IssueCredentials(ctx, op)
}

func (l *countingLedger) RevokeCredentials(ctx context.Context, op *ledger.RevokeCredentialsOp) (string, error) {
	l.submissions.Add(1)
	return l.MemLedger.RevokeCredentials(ctx, op)
}

// brokenWalletStorage accepts inserts but fails updates once broken is set.
type brokenWalletStorage struct {
	*didwallet.MemWalletStorage
	broken atomic.Bool
}

func (s *brokenWalletStorage) Update(ctx context.Context, w *didwallet.Wallet) error {
	if s.broken.Load() {
		return errors.New("disk full")
	}
	return s.MemWalletStorage.Update(ctx, w)
}

type testEnv struct {
	svc     *Service
	ledger  *countingLedger
	store   *ledger.MemStore // applied state behind ledger, writable directly
	log     *txlog.Log
	wallets *brokenWalletStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := ledger.NewMemStore()
	l := newCountingLedger(ledger.WithStore(store))
	wallets := &brokenWalletStorage{MemWalletStorage: didwallet.NewMemWalletStorage()}
	log := txlog.NewLog(didwallet.NewMemTxLogStorage(), l, txlog.Config{RetryDelay: time.Millisecond}, testLogger())
	return &testEnv{
		svc:     NewService(wallets, log, l, testLogger()),
		ledger:  l,
		store:   store,
		log:     log,
		wallets: wallets,
	}
}

// newTestWallet creates wallet "w1" from the test mnemonic.
func (env *testEnv) newTestWallet(t *testing.T) *didwallet.Wallet {
	t.Helper()
	w, _, err := env.svc.CreateWallet(context.Background(), "w1", testMnemonic, "")
	require.NoError(t, err)
	return w
}

// publishedIssuer creates and publishes an issuer DID and confirms it on the ledger.
func (env *testEnv) publishedIssuer(t *testing.T, walletID, alias string) *didwallet.Did {
	t.Helper()
	ctx := context.Background()
	_, err := env.svc.CreateDid(ctx, walletID, alias, true)
	require.NoError(t, err)
	_, err = env.svc.PublishDid(ctx, walletID, alias)
	require.NoError(t, err)
	require.NoError(t, env.ledger.Flush(ctx))
	did, err := env.svc.GetDid(ctx, walletID, alias)
	require.NoError(t, err)
	return did
}

func bobClaim(content string) didwallet.Claim {
	return didwallet.Claim{SubjectDID: "did:example:bob", Content: content}
}
