package ledgernode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/dbstore"
	"github.com/roots-id/go-didwallet/ledger"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	logger := testLogger()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := dbstore.OpenPostgres(dbURL, logger, "ledgernode-test")
		require.NoError(t, err)
		db.Exec("DROP TABLE IF EXISTS dids, batches, operations")
		store, err := NewGormStore(db)
		require.NoError(t, err)
		t.Cleanup(func() {
			db.Exec("DROP TABLE IF EXISTS dids, batches, operations")
			sqlDB, _ := db.DB()
			sqlDB.Close()
		})
		return store
	}

	db, err := dbstore.OpenWithDialector(sqlite.Open(":memory:"), logger, "ledgernode-test")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	store, err := NewGormStore(db)
	require.NoError(t, err)
	return store
}

// steppingClock advances one second per reading, so that successive operations get
// distinct timestamps.
type steppingClock struct {
	t    time.Time
	lock sync.Mutex
}

func newSteppingClock() *steppingClock {
	return &steppingClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestNode(t *testing.T, store *GormStore) *Node {
	t.Helper()
	n, err := NewNode(context.Background(), store, testLogger(), WithClock(newSteppingClock().Now))
	require.NoError(t, err)
	return n
}

type testIssuer struct {
	did        string
	master     *didwallet.KeyPair
	issuing    *didwallet.KeyPair
	revocation *didwallet.KeyPair
	create     *ledger.CreateDidOp
}

func deriveKey(t *testing.T, didIdx int, usage didwallet.KeyUsage, keyIdx int) *didwallet.KeyPair {
	t.Helper()
	seed, err := didwallet.SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	kp, err := didwallet.Derive(seed, didIdx, usage, keyIdx)
	require.NoError(t, err)
	return kp
}

func newTestIssuer(t *testing.T, didIdx int) *testIssuer {
	t.Helper()
	ti := &testIssuer{
		master:     deriveKey(t, didIdx, didwallet.MasterKey, 0),
		issuing:    deriveKey(t, didIdx, didwallet.IssuingKey, 0),
		revocation: deriveKey(t, didIdx, didwallet.RevocationKey, 0),
	}
	ti.create = ledger.NewCreateDidOp("master0", []ledger.PublicKeyEntry{
		ledger.NewPublicKeyEntry("master0", didwallet.MasterKey, ti.master),
		ledger.NewPublicKeyEntry("issuing0", didwallet.IssuingKey, ti.issuing),
		ledger.NewPublicKeyEntry("revocation0", didwallet.RevocationKey, ti.revocation),
	})
	require.NoError(t, ti.create.Sign(ti.master.Private))
	ti.did = ti.create.TargetDID()
	return ti
}

type testBatch struct {
	creds []*ledger.SignedCredential
	tree  *ledger.MerkleTree
	op    *ledger.IssueCredentialsOp
}

func (ti *testIssuer) issueBatch(t *testing.T, prev string, n int) *testBatch {
	t.Helper()
	b := &testBatch{}
	leaves := []string{}
	for i := range n {
		claim := didwallet.Claim{
			SubjectDID: fmt.Sprintf("did:example:subject%d", i),
			Content:    fmt.Sprintf(`{"name":"Subject %d"}`, i),
		}
		sc, err := ledger.SignCredential(ti.issuing.Private, ti.did, "issuing0", claim)
		require.NoError(t, err)
		b.creds = append(b.creds, sc)
		leaves = append(leaves, sc.Hash())
	}
	tree, err := ledger.BuildMerkleTree(leaves)
	require.NoError(t, err)
	b.tree = tree
	b.op = ledger.NewIssueCredentialsOp(ti.did, prev, "issuing0", tree.Root())
	require.NoError(t, b.op.Sign(ti.issuing.Private))
	return b
}

func (b *testBatch) proof(t *testing.T, i int) didwallet.Proof {
	t.Helper()
	p, err := b.tree.Proof(b.creds[i].Hash())
	require.NoError(t, err)
	return p
}

func (ti *testIssuer) revoke(t *testing.T, b *testBatch, hashes ...string) *ledger.RevokeCredentialsOp {
	t.Helper()
	op := ledger.NewRevokeCredentialsOp(ti.did, b.op.Hash(), "revocation0", b.op.BatchID(), hashes)
	require.NoError(t, op.Sign(ti.revocation.Private))
	return op
}
