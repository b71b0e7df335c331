package dbstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := OpenPostgres(dbURL, logger, "dbstore-test")
		require.NoError(t, err)
		db.Exec("DROP TABLE IF EXISTS wallets, tx_logs")
		t.Cleanup(func() {
			db.Exec("DROP TABLE IF EXISTS wallets, tx_logs")
			sqlDB, _ := db.DB()
			sqlDB.Close()
		})
		return db
	}

	db, err := OpenWithDialector(sqlite.Open(":memory:"), logger, "dbstore-test")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func testWallet(id string) *didwallet.Wallet {
	return &didwallet.Wallet{
		ID:   id,
		Seed: didwallet.HexBytes{0x01, 0x02, 0x03},
		Dids: []didwallet.Did{{
			Alias:           "alice",
			URI:             "did:wal:abc",
			KeyPaths:        []didwallet.KeyPath{didwallet.NewKeyPath("master0", 0, didwallet.MasterKey, 0)},
			OperationHashes: []string{},
			OperationIDs:    []string{},
		}},
		IssuedCredentials:   []didwallet.IssuedCredential{},
		ImportedCredentials: []didwallet.ImportedCredential{},
	}
}

func TestGormWalletStorage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store, err := NewGormWalletStorage(newTestDB(t))
	require.NoError(t, err)

	w := testWallet("w1")
	require.NoError(t, store.Insert(ctx, w))
	assert.ErrorIs(store.Insert(ctx, w), didwallet.ErrDuplicateIdentifier)

	got, err := store.FindByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(w, got)

	exists, err := store.Exists(ctx, "w1")
	require.NoError(t, err)
	assert.True(exists)
	exists, err = store.Exists(ctx, "w2")
	require.NoError(t, err)
	assert.False(exists)

	_, err = store.FindByID(ctx, "w2")
	assert.ErrorIs(err, didwallet.ErrNotFound)

	got.Dids[0].OperationHashes = append(got.Dids[0].OperationHashes, "aa")
	got.Dids[0].PublishedOperationID = "op1"
	require.NoError(t, store.Update(ctx, got))

	did, err := store.FindDidByAlias(ctx, "w1", "alice")
	require.NoError(t, err)
	assert.Equal([]string{"aa"}, did.OperationHashes)
	assert.True(did.IsPublished())
	_, err = store.FindDidByAlias(ctx, "w1", "bob")
	assert.ErrorIs(err, didwallet.ErrNotFound)

	dids, err := store.ListDids(ctx, "w1")
	require.NoError(t, err)
	assert.Len(dids, 1)

	assert.ErrorIs(store.Update(ctx, testWallet("w2")), didwallet.ErrNotFound)

	require.NoError(t, store.Insert(ctx, testWallet("w0")))
	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal("w0", all[0].ID)
	assert.Equal("w1", all[1].ID)
}

func testEntry(id, walletID string, createdAt time.Time) *didwallet.TxLogEntry {
	return &didwallet.TxLogEntry{
		ID:          id,
		WalletID:    walletID,
		Action:      didwallet.ActionPublishDid,
		Status:      didwallet.StatusPendingSubmission,
		Description: "publish",
		Subject:     "alice",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestGormTxLogStorage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store, err := NewGormTxLogStorage(newTestDB(t))
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, testEntry("op2", "w1", t0.Add(time.Minute))))
	require.NoError(t, store.Insert(ctx, testEntry("op1", "w1", t0)))
	require.NoError(t, store.Insert(ctx, testEntry("op3", "w2", t0.Add(2*time.Minute))))
	assert.ErrorIs(store.Insert(ctx, testEntry("op1", "w1", t0)), didwallet.ErrDuplicateIdentifier)

	got, err := store.FindByID(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(didwallet.ActionPublishDid, got.Action)
	assert.True(t0.Equal(got.CreatedAt))

	_, err = store.FindByID(ctx, "missing")
	assert.ErrorIs(err, didwallet.ErrNotFound)

	got.Status = didwallet.StatusConfirmedApplied
	got.TxID = "tx1"
	got.URL = "https://example.com/tx1"
	got.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, store.Update(ctx, got))

	updated, err := store.FindByID(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(didwallet.StatusConfirmedApplied, updated.Status)
	assert.Equal("tx1", updated.TxID)
	assert.True(t0.Add(time.Hour).Equal(updated.UpdatedAt))
	assert.True(t0.Equal(updated.CreatedAt))

	assert.ErrorIs(store.Update(ctx, testEntry("missing", "w1", t0)), didwallet.ErrNotFound)

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, e := range pending {
		ids = append(ids, e.ID)
	}
	assert.Equal([]string{"op2", "op3"}, ids)

	w1, err := store.List(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, w1, 2)
	assert.Equal("op1", w1[0].ID)
	assert.Equal("op2", w1[1].ID)

	exists, err := store.Exists(ctx, "op3")
	require.NoError(t, err)
	assert.True(exists)
}
