package didwallet

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// WalletStorage persists wallet documents. DIDs, key paths and credentials are embedded in
// the wallet; the last write wins.
type WalletStorage interface {
	// Insert fails with ErrDuplicateIdentifier if the id is taken.
	Insert(ctx context.Context, w *Wallet) error
	// Update fails with ErrNotFound if the wallet does not exist.
	Update(ctx context.Context, w *Wallet) error
	// FindByID fails with ErrNotFound if the wallet does not exist.
	FindByID(ctx context.Context, id string) (*Wallet, error)
	FindDidByAlias(ctx context.Context, walletID string, alias string) (*Did, error)
	ListDids(ctx context.Context, walletID string) ([]Did, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*Wallet, error)
}

// TxLogStorage persists transaction log entries, keyed by operation id.
type TxLogStorage interface {
	// Insert fails with ErrDuplicateIdentifier if an entry with the same id exists.
	Insert(ctx context.Context, e *TxLogEntry) error
	Update(ctx context.Context, e *TxLogEntry) error
	FindByID(ctx context.Context, id string) (*TxLogEntry, error)
	// ListPending returns entries in PENDING_SUBMISSION or AWAIT_CONFIRMATION, oldest first.
	ListPending(ctx context.Context) ([]*TxLogEntry, error)
	Exists(ctx context.Context, id string) (bool, error)
	// List returns all entries of a wallet, oldest first.
	List(ctx context.Context, walletID string) ([]*TxLogEntry, error)
}

// FindDidByAlias is the shared lookup used by WalletStorage implementations.
func FindDidByAlias(ctx context.Context, store WalletStorage, walletID, alias string) (*Did, error) {
	w, err := store.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	d := w.FindDid(alias)
	if d == nil {
		return nil, fmt.Errorf("%w: DID %q in wallet %s", ErrNotFound, alias, walletID)
	}
	out := d.Clone()
	return &out, nil
}

// MemWalletStorage is an in-memory implementation of WalletStorage.
type MemWalletStorage struct {
	wallets map[string]*Wallet
	lock    sync.RWMutex
}

var _ WalletStorage = (*MemWalletStorage)(nil)

func NewMemWalletStorage() *MemWalletStorage {
	return &MemWalletStorage{
		wallets: make(map[string]*Wallet),
	}
}

func (store *MemWalletStorage) Insert(ctx context.Context, w *Wallet) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if _, exists := store.wallets[w.ID]; exists {
		return fmt.Errorf("%w: wallet %s", ErrDuplicateIdentifier, w.ID)
	}
	store.wallets[w.ID] = w.Clone()
	return nil
}

func (store *MemWalletStorage) Update(ctx context.Context, w *Wallet) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if _, exists := store.wallets[w.ID]; !exists {
		return fmt.Errorf("%w: wallet %s", ErrNotFound, w.ID)
	}
	store.wallets[w.ID] = w.Clone()
	return nil
}

func (store *MemWalletStorage) FindByID(ctx context.Context, id string) (*Wallet, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	w, exists := store.wallets[id]
	if !exists {
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	return w.Clone(), nil
}

func (store *MemWalletStorage) FindDidByAlias(ctx context.Context, walletID string, alias string) (*Did, error) {
	return FindDidByAlias(ctx, store, walletID, alias)
}

func (store *MemWalletStorage) ListDids(ctx context.Context, walletID string) ([]Did, error) {
	w, err := store.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return w.Dids, nil
}

func (store *MemWalletStorage) Exists(ctx context.Context, id string) (bool, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	_, exists := store.wallets[id]
	return exists, nil
}

func (store *MemWalletStorage) List(ctx context.Context) ([]*Wallet, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	out := make([]*Wallet, 0, len(store.wallets))
	for _, w := range store.wallets {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemTxLogStorage is an in-memory implementation of TxLogStorage.
type MemTxLogStorage struct {
	entries map[string]*TxLogEntry
	lock    sync.RWMutex
}

var _ TxLogStorage = (*MemTxLogStorage)(nil)

func NewMemTxLogStorage() *MemTxLogStorage {
	return &MemTxLogStorage{
		entries: make(map[string]*TxLogEntry),
	}
}

func (store *MemTxLogStorage) Insert(ctx context.Context, e *TxLogEntry) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if _, exists := store.entries[e.ID]; exists {
		return fmt.Errorf("%w: tx log entry %s", ErrDuplicateIdentifier, e.ID)
	}
	cp := *e
	store.entries[e.ID] = &cp
	return nil
}

func (store *MemTxLogStorage) Update(ctx context.Context, e *TxLogEntry) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if _, exists := store.entries[e.ID]; !exists {
		return fmt.Errorf("%w: tx log entry %s", ErrNotFound, e.ID)
	}
	cp := *e
	store.entries[e.ID] = &cp
	return nil
}

func (store *MemTxLogStorage) FindByID(ctx context.Context, id string) (*TxLogEntry, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	e, exists := store.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: tx log entry %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (store *MemTxLogStorage) ListPending(ctx context.Context) ([]*TxLogEntry, error) {
	return store.filter(func(e *TxLogEntry) bool {
		return slices.Contains(PendingStatuses, e.Status)
	}), nil
}

func (store *MemTxLogStorage) Exists(ctx context.Context, id string) (bool, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	_, exists := store.entries[id]
	return exists, nil
}

func (store *MemTxLogStorage) List(ctx context.Context, walletID string) ([]*TxLogEntry, error) {
	return store.filter(func(e *TxLogEntry) bool {
		return e.WalletID == walletID
	}), nil
}

func (store *MemTxLogStorage) filter(keep func(*TxLogEntry) bool) []*TxLogEntry {
	store.lock.RLock()
	defer store.lock.RUnlock()

	out := []*TxLogEntry{}
	for _, e := range store.entries {
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
