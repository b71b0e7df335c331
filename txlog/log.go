package txlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"golang.org/x/sync/errgroup"
)

// ExplorerURL is prefixed to ledger transaction ids to build entry URLs.
const ExplorerURL = "https://explorer.cardano-testnet.iohkdev.io/en/transaction?id="

const (
	defaultConcurrency    = 8
	defaultRecordAttempts = 5
	defaultRetryDelay     = 200 * time.Millisecond
)

// StatusSource is the part of the ledger reconciliation needs.
type StatusSource interface {
	GetOperationInfo(ctx context.Context, operationID string) (*ledger.OperationInfo, error)
}

// StatusListener is called after an entry's status changed and was stored.
type StatusListener func(ctx context.Context, entry *didwallet.TxLogEntry)

type Config struct {
	// defaults to ExplorerURL
	ExplorerURL string
	// max concurrent ledger queries per reconcile pass
	Concurrency    int
	RecordAttempts int
	RetryDelay     time.Duration
}

// Log is the transaction log: the durable record of every ledger submission, and the
// only component that moves entries to a terminal status.
type Log struct {
	store     didwallet.TxLogStorage
	source    StatusSource
	cfg       Config
	listeners []StatusListener
	now       func() time.Time
	logger    *slog.Logger
}

func NewLog(store didwallet.TxLogStorage, source StatusSource, cfg Config, logger *slog.Logger) *Log {
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = ExplorerURL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RecordAttempts <= 0 {
		cfg.RecordAttempts = defaultRecordAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  store,
		source: source,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "txlog"),
	}
}

// OnStatusChange registers a listener. Not safe to call concurrently with Reconcile.
func (l *Log) OnStatusChange(fn StatusListener) {
	l.listeners = append(l.listeners, fn)
}

// Record inserts a PENDING_SUBMISSION entry for a submitted operation. Storage failures
// are retried; recording an id that is already present returns the existing entry.
func (l *Log) Record(ctx context.Context, operationID, walletID string, action didwallet.TxAction, description, subject string) (*didwallet.TxLogEntry, error) {
	now := l.now().UTC()
	entry := &didwallet.TxLogEntry{
		ID:          operationID,
		WalletID:    walletID,
		Action:      action,
		Status:      didwallet.StatusPendingSubmission,
		Description: description,
		Subject:     subject,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var err error
	for attempt := 1; attempt <= l.cfg.RecordAttempts; attempt++ {
		err = l.store.Insert(ctx, entry)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, didwallet.ErrDuplicateIdentifier) {
			return l.store.FindByID(ctx, operationID)
		}
		l.logger.Warn("failed to record tx log entry, retrying", "operation", operationID, "attempt", attempt, "error", err)
		RecordRetries.Add(ctx, 1)
		if attempt < l.cfg.RecordAttempts && !sleepCtx(ctx, l.cfg.RetryDelay*time.Duration(attempt)) {
			break
		}
	}
	return nil, fmt.Errorf("%w: recording operation %s: %w", didwallet.ErrStorageFailure, operationID, err)
}

func (l *Log) Get(ctx context.Context, id string) (*didwallet.TxLogEntry, error) {
	return l.store.FindByID(ctx, id)
}

func (l *Log) ListPending(ctx context.Context) ([]*didwallet.TxLogEntry, error) {
	return l.store.ListPending(ctx)
}

func (l *Log) List(ctx context.Context, walletID string) ([]*didwallet.TxLogEntry, error) {
	return l.store.List(ctx, walletID)
}

// Reconcile queries the ledger for every pending entry and stores what changed.
// Returns the number of entries changed. A failed query leaves its entry pending for
// the next pass and is reported after all other entries were processed.
func (l *Log) Reconcile(ctx context.Context) (int, error) {
	pending, err := l.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	PendingEntriesGauge.Record(ctx, int64(len(pending)))
	LastReconcileTsGauge.Record(ctx, l.now().Unix())

	var changed atomic.Int64
	var failures atomic.Int64
	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	errs := make([]error, len(pending))
	for i, entry := range pending {
		g.Go(func() error {
			ok, err := l.reconcile(ctx, entry)
			if err != nil {
				failures.Add(1)
				errs[i] = fmt.Errorf("entry %s: %w", entry.ID, err)
				return nil
			}
			if ok {
				changed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	n := int(changed.Load())
	ReconciledEntries.Add(ctx, int64(n))
	if failures.Load() > 0 {
		ReconcileErrors.Add(ctx, failures.Load())
	}
	l.logger.Debug("reconcile pass finished", "pending", len(pending), "changed", n, "failed", failures.Load())
	return n, errors.Join(errs...)
}

// ReconcileEntry reconciles a single entry by id. Reports whether it changed.
func (l *Log) ReconcileEntry(ctx context.Context, id string) (bool, error) {
	entry, err := l.store.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	return l.reconcile(ctx, entry)
}

func (l *Log) reconcile(ctx context.Context, entry *didwallet.TxLogEntry) (bool, error) {
	if entry.Status.IsTerminal() {
		return false, nil
	}

	info, err := l.source.GetOperationInfo(ctx, entry.ID)
	if err != nil {
		l.logger.Warn("failed to query operation status", "operation", entry.ID, "error", err)
		return false, err
	}

	next := *entry
	if info.Status != "" && info.Status != didwallet.StatusUnknown {
		next.Status = info.Status
	}
	if info.TransactionID != "" {
		next.TxID = info.TransactionID
		next.URL = l.cfg.ExplorerURL + info.TransactionID
	}
	if next.Status == entry.Status && next.TxID == entry.TxID {
		return false, nil
	}
	next.UpdatedAt = l.now().UTC()

	if err := l.store.Update(ctx, &next); err != nil {
		return false, fmt.Errorf("%w: %w", didwallet.ErrStorageFailure, err)
	}
	l.logger.Info("operation status changed", "operation", entry.ID, "action", entry.Action, "from", entry.Status, "to", next.Status, "tx", next.TxID)
	if next.Status == didwallet.StatusConfirmedRejected {
		l.logger.Warn("operation rejected by ledger", "operation", entry.ID, "action", entry.Action, "subject", entry.Subject, "reason", info.Error)
	}

	for _, fn := range l.listeners {
		fn(ctx, &next)
	}
	return true, nil
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
