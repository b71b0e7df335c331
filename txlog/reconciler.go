package txlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/roots-id/go-didwallet/ledger"
)

const (
	defaultInterval = 10 * time.Second
	watchRetryDelay = 5 * time.Second
)

// Watcher streams operation status changes, like ledger.Client.WatchOperations.
type Watcher interface {
	WatchOperations(ctx context.Context, fn func(ledger.OperationInfo)) error
}

type ReconcilerConfig struct {
	Interval time.Duration
	// optional; when set, status changes pushed by the ledger trigger an early pass
	Watcher Watcher
}

// Reconciler runs Log.Reconcile periodically. It never waits for ledger finality:
// each pass only records what the ledger reports at that moment.
type Reconciler struct {
	log     *Log
	cfg     ReconcilerConfig
	trigger chan struct{}
	logger  *slog.Logger
}

func NewReconciler(log *Log, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		log:     log,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		logger:  logger.With("component", "reconciler"),
	}
}

// Trigger requests a pass as soon as possible. Never blocks.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.cfg.Watcher != nil {
		go r.watchLoop(ctx)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.runOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	changed, err := r.log.Reconcile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("reconcile pass failed", "error", err)
	}
	if changed > 0 {
		r.logger.Info("reconciled tx log entries", "changed", changed)
	}
}

func (r *Reconciler) watchLoop(ctx context.Context) {
	for {
		err := r.cfg.Watcher.WatchOperations(ctx, func(info ledger.OperationInfo) {
			r.logger.Debug("operation status pushed", "operation", info.OperationID, "status", info.Status)
			r.Trigger()
		})
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("operation stream ended, reconnecting", "error", err)
		if !sleepCtx(ctx, watchRetryDelay) {
			return
		}
	}
}
