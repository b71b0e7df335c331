package txlog

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/roots-id/go-didwallet/txlog")

var (
	PendingEntriesGauge  metric.Int64Gauge
	ReconciledEntries    metric.Int64Counter
	ReconcileErrors      metric.Int64Counter
	LastReconcileTsGauge metric.Int64Gauge
	RecordRetries        metric.Int64Counter
)

func init() {
	var err error
	PendingEntriesGauge, err = meter.Int64Gauge("didwallet_txlog_pending_entries",
		metric.WithDescription("Number of tx log entries not yet confirmed at the start of the last reconcile pass"),
	)
	if err != nil {
		panic(err)
	}
	ReconciledEntries, err = meter.Int64Counter("didwallet_txlog_reconciled_entries",
		metric.WithDescription("Number of tx log entries whose status changed during reconciliation"),
	)
	if err != nil {
		panic(err)
	}
	ReconcileErrors, err = meter.Int64Counter("didwallet_txlog_reconcile_errors",
		metric.WithDescription("Number of failed ledger status queries"),
	)
	if err != nil {
		panic(err)
	}
	LastReconcileTsGauge, err = meter.Int64Gauge("didwallet_txlog_last_reconcile_ts",
		metric.WithDescription("Unix timestamp of the most recent reconcile pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
	RecordRetries, err = meter.Int64Counter("didwallet_txlog_record_retries",
		metric.WithDescription("Number of retried tx log inserts"),
	)
	if err != nil {
		panic(err)
	}
}
