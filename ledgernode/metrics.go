package ledgernode

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/roots-id/go-didwallet/ledgernode")

var (
	SubmittedOps           metric.Int64Counter
	ConfirmedOps           metric.Int64Counter
	InFlightOpsGauge       metric.Int64Gauge
	LastBlockTsGauge       metric.Int64Gauge
	StreamSubscribersGauge metric.Int64Gauge
)

var (
	OutcomeApplied  = attribute.String("outcome", "applied")
	OutcomeRejected = attribute.String("outcome", "rejected")
)

func opTypeAttr(t string) attribute.KeyValue {
	return attribute.String("type", t)
}

func init() {
	var err error
	SubmittedOps, err = meter.Int64Counter("didwallet_ledger_submitted_ops",
		metric.WithDescription("Number of operations accepted for inclusion"),
	)
	if err != nil {
		panic(err)
	}
	ConfirmedOps, err = meter.Int64Counter("didwallet_ledger_confirmed_ops",
		metric.WithDescription("Number of operations confirmed, with outcome attribute (applied or rejected)"),
	)
	if err != nil {
		panic(err)
	}
	InFlightOpsGauge, err = meter.Int64Gauge("didwallet_ledger_in_flight_ops",
		metric.WithDescription("Number of operations pending or awaiting confirmation"),
	)
	if err != nil {
		panic(err)
	}
	LastBlockTsGauge, err = meter.Int64Gauge("didwallet_ledger_last_block_ts",
		metric.WithDescription("Unix timestamp of the most recently produced block"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
	StreamSubscribersGauge, err = meter.Int64Gauge("didwallet_ledger_stream_subscribers",
		metric.WithDescription("Number of connected operation stream subscribers"),
	)
	if err != nil {
		panic(err)
	}
}
