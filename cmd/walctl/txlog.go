package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roots-id/go-didwallet/internal/telemetry"
	"github.com/roots-id/go-didwallet/txlog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

var txlogCommand = &cli.Command{
	Name:  "txlog",
	Usage: "inspect and reconcile the wallet's ledger transaction log",
	Commands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "print the wallet's tx log entries",
			Action: withEnv(runTxLogList),
		},
		{
			Name:   "reconcile",
			Usage:  "run a single reconciliation pass against the ledger node",
			Action: withEnv(runTxLogReconcile),
		},
		{
			Name:   "watch",
			Usage:  "keep reconciling until interrupted",
			Action: withEnv(runTxLogWatch),
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "interval",
					Usage: "time between reconciliation passes",
					Value: 10 * time.Second,
				},
				&cli.StringFlag{
					Name:    "metrics-addr",
					Usage:   "serve reconciler metrics on this address when set",
					Sources: cli.EnvVars("WALCTL_METRICS_ADDR"),
				},
			},
		},
	},
}

func runTxLogList(ctx context.Context, cmd *cli.Command, e *env) error {
	entries, err := e.svc.TxLog(ctx, e.walletID)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func runTxLogReconcile(ctx context.Context, cmd *cli.Command, e *env) error {
	changed, err := e.log.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d entries changed\n", changed)
	return nil
}

func runTxLogWatch(ctx context.Context, cmd *cli.Command, e *env) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsAddr := cmd.String("metrics-addr")
	if metricsAddr != "" {
		otelShutdown, err := telemetry.Setup(ctx, "didwallet-walctl")
		if err != nil {
			return fmt.Errorf("otel setup: %w", err)
		}
		defer otelShutdown(context.Background())
	}

	reconciler := txlog.NewReconciler(e.log, txlog.ReconcilerConfig{
		Interval: cmd.Duration("interval"),
		Watcher:  e.client,
	}, e.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	if metricsAddr != "" {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				<-gctx.Done()
				srv.Close()
			}()
			e.logger.Info("metrics server listening", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
