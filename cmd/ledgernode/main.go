package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roots-id/go-didwallet/dbstore"
	"github.com/roots-id/go-didwallet/internal/telemetry"
	"github.com/roots-id/go-didwallet/ledgernode"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "ledgernode",
		Usage: "ledger node anchoring DID and credential operations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "PostgreSQL connection string (if set, uses Postgres instead of SQLite)",
				Sources: cli.EnvVars("LEDGERNODE_POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "SQLite database file path (used when --postgres-url is not set)",
				Value:   "ledger.db",
				Sources: cli.EnvVars("LEDGERNODE_SQLITE_PATH"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("LEDGERNODE_BIND"),
			},
			&cli.DurationFlag{
				Name:    "block-interval",
				Usage:   "Time between blocks; an operation is confirmed two blocks after submission",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("LEDGERNODE_BLOCK_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("LEDGERNODE_METRICS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	postgresURL := cmd.String("postgres-url")
	sqlitePath := cmd.String("sqlite-path")
	bind := cmd.String("bind")
	blockInterval := cmd.Duration("block-interval")
	metricsAddr := cmd.String("metrics-addr")

	if blockInterval <= 0 {
		return fmt.Errorf("block interval must be positive, got %s", blockInterval)
	}

	logger := telemetry.NewLogger(cmd.String("log-level"), cmd.Bool("log-json"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.Setup(ctx, "didwallet-ledgernode")
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	if postgresURL != "" {
		logger.Info("using database", "type", "postgres")
	} else {
		logger.Info("using database", "type", "sqlite", "path", sqlitePath)
	}
	db, err := dbstore.Open(postgresURL, sqlitePath, logger, "ledgerstore")
	if err != nil {
		return err
	}
	store, err := ledgernode.NewGormStore(db)
	if err != nil {
		return err
	}

	node, err := ledgernode.NewNode(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	server := ledgernode.NewServer(node, bind, logger)
	blocks := ledgernode.NewBlockProducer(node, blockInterval, logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gctx)
	})

	g.Go(func() error {
		return blocks.Run(gctx)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-gctx.Done()
			srv.Close()
		}()
		logger.Info("metrics server listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}
