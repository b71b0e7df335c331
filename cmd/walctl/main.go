package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/roots-id/go-didwallet/dbstore"
	"github.com/roots-id/go-didwallet/internal/telemetry"
	"github.com/roots-id/go-didwallet/ledger"
	"github.com/roots-id/go-didwallet/txlog"
	"github.com/roots-id/go-didwallet/wallet"
	"github.com/urfave/cli/v3"
)

func main() {
	app := cli.Command{
		Name:    "walctl",
		Usage:   "DID wallet: keys, DIDs and credentials anchored on a ledger node",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "postgres-url",
			Usage:   "PostgreSQL connection string (if set, uses Postgres instead of SQLite)",
			Sources: cli.EnvVars("WALCTL_POSTGRES_URL"),
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "SQLite database file path (used when --postgres-url is not set)",
			Value:   "wallet.db",
			Sources: cli.EnvVars("WALCTL_SQLITE_PATH"),
		},
		&cli.StringFlag{
			Name:    "ledger-url",
			Usage:   "method, hostname, and port of the ledger node",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("WALCTL_LEDGER_URL"),
		},
		&cli.StringFlag{
			Name:    "wallet",
			Aliases: []string{"w"},
			Usage:   "id of the wallet to operate on",
			Value:   "default",
			Sources: cli.EnvVars("WALCTL_WALLET"),
		},
		&cli.StringFlag{
			Name:    "explorer-url",
			Usage:   "prefix for transaction links in the tx log",
			Value:   txlog.ExplorerURL,
			Sources: cli.EnvVars("WALCTL_EXPLORER_URL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "warn",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "log-json",
			Usage:   "Output logs in JSON format",
			Sources: cli.EnvVars("LOG_JSON"),
		},
	}
	app.Commands = []*cli.Command{
		walletCommand,
		didCommand,
		credentialCommand,
		txlogCommand,
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env is everything a subcommand needs, built from the global flags.
type env struct {
	svc      *wallet.Service
	log      *txlog.Log
	client   *ledger.Client
	walletID string
	logger   *slog.Logger
	close    func()
}

func openEnv(cmd *cli.Command) (*env, error) {
	logger := telemetry.NewLogger(cmd.String("log-level"), cmd.Bool("log-json"))

	db, err := dbstore.Open(cmd.String("postgres-url"), cmd.String("sqlite-path"), logger, "walletstore")
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	wallets, err := dbstore.NewGormWalletStorage(db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	entries, err := dbstore.NewGormTxLogStorage(db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	client := ledger.NewClient(cmd.String("ledger-url"), logger)
	client.UserAgent = fmt.Sprintf("go-didwallet/walctl/%s", versioninfo.Short())
	log := txlog.NewLog(entries, client, txlog.Config{ExplorerURL: cmd.String("explorer-url")}, logger)

	return &env{
		svc:      wallet.NewService(wallets, log, client, logger),
		log:      log,
		client:   client,
		walletID: cmd.String("wallet"),
		logger:   logger,
		close:    func() { sqlDB.Close() },
	}, nil
}

// withEnv adapts a subcommand that needs an open env to a cli action.
func withEnv(fn func(ctx context.Context, cmd *cli.Command, e *env) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(ctx, cmd, e)
	}
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func requireArgs(cmd *cli.Command, names ...string) ([]string, error) {
	args := cmd.Args().Slice()
	if len(args) != len(names) {
		return nil, fmt.Errorf("expected arguments: %v", names)
	}
	return args, nil
}
