package dbstore

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenWithDialector opens a gorm handle that logs through logger, tagged with component.
func OpenWithDialector(dialector gorm.Dialector, logger *slog.Logger, component string) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", component).Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func OpenSqlite(dbPath string, logger *slog.Logger, component string) (*gorm.DB, error) {
	return OpenWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL&_busy_timeout=5000"),
		logger,
		component,
	)
}

func OpenPostgres(dsn string, logger *slog.Logger, component string) (*gorm.DB, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	return OpenWithDialector(postgres.Open(u.String()), logger, component)
}

// Open picks postgres when postgresURL is set, sqlite otherwise.
func Open(postgresURL, sqlitePath string, logger *slog.Logger, component string) (*gorm.DB, error) {
	if postgresURL != "" {
		return OpenPostgres(postgresURL, logger, component)
	}
	if sqlitePath == "" {
		return nil, fmt.Errorf("either a postgres URL or a sqlite path is required")
	}
	return OpenSqlite(sqlitePath, logger, component)
}
