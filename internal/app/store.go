package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/EastsCloud/property-management/internal/billing"
	"github.com/EastsCloud/property-management/internal/platform/db"
)

// LedgerStore is a billing repository together with its lifecycle hooks.
type LedgerStore interface {
	billing.Repository
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Store owns the connection behind a LedgerStore.
type Store struct {
	LedgerStore
	Driver db.Driver
	close  func()
}

// OpenStore connects to the backend selected by DATABASE_URL. SQLite is
// migrated on open; PostgreSQL expects init-db to have run.
func OpenStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	target, err := cfg.Database()
	if err != nil {
		return nil, err
	}
	switch target.Driver {
	case db.DriverPostgres:
		pool, err := db.New(ctx, target.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger store ready", slog.String("driver", string(target.Driver)))
		return &Store{LedgerStore: billing.NewPostgresRepository(pool), Driver: target.Driver, close: pool.Close}, nil
	case db.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, target.DSN)
		if err != nil {
			return nil, err
		}
		repo, err := billing.NewSQLiteRepository(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("ledger store ready", slog.String("driver", string(target.Driver)), slog.String("path", target.DSN))
		return &Store{LedgerStore: repo, Driver: target.Driver, close: closeSQL(conn, logger)}, nil
	default:
		return nil, fmt.Errorf("app: unsupported driver %q", target.Driver)
	}
}

// Close releases the underlying connection.
func (s *Store) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

func closeSQL(conn *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := conn.Close(); err != nil {
			logger.Warn("sqlite close", slog.Any("error", err))
		}
	}
}
