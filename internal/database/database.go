package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/schema"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
)

// Connections bundles the on-device cache database and the remote
// authoritative store. Local is always reachable; Remote may not be.
type Connections struct {
	Local  *bun.DB
	Remote *bun.DB
}

// Module registers the database connections with Fx.
var Module = fx.Provide(New)

// New opens the local and remote pools backed by Bun.
func New(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*Connections, error) {
	local, err := open(cfg.Database.LocalDriver, cfg.Database.LocalDSN, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open local: %w", err)
	}

	remote, err := open(cfg.Database.RemoteDriver, cfg.Database.RemoteDSN, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}

	conns := &Connections{Local: local, Remote: remote}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pingContext(ctx, local); err != nil {
				return fmt.Errorf("ping local: %w", err)
			}
			// The remote store being down at startup is not fatal; the sync
			// engine degrades to polling until it comes back.
			if err := pingContext(ctx, remote); err != nil {
				logger.Warn("remote store unreachable at startup", zap.Error(err))
			}
			logger.Info("databases opened",
				zap.String("local_driver", cfg.Database.LocalDriver),
				zap.String("remote_driver", cfg.Database.RemoteDriver),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var closeErr error
			if err := local.Close(); err != nil {
				closeErr = fmt.Errorf("close local: %w", err)
			}
			if err := remote.Close(); err != nil && closeErr == nil {
				closeErr = fmt.Errorf("close remote: %w", err)
			}
			return closeErr
		},
	})

	return conns, nil
}

func open(driver, dsn string, cfg config.Database) (*bun.DB, error) {
	dial, err := selectDialect(driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := openSQLDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	applyPoolSettings(sqlDB, cfg)
	return bun.NewDB(sqlDB, dial), nil
}

func selectDialect(driver string) (schema.Dialect, error) {
	switch driver {
	case "postgres":
		return pgdialect.New(), nil
	case "mysql":
		return mysqldialect.New(), nil
	case "sqlite":
		return sqlitedialect.New(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func openSQLDB(driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}

	switch driver {
	case "postgres":
		connector := pgdriver.NewConnector(pgdriver.WithDSN(dsn))
		return sql.OpenDB(connector), nil
	case "mysql":
		return sql.Open("mysql", dsn)
	case "sqlite":
		return sql.Open("sqlite3", dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}

func applyPoolSettings(db *sql.DB, cfg config.Database) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}
}

func pingContext(ctx context.Context, db *bun.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.DB.PingContext(pingCtx)
}
