package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/database"
)

const migrationsDir = "db/migrations/sql"

// Targets for migration runs. The local cache database is the usual one;
// the remote target exists for development setups that own their remote
// store instead of pointing at a hosted one.
const (
	TargetLocal  = "local"
	TargetRemote = "remote"
)

// Module exposes the migrator to Fx.
var Module = fx.Provide(New)

// Migrator wraps goose operations over both databases.
type Migrator struct {
	local         *bun.DB
	remote        *bun.DB
	localDialect  string
	remoteDialect string
	logger        *zap.Logger
}

// New constructs a goose-backed migrator.
func New(cfg config.Config, conns *database.Connections, logger *zap.Logger) (*Migrator, error) {
	localDialect, err := gooseDialect(cfg.Database.LocalDriver)
	if err != nil {
		return nil, err
	}
	remoteDialect, err := gooseDialect(cfg.Database.RemoteDriver)
	if err != nil {
		return nil, err
	}

	return &Migrator{
		local:         conns.Local,
		remote:        conns.Remote,
		localDialect:  localDialect,
		remoteDialect: remoteDialect,
		logger:        logger,
	}, nil
}

// Up applies all pending migrations to the selected target.
func (m *Migrator) Up(ctx context.Context, target string) error {
	db, dialect, err := m.pick(target)
	if err != nil {
		return err
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db.DB, migrationsDir); err != nil {
		if isNoMigrationErr(err) {
			m.logger.Info("no migrations to apply", zap.String("target", target))

			return nil
		}
		return err
	}

	m.logger.Info("migrations applied", zap.String("target", target))

	return nil
}

// Down rolls back migrations. Steps <=0 defaults to 1; all=true rolls everything back.
func (m *Migrator) Down(ctx context.Context, target string, steps int, all bool) error {
	db, dialect, err := m.pick(target)
	if err != nil {
		return err
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	if all {
		if err := goose.DownToContext(ctx, db.DB, migrationsDir, 0); err != nil {
			if isNoMigrationErr(err) {
				m.logger.Info("no migrations to rollback")

				return nil
			}
			return err
		}
		m.logger.Info("migrations rolled back", zap.String("mode", "all"))

		return nil
	}

	if steps <= 0 {
		steps = 1
	}

	for i := 0; i < steps; i++ {
		if err := goose.DownContext(ctx, db.DB, migrationsDir); err != nil {
			if isNoMigrationErr(err) {
				m.logger.Info("no migrations to rollback")

				return nil
			}
			return err
		}
	}

	m.logger.Info("migrations rolled back", zap.Int("steps", steps))

	return nil
}

func (m *Migrator) pick(target string) (*bun.DB, string, error) {
	switch target {
	case "", TargetLocal:
		return m.local, m.localDialect, nil
	case TargetRemote:
		return m.remote, m.remoteDialect, nil
	default:
		return nil, "", fmt.Errorf("unknown migration target %q", target)
	}
}

func gooseDialect(driver string) (string, error) {
	switch driver {
	case "postgres", "pg":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported goose dialect for driver %s", driver)
	}
}

func isNoMigrationErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, goose.ErrNoNextVersion) || errors.Is(err, goose.ErrNoMigrationFiles) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "no migrations")
}
