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

	"github.com/Additional-Code/ordersync/db/migrations"
	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/database"
)

// Module provides the migrator to Fx.
var Module = fx.Provide(New)

// Migrator applies the embedded snapshot schema migrations with goose.
type Migrator struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a goose-backed migrator.
func New(cfg config.Config, conns *database.Connections, logger *zap.Logger) (*Migrator, error) {
	dialect, err := gooseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	if err := goose.SetDialect(dialect); err != nil {
		return nil, err
	}
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{logger.Sugar()})

	return &Migrator{
		db:     conns.Writer,
		logger: logger.With(zap.String("component", "migrator")),
	}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := goose.UpContext(ctx, m.db.DB, migrations.Dir); err != nil {
		if isNoMigrationErr(err) {
			m.logger.Info("no migrations to apply")
			return nil
		}
		return err
	}
	version, err := goose.GetDBVersionContext(ctx, m.db.DB)
	if err != nil {
		return err
	}
	m.logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

// Down rolls back migrations. Steps <=0 defaults to 1; all=true rolls everything back.
func (m *Migrator) Down(ctx context.Context, steps int, all bool) error {
	if all {
		if err := goose.DownToContext(ctx, m.db.DB, migrations.Dir, 0); err != nil && !isNoMigrationErr(err) {
			return err
		}
		m.logger.Info("migrations rolled back", zap.String("mode", "all"))
		return nil
	}

	if steps <= 0 {
		steps = 1
	}
	for i := 0; i < steps; i++ {
		if err := goose.DownContext(ctx, m.db.DB, migrations.Dir); err != nil {
			if isNoMigrationErr(err) {
				m.logger.Info("no migrations to rollback", zap.Int("rolled_back", i))
				return nil
			}
			return err
		}
	}
	m.logger.Info("migrations rolled back", zap.Int("steps", steps))
	return nil
}

// Status logs the applied state of every migration.
func (m *Migrator) Status(ctx context.Context) error {
	return goose.StatusContext(ctx, m.db.DB, migrations.Dir)
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
	return strings.Contains(err.Error(), "no migrations")
}

type gooseLogger struct {
	sugar *zap.SugaredLogger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.sugar.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.sugar.Fatalf(strings.TrimSuffix(format, "\n"), v...)
}
