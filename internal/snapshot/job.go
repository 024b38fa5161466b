package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/domain"
	orderrepo "github.com/Additional-Code/ordersync/internal/repository/order"
	"github.com/Additional-Code/ordersync/internal/store"
)

const saveTimeout = 10 * time.Second

// Repository persists snapshots. *order.Repository satisfies it.
type Repository interface {
	Save(ctx context.Context, orders []domain.Order) error
	LoadAll(ctx context.Context) ([]domain.Order, error)
}

// Orders is the cache being snapshotted. *store.Store satisfies it.
type Orders interface {
	List() []domain.Order
	Load(orders []domain.Order) int
}

// Job hydrates the order cache on start and persists it on a schedule.
type Job struct {
	repo     Repository
	orders   Orders
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// Module runs the job when snapshots are enabled.
var Module = fx.Options(
	fx.Provide(func(repo *orderrepo.Repository, s *store.Store, cfg config.Config, logger *zap.Logger) *Job {
		return New(repo, s, cfg.Snapshot.Schedule, logger)
	}),
	fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, job *Job) {
		if !cfg.Snapshot.Enabled {
			return
		}
		lc.Append(fx.Hook{
			OnStart: job.Start,
			OnStop:  job.Stop,
		})
	}),
)

// New builds a job; schedule uses robfig/cron syntax, e.g. "@every 30s".
func New(repo Repository, orders Orders, schedule string, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "snapshot_job"))
	return &Job{
		repo:     repo,
		orders:   orders,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		logger:   logger,
	}
}

// Start hydrates the cache and schedules periodic saves.
func (j *Job) Start(ctx context.Context) error {
	if _, err := j.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate order cache: %w", err)
	}

	if _, err := j.cron.AddFunc(j.schedule, func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := j.Save(saveCtx); err != nil {
			j.logger.Error("snapshot save failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule snapshot %q: %w", j.schedule, err)
	}

	j.cron.Start()
	j.logger.Info("snapshot job started", zap.String("schedule", j.schedule))
	return nil
}

// Stop waits for a running save and writes one final snapshot.
func (j *Job) Stop(ctx context.Context) error {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := j.Save(ctx); err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	j.logger.Info("snapshot job stopped")
	return nil
}

// Hydrate loads persisted orders into the cache. Orders already cached win.
func (j *Job) Hydrate(ctx context.Context) (int, error) {
	orders, err := j.repo.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	inserted := j.orders.Load(orders)
	j.logger.Info("order cache hydrated", zap.Int("persisted", len(orders)), zap.Int("inserted", inserted))
	return inserted, nil
}

// Save writes the current cache contents.
func (j *Job) Save(ctx context.Context) error {
	orders := j.orders.List()
	if len(orders) == 0 {
		return nil
	}
	if err := j.repo.Save(ctx, orders); err != nil {
		return err
	}
	j.logger.Debug("snapshot saved", zap.Int("orders", len(orders)))
	return nil
}

type cronLogger struct {
	logger *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
