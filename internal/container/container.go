// Package container wires the scheduler's services using go.uber.org/dig.
package container

import (
	"context"
	"io"

	"chime/internal/adapters/database"
	"chime/internal/adapters/memory"
	"chime/internal/adapters/queue"
	"chime/internal/app"
	"chime/internal/config"
	"chime/internal/domain"
	"chime/internal/logger"
	"chime/internal/metrics"
	"chime/internal/ports"

	"github.com/cockroachdb/errors"
	"go.uber.org/dig"
)

// Container holds the resolved singletons. Callers use the typed getters
// and never import dig directly.
type Container struct {
	cfg         *config.Config
	storage     ports.Storage
	queue       domain.DelayQueue
	metrics     *metrics.Collector
	manager     *app.DispatchManager
	loop        *app.SchedulerLoop
	jobs        ports.JobService
	maintenance *app.MaintenanceRunner
}

func (c *Container) Config() *config.Config                { return c.cfg }
func (c *Container) Storage() ports.Storage                { return c.storage }
func (c *Container) Queue() domain.DelayQueue              { return c.queue }
func (c *Container) Metrics() *metrics.Collector           { return c.metrics }
func (c *Container) DispatchManager() *app.DispatchManager { return c.manager }
func (c *Container) SchedulerLoop() *app.SchedulerLoop     { return c.loop }
func (c *Container) JobService() ports.JobService          { return c.jobs }

// MaintenanceRunner is nil when the queue driver has no lock reclaim.
func (c *Container) MaintenanceRunner() *app.MaintenanceRunner { return c.maintenance }

// Replaced in tests.
var (
	openStorage = newStorage
	openQueue   = newQueue
)

// New builds and wires everything from cfg. ctx bounds the connection
// attempts and is the parent of the scheduler loop.
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	d := dig.New()

	// Connections opened by providers, closed again if wiring fails later.
	var opened []io.Closer
	track := func(c io.Closer) { opened = append(opened, c) }

	providers := []interface{}{
		func() context.Context { return ctx },
		func() *config.Config { return cfg },
		metrics.NewCollector,
		func(ctx context.Context, cfg *config.Config) (ports.Storage, error) {
			s, err := openStorage(ctx, cfg)
			if err == nil {
				track(s)
			}
			return s, err
		},
		func(ctx context.Context, cfg *config.Config) (domain.DelayQueue, error) {
			q, err := openQueue(ctx, cfg)
			if err == nil {
				track(q)
			}
			return q, err
		},
		newAuditLogger,
		newDispatchManager,
		newSchedulerLoop,
		newJobService,
		newMaintenanceRunner,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		storage ports.Storage,
		q domain.DelayQueue,
		collector *metrics.Collector,
		manager *app.DispatchManager,
		loop *app.SchedulerLoop,
		jobs ports.JobService,
		maintenance *app.MaintenanceRunner,
	) {
		result = &Container{
			cfg:         cfg,
			storage:     storage,
			queue:       q,
			metrics:     collector,
			manager:     manager,
			loop:        loop,
			jobs:        jobs,
			maintenance: maintenance,
		}
	})
	if err != nil {
		err = errors.Wrap(dig.RootCause(err), "wire services")
		for i := len(opened) - 1; i >= 0; i-- {
			err = errors.CombineErrors(err, opened[i].Close())
		}
		return nil, err
	}
	return result, nil
}

// Close releases the queue and storage connections. The scheduler loop must
// be stopped first.
func (c *Container) Close() error {
	var err error
	if c.queue != nil {
		err = errors.CombineErrors(err, c.queue.Close())
	}
	if c.storage != nil {
		err = errors.CombineErrors(err, c.storage.Close())
	}
	return err
}

func newStorage(ctx context.Context, cfg *config.Config) (ports.Storage, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		storage := database.NewPostgresStorage(pool, cfg.Database.AuditTable)
		if err := storage.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return storage, nil
	case "sqlite":
		return database.OpenSQLite(ctx, cfg.Database.Path, cfg.Database.AuditTable)
	case "memory":
		return memory.NewStorage(), nil
	default:
		return nil, errors.Newf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func newQueue(ctx context.Context, cfg *config.Config) (domain.DelayQueue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		client, err := queue.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisDelayQueue(client, cfg.Queue.Name, cfg.Queue.LockDuration,
			queue.WithKeyPrefix(cfg.Queue.KeyPrefix)), nil
	case "memory":
		return memory.NewDelayQueue(cfg.Queue.LockDuration, memory.WithQueueName(cfg.Queue.Name)), nil
	default:
		return nil, errors.Newf("unsupported queue driver %q", cfg.Queue.Driver)
	}
}

func newAuditLogger(storage ports.Storage) *logger.AuditLogger {
	return logger.NewAuditLogger("scheduler", storage, logger.ComponentLogger("audit"))
}

func newDispatchManager(cfg *config.Config, q domain.DelayQueue, storage ports.Storage, audit *logger.AuditLogger, collector *metrics.Collector) *app.DispatchManager {
	return app.NewDispatchManager(q, storage, audit,
		app.WithManagerMetrics(collector),
		app.WithCommentHistoryLimit(cfg.Scheduler.CommentHistoryLimit),
	)
}

func newSchedulerLoop(ctx context.Context, cfg *config.Config, manager *app.DispatchManager, collector *metrics.Collector) *app.SchedulerLoop {
	return app.NewSchedulerLoop(ctx, manager, app.LoopConfig{
		SleepInterval:      cfg.Scheduler.SleepInterval,
		RescheduleAttempts: cfg.Scheduler.RescheduleAttempts,
	}, app.WithLoopMetrics(collector))
}

func newJobService(cfg *config.Config, manager *app.DispatchManager, loop *app.SchedulerLoop) ports.JobService {
	return app.NewJobService(manager, loop, app.WithAutoStart(cfg.Scheduler.AutoStart))
}

func newMaintenanceRunner(cfg *config.Config, q domain.DelayQueue, collector *metrics.Collector) *app.MaintenanceRunner {
	reclaimer, ok := q.(domain.LockReclaimer)
	if !ok {
		return nil
	}
	return app.NewMaintenanceRunner(reclaimer, cfg.Scheduler.ReclaimInterval, collector)
}
