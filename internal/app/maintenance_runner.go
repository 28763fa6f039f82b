package app

import (
	"context"
	"fmt"
	"time"

	"chime/internal/domain"
	"chime/internal/logger"
	"chime/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MaintenanceRunner periodically returns messages whose lock expired (a
// consumer died mid-dispatch) to the delay queue.
type MaintenanceRunner struct {
	reclaimer domain.LockReclaimer
	interval  time.Duration
	metrics   *metrics.Collector
	log       *zap.SugaredLogger
}

func NewMaintenanceRunner(reclaimer domain.LockReclaimer, interval time.Duration, collector *metrics.Collector) *MaintenanceRunner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MaintenanceRunner{
		reclaimer: reclaimer,
		interval:  interval,
		metrics:   collector,
		log:       logger.ComponentLogger("maintenance"),
	}
}

// Start blocks until ctx is done.
func (r *MaintenanceRunner) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.ReclaimOnce(ctx) }); err != nil {
		return err
	}

	r.log.Infow("Starting maintenance runner", "interval", r.interval)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.log.Infow("Maintenance runner shutting down")
	return nil
}

func (r *MaintenanceRunner) ReclaimOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	n, err := r.reclaimer.ReclaimExpiredLocks(ctx)
	if err != nil {
		r.metrics.RecordCollaboratorError("ReclaimExpiredLocks")
		r.log.Errorw("Error reclaiming expired locks", logger.FieldError, err)
		return 0
	}
	if n > 0 {
		r.metrics.RecordLocksReclaimed(n)
		r.log.Infow("Reclaimed expired message locks", logger.FieldCount, n)
	}
	return n
}
