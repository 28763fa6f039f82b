package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"chime/internal/domain"
	"chime/internal/logger"
	"chime/internal/metrics"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	DefaultSleepInterval      = 10 * time.Second
	DefaultRescheduleAttempts = 3
)

type LoopConfig struct {
	SleepInterval      time.Duration
	RescheduleAttempts int
}

// SchedulerLoop polls the delay queue and dispatches due occurrences to the
// handler registered for their owner service. One goroutine runs while the
// loop is in the running state; each message is handled to completion
// before the next poll.
type SchedulerLoop struct {
	manager *DispatchManager
	cfg     LoopConfig
	log     *zap.SugaredLogger
	metrics *metrics.Collector
	now     func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]domain.JobHandler

	parent  context.Context
	mu      sync.Mutex
	state   domain.LoopState
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

type LoopOption func(*SchedulerLoop)

func WithLoopMetrics(c *metrics.Collector) LoopOption {
	return func(l *SchedulerLoop) { l.metrics = c }
}

func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *SchedulerLoop) { l.now = now }
}

func NewSchedulerLoop(parent context.Context, manager *DispatchManager, cfg LoopConfig, opts ...LoopOption) *SchedulerLoop {
	if cfg.SleepInterval <= 0 {
		cfg.SleepInterval = DefaultSleepInterval
	}
	if cfg.RescheduleAttempts <= 0 {
		cfg.RescheduleAttempts = DefaultRescheduleAttempts
	}
	l := &SchedulerLoop{
		manager:  manager,
		cfg:      cfg,
		log:      logger.ComponentLogger("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]domain.JobHandler),
		parent:   parent,
		state:    domain.LoopStopped,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *SchedulerLoop) RegisterHandler(ownerService string, handler domain.JobHandler) error {
	if ownerService == "" {
		return errors.New("owner service cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	l.handlersMu.Lock()
	l.handlers[ownerService] = handler
	l.handlersMu.Unlock()
	return nil
}

func (l *SchedulerLoop) handlerFor(ownerService string) (domain.JobHandler, bool) {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	h, ok := l.handlers[ownerService]
	return h, ok
}

// Start moves the loop to running. Calling Start on a running loop is a
// no-op; calling it while a Stop is draining waits for the drain first.
func (l *SchedulerLoop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.state == domain.LoopRunning {
		if l.cancel != nil {
			return nil
		}
		draining := l.done
		l.mu.Unlock()
		<-draining
		l.mu.Lock()
	}
	if err := l.parent.Err(); err != nil {
		return errors.Wrap(err, "start scheduler loop")
	}

	ctx, cancel := context.WithCancel(l.parent)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.lastErr = nil
	l.setState(domain.LoopRunning)

	go l.run(ctx, done)
	l.log.Infow("Scheduler loop started", "sleep_interval", l.cfg.SleepInterval)
	return nil
}

// Stop asks the loop to finish and waits until the in-flight dispatch, if
// any, has completed or ctx is done. Stopping a stopped loop is a no-op.
func (l *SchedulerLoop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *SchedulerLoop) State() domain.LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *SchedulerLoop) Running() bool {
	return l.State() == domain.LoopRunning
}

// Err returns the failure that stopped the loop, if it stopped on its own.
func (l *SchedulerLoop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Done is closed when the current run exits. It is nil before the first
// Start.
func (l *SchedulerLoop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *SchedulerLoop) setState(s domain.LoopState) {
	l.state = s
	l.metrics.SetLoopRunning(s == domain.LoopRunning)
}

func (l *SchedulerLoop) run(ctx context.Context, done chan struct{}) {
	var runErr error
	defer func() {
		l.mu.Lock()
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
		l.setState(domain.LoopStopped)
		l.lastErr = runErr
		l.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(l.cfg.SleepInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Infow("Scheduler loop stopped")
			return
		case <-timer.C:
		}

		// The in-flight message completes even if Stop is called meanwhile.
		if err := l.dispatchOnce(context.WithoutCancel(ctx)); err != nil {
			runErr = err
			l.log.Errorw("Scheduler loop failed and stopped", logger.FieldError, fmt.Sprintf("%+v", err))
			return
		}
		timer.Reset(l.cfg.SleepInterval)
	}
}

// dispatchOnce takes at most one message off the queue and runs it through
// the pipeline. Only a failure of the pipeline itself is returned; handler
// failures are recorded on the job.
func (l *SchedulerLoop) dispatchOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("dispatch panic: %v\n%s", r, debug.Stack())
		}
	}()

	msg := l.manager.Dequeue(ctx)
	if msg == nil {
		return nil
	}
	receivedAt := l.now()

	env, decodeErr := l.manager.DecodeEnvelope(msg)
	if decodeErr != nil {
		// Left locked; the queue makes it visible again once the lock lapses.
		l.manager.fail(ctx, "Decode", msg.ID, decodeErr, "")
		return nil
	}
	l.metrics.RecordReceived(receivedAt.Sub(env.ScheduledAt).Seconds())

	log := l.log.With(
		logger.FieldJobID, env.JobID,
		logger.FieldOwnerService, env.OwnerService,
		logger.FieldMessageID, msg.ID,
	)

	if env.Expired(receivedAt) || !l.manager.IsStillActive(ctx, env) {
		l.manager.Ack(ctx, msg)
		l.manager.RecordOutcome(ctx, env.OwnerService, env.JobID, domain.DispatchOutcome{
			Comment:    "expired or inactive",
			OccurredAt: receivedAt,
		})
		l.metrics.RecordDiscarded()
		log.Infow("Discarded expired or inactive occurrence")
		return nil
	}

	handler, ok := l.handlerFor(env.OwnerService)
	if !ok {
		l.manager.Release(ctx, msg)
		log.Warnw("No handler registered for owner service, message released")
		return nil
	}

	if !l.manager.Ack(ctx, msg) {
		// The lock lapsed or the ack failed; the message comes back and is
		// dispatched by whoever receives it next.
		log.Warnw("Could not acknowledge occurrence, leaving it to the next delivery")
		return nil
	}

	if next, ok := env.Next(); ok {
		if l.nextAlreadyScheduled(ctx, env) {
			log.Infow("Duplicate delivery, next occurrence already scheduled")
		} else {
			l.reschedule(ctx, next, log)
		}
	}

	started := l.now()
	processed := l.invoke(ctx, handler, env, log)
	finished := l.now()
	l.metrics.RecordProcessed(processed, finished.Sub(started).Seconds())

	l.manager.RecordOutcome(ctx, env.OwnerService, env.JobID, domain.DispatchOutcome{
		Delivered:  true,
		Processed:  processed,
		Comment:    fmt.Sprintf("processed at %s with result %t", finished.Format(time.RFC3339), processed),
		OccurredAt: receivedAt,
	})
	log.Infow("Job occurrence dispatched", "processed", processed)
	return nil
}

// nextAlreadyScheduled reports whether the record has moved past this
// occurrence, which happens when the same occurrence is delivered twice.
func (l *SchedulerLoop) nextAlreadyScheduled(ctx context.Context, env *domain.JobEnvelope) bool {
	record := l.manager.GetRecord(ctx, env.OwnerService, env.JobID)
	return record != nil && record.ScheduledAt.After(env.ScheduledAt)
}

// reschedule submits the next occurrence, retrying without backoff. Once a
// message id is obtained only the record step is retried so a flaky store
// does not leave duplicate occurrences in the queue.
func (l *SchedulerLoop) reschedule(ctx context.Context, next *domain.JobEnvelope, log *zap.SugaredLogger) {
	var messageID string
	for attempt := 1; attempt <= l.cfg.RescheduleAttempts; attempt++ {
		if messageID == "" {
			messageID = l.manager.Enqueue(ctx, next)
		}
		if messageID != "" && l.manager.RecordSubmission(ctx, next, messageID) {
			l.metrics.RecordReschedule(true)
			l.manager.AppendComment(ctx, next.OwnerService, next.JobID,
				fmt.Sprintf("next occurrence scheduled at %s", next.ScheduledAt.Format(time.RFC3339)))
			log.Infow("Next occurrence scheduled", logger.FieldNextAt, next.ScheduledAt, logger.FieldAttempt, attempt)
			return
		}
		log.Warnw("Reschedule attempt failed", logger.FieldAttempt, attempt)
	}

	l.metrics.RecordReschedule(false)
	l.manager.AppendComment(ctx, next.OwnerService, next.JobID, "next occurrence could not be scheduled")
	log.Errorw("Next occurrence could not be scheduled", logger.FieldNextAt, next.ScheduledAt)
}

func (l *SchedulerLoop) invoke(ctx context.Context, handler domain.JobHandler, env *domain.JobEnvelope, log *zap.SugaredLogger) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Job handler panicked", logger.FieldError, fmt.Sprint(r))
			processed = false
		}
	}()

	if err := handler(ctx, env); err != nil {
		log.Warnw("Job handler failed", logger.FieldError, err)
		return false
	}
	return true
}
