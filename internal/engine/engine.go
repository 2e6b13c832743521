// Package engine runs automated service requests asynchronously: a durable
// sqlite-backed queue, a pool of workers, retries with a fixed backoff, and
// escalation to a technician when automation gives up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fibratel/routerpilot/internal/control"
	"github.com/fibratel/routerpilot/internal/metrics"
	"github.com/fibratel/routerpilot/internal/notify"
	"github.com/fibratel/routerpilot/internal/ticket"
	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SystemOperator is the operator id stamped on operation logs produced by
// automated execution rather than a human.
const SystemOperator = "system"

// TechnicianDirectory lists technicians eligible for escalated requests.
type TechnicianDirectory interface {
	Available(ctx context.Context) ([]string, error)
}

// StaticDirectory serves a fixed technician roster, typically from config.
type StaticDirectory []string

func (d StaticDirectory) Available(context.Context) ([]string, error) { return d, nil }

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	Workers        int           // concurrent task workers
	MaxAttempts    int           // total attempts per task, first try included
	RetryBackoff   time.Duration // fixed delay between attempts
	TaskTimeout    time.Duration // wall clock budget per attempt
	PollInterval   time.Duration // queue poll period when idle
	DeviceInterval time.Duration // minimum spacing between ops on one device
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 120 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DeviceInterval <= 0 {
		c.DeviceInterval = 10 * time.Second
	}
	return c
}

// Engine consumes the task queue and drives automated request handling.
type Engine struct {
	cfg         Config
	queue       *Queue
	control     *control.Service
	tickets     *ticket.Service
	notifier    notify.Notifier
	technicians TechnicianDirectory
	logger      *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	pick func(n int) int
}

// Compile-time interface guard.
var _ ticket.Enqueuer = (*Engine)(nil)

func New(
	cfg Config,
	queue *Queue,
	ctrl *control.Service,
	tickets *ticket.Service,
	notifier notify.Notifier,
	technicians TechnicianDirectory,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		queue:       queue,
		control:     ctrl,
		tickets:     tickets,
		notifier:    notifier,
		technicians: technicians,
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
		pick:        rand.IntN,
	}
}

// Enqueue schedules automated handling of a request after the delay.
func (e *Engine) Enqueue(ctx context.Context, requestID string, delay time.Duration) error {
	t, err := e.queue.Push(ctx, requestID, delay)
	if err != nil {
		return err
	}
	e.refreshDepth(ctx)
	e.logger.Info("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("request_id", requestID),
		zap.Duration("delay", delay),
	)
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled. Claimed
// tasks orphaned by a previous crash are released on startup.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.queue.ReleaseStale(ctx, e.cfg.TaskTimeout); err != nil {
		return fmt.Errorf("release stale tasks: %w", err)
	} else if n > 0 {
		e.logger.Warn("released orphaned tasks", zap.Int64("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.worker(ctx) })
	}
	g.Go(func() error { return e.depthLoop(ctx) })
	return g.Wait()
}

func (e *Engine) worker(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		// Drain everything due before going back to sleep.
		for {
			t, err := e.queue.Claim(ctx)
			if err != nil {
				if errors.Is(err, ErrNoTask) {
					break
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Error("claim task", zap.Error(err))
				break
			}
			e.execute(ctx, t)
			e.refreshDepth(ctx)
		}
	}
}

func (e *Engine) depthLoop(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.refreshDepth(ctx)
		}
	}
}

func (e *Engine) refreshDepth(ctx context.Context) {
	if n, err := e.queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

// execute runs a single attempt of a task. A request cancelled or completed
// by an operator between enqueue and execution makes the task a no-op.
func (e *Engine) execute(ctx context.Context, t *Task) {
	log := e.logger.With(
		zap.String("task_id", t.ID),
		zap.String("request_id", t.RequestID),
		zap.Int("attempt", t.Attempts+1),
	)

	r, err := e.tickets.Repo().Get(ctx, t.RequestID)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			log.Warn("request gone, dropping task")
			e.drop(ctx, t)
			return
		}
		log.Error("load request", zap.Error(err))
		e.release(ctx, t)
		return
	}
	log = log.With(zap.String("ticket", r.TicketNumber))

	switch r.State {
	case models.StatePending:
		if r, err = e.tickets.Start(ctx, r.ID); err != nil {
			// Someone moved the request between read and write. Whatever
			// it became, it is no longer ours to start.
			log.Info("request no longer pending, dropping task", zap.Error(err))
			e.drop(ctx, t)
			return
		}
	case models.StateInProgress:
		// Retry attempt, already started.
	default:
		log.Info("request in terminal or manual state, dropping task",
			zap.String("state", string(r.State)))
		e.drop(ctx, t)
		return
	}

	if r.DeviceID == "" {
		// Nothing to automate without a device. Not retryable.
		e.escalate(ctx, t, r, "no device linked to the request", log)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	if err := e.limiter(r.DeviceID).Wait(attemptCtx); err != nil {
		log.Warn("device rate limit wait aborted", zap.Error(err))
		e.retryOrEscalate(ctx, t, r, "device busy, attempt timed out waiting", log)
		return
	}

	res := e.control.Reboot(attemptCtx, r.DeviceID, control.Origin{
		OperatorID:       SystemOperator,
		ServiceRequestID: r.ID,
	})
	if res.Success {
		e.complete(ctx, t, r, res.Message, log)
		return
	}
	log.Warn("automated operation failed", zap.String("error", res.Error))
	e.retryOrEscalate(ctx, t, r, res.Error, log)
}

func (e *Engine) complete(ctx context.Context, t *Task, r *models.ServiceRequest, msg string, log *zap.Logger) {
	if _, err := e.tickets.Complete(ctx, r.ID, "resolved automatically: "+msg); err != nil {
		var ste *ticket.StateTransitionError
		if errors.As(err, &ste) || errors.Is(err, ticket.ErrStaleState) {
			// Cancelled while the reboot was in flight. The device action
			// already happened; the request outcome stands as cancelled.
			log.Info("request moved during execution, result discarded", zap.Error(err))
			e.drop(ctx, t)
			return
		}
		log.Error("complete request", zap.Error(err))
		e.release(ctx, t)
		return
	}

	e.notify(ctx, r, models.NotificationRequestCompleted,
		"Service request resolved",
		fmt.Sprintf("Your request %s was resolved automatically.", r.TicketNumber))
	log.Info("request completed automatically")
	e.drop(ctx, t)
}

func (e *Engine) retryOrEscalate(ctx context.Context, t *Task, r *models.ServiceRequest, reason string, log *zap.Logger) {
	if t.Attempts+1 < e.cfg.MaxAttempts {
		metrics.TaskRetriesTotal.Inc()
		if err := e.queue.Requeue(ctx, t, e.cfg.RetryBackoff); err != nil {
			log.Error("requeue task", zap.Error(err))
		}
		log.Info("task scheduled for retry", zap.Duration("backoff", e.cfg.RetryBackoff))
		return
	}
	e.escalate(ctx, t, r, reason, log)
}

// escalate gives up on automation: mark the request failed, hand it to a
// technician, and tell the customer.
func (e *Engine) escalate(ctx context.Context, t *Task, r *models.ServiceRequest, reason string, log *zap.Logger) {
	notes := fmt.Sprintf("automation exhausted after %d attempt(s): %s", t.Attempts+1, reason)
	if _, err := e.tickets.Fail(ctx, r.ID, notes); err != nil {
		var ste *ticket.StateTransitionError
		if !errors.As(err, &ste) && !errors.Is(err, ticket.ErrStaleState) {
			log.Error("fail request", zap.Error(err))
			e.release(ctx, t)
			return
		}
		log.Info("request moved during escalation", zap.Error(err))
		e.drop(ctx, t)
		return
	}

	if id := e.pickTechnician(ctx); id != "" {
		if _, err := e.tickets.Escalate(ctx, r.ID, id); err != nil {
			log.Error("assign technician", zap.Error(err))
		} else {
			log.Info("escalated to technician", zap.String("technician_id", id))
		}
	} else {
		log.Warn("no technician available for escalation")
	}

	e.notify(ctx, r, models.NotificationRequestFailed,
		"Service request needs attention",
		fmt.Sprintf("Automatic handling of request %s did not succeed. A technician will follow up.", r.TicketNumber))
	e.drop(ctx, t)
}

func (e *Engine) pickTechnician(ctx context.Context) string {
	ids, err := e.technicians.Available(ctx)
	if err != nil {
		e.logger.Error("list technicians", zap.Error(err))
		return ""
	}
	if len(ids) == 0 {
		return ""
	}
	return ids[e.pick(len(ids))]
}

func (e *Engine) notify(ctx context.Context, r *models.ServiceRequest, typ models.NotificationType, title, msg string) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Notify(ctx, models.Notification{
		UserID:  r.CustomerID,
		Type:    typ,
		Title:   title,
		Message: msg,
		Data: map[string]any{
			"request_id":    r.ID,
			"ticket_number": r.TicketNumber,
		},
	})
	if err != nil {
		e.logger.Error("record notification", zap.Error(err))
	}
}

func (e *Engine) drop(ctx context.Context, t *Task) {
	if err := e.queue.Delete(ctx, t.ID); err != nil {
		e.logger.Error("delete task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// release unclaims a task after a transient infrastructure error so it is
// picked up again without burning an attempt.
func (e *Engine) release(ctx context.Context, t *Task) {
	if err := e.queue.Release(ctx, t, e.cfg.PollInterval); err != nil {
		e.logger.Error("release task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (e *Engine) limiter(deviceID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.cfg.DeviceInterval), 1)
		e.limiters[deviceID] = l
	}
	return l
}
