// Package scheduler admits pending runs while capacity allows.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events/bus"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/queue"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Store is the part of the run repository admission needs.
type Store interface {
	queue.Store
	CountRunsByStatus(ctx context.Context, status models.RunStatus) (int, error)
	ListAdmissibleRuns(ctx context.Context) ([]*models.Run, error)
	TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, reason models.StopReason) (bool, error)
}

// Starter launches an admitted run.
type Starter interface {
	Start(ctx context.Context, run *models.Run) error
}

// Capacity reports the live admission cap.
type Capacity interface {
	MaxParallel() int
}

// Status contains admission statistics
type Status struct {
	Running       int   `json:"running"`
	Pending       int   `json:"pending"`
	MaxParallel   int   `json:"max_parallel"`
	TotalAdmitted int64 `json:"total_admitted"`
}

// Scheduler runs admission on a ticker and on demand.
type Scheduler struct {
	store    Store
	starter  Starter
	capacity Capacity
	bus      bus.EventBus
	logger   *logger.Logger
	interval time.Duration

	admitMu       sync.Mutex
	totalAdmitted atomic.Int64

	kick chan struct{}
	sub  bus.Subscription

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler. interval is the safety-net poll period.
func NewScheduler(store Store, starter Starter, capacity Capacity, eventBus bus.EventBus, log *logger.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		store:    store,
		starter:  starter,
		capacity: capacity,
		bus:      eventBus,
		logger:   log.Component("scheduler"),
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Start begins the admission loop. Finished runs re-trigger admission.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.bus != nil {
		sub, err := s.bus.Subscribe(events.RunFinished, func(context.Context, *bus.Event) error {
			s.Kick()
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to subscribe to run completion, relying on polling", zap.Error(err))
		}
		s.sub = sub
	}

	s.logger.Info("scheduler starting",
		zap.Duration("poll_interval", s.interval),
		zap.Int("max_parallel", s.capacity.MaxParallel()))

	s.wg.Add(1)
	go s.processLoop(ctx)
	s.Kick()
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Kick requests an admission pass without blocking. Requests coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if _, err := s.AdmitNext(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("admission pass failed", zap.Error(err))
		}
	}
}

// AdmitNext fills free capacity with pending runs, earliest task first.
// It is safe to call concurrently and repeatedly; it returns the number of
// runs admitted.
func (s *Scheduler) AdmitNext(ctx context.Context) (int, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	running, err := s.store.CountRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	available := s.capacity.MaxParallel() - running
	if available <= 0 {
		return 0, nil
	}

	candidates, err := s.store.ListAdmissibleRuns(ctx)
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, run := range queue.TakeFirst(candidates, len(candidates)) {
		if admitted >= available {
			break
		}
		// the run may have been stopped since it was listed
		ok, err := s.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, models.StopReasonNone)
		if err != nil {
			s.logger.Warn("failed to admit run", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		admitted++
		s.totalAdmitted.Add(1)
		run.Status = models.RunStatusRunning

		if _, _, err := queue.Recompute(ctx, s.store, run.TaskID); err != nil {
			s.logger.Warn("failed to recompute task status", zap.String("task_id", run.TaskID), zap.Error(err))
		}
		s.publish(ctx, events.NewRunEvent(events.RunAdmitted, "scheduler", run))

		s.logger.Info("run admitted",
			zap.String("run_id", run.ID),
			zap.String("task_id", run.TaskID),
			zap.String("model_id", run.ModelID))
		if err := s.starter.Start(ctx, run); err != nil {
			// the executor has already persisted the failure
			s.logger.Warn("admitted run failed to start", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return admitted, nil
}

// Status returns the current admission statistics.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	running, err := s.store.CountRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.CountRunsByStatus(ctx, models.RunStatusPending)
	if err != nil {
		return nil, err
	}
	return &Status{
		Running:       running,
		Pending:       pending,
		MaxParallel:   s.capacity.MaxParallel(),
		TotalAdmitted: s.totalAdmitted.Load(),
	}, nil
}

func (s *Scheduler) publish(ctx context.Context, ev *bus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev.Type, ev); err != nil {
		s.logger.Debug("failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}
