// Package scheduler owns the periodic discovery loop: one pipeline pass per
// tick, never overlapping, followed by a retention sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carminepf/internal/apperror"
	"carminepf/internal/metrics"
	"carminepf/internal/model"
	"carminepf/internal/pipeline"
	"carminepf/internal/storage"
)

const (
	// DefaultTick is the period between pipeline passes.
	DefaultTick = time.Minute
	// DefaultPassTimeout bounds a single pass including cleanup.
	DefaultPassTimeout = 5 * time.Minute
)

// Runner executes one discovery pass.
type Runner interface {
	Run(ctx context.Context) (pipeline.Summary, error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	GetConfig(ctx context.Context) (*model.MonitorConfig, error)
	SetActive(ctx context.Context, active bool) error
	DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Status is a point-in-time view of the scheduler. NextRunAt is nil while
// stopped and while a scheduled pass is in flight.
type Status struct {
	IsRunning bool       `json:"isRunning"`
	LastRunAt *time.Time `json:"lastRun"`
	NextRunAt *time.Time `json:"nextRun"`
}

// Scheduler periodically runs the discovery pipeline.
type Scheduler struct {
	runner      Runner
	store       Store
	log         *slog.Logger
	metrics     *metrics.Metrics
	tick        time.Duration
	passTimeout time.Duration
	now         func() time.Time

	// passMu serializes passes; a tick that cannot take it is skipped.
	passMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun *time.Time
	nextRun *time.Time
}

// New creates a stopped Scheduler.
func New(runner Runner, store Store, m *metrics.Metrics, log *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:      runner,
		store:       store,
		log:         log,
		metrics:     m,
		tick:        DefaultTick,
		passTimeout: DefaultPassTimeout,
		now:         time.Now,
	}
}

// SetTickInterval overrides the default 1-minute interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Start activates the config, runs one pass immediately and then one per
// tick. It fails if the scheduler is already running or no config exists.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return apperror.New(apperror.CodeAlreadyRunning)
	}

	if _, err := s.store.GetConfig(ctx); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperror.New(apperror.CodeNoConfig)
		}
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.store.SetActive(ctx, true); err != nil {
		return fmt.Errorf("activate config: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.nextRun = nil

	go s.loop(loopCtx, s.done)

	s.log.Info("scheduler started", "tick", s.tick)
	return nil
}

// Stop disarms the timer, waits for an in-flight pass to finish and
// deactivates the config. Stopping a stopped scheduler only deactivates.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.halt(ctx); err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, false); err != nil {
		return fmt.Errorf("deactivate config: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Shutdown stops the loop like Stop but leaves the config active, so the
// next process start can resume monitoring.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.halt(ctx)
}

func (s *Scheduler) halt(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.nextRun = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight pass: %w", ctx.Err())
	}
}

// Status reports whether the loop is running and when it ran and will run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{IsRunning: s.running, LastRunAt: s.lastRun}
	if s.running {
		st.NextRunAt = s.nextRun
	}
	return st
}

// RunOnce triggers a pass outside the timer. It reports false when another
// pass is in flight.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	ran, _ := s.pass(ctx)
	return ran
}

// loop runs a pass, then waits one tick from the end of that pass. While
// passes keep failing with CodeRateLimited the wait doubles, up to
// maxBackoffShift doublings.
func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	limited := 0
	for {
		_, err := s.pass(ctx)

		if apperror.HasCode(err, apperror.CodeRateLimited) {
			limited++
		} else {
			limited = 0
		}
		delay := backoff(s.tick, limited)
		if limited > 0 {
			s.log.Warn("upstream rate limited, backing off", "consecutive", limited, "delay", delay)
		}

		next := s.now().Add(delay)
		s.setNext(&next)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		s.setNext(nil)
	}
}

const maxBackoffShift = 3

func backoff(tick time.Duration, limited int) time.Duration {
	return tick << min(limited, maxBackoffShift)
}

func (s *Scheduler) setNext(t *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.nextRun = t
	}
}

// pass runs the pipeline and the retention sweep. Cancelling ctx does not
// interrupt a pass that has started; only the pass timeout does. It returns
// false without running when another pass holds the lock.
func (s *Scheduler) pass(ctx context.Context) (bool, error) {
	if !s.passMu.TryLock() {
		s.log.Warn("previous pass still running, skipping tick")
		return false, nil
	}
	defer s.passMu.Unlock()

	started := s.now()
	s.mu.Lock()
	s.lastRun = &started
	s.mu.Unlock()

	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.passTimeout)
	defer cancel()

	log := s.log.With("run_at", started.UTC().Format(time.RFC3339))

	_, runErr := s.runner.Run(passCtx)
	if runErr != nil {
		log.Error("pipeline pass failed", "code", apperror.GetCode(runErr), "error", runErr)
	}

	if err := s.cleanup(passCtx); err != nil {
		log.Error("retention cleanup failed", "error", err)
	}
	return true, runErr
}

func (s *Scheduler) cleanup(ctx context.Context) error {
	cfg, err := s.store.GetConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cutoff := s.now().AddDate(0, 0, -cfg.DeleteAfterDays)
	n, err := s.store.DeleteSeenBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete expired entries: %w", err)
	}
	if n > 0 {
		s.metrics.AddCleanup(n)
		s.log.Info("retention cleanup", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return nil
}
