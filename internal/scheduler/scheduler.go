// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/instance"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/store"
	"go.uber.org/zap"
)

// Status reports the scheduler's current state for the health/admin
// surface (spec.md §9 "Scheduler status reporting").
type Status struct {
	IsRunning        bool      `json:"isRunning"`
	IsEnabled        bool      `json:"isEnabled"`
	LastExecution    time.Time `json:"lastExecution,omitempty"`
	NextExecution    time.Time `json:"nextExecution,omitempty"`
	TotalExecutions  int64     `json:"totalExecutions"`
	FailedExecutions int64     `json:"failedExecutions"`
	UptimeSeconds    float64   `json:"uptimeSeconds"`
	CurrentJobID     string    `json:"currentJobId,omitempty"`
}

// Scheduler drives the periodic migration sweep and auto-stop sweep
// ticks, each enqueueing jobqueue work rather than executing it inline
// (spec.md §4.6, §4.7). An atomic "ticking" flag defends the migration
// tick against reentrancy if a previous migration tick's enqueue is still
// running when the next timer fires (spec.md §9 "Scheduler reentrancy");
// the auto-stop tick has no such flag.
type Scheduler struct {
	svc     *instance.Service
	jobs    *jobqueue.Queue
	backend store.Store
	cfg     *config.Config
	log     *zap.Logger

	startedAt time.Time

	mu      sync.Mutex
	running bool
	ticking atomic.Bool

	migrationStatus Status
	autoStopStatus  Status
}

func New(svc *instance.Service, jobs *jobqueue.Queue, backend store.Store, cfg *config.Config, log *zap.Logger) *Scheduler {
	return &Scheduler{svc: svc, jobs: jobs, backend: backend, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled, driving both sweep tickers.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	if s.cfg.Migration.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runMigrationTicker(ctx)
		}()
	}
	if s.cfg.AutoStop.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runAutoStopTicker(ctx)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) runMigrationTicker(ctx context.Context) {
	interval := time.Duration(s.cfg.Migration.IntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	s.migrationStatus.IsEnabled = true
	s.migrationStatus.NextExecution = time.Now().Add(interval)
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickMigration(ctx)
			s.mu.Lock()
			s.migrationStatus.NextExecution = time.Now().Add(interval)
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) tickMigration(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn("migration sweep tick skipped: previous tick still in flight")
		return
	}
	defer s.ticking.Store(false)

	jobID, err := s.jobs.Enqueue(ctx, jobqueue.TypeMigrateSpotInstances, map[string]any{}, 1, 2, "migration-sweep")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrationStatus.TotalExecutions++
	s.migrationStatus.LastExecution = time.Now()
	if err != nil {
		s.migrationStatus.FailedExecutions++
		s.log.Error("failed to enqueue migration sweep", zap.Error(err))
		return
	}
	s.migrationStatus.CurrentJobID = jobID
}

func (s *Scheduler) runAutoStopTicker(ctx context.Context) {
	interval := time.Duration(s.cfg.AutoStop.IntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	s.autoStopStatus.IsEnabled = true
	s.autoStopStatus.NextExecution = time.Now().Add(interval)
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickAutoStop(ctx)
			s.mu.Lock()
			s.autoStopStatus.NextExecution = time.Now().Add(interval)
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) tickAutoStop(ctx context.Context) {
	s.mu.Lock()
	s.autoStopStatus.TotalExecutions++
	s.autoStopStatus.LastExecution = time.Now()
	s.mu.Unlock()

	ids, err := s.svc.ListIDs(ctx)
	if err != nil {
		s.mu.Lock()
		s.autoStopStatus.FailedExecutions++
		s.mu.Unlock()
		s.log.Error("failed to list instances for auto-stop sweep", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := s.jobs.Enqueue(ctx, jobqueue.TypeAutoStop, map[string]string{"instanceId": id}, 0, 2, "auto-stop-"+id); err != nil {
			s.log.Warn("failed to enqueue auto-stop check", zap.String("instanceId", id), zap.Error(err))
		}
	}
}

// MigrationStatus reports the migration sweep ticker's status.
func (s *Scheduler) MigrationStatus() Status {
	s.mu.Lock()
	st := s.migrationStatus
	st.IsRunning = s.running
	startedAt := s.startedAt
	s.mu.Unlock()
	st.UptimeSeconds = time.Since(startedAt).Seconds()
	return st
}

// AutoStopStatus reports the auto-stop ticker's status.
func (s *Scheduler) AutoStopStatus() Status {
	s.mu.Lock()
	st := s.autoStopStatus
	st.IsRunning = s.running
	startedAt := s.startedAt
	s.mu.Unlock()
	st.UptimeSeconds = time.Since(startedAt).Seconds()
	return st
}

// SyncOnStartup performs a single-flight bootstrap reconciliation against
// upstream, guarded by a distributed lock so that only one process in a
// multi-replica deployment runs it (spec.md §4.3 "Startup sync",
// §9 "Single-flight migration sweep" generalized to sync).
func SyncOnStartup(ctx context.Context, backend store.Store, lockTTL time.Duration, fn func(context.Context) error) error {
	acquired, err := backend.SetIfAbsent(ctx, "sync:lock", []byte("1"), lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() { _ = backend.Del(ctx, "sync:lock") }()
	return fn(ctx)
}
