// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/obs"
	"go.uber.org/zap"
)

// Handler executes one job of a given type. Handlers must be idempotent:
// a job may be re-claimed and re-executed after a crash mid-handler
// (spec.md §5 "Cancellation & timeouts").
type Handler func(ctx context.Context, job *jobqueue.Job) error

// Pool long-polls the queue and dispatches claimed jobs to registered
// handlers, with per-job timeout and retry/backoff driven by the queue
// itself (spec.md §2 "Job worker").
type Pool struct {
	cfg      *config.Job
	queue    *jobqueue.Queue
	handlers map[jobqueue.Type]Handler
	log      *zap.Logger
}

func NewPool(cfg *config.Job, queue *jobqueue.Queue, log *zap.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    queue,
		handlers: make(map[jobqueue.Type]Handler),
		log:      log,
	}
}

// Register binds a handler to a job type. Call before Run.
func (p *Pool) Register(t jobqueue.Type, h Handler) {
	p.handlers[t] = h
}

// Run blocks, driving cfg.WorkerCount worker goroutines until ctx is
// cancelled, then waits for every worker goroutine to return. That wait
// has no time bound of its own; cfg.ShutdownWait is not applied here.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		obs.WorkerActive.Inc()
		go func(id int) {
			defer wg.Done()
			defer obs.WorkerActive.Dec()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.ClaimPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRun(ctx)
		}
	}
}

func (p *Pool) claimAndRun(ctx context.Context) {
	job, err := p.queue.Claim(ctx)
	if err != nil {
		p.log.Error("claim failed", zap.Error(err))
		return
	}
	if job == nil {
		return
	}

	p.queue.BeginProcessing()
	defer p.queue.EndProcessing()

	handler, ok := p.handlers[job.Type]
	if !ok {
		p.log.Error("no handler registered for job type", zap.String("type", string(job.Type)))
		_ = p.queue.Fail(ctx, job.ID, fmt.Errorf("no handler registered for %s", job.Type))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err = handler(jobCtx, job)
	obs.JobProcessingDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		p.log.Warn("job handler failed", zap.String("jobId", job.ID), zap.String("type", string(job.Type)), zap.Error(err))
		if ferr := p.queue.Fail(ctx, job.ID, err); ferr != nil {
			p.log.Error("failed to record job failure", zap.Error(ferr))
		}
		return
	}
	if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
		p.log.Error("failed to record job completion", zap.Error(cerr))
	}
}
