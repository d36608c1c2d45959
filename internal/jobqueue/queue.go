// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/novita/gpu-controlplane/internal/apperr"
	"github.com/novita/gpu-controlplane/internal/obs"
	"github.com/novita/gpu-controlplane/internal/store"
	"go.uber.org/zap"
)

const (
	keyPending    = "jobs:pending"
	keyProcessing = "jobs:processing"
	keyCompleted  = "jobs:completed"
	keyFailed     = "jobs:failed"
	keyJobPrefix  = "jobs:"
	keyDedupe     = "jobs:dedupe:"

	dedupeTTL = time.Hour
)

// Queue is the persistent, priority-ordered job queue of spec.md §4.5,
// backed by store.Store's sorted-set primitives.
type Queue struct {
	backend store.Store
	log     *zap.Logger

	retryBase   time.Duration
	retryMax    time.Duration
	retryJitter float64

	draining atomic.Bool
	mu       sync.Mutex
	inFlight int
	drainCh  chan struct{}
}

func New(backend store.Store, log *zap.Logger, retryBase, retryMax time.Duration, retryJitter float64) *Queue {
	return &Queue{
		backend:     backend,
		log:         log,
		retryBase:   retryBase,
		retryMax:    retryMax,
		retryJitter: retryJitter,
	}
}

// pendingScore orders claim() by (priority desc, createdAt asc): higher
// priority sorts first because it contributes a larger negative term, and
// within equal priority an earlier createdAt sorts first.
func pendingScore(priority int, createdAt time.Time) float64 {
	return float64(-priority)*1e12 + float64(createdAt.Unix())
}

func jobKey(id string) string { return keyJobPrefix + id }

func (q *Queue) putJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job: %w", err)
	}
	return q.backend.Set(ctx, jobKey(job.ID), raw, 0)
}

func (q *Queue) getJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.backend.Get(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("jobqueue: unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Enqueue mints a job and returns its id. If dedupeKey is supplied and a
// non-terminal job with that key already exists, the existing jobId is
// returned instead (spec.md §4.5 deduplication), resolved atomically via
// SetIfAbsent so concurrent enqueues with the same key never create two
// jobs (spec.md §8 "Single-flight migration sweep").
func (q *Queue) Enqueue(ctx context.Context, typ Type, payload any, priority, maxAttempts int, dedupeKey string) (string, error) {
	if q.draining.Load() {
		return "", apperr.New(apperr.KindQueueTimeout, "queue is draining, not accepting new jobs")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jobqueue: marshal payload: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	newID := "job-" + uuid.NewString()
	if dedupeKey != "" {
		acquired, err := q.backend.SetIfAbsent(ctx, keyDedupe+dedupeKey, []byte(newID), dedupeTTL)
		if err != nil {
			return "", err
		}
		if !acquired {
			existing, err := q.backend.Get(ctx, keyDedupe+dedupeKey)
			if err != nil {
				return "", err
			}
			return string(existing), nil
		}
	}

	now := time.Now()
	job := &Job{
		ID:          newID,
		Type:        typ,
		Payload:     raw,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		DedupeKey:   dedupeKey,
	}
	if err := q.putJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.backend.ZAdd(ctx, keyPending, job.ID, pendingScore(priority, now)); err != nil {
		return "", err
	}
	obs.JobsEnqueued.WithLabelValues(string(typ)).Inc()
	return job.ID, nil
}

// Claim atomically moves the highest-priority eligible pending job to
// processing and returns it, or (nil, nil) if none is eligible or the
// queue is draining after Shutdown.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	if q.draining.Load() {
		return nil, nil
	}
	members, err := q.backend.ZRange(ctx, keyPending, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, m := range members {
		job, err := q.getJob(ctx, m.Member)
		if err != nil {
			if err == store.ErrNotFound {
				_ = q.backend.ZRem(ctx, keyPending, m.Member)
				continue
			}
			return nil, err
		}
		if job.Status != StatusPending || job.NextRunAt.After(now) {
			continue
		}
		if err := q.backend.ZRem(ctx, keyPending, job.ID); err != nil {
			return nil, err
		}
		job.Status = StatusProcessing
		job.StartedAt = now
		if err := q.putJob(ctx, job); err != nil {
			return nil, err
		}
		if err := q.backend.ZAdd(ctx, keyProcessing, job.ID, float64(now.UnixNano())); err != nil {
			return nil, err
		}
		obs.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
		return job, nil
	}
	return nil, nil
}

// Complete marks jobId completed and records it in the completed index.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	job.Status = StatusCompleted
	job.CompletedAt = now
	if err := q.putJob(ctx, job); err != nil {
		return err
	}
	if err := q.backend.ZRem(ctx, keyProcessing, jobID); err != nil {
		return err
	}
	if err := q.backend.ZAdd(ctx, keyCompleted, jobID, float64(now.UnixNano())); err != nil {
		return err
	}
	if job.DedupeKey != "" {
		_ = q.backend.Del(ctx, keyDedupe+job.DedupeKey)
	}
	obs.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	return nil
}

// Fail records a handler failure. If attempts remain, the job is
// rescheduled with exponential backoff + jitter (spec.md §4.5, §8); else it
// is marked permanently failed.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Attempts++
	job.LastError = cause.Error()

	if err := q.backend.ZRem(ctx, keyProcessing, jobID); err != nil {
		return err
	}

	if job.Attempts < job.MaxAttempts {
		delay := backoffWithJitter(q.retryBase, q.retryMax, job.Attempts, q.retryJitter)
		job.Status = StatusPending
		job.NextRunAt = time.Now().Add(delay)
		if err := q.putJob(ctx, job); err != nil {
			return err
		}
		if err := q.backend.ZAdd(ctx, keyPending, job.ID, pendingScore(job.Priority, job.NextRunAt)); err != nil {
			return err
		}
		obs.JobsRetried.WithLabelValues(string(job.Type)).Inc()
		return nil
	}

	job.Status = StatusFailed
	job.CompletedAt = time.Now()
	if err := q.putJob(ctx, job); err != nil {
		return err
	}
	if err := q.backend.ZAdd(ctx, keyFailed, jobID, float64(time.Now().UnixNano())); err != nil {
		return err
	}
	if job.DedupeKey != "" {
		_ = q.backend.Del(ctx, keyDedupe+job.DedupeKey)
	}
	obs.JobsFailed.WithLabelValues(string(job.Type)).Inc()
	return nil
}

func backoffWithJitter(base, max time.Duration, attempts int, jitter float64) time.Duration {
	d := base * time.Duration(1<<uint(attempts-1))
	if d > max {
		d = max
	}
	if jitter > 0 {
		d += time.Duration(rand.Float64() * jitter * float64(d))
	}
	return d
}

// Get returns a job record by id, for status-polling callers.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.getJob(ctx, jobID)
}

// Stats reports queue depth across statuses.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Pending, err = q.backend.ZCard(ctx, keyPending); err != nil {
		return s, err
	}
	if s.Processing, err = q.backend.ZCard(ctx, keyProcessing); err != nil {
		return s, err
	}
	if s.Completed, err = q.backend.ZCard(ctx, keyCompleted); err != nil {
		return s, err
	}
	if s.Failed, err = q.backend.ZCard(ctx, keyFailed); err != nil {
		return s, err
	}
	obs.JobQueueDepth.WithLabelValues("pending").Set(float64(s.Pending))
	obs.JobQueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
	return s, nil
}

// BeginProcessing/EndProcessing track in-flight handler executions so
// Shutdown can wait for them to drain.
func (q *Queue) BeginProcessing() {
	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()
}

func (q *Queue) EndProcessing() {
	q.mu.Lock()
	q.inFlight--
	notify := q.inFlight == 0 && q.drainCh != nil
	ch := q.drainCh
	q.mu.Unlock()
	if notify {
		close(ch)
	}
}

// Shutdown stops accepting new claims and waits up to timeout for
// in-flight handlers to finish (spec.md §4.5 "Graceful shutdown"). Jobs
// still in processing when timeout elapses remain claimable by the next
// process start.
func (q *Queue) Shutdown(ctx context.Context, timeout time.Duration) {
	q.draining.Store(true)

	q.mu.Lock()
	if q.inFlight == 0 {
		q.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	q.drainCh = ch
	q.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
		q.log.Warn("jobqueue shutdown timed out with jobs still in-flight")
	case <-ctx.Done():
	}
}
