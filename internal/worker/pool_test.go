// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/store"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T) (*Pool, *jobqueue.Queue) {
	t.Helper()
	backend := store.NewMemoryStore()
	queue := jobqueue.New(backend, zap.NewNop(), 10*time.Millisecond, time.Second, 0)
	cfg := &config.Job{WorkerCount: 2, ClaimPoll: 5 * time.Millisecond, JobTimeout: time.Second, ShutdownWait: time.Second}
	return NewPool(cfg, queue, zap.NewNop()), queue
}

func TestPoolDispatchesRegisteredHandler(t *testing.T) {
	pool, queue := newTestPool(t)
	done := make(chan struct{})
	pool.Register(jobqueue.TypeSendWebhook, func(ctx context.Context, job *jobqueue.Job) error {
		close(done)
		return nil
	})

	if _, err := queue.Enqueue(context.Background(), jobqueue.TypeSendWebhook, map[string]string{}, 0, 1, ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go pool.Run(ctx)

	select {
	case <-done:
	case <-time.After(400 * time.Millisecond):
		t.Fatal("handler was never invoked")
	}
}

func TestPoolRetriesFailedHandler(t *testing.T) {
	pool, queue := newTestPool(t)
	var attempts int
	attemptCh := make(chan int, 5)
	pool.Register(jobqueue.TypeAutoStop, func(ctx context.Context, job *jobqueue.Job) error {
		attempts++
		attemptCh <- attempts
		if attempts < 2 {
			return errors.New("transient failure")
		}
		return nil
	})

	jobID, err := queue.Enqueue(context.Background(), jobqueue.TypeAutoStop, map[string]string{}, 0, 3, "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go pool.Run(ctx)

	select {
	case <-attemptCh:
	case <-time.After(800 * time.Millisecond):
		t.Fatal("first attempt never ran")
	}
	select {
	case <-attemptCh:
	case <-time.After(800 * time.Millisecond):
		t.Fatal("second attempt never ran")
	}

	job, err := queue.Get(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != jobqueue.StatusCompleted {
		t.Fatalf("expected job completed after retry succeeded, got %s", job.Status)
	}
}

func TestPoolFailsJobWithNoRegisteredHandler(t *testing.T) {
	pool, queue := newTestPool(t)

	jobID, err := queue.Enqueue(context.Background(), jobqueue.TypeMigrateSpotInstances, map[string]string{}, 0, 1, "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	pool.claimAndRun(ctx)

	job, err := queue.Get(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != jobqueue.StatusFailed {
		t.Fatalf("expected job failed with no handler, got %s", job.Status)
	}
}
