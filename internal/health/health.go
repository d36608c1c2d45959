// Copyright 2025 James Ross
package health

import (
	"context"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/instance"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/scheduler"
	"github.com/novita/gpu-controlplane/internal/store"
	"github.com/novita/gpu-controlplane/internal/upstream"
	"go.uber.org/zap"
)

// ServiceStatus is one dependency's up/down view within the health
// summary (spec.md §6.1 "health").
type ServiceStatus struct {
	Status string `json:"status"` // up | degraded | down
	Detail string `json:"detail,omitempty"`
}

// Summary is the aggregate payload served from GET /health.
type Summary struct {
	Status   string                   `json:"status"` // healthy | degraded | unhealthy
	Services map[string]ServiceStatus `json:"services"`
	Sync     SyncStatus               `json:"sync"`
	Migration scheduler.Status        `json:"migration"`
}

// SyncStatus reports the outcome of the most recent bootstrap/periodic
// reconciliation (spec.md §4.3 "Startup sync").
type SyncStatus struct {
	LastSyncAt     time.Time `json:"lastSyncAt,omitempty"`
	InstancesSeen  int       `json:"instancesSeen"`
	InstancesStale int       `json:"instancesStale"`
	LastError      string    `json:"lastError,omitempty"`
}

// Bootstrap owns process-start reconciliation against upstream and
// serves the /health summary (spec.md §4.3, §6.1).
type Bootstrap struct {
	svc       *instance.Service
	up        *upstream.Client
	jobs      *jobqueue.Queue
	backend   store.Store
	sched     *scheduler.Scheduler
	cfg       *config.Sync
	log       *zap.Logger

	lastSync SyncStatus
}

func NewBootstrap(svc *instance.Service, up *upstream.Client, jobs *jobqueue.Queue, backend store.Store, sched *scheduler.Scheduler, cfg *config.Sync, log *zap.Logger) *Bootstrap {
	return &Bootstrap{svc: svc, up: up, jobs: jobs, backend: backend, sched: sched, cfg: cfg, log: log}
}

// Sync paginates every upstream instance, merges it into the local
// record when one exists, and on every run applies the obsolete policy to
// local instances with no upstream counterpart; configuration only decides
// whether such records are terminated or removed (spec.md §4.3
// "Obsolete instance policy").
func (b *Bootstrap) Sync(ctx context.Context) error {
	ids, err := b.svc.ListIDs(ctx)
	if err != nil {
		b.lastSync.LastError = err.Error()
		return err
	}
	byUpstream := make(map[string]string, len(ids)) // upstreamId -> instanceId
	for _, id := range ids {
		rec, err := b.svc.Get(ctx, id)
		if err != nil || rec.UpstreamID == "" {
			continue
		}
		byUpstream[rec.UpstreamID] = id
	}

	seenUpstream := make(map[string]bool)
	b.lastSync.InstancesSeen = 0

	const pageSize = 100
	for page := 1; ; page++ {
		res, err := b.up.ListInstances(ctx, page, pageSize, "")
		if err != nil {
			b.lastSync.LastError = err.Error()
			return err
		}
		for _, up := range res.Instances {
			seenUpstream[up.ID] = true
			if instanceID, ok := byUpstream[up.ID]; ok {
				if _, err := b.svc.ApplyAndSave(ctx, instanceID, up); err != nil {
					b.log.Warn("sync: merge failed", zap.String("instanceId", instanceID), zap.Error(err))
				}
			}
		}
		b.lastSync.InstancesSeen += len(res.Instances)
		if len(res.Instances) < pageSize || b.lastSync.InstancesSeen >= res.Total {
			break
		}
	}

	b.markObsolete(ctx, ids, seenUpstream)
	b.lastSync.LastSyncAt = time.Now()
	b.lastSync.LastError = ""
	return nil
}

// markObsolete implements the §4.3 "obsolete instance" policy: a local
// record whose upstreamId is set but absent from the latest full upstream
// listing is obsolete. By default (RemoveObsoleteInstances == false) it is
// marked terminated and kept for the ObsoleteInstanceRetentionDays window,
// measured from the moment it was first detected obsolete (timestamps.
// terminated), not from timestamps.created; once that window elapses, or
// immediately when RemoveObsoleteInstances == true, the record is purged
// outright. Separately, a record still creating/starting that never
// acquired an upstreamId within CreatingGracePeriod is removed
// unconditionally, since it can never be matched against an upstream
// listing at all.
func (b *Bootstrap) markObsolete(ctx context.Context, ids []string, seenUpstream map[string]bool) {
	retention := time.Duration(b.cfg.ObsoleteInstanceRetentionDays) * 24 * time.Hour
	b.lastSync.InstancesStale = 0
	for _, id := range ids {
		rec, err := b.svc.Get(ctx, id)
		if err != nil {
			continue
		}

		if rec.UpstreamID == "" {
			stuck := rec.Status == instance.StatusCreating || rec.Status == instance.StatusStarting
			if stuck && time.Since(rec.Timestamps["created"]) >= b.cfg.CreatingGracePeriod {
				b.log.Info("sync: removing stuck instance with no upstreamId",
					zap.String("instanceId", id), zap.String("status", string(rec.Status)))
				if err := b.svc.Purge(ctx, id); err != nil {
					b.log.Warn("sync: failed to remove stuck instance", zap.String("instanceId", id), zap.Error(err))
					continue
				}
				b.lastSync.InstancesStale++
			}
			continue
		}
		if seenUpstream[rec.UpstreamID] {
			continue
		}

		if rec.Status == instance.StatusTerminated {
			if b.cfg.RemoveObsoleteInstances || time.Since(rec.Timestamps["terminated"]) >= retention {
				if err := b.svc.Purge(ctx, id); err != nil {
					b.log.Warn("sync: failed to purge obsolete instance", zap.String("instanceId", id), zap.Error(err))
					continue
				}
				b.lastSync.InstancesStale++
			}
			continue
		}

		if b.cfg.RemoveObsoleteInstances {
			if err := b.svc.Purge(ctx, id); err != nil {
				b.log.Warn("sync: failed to remove obsolete instance", zap.String("instanceId", id), zap.Error(err))
				continue
			}
			b.lastSync.InstancesStale++
			continue
		}

		b.log.Info("sync: marking instance obsolete", zap.String("instanceId", id))
		rec.Status = instance.StatusTerminated
		rec.Timestamps["terminated"] = time.Now()
		if err := b.svc.Save(ctx, rec); err != nil {
			b.log.Warn("sync: failed to mark instance terminated", zap.String("instanceId", id), zap.Error(err))
			continue
		}
		b.lastSync.InstancesStale++
	}
}

// Summary implements obs.HealthFunc (spec.md §6.1 "health").
func (b *Bootstrap) Summary(ctx context.Context) (any, error) {
	services := map[string]ServiceStatus{
		"upstream": b.checkUpstream(ctx),
		"queue":    b.checkQueue(ctx),
		"store":    b.checkStore(ctx),
	}

	status := "healthy"
	for _, s := range services {
		if s.Status != "up" {
			status = "degraded"
		}
	}

	var migrationStatus scheduler.Status
	if b.sched != nil {
		migrationStatus = b.sched.MigrationStatus()
	}

	return Summary{
		Status:    status,
		Services:  services,
		Sync:      b.lastSync,
		Migration: migrationStatus,
	}, nil
}

func (b *Bootstrap) checkUpstream(ctx context.Context) ServiceStatus {
	if _, err := b.up.ListInstances(ctx, 1, 1, ""); err != nil {
		return ServiceStatus{Status: "down", Detail: err.Error()}
	}
	return ServiceStatus{Status: "up"}
}

func (b *Bootstrap) checkQueue(ctx context.Context) ServiceStatus {
	if _, err := b.jobs.Stats(ctx); err != nil {
		return ServiceStatus{Status: "down", Detail: err.Error()}
	}
	return ServiceStatus{Status: "up"}
}

func (b *Bootstrap) checkStore(ctx context.Context) ServiceStatus {
	if err := b.backend.Set(ctx, "health:ping", []byte("1"), time.Second); err != nil {
		return ServiceStatus{Status: "down", Detail: err.Error()}
	}
	if _, ok := b.backend.(*store.MemoryStore); ok {
		return ServiceStatus{Status: "degraded", Detail: "using in-memory fallback store"}
	}
	return ServiceStatus{Status: "up"}
}
