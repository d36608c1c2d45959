// Copyright 2025 James Ross
package migration

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/instance"
	"github.com/novita/gpu-controlplane/internal/store"
	"github.com/novita/gpu-controlplane/internal/upstream"
	"go.uber.org/zap"
)

const eligibilityKeyPrefix = "migration-times:"

// eligibilityTTL bounds how long a migration-times record is retained,
// per spec.md §4.6: an instance not seen again within 7 days drops out of
// the eligibility ledger entirely rather than being kept forever.
const eligibilityTTL = 7 * 24 * time.Hour

// Summary is the aggregate outcome of one sweep pass (spec.md §4.6).
type Summary struct {
	TotalProcessed  int   `json:"totalProcessed"`
	Migrated        int   `json:"migrated"`
	Skipped         int   `json:"skipped"`
	Errors          int   `json:"errors"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// Engine sweeps exited spot instances and migrates the eligible ones to a
// fresh upstream allocation (spec.md §4.6 "Spot instance migration").
type Engine struct {
	upstream  *upstream.Client
	instances *instance.Service
	backend   store.Store
	cfg       *config.Migration
	log       *zap.Logger
}

func New(up *upstream.Client, instances *instance.Service, backend store.Store, cfg *config.Migration, log *zap.Logger) *Engine {
	return &Engine{upstream: up, instances: instances, backend: backend, cfg: cfg, log: log}
}

// Sweep paginates exited instances, filters to those past their
// eligibility cooldown, and migrates up to cfg.MaxConcurrent concurrently.
// In dry-run mode no upstream mutation is issued (spec.md §8 scenario 4).
func (e *Engine) Sweep(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	const pageSize = 100
	var exited []upstream.Instance
	for page := 1; ; page++ {
		res, err := e.upstream.ListInstances(ctx, page, pageSize, "exited")
		if err != nil {
			return summary, fmt.Errorf("migration: list instances page %d: %w", page, err)
		}
		exited = append(exited, res.Instances...)
		if len(res.Instances) < pageSize || len(exited) >= res.Total {
			break
		}
	}
	summary.TotalProcessed = len(exited)

	eligible := make([]upstream.Instance, 0, len(exited))
	for _, inst := range exited {
		ok, err := e.isEligible(ctx, inst.ID)
		if err != nil {
			e.log.Warn("migration: eligibility check failed", zap.String("upstreamId", inst.ID), zap.Error(err))
			summary.Errors++
			continue
		}
		if !ok {
			summary.Skipped++
			continue
		}
		eligible = append(eligible, inst)
	}

	var mu sync.Mutex
	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, inst := range eligible {
		inst := inst
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.migrateOne(ctx, inst); err != nil {
				e.log.Warn("migration: instance migration failed", zap.String("upstreamId", inst.ID), zap.Error(err))
				mu.Lock()
				summary.Errors++
				mu.Unlock()
				return
			}
			mu.Lock()
			summary.Migrated++
			mu.Unlock()
		}()
	}
	wg.Wait()

	summary.ExecutionTimeMs = time.Since(start).Milliseconds()
	return summary, nil
}

// isEligible reports whether upstreamID is past its eligibility cooldown.
// The ledger stores a Unix-millisecond timestamp of the last migration
// attempt under migration-times:{upstreamId} with a fixed 7-day retention
// (spec.md §4.6); eligibility itself is the explicit comparison of now
// against that recorded instant plus EligibilityIntervalHours, not the
// key's own TTL. Absence of the key means never migrated, hence eligible.
func (e *Engine) isEligible(ctx context.Context, upstreamID string) (bool, error) {
	key := eligibilityKeyPrefix + upstreamID
	raw, err := e.backend.Get(ctx, key)
	if err == store.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	recordedMs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false, fmt.Errorf("migration: parse eligibility record for %s: %w", upstreamID, err)
	}
	recorded := time.UnixMilli(recordedMs)
	interval := time.Duration(e.cfg.EligibilityIntervalHours) * time.Hour
	return time.Since(recorded) >= interval, nil
}

func (e *Engine) markMigrated(ctx context.Context, upstreamID string) error {
	value := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return e.backend.Set(ctx, eligibilityKeyPrefix+upstreamID, []byte(value), eligibilityTTL)
}

func (e *Engine) migrateOne(ctx context.Context, inst upstream.Instance) error {
	if e.cfg.DryRun {
		e.log.Info("migration: dry run would migrate instance", zap.String("upstreamId", inst.ID))
		return nil
	}

	res, err := e.upstream.MigrateInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if !res.Success {
		return e.recreate(ctx, inst)
	}
	return e.markMigrated(ctx, inst.ID)
}

// recreate re-provisions an instance when an in-place migration fails,
// naming it "{original}-recreated-{ms}" after the local record's name, or
// after the upstream id when no local record is found (spec.md §4.6
// "Migration failure fallback"). upstream.Instance alone is too thin to reconstruct the
// request: it carries no image, env, command, kind, or billing data, so
// those come from the matching local record instead. If that record's
// productId is empty, a fresh optimal product is resolved as a fallback.
func (e *Engine) recreate(ctx context.Context, inst upstream.Instance) error {
	req := upstream.CreateInstanceRequest{
		Name:        fmt.Sprintf("%s-recreated-%d", inst.ID, time.Now().UnixMilli()),
		ProductID:   inst.ProductID,
		ClusterID:   inst.ClusterID,
		BillingMode: "spot",
	}

	rec, err := e.instances.FindByUpstreamID(ctx, inst.ID)
	if err != nil {
		e.log.Warn("migration: no local record for recreate, using upstream fields only",
			zap.String("upstreamId", inst.ID), zap.Error(err))
	} else {
		if rec.Name != "" {
			req.Name = fmt.Sprintf("%s-recreated-%d", rec.Name, time.Now().UnixMilli())
		}
		req.TemplateID = rec.Template.ID
		req.ImageURL = rec.Template.ImageURL
		req.ImageAuthID = rec.Template.RegistryAuth
		req.GPUNum = rec.Config.GPUNum
		req.RootfsSize = rec.Config.RootfsSize
		req.PortMappings = toPortMappings(rec.Template.Ports)
		req.Envs = rec.Template.Envs
		req.Command = rec.Template.Command
		req.Kind = rec.Config.Kind
		req.BillingMode = rec.Config.BillingMode
		if req.ClusterID == "" {
			req.ClusterID = rec.Product.ClusterID
		}
		if req.ProductID == "" {
			req.ProductID = rec.Product.ID
		}
	}

	if req.ProductID == "" {
		productName := ""
		if rec != nil {
			productName = rec.Product.ProductName
		}
		product, _, err := e.upstream.GetOptimalProduct(ctx, productName, inst.Region, nil)
		if err != nil {
			return fmt.Errorf("recreate: resolve fallback product: %w", err)
		}
		req.ProductID = product.ID
		if req.ClusterID == "" {
			req.ClusterID = product.ClusterID
		}
	}

	if _, err := e.upstream.CreateInstance(ctx, req); err != nil {
		return fmt.Errorf("recreate after failed migration: %w", err)
	}
	return e.markMigrated(ctx, inst.ID)
}

func toPortMappings(ports []instance.Port) []upstream.PortMapping {
	if len(ports) == 0 {
		return nil
	}
	mapped := make([]upstream.PortMapping, len(ports))
	for i, p := range ports {
		mapped[i] = upstream.PortMapping{Port: p.Port, Type: p.Type, Path: p.Path}
	}
	return mapped
}
