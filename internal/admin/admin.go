// Copyright 2025 James Ross
package admin

import (
	"context"

	"github.com/novita/gpu-controlplane/internal/appctx"
	"github.com/novita/gpu-controlplane/internal/instance"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
)

// StatsResult is the admin-cli "stats" output: job queue depth plus a
// per-status count of locally-known instances.
type StatsResult struct {
	Jobs      jobqueue.Stats `json:"jobs"`
	Instances map[string]int `json:"instances"`
}

// Stats aggregates job queue depth and instance status counts for the
// admin CLI and operator dashboards (spec.md §9 "admin tooling").
func Stats(ctx context.Context, app *appctx.App) (StatsResult, error) {
	res := StatsResult{Instances: map[string]int{}}
	jobStats, err := app.Jobs.Stats(ctx)
	if err != nil {
		return res, err
	}
	res.Jobs = jobStats

	ids, err := app.Instance.ListIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		rec, err := app.Instance.Get(ctx, id)
		if err != nil {
			continue
		}
		res.Instances[string(rec.Status)]++
	}
	return res, nil
}

// Peek returns up to n locally-known instance records, for operator
// inspection without going through the HTTP API.
func Peek(ctx context.Context, app *appctx.App, n int) ([]*instance.Record, error) {
	ids, err := app.Instance.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	recs := make([]*instance.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := app.Instance.Get(ctx, id)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Sweep triggers one migration sweep pass synchronously, bypassing the
// scheduler's periodic tick — useful for on-demand operator runs.
func Sweep(ctx context.Context, app *appctx.App) (interface{}, error) {
	return app.Migration.Sweep(ctx)
}

// ForceStop stops an instance regardless of the scheduler's idle
// threshold, for operator-triggered cleanup.
func ForceStop(ctx context.Context, app *appctx.App, instanceID string) (instance.Status, error) {
	return app.Instance.Stop(ctx, instanceID)
}

// Health returns the current health summary, the same payload GET
// /health serves.
func Health(ctx context.Context, app *appctx.App) (any, error) {
	return app.Health.Summary(ctx)
}
