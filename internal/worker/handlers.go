// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/instance"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/migration"
	"github.com/novita/gpu-controlplane/internal/webhook"
	"go.uber.org/zap"
)

// monitorInstancePayload is the MONITOR_INSTANCE job payload minted by
// instance.Service.Create (spec.md §4.4).
type monitorInstancePayload struct {
	InstanceID string `json:"instanceId"`
}

// monitorStartupPayload is the MONITOR_STARTUP job payload minted by
// instance.Service.Start.
type monitorStartupPayload struct {
	InstanceID  string `json:"instanceId"`
	OperationID string `json:"operationId"`
}

type webhookPayload struct {
	URL        string `json:"url"`
	Secret     string `json:"secret"`
	InstanceID string `json:"instanceId"`
	UpstreamID string `json:"upstreamId,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// MonitorInstanceHandler re-syncs a freshly-created instance against
// upstream until it reaches running/exited/failed, per spec.md §4.4.
// Returning an error lets the queue's own retry/backoff drive re-polling,
// so the handler itself does no internal sleeping.
func MonitorInstanceHandler(svc *instance.Service, cfg *config.Instance) Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		var p monitorInstancePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("monitor_instance: decode payload: %w", err)
		}

		rec, err := svc.Sync(ctx, p.InstanceID)
		if err != nil {
			return fmt.Errorf("monitor_instance: sync: %w", err)
		}

		switch rec.Status {
		case instance.StatusRunning, instance.StatusHealthChecking:
			updated, err := svc.ProbeHealth(ctx, p.InstanceID, cfg)
			if err != nil {
				return fmt.Errorf("monitor_instance: health check: %w", err)
			}
			if updated == nil {
				return fmt.Errorf("monitor_instance: instance %s still health-checking", p.InstanceID)
			}
			if updated.Status == instance.StatusReady {
				enqueueStatusWebhook(ctx, svc, updated, "ready", "")
				return nil
			}
			enqueueStatusWebhook(ctx, svc, updated, string(updated.Status), updated.LastError)
			return nil
		case instance.StatusFailed, instance.StatusExited:
			enqueueStatusWebhook(ctx, svc, rec, string(rec.Status), rec.LastError)
			return nil
		default:
			elapsed := time.Since(rec.Timestamps["created"])
			if elapsed > cfg.MonitorDeadline {
				if _, err := svc.MarkFailed(ctx, p.InstanceID, "monitoring deadline exceeded"); err != nil {
					return fmt.Errorf("monitor_instance: mark failed: %w", err)
				}
				enqueueStatusWebhook(ctx, svc, rec, "timeout", "monitoring deadline exceeded")
				return nil
			}
			return fmt.Errorf("monitor_instance: instance %s still %s", p.InstanceID, rec.Status)
		}
	}
}

// MonitorStartupHandler re-syncs an instance being restarted from
// exited/stopped until the startup operation completes or times out.
func MonitorStartupHandler(svc *instance.Service, cfg *config.Instance) Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		var p monitorStartupPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("monitor_startup: decode payload: %w", err)
		}

		rec, err := svc.Sync(ctx, p.InstanceID)
		if err != nil {
			return fmt.Errorf("monitor_startup: sync: %w", err)
		}

		switch rec.Status {
		case instance.StatusRunning, instance.StatusHealthChecking:
			updated, err := svc.ProbeHealth(ctx, p.InstanceID, cfg)
			if err != nil {
				return fmt.Errorf("monitor_startup: health check: %w", err)
			}
			if updated == nil {
				return fmt.Errorf("monitor_startup: instance %s still health-checking", p.InstanceID)
			}
			if updated.Status != instance.StatusReady {
				enqueueStatusWebhook(ctx, svc, updated, "startup_failed", updated.LastError)
				return nil
			}
			if _, err := svc.CompleteStartup(ctx, p.InstanceID); err != nil {
				return fmt.Errorf("monitor_startup: complete: %w", err)
			}
			enqueueStatusWebhook(ctx, svc, updated, "startup_completed", "")
			return nil
		case instance.StatusFailed:
			enqueueStatusWebhook(ctx, svc, rec, "startup_failed", rec.LastError)
			return nil
		default:
			started := rec.Timestamps["startRequested"]
			if time.Since(started) > cfg.StartupMaxWait {
				if _, err := svc.MarkFailed(ctx, p.InstanceID, "startup max wait exceeded"); err != nil {
					return fmt.Errorf("monitor_startup: mark failed: %w", err)
				}
				enqueueStatusWebhook(ctx, svc, rec, "startup_failed", "startup max wait exceeded")
				return nil
			}
			return fmt.Errorf("monitor_startup: instance %s still %s", p.InstanceID, rec.Status)
		}
	}
}

// SendWebhookHandler delivers a signed webhook notification via the
// shared dispatcher (spec.md §4.5 SEND_WEBHOOK, §6.3).
func SendWebhookHandler(dispatcher *webhook.Dispatcher) Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		var p webhookPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("send_webhook: decode payload: %w", err)
		}
		if p.URL == "" {
			return nil
		}
		payload := webhook.Payload{
			InstanceID: p.InstanceID,
			UpstreamID: p.UpstreamID,
			Status:     webhook.Status(p.Status),
			Reason:     p.Reason,
			Timestamp:  time.Now().Format(time.RFC3339),
		}
		if err := dispatcher.Deliver(ctx, p.URL, p.Secret, payload); err != nil {
			return fmt.Errorf("send_webhook: %w", err)
		}
		return nil
	}
}

// MigrateSpotInstancesHandler runs one migration sweep pass (spec.md §4.6).
func MigrateSpotInstancesHandler(engine *migration.Engine) Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		_, err := engine.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("migrate_spot_instances: %w", err)
		}
		return nil
	}
}

// AutoStopHandler stops instances idle past the configured threshold
// (spec.md §4.7 "Auto-stop").
func AutoStopHandler(svc *instance.Service, cfg *config.AutoStop, log *zap.Logger) Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		var p struct {
			InstanceID string `json:"instanceId"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("auto_stop: decode payload: %w", err)
		}

		rec, err := svc.Get(ctx, p.InstanceID)
		if err != nil {
			return fmt.Errorf("auto_stop: load: %w", err)
		}
		if rec.Status != instance.StatusRunning {
			return nil
		}
		lastActivity := latestTimestamp(rec.Timestamps, "lastUsed", "ready", "startRequested", "created")
		if lastActivity.IsZero() || time.Since(lastActivity) < cfg.IdleThreshold {
			return nil
		}
		if cfg.DryRun {
			log.Info("auto_stop dry run would stop instance", zap.String("instanceId", p.InstanceID))
			return nil
		}
		if _, err := svc.Stop(ctx, p.InstanceID); err != nil {
			return fmt.Errorf("auto_stop: stop: %w", err)
		}
		return nil
	}
}

// latestTimestamp returns the most recent of the named timestamps
// recorded on rec, ignoring any that are unset (spec.md §4.7 "last
// activity" for auto-stop eligibility).
func latestTimestamp(timestamps map[string]time.Time, keys ...string) time.Time {
	var latest time.Time
	for _, k := range keys {
		if t := timestamps[k]; t.After(latest) {
			latest = t
		}
	}
	return latest
}

func enqueueStatusWebhook(ctx context.Context, svc *instance.Service, rec *instance.Record, status, reason string) {
	if rec.Config.WebhookURL == "" {
		return
	}
	_, _ = svc.Jobs().Enqueue(ctx, jobqueue.TypeSendWebhook, webhookPayload{
		URL: rec.Config.WebhookURL, Secret: rec.Config.WebhookSecret,
		InstanceID: rec.InstanceID, UpstreamID: rec.UpstreamID, Status: status, Reason: reason,
	}, 0, 5, "")
}
