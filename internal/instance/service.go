// Copyright 2025 James Ross
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/novita/gpu-controlplane/internal/apperr"
	"github.com/novita/gpu-controlplane/internal/cache"
	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/obs"
	"github.com/novita/gpu-controlplane/internal/upstream"
	"go.uber.org/zap"
)

// CreateIntent is the validated inbound request to create an instance
// (spec.md §6.1 createInstance).
type CreateIntent struct {
	Name          string
	ProductName   string
	TemplateID    string
	GPUNum        int
	RootfsSize    int
	Region        string
	BillingMode   string
	Kind          string
	WebhookURL    string
	WebhookSecret string
}

// CreateResult is the synchronous response to a create intent.
type CreateResult struct {
	InstanceID string
	UpstreamID string
	Status     Status
	ProductID  string
	Region     string
	SpotPrice  float64
}

// Service owns the per-instance state machine: the canonical record,
// status transitions, and translation of client intents into upstream
// calls and enqueued jobs (spec.md §2, §4.3).
type Service struct {
	cache    *cache.Cache
	upstream *upstream.Client
	jobs     *jobqueue.Queue
	regions  []upstream.Region
	cfg      *config.Instance
	log      *zap.Logger

	locks *keyLock
}

func New(c *cache.Cache, up *upstream.Client, jobs *jobqueue.Queue, regions []upstream.Region, cfg *config.Instance, log *zap.Logger) *Service {
	return &Service{
		cache:    c,
		upstream: up,
		jobs:     jobs,
		regions:  regions,
		cfg:      cfg,
		log:      log,
		locks:    newKeyLock(),
	}
}

func (s *Service) load(ctx context.Context, instanceID string) (*Record, error) {
	var rec Record
	if err := s.cache.GetJSON(ctx, cache.NamespaceInstance, instanceID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Service) save(ctx context.Context, rec *Record) error {
	return s.cache.SetJSON(ctx, cache.NamespaceInstance, rec.InstanceID, rec, 0)
}

func (s *Service) transition(rec *Record, to Status) error {
	if !CanTransition(rec.Status, to) {
		return apperr.New(apperr.KindConflict, fmt.Sprintf("invalid transition %s -> %s", rec.Status, to))
	}
	from := rec.Status
	rec.Status = to
	obs.InstanceStatusTransitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// Create implements the creation path of spec.md §4.3.
func (s *Service) Create(ctx context.Context, intent CreateIntent) (*CreateResult, error) {
	if intent.Name == "" || intent.ProductName == "" {
		return nil, apperr.New(apperr.KindValidation, "name and productName are required")
	}
	if intent.GPUNum <= 0 {
		intent.GPUNum = 1
	}
	if intent.RootfsSize <= 0 {
		intent.RootfsSize = 60
	}
	if intent.Region == "" {
		intent.Region = s.cfg.DefaultRegion
	}

	product, region, err := s.upstream.GetOptimalProduct(ctx, intent.ProductName, intent.Region, s.regions)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "resolve optimal product", err)
	}

	tmpl, err := s.upstream.GetTemplate(ctx, intent.TemplateID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "resolve template", err)
	}

	instanceID := newInstanceID()
	now := time.Now()
	rec := &Record{
		InstanceID: instanceID,
		Name:       intent.Name,
		Status:     StatusCreating,
		Product: ProductSnapshot{
			ID: product.ID, ProductName: intent.ProductName, Region: region, ClusterID: product.ClusterID,
			SpotPrice: product.SpotPrice, OnDemandPrice: product.OnDemandPrice,
		},
		Template: templateSnapshot(tmpl),
		Config: CreateConfig{
			GPUNum: intent.GPUNum, RootfsSize: intent.RootfsSize, BillingMode: intent.BillingMode, Kind: intent.Kind,
			RequestedRegion: intent.Region, WebhookURL: intent.WebhookURL, WebhookSecret: intent.WebhookSecret,
		},
		Timestamps: map[string]time.Time{"created": now},
		Source:     SourceLocal,
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}

	createReq := upstream.CreateInstanceRequest{
		Name: intent.Name, ProductID: product.ID, TemplateID: intent.TemplateID,
		ImageURL: tmpl.ImageURL, ImageAuthID: tmpl.ImageAuthID,
		GPUNum: intent.GPUNum, RootfsSize: intent.RootfsSize, BillingMode: intent.BillingMode, Kind: intent.Kind,
		PortMappings: tmpl.Ports, Envs: tmpl.Envs, Command: tmpl.Command,
	}
	upInst, err := s.upstream.CreateInstance(ctx, createReq)
	if err != nil {
		rec.Status = StatusFailed
		rec.LastError = err.Error()
		_ = s.save(ctx, rec)
		return nil, apperr.Wrap(apperr.KindUpstreamClient, "create instance upstream", err)
	}

	rec.UpstreamID = upInst.ID
	if err := s.transition(rec, StatusCreated); err != nil {
		return nil, err
	}
	rec.Timestamps["startRequested"] = time.Now()
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}

	if _, err := s.jobs.Enqueue(ctx, jobqueue.TypeMonitorInstance, map[string]string{"instanceId": instanceID}, 0, 3,
		"monitor-"+instanceID); err != nil {
		s.log.Warn("failed to enqueue monitor job", zap.String("instanceId", instanceID), zap.Error(err))
	}

	return &CreateResult{
		InstanceID: instanceID, UpstreamID: rec.UpstreamID, Status: rec.Status,
		ProductID: product.ID, Region: region, SpotPrice: product.SpotPrice,
	}, nil
}

func templateSnapshot(t upstream.Template) TemplateSnapshot {
	ports := make([]Port, len(t.Ports))
	for i, p := range t.Ports {
		ports[i] = Port{Port: p.Port, Type: p.Type, Path: p.Path}
	}
	return TemplateSnapshot{
		ID: t.ID, ImageURL: t.ImageURL, Ports: ports, RegistryAuth: t.ImageAuthID,
		Envs: t.Envs, Command: t.Command,
	}
}

// Get returns the local record for instanceID.
func (s *Service) Get(ctx context.Context, instanceID string) (*Record, error) {
	return s.load(ctx, instanceID)
}

// ListIDs returns every locally-known instanceId, for sweep jobs
// (auto-stop, bootstrap sync) that must enumerate the whole fleet.
func (s *Service) ListIDs(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx, cache.NamespaceInstance)
}

// FindByUpstreamID linearly scans locally-known records for the one whose
// UpstreamID matches upstreamID, for callers (migration recreate) that
// only have the upstream id in hand. Returns apperr.KindNotFound if none
// matches.
func (s *Service) FindByUpstreamID(ctx context.Context, upstreamID string) (*Record, error) {
	ids, err := s.cache.Keys(ctx, cache.NamespaceInstance)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		if rec.UpstreamID == upstreamID {
			return rec, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("no local record for upstreamId %s", upstreamID))
}

// Start implements the start path of spec.md §4.3 for exited/stopped
// instances.
func (s *Service) Start(ctx context.Context, instanceID string) (string, Status, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return "", "", err
	}
	if rec.Status != StatusExited && rec.Status != StatusStopped {
		return "", "", apperr.New(apperr.KindConflict, fmt.Sprintf("cannot start instance in status %s", rec.Status))
	}

	opID := newOperationID()
	now := time.Now()
	rec.StartupOperation = &StartupOperation{
		OperationID: opID,
		Phase:       PhaseInitiated,
		Phases:      map[string]time.Time{"startRequested": now},
	}
	if err := s.transition(rec, StatusStarting); err != nil {
		return "", "", err
	}
	rec.Timestamps["startRequested"] = now
	if err := s.save(ctx, rec); err != nil {
		return "", "", err
	}

	if _, err := s.jobs.Enqueue(ctx, jobqueue.TypeMonitorStartup,
		map[string]string{"instanceId": instanceID, "operationId": opID}, 0, 3, "startup-"+instanceID); err != nil {
		s.log.Warn("failed to enqueue startup monitor job", zap.String("instanceId", instanceID), zap.Error(err))
	}

	return opID, rec.Status, nil
}

// Stop implements the stop path of spec.md §4.3.
func (s *Service) Stop(ctx context.Context, instanceID string) (Status, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if rec.Status != StatusReady && rec.Status != StatusRunning {
		return "", apperr.New(apperr.KindConflict, fmt.Sprintf("cannot stop instance in status %s", rec.Status))
	}

	if rec.UpstreamID != "" {
		if err := s.upstream.StopInstance(ctx, rec.UpstreamID); err != nil {
			return "", apperr.Wrap(apperr.KindUpstreamClient, "stop instance upstream", err)
		}
	}
	if err := s.transition(rec, StatusStopping); err != nil {
		return "", err
	}
	rec.Timestamps["stopping"] = time.Now()
	if err := s.save(ctx, rec); err != nil {
		return "", err
	}

	if err := s.transition(rec, StatusStopped); err != nil {
		return "", err
	}
	rec.Timestamps["stopped"] = time.Now()
	if err := s.save(ctx, rec); err != nil {
		return "", err
	}

	if rec.Config.WebhookURL != "" {
		if _, err := s.jobs.Enqueue(ctx, jobqueue.TypeSendWebhook, map[string]any{
			"url": rec.Config.WebhookURL, "secret": rec.Config.WebhookSecret,
			"instanceId": instanceID, "status": "stopped",
		}, 0, 5, ""); err != nil {
			s.log.Warn("failed to enqueue stop webhook", zap.String("instanceId", instanceID), zap.Error(err))
		}
	}
	return rec.Status, nil
}

// Delete implements the delete intent (any -> terminated).
func (s *Service) Delete(ctx context.Context, instanceID string) error {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if rec.UpstreamID != "" {
		if err := s.upstream.DeleteInstance(ctx, rec.UpstreamID); err != nil {
			s.log.Warn("upstream delete failed, terminating local record anyway",
				zap.String("instanceId", instanceID), zap.Error(err))
		}
	}
	if err := s.transition(rec, StatusTerminated); err != nil {
		return err
	}
	rec.Timestamps["terminated"] = time.Now()
	return s.save(ctx, rec)
}

// Purge removes a record from the cache outright, with no transition or
// upstream call. Used by the obsolete-instance sweep (spec.md §4.3) to drop
// records that are stuck without an upstreamId, or whose retention window
// has elapsed.
func (s *Service) Purge(ctx context.Context, instanceID string) error {
	unlock := s.locks.Lock(instanceID)
	defer unlock()
	return s.cache.Del(ctx, cache.NamespaceInstance, instanceID)
}

// Upstream exposes the upstream client for callers outside this package
// that need to poll (e.g. the monitor-instance job handler).
func (s *Service) Upstream() *upstream.Client { return s.upstream }

// Jobs exposes the job queue for enqueueing follow-on work from callers
// outside this package.
func (s *Service) Jobs() *jobqueue.Queue { return s.jobs }

// Save persists rec as-is, for bootstrap/admin callers that construct or
// repair a record outside the normal Create/Start/Stop flows.
func (s *Service) Save(ctx context.Context, rec *Record) error {
	return s.save(ctx, rec)
}

// ApplyAndSave merges an authoritative upstream snapshot into the local
// record for instanceID and persists the result, for bulk bootstrap sync
// callers that already resolved instanceID from an upstreamId index.
func (s *Service) ApplyAndSave(ctx context.Context, instanceID string, up upstream.Instance) (*Record, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	merged := ApplyUpstreamSnapshot(rec, up)
	if err := s.save(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Sync fetches the upstream instance referenced by the local record,
// merges it in per ApplyUpstreamSnapshot, persists, and returns the
// merged record. Used by the MONITOR_INSTANCE and MONITOR_STARTUP job
// handlers (spec.md §4.4 "Monitoring").
func (s *Service) Sync(ctx context.Context, instanceID string) (*Record, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec.UpstreamID == "" {
		return rec, nil
	}
	upInst, err := s.upstream.GetInstance(ctx, rec.UpstreamID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamClient, "sync instance upstream", err)
	}
	merged := ApplyUpstreamSnapshot(rec, upInst)
	if err := s.save(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// MarkReady transitions a running/health_checking instance to ready and
// records the health check result (spec.md §4.4).
func (s *Service) MarkReady(ctx context.Context, instanceID string, health HealthCheckResult) (*Record, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rec.HealthCheck = health
	rec.Connection = buildConnection(rec.UpstreamEndpoint, rec.Template.Ports)
	if err := s.transition(rec, StatusReady); err != nil {
		return nil, err
	}
	rec.Timestamps["ready"] = time.Now()
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// beginHealthCheck transitions a running instance into health_checking and
// stamps timestamps.healthCheckStarted on first entry only, so repeated
// MONITOR_INSTANCE/MONITOR_STARTUP job re-invocations share one deadline
// clock (spec.md §4.4).
func (s *Service) beginHealthCheck(ctx context.Context, instanceID string) (*Record, time.Time, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if rec.Status == StatusRunning {
		if err := s.transition(rec, StatusHealthChecking); err != nil {
			return nil, time.Time{}, err
		}
	}
	if rec.Timestamps == nil {
		rec.Timestamps = map[string]time.Time{}
	}
	if rec.Timestamps["healthCheckStarted"].IsZero() {
		rec.Timestamps["healthCheckStarted"] = time.Now()
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, time.Time{}, err
	}
	return rec, rec.Timestamps["healthCheckStarted"], nil
}

func (s *Service) persistHealthCheck(ctx context.Context, instanceID string, result HealthCheckResult) error {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return err
	}
	rec.HealthCheck = result
	return s.save(ctx, rec)
}

// ProbeHealth runs per-port health probing (up to healthProbeRounds passes
// over every port, via probePorts) against a running/health_checking
// instance (spec.md §4.4). It returns (rec, nil)
// once the outcome is conclusive — ready on healthy, failed on
// partial/unhealthy past cfg.HealthCheckDeadline — or (nil, nil) when the
// result is still inconclusive and within deadline, signaling the caller
// to retry on the next job invocation.
func (s *Service) ProbeHealth(ctx context.Context, instanceID string, cfg *config.Instance) (*Record, error) {
	rec, startedAt, err := s.beginHealthCheck(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	result := probePorts(ctx, rec.UpstreamEndpoint, rec.Template.Ports, cfg.HealthCheckTimeout, cfg.HealthCheckInterval)
	if result.OverallStatus == "healthy" {
		return s.MarkReady(ctx, instanceID, result)
	}

	if err := s.persistHealthCheck(ctx, instanceID, result); err != nil {
		return nil, err
	}
	if time.Since(startedAt) < cfg.HealthCheckDeadline {
		return nil, nil
	}
	return s.MarkFailed(ctx, instanceID, fmt.Sprintf("health check %s past deadline", result.OverallStatus))
}

// MarkFailed transitions an instance to failed with reason, used when
// monitoring detects a startup timeout or upstream failure.
func (s *Service) MarkFailed(ctx context.Context, instanceID, reason string) (*Record, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rec.LastError = reason
	if err := s.transition(rec, StatusFailed); err != nil {
		return nil, err
	}
	rec.Timestamps["failed"] = time.Now()
	if rec.StartupOperation != nil {
		rec.StartupOperation.Phase = PhaseFailed
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CompleteStartup marks an in-progress startup operation completed
// (spec.md §3.1). It does not change the instance's status.
func (s *Service) CompleteStartup(ctx context.Context, instanceID string) (*Record, error) {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec.StartupOperation != nil {
		rec.StartupOperation.Phase = PhaseCompleted
		if rec.StartupOperation.Phases == nil {
			rec.StartupOperation.Phases = map[string]time.Time{}
		}
		rec.StartupOperation.Phases["completed"] = time.Now()
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// TouchLastUsed updates timestamps.lastUsed and nothing else (spec.md
// §4.3 "Last-used tracking").
func (s *Service) TouchLastUsed(ctx context.Context, instanceID string, at time.Time) error {
	unlock := s.locks.Lock(instanceID)
	defer unlock()

	rec, err := s.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	rec.Timestamps["lastUsed"] = at
	return s.save(ctx, rec)
}

// ApplyUpstreamSnapshot merges an authoritative upstream record into the
// local one per the merge semantics of spec.md §4.3: upstream owns status,
// region, and port mappings; local owns instanceId, config, created,
// lastUsed, startupOperation, and healthCheck.
func ApplyUpstreamSnapshot(local *Record, up upstream.Instance) *Record {
	merged := *local
	merged.Status = Status(up.Status)
	merged.Product.Region = up.Region
	merged.UpstreamEndpoint = up.Endpoint
	ports := make([]Port, len(up.Ports))
	for i, p := range up.Ports {
		ports[i] = Port{Port: p.Port, Type: p.Type, Path: p.Path}
	}
	merged.Template.Ports = ports
	merged.Source = SourceMerged
	merged.DataConsistency = consistencyOf(local.Status, Status(up.Status))
	return &merged
}

func consistencyOf(localStatus, upstreamStatus Status) DataConsistency {
	if localStatus == upstreamStatus {
		return ConsistencyConsistent
	}
	if CanTransition(localStatus, upstreamStatus) {
		return ConsistencyUpstreamNewer
	}
	if CanTransition(upstreamStatus, localStatus) {
		return ConsistencyLocalNewer
	}
	return ConsistencyConflicted
}
