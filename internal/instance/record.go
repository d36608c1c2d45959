// Copyright 2025 James Ross
package instance

import (
	"fmt"
	"strings"
	"time"
)

// Status is one of the states in the transition diagram of spec.md §4.3.
type Status string

const (
	StatusCreating       Status = "creating"
	StatusCreated        Status = "created"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusHealthChecking Status = "health_checking"
	StatusReady          Status = "ready"
	StatusStopping       Status = "stopping"
	StatusStopped        Status = "stopped"
	StatusExited         Status = "exited"
	StatusFailed         Status = "failed"
	StatusTerminated     Status = "terminated"
)

// allowedTransitions enumerates every edge in the §4.3 diagram. A
// transition not present here is a bug, per the invariant in §3.1.
var allowedTransitions = map[Status]map[Status]bool{
	StatusCreating: {StatusCreated: true, StatusFailed: true, StatusTerminated: true},
	StatusCreated: {StatusStarting: true, StatusFailed: true, StatusExited: true, StatusTerminated: true},
	StatusStarting: {
		StatusRunning: true, StatusFailed: true, StatusExited: true, StatusTerminated: true,
	},
	StatusRunning: {
		StatusReady: true, StatusHealthChecking: true, StatusStopping: true,
		StatusFailed: true, StatusExited: true, StatusTerminated: true,
	},
	StatusHealthChecking: {
		StatusReady: true, StatusFailed: true, StatusExited: true, StatusTerminated: true,
	},
	StatusReady: {
		StatusStopping: true, StatusFailed: true, StatusExited: true, StatusTerminated: true,
	},
	StatusStopping: {
		StatusStopped: true, StatusFailed: true, StatusExited: true, StatusTerminated: true,
	},
	StatusStopped:     {StatusStarting: true, StatusExited: true, StatusTerminated: true},
	StatusExited:      {StatusTerminated: true, StatusStarting: true},
	StatusFailed:      {StatusTerminated: true},
	StatusTerminated:  {},
}

// CanTransition reports whether from->to is an edge in the state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	edges, ok := allowedTransitions[from]
	return ok && edges[to]
}

// ProductSnapshot is the resolved product at creation time (spec.md §3.1).
type ProductSnapshot struct {
	ID            string  `json:"id"`
	ProductName   string  `json:"productName,omitempty"`
	Region        string  `json:"region"`
	ClusterID     string  `json:"clusterId,omitempty"`
	SpotPrice     float64 `json:"spotPrice"`
	OnDemandPrice float64 `json:"onDemandPrice"`
}

// TemplateSnapshot is the resolved template at creation time.
type TemplateSnapshot struct {
	ID           string            `json:"id"`
	ImageURL     string            `json:"imageUrl"`
	Ports        []Port            `json:"ports"`
	RegistryAuth string            `json:"registryAuthId,omitempty"`
	Envs         map[string]string `json:"envs,omitempty"`
	Command      []string          `json:"command,omitempty"`
}

type Port struct {
	Port int    `json:"port"`
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

// CreateConfig is the user intent captured at creation (spec.md §3.1).
type CreateConfig struct {
	GPUNum         int    `json:"gpuNum"`
	RootfsSize     int    `json:"rootfsSize"`
	BillingMode    string `json:"billingMode"`
	Kind           string `json:"kind,omitempty"`
	RequestedRegion string `json:"requestedRegion"`
	WebhookURL     string `json:"webhookUrl,omitempty"`
	WebhookSecret  string `json:"webhookSecret,omitempty"`
}

// Connection is populated once the instance is ready (spec.md §3.1).
type Connection struct {
	Endpoints map[int]string `json:"endpoints,omitempty"`
	SSHURL    string         `json:"sshUrl,omitempty"`
	JupyterURL string        `json:"jupyterUrl,omitempty"`
}

// buildConnection derives the per-port public endpoints plus SSH/Jupyter
// convenience URLs from the upstream-reported host and the template's
// declared ports (spec.md §3.1 "connection"). endpoint is the bare
// host (or host:port) upstream.Instance.Endpoint reports once running; an
// empty endpoint yields a zero-value Connection.
func buildConnection(endpoint string, ports []Port) Connection {
	if endpoint == "" {
		return Connection{}
	}
	conn := Connection{SSHURL: fmt.Sprintf("ssh://%s:22", endpoint)}
	if len(ports) == 0 {
		return conn
	}
	conn.Endpoints = make(map[int]string, len(ports))
	for _, p := range ports {
		conn.Endpoints[p.Port] = endpointURL(endpoint, p)
		if conn.JupyterURL == "" && strings.Contains(strings.ToLower(p.Path), "jupyter") {
			conn.JupyterURL = conn.Endpoints[p.Port]
		}
	}
	return conn
}

func endpointURL(endpoint string, p Port) string {
	if p.Type == "tcp" {
		return fmt.Sprintf("tcp://%s:%d", endpoint, p.Port)
	}
	path := p.Path
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", endpoint, p.Port, path)
}

// HealthCheckResult is the latest health evaluation (spec.md §4.4).
type HealthCheckResult struct {
	OverallStatus string           `json:"overallStatus"` // healthy | unhealthy | partial
	Endpoints     []EndpointHealth `json:"endpoints,omitempty"`
}

type EndpointHealth struct {
	Port         int           `json:"port"`
	Path         string        `json:"path,omitempty"`
	Type         string        `json:"type"`
	Status       string        `json:"status"`
	LastChecked  time.Time     `json:"lastChecked"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// StartupPhase is one step of a start-after-exit operation (spec.md §3.1).
type StartupPhase string

const (
	PhaseInitiated     StartupPhase = "initiated"
	PhaseMonitoring    StartupPhase = "monitoring"
	PhaseHealthChecking StartupPhase = "health_checking"
	PhaseCompleted     StartupPhase = "completed"
	PhaseFailed        StartupPhase = "failed"
)

// StartupOperation tracks an in-progress start (spec.md §3.1).
type StartupOperation struct {
	OperationID string                  `json:"operationId"`
	Phase       StartupPhase            `json:"phase"`
	Phases      map[string]time.Time    `json:"phases,omitempty"`
}

// Source tags provenance for merged list views (spec.md §4.3).
type Source string

const (
	SourceLocal    Source = "local"
	SourceUpstream Source = "upstream"
	SourceMerged   Source = "merged"
)

// DataConsistency tags how a merged record's local/upstream views compare.
type DataConsistency string

const (
	ConsistencyConsistent    DataConsistency = "consistent"
	ConsistencyLocalNewer    DataConsistency = "local-newer"
	ConsistencyUpstreamNewer DataConsistency = "upstream-newer"
	ConsistencyConflicted    DataConsistency = "conflicted"
)

// Record is the canonical per-instance record of spec.md §3.1.
type Record struct {
	InstanceID string `json:"instanceId"`
	UpstreamID string `json:"upstreamId,omitempty"`
	Name       string `json:"name"`
	Status     Status `json:"status"`

	Product  ProductSnapshot  `json:"product"`
	Template TemplateSnapshot `json:"template"`
	Config   CreateConfig     `json:"config"`

	// UpstreamEndpoint is the host upstream last reported for this
	// instance, carried across polls so MarkReady can build Connection
	// without re-fetching upstream at the moment of transition.
	UpstreamEndpoint string `json:"upstreamEndpoint,omitempty"`

	Connection Connection `json:"connection,omitempty"`

	Timestamps map[string]time.Time `json:"timestamps"`

	LastError        string            `json:"lastError,omitempty"`
	HealthCheck       HealthCheckResult `json:"healthCheck,omitempty"`
	StartupOperation  *StartupOperation `json:"startupOperation,omitempty"`

	Source          Source          `json:"source"`
	DataConsistency DataConsistency `json:"dataConsistency,omitempty"`
}
