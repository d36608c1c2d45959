// Copyright 2025 James Ross
package upstream

// Product is a GPU SKU available in a specific region (spec.md §3.3).
type Product struct {
	ID            string  `json:"id"`
	ProductName   string  `json:"productName"`
	Region        string  `json:"region"`
	ClusterID     string  `json:"clusterId"`
	SpotPrice     float64 `json:"spotPrice"`
	OnDemandPrice float64 `json:"onDemandPrice"`
	Available     bool    `json:"available"`
}

// PortMapping is one exposed container port.
type PortMapping struct {
	Port int    `json:"port"`
	Type string `json:"type"` // "http" | "tcp"
	Path string `json:"path,omitempty"`
}

// Template is a reusable image + ports + environment bundle (spec.md §3.3).
type Template struct {
	ID           string            `json:"id"`
	ImageURL     string            `json:"imageUrl"`
	ImageAuthID  string            `json:"imageAuthId,omitempty"`
	Ports        []PortMapping     `json:"ports"`
	Envs         map[string]string `json:"envs,omitempty"`
	Command      []string          `json:"command,omitempty"`
}

// RegistryAuth is a resolved (username, password) pair, never cached
// long-term per spec.md §3.3.
type RegistryAuth struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Region is one entry of the fallback table of spec.md §3.4.
type Region struct {
	Code      string
	ClusterID string
	Priority  int
}

// CreateInstanceRequest is the body for POST /v1/gpu/instance/create.
type CreateInstanceRequest struct {
	Name          string            `json:"name"`
	ProductID     string            `json:"productId"`
	TemplateID    string            `json:"templateId,omitempty"`
	ImageURL      string            `json:"imageUrl,omitempty"`
	ImageAuthID   string            `json:"imageAuthId,omitempty"`
	GPUNum        int               `json:"gpuNum"`
	RootfsSize    int               `json:"rootfsSize"`
	ClusterID     string            `json:"clusterId,omitempty"`
	Kind          string            `json:"kind,omitempty"`
	BillingMode   string            `json:"billingMode"`
	PortMappings  []PortMapping     `json:"portMappings,omitempty"`
	Envs          map[string]string `json:"envs,omitempty"`
	Command       []string          `json:"command,omitempty"`
}

// Instance is the upstream-reported shape of a GPU instance.
type Instance struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Region      string        `json:"region"`
	ClusterID   string        `json:"clusterId"`
	ProductID   string        `json:"productId"`
	Ports       []PortMapping `json:"portMappings"`
	Endpoint    string        `json:"endpoint,omitempty"`
	SpotPrice   float64       `json:"spotPrice"`
}

// MigrateResult is the outcome of POST /v1/gpu/instance/migrate.
type MigrateResult struct {
	Success      bool   `json:"success"`
	NewUpstreamID string `json:"newUpstreamId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ListInstancesResult is the paginated response of GET /v1/gpu/instances.
type ListInstancesResult struct {
	Instances []Instance `json:"instances"`
	Total     int        `json:"total"`
}

// ProductFilter narrows GET /v1/products.
type ProductFilter struct {
	ProductName string
	Region      string // optional
}
