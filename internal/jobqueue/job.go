// Copyright 2025 James Ross
package jobqueue

import (
	"encoding/json"
	"time"
)

// Status is one of the four job lifecycle states of spec.md §3.2.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Type enumerates the job handlers of spec.md §4.5.
type Type string

const (
	TypeCreateInstance       Type = "CREATE_INSTANCE"
	TypeMonitorInstance      Type = "MONITOR_INSTANCE"
	TypeMonitorStartup       Type = "MONITOR_STARTUP"
	TypeSendWebhook          Type = "SEND_WEBHOOK"
	TypeMigrateSpotInstances Type = "MIGRATE_SPOT_INSTANCES"
	TypeAutoStop             Type = "AUTO_STOP"
)

// Job is the canonical job record, keyed by a minted jobId (spec.md §3.2).
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	NextRunAt   time.Time       `json:"nextRunAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
}

// Stats summarizes queue depth across statuses, per spec.md §4.5 stats().
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
