package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job is the durable record behind every queue message. Rows are never deleted.
type Job struct {
	ID        string         `json:"id"`
	Tenant    *string        `json:"tenant,omitempty"` // nil for system-wide jobs
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TenantID returns the tenant or "" for system-wide jobs.
func (j Job) TenantID() string {
	if j.Tenant == nil {
		return ""
	}
	return *j.Tenant
}

// Terminal reports whether the consumer must not touch the job again.
func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Tenant is an isolated customer scope.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
