package models

import "time"

// MetricSnapshot is a point-in-time metric value written by the digest jobs.
type MetricSnapshot struct {
	Tenant     string    `json:"tenant"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

// Outcome is the measured before/after effect of a recommendation.
type Outcome struct {
	ID               string    `json:"id"`
	Tenant           string    `json:"tenant"`
	RecommendationID string    `json:"recommendation_id"`
	Metric           string    `json:"metric"`
	Before           float64   `json:"before"`
	After            float64   `json:"after"`
	Delta            float64   `json:"delta"`
	Positive         bool      `json:"positive"`
	MeasuredAt       time.Time `json:"measured_at"`
}

// Signal is a decaying cross-tenant pattern.
type Signal struct {
	ID           string    `json:"id"`
	Domain       string    `json:"domain"`
	Pattern      string    `json:"pattern"`
	Confidence   float64   `json:"confidence"`
	DecayWeight  float64   `json:"decay_weight"`
	TenantCount  int       `json:"tenant_count"`
	ReinforcedAt time.Time `json:"reinforced_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SignalStats summarises the measured applications of one signal.
type SignalStats struct {
	SignalID string
	Measured int
	Positive int
}

// SignalApplication records that a signal informed a tenant's recommendation.
type SignalApplication struct {
	SignalID         string
	Tenant           string
	RecommendationID string
	OutcomePositive  *bool
	AppliedAt        time.Time
}
