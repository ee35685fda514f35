package models

import "time"

// Action draft lifecycle.
const (
	DraftPending      = "pending"
	DraftApproved     = "approved"
	DraftRejected     = "rejected"
	DraftExecuted     = "executed"
	DraftExecutedStub = "executed_stub"
)

// Execution record statuses.
const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
	ExecutionStubbed = "stubbed"
)

// Risk levels, ordered low < medium < high.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RiskOrdinal maps a risk level to its order; unknown levels rank above high.
func RiskOrdinal(level string) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// ActionDraft is a proposed action tied to one recommendation.
type ActionDraft struct {
	ID               string         `json:"id"`
	Tenant           string         `json:"tenant"`
	RecommendationID string         `json:"recommendation_id"`
	ActionType       string         `json:"action_type"`
	RiskLevel        string         `json:"risk_level"`
	Confidence       float64        `json:"confidence"`
	Payload          map[string]any `json:"payload"`
	Status           string         `json:"status"`
	ApprovedBy       *string        `json:"approved_by,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ActionExecution is the immutable record of one execution attempt.
type ActionExecution struct {
	ID        string         `json:"id"`
	DraftID   string         `json:"draft_id"`
	Tenant    string         `json:"tenant"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     *string        `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExecutionRules is the per-tenant auto-approval configuration. Read-only here.
type ExecutionRules struct {
	Tenant             string   `json:"tenant"`
	AutoExecute        bool     `json:"auto_execute"`
	MinConfidence      float64  `json:"min_confidence"`
	MaxRisk            string   `json:"max_risk"`
	AllowedActionTypes []string `json:"allowed_action_types"`
}
