package models

import "time"

// Domain event types.
const (
	EventRecommendationCreated = "recommendation_created"
	EventRecommendationDropped = "recommendation_dropped"
	EventDraftCreated          = "draft_created"
	EventDraftAutoApproved     = "draft_auto_approved"
	EventActionExecuted        = "action_executed"
	EventOutcomeMeasured       = "outcome_measured"
)

// Event is a persisted domain event. (Tenant, Type, DedupeKey) is unique.
type Event struct {
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	DedupeKey string         `json:"dedupe_key"`
	Source    string         `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventRule maps an event type to a follow-on job. A nil Tenant makes the rule global.
type EventRule struct {
	ID         string         `json:"id"`
	Tenant     *string        `json:"tenant,omitempty"`
	EventType  string         `json:"event_type"`
	JobType    string         `json:"job_type"`
	Conditions map[string]any `json:"conditions,omitempty"`
	Enabled    bool           `json:"enabled"`
}
