package models

import "time"

// Priority buckets assigned by the analysis job that produced a recommendation.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Effort estimates, shared by recommendations and the model adjustment.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// DroppedRank marks a recommendation removed by the relevance gate. It is not unique.
const DroppedRank = -1

// Drop reasons recorded alongside DroppedRank.
const (
	DropReasonModel          = "claude_drop"
	DropReasonBelowThreshold = "below_threshold"
)

// Recommendation is a tenant-scoped insight produced by an analysis job.
type Recommendation struct {
	ID         string         `json:"id"`
	Tenant     string         `json:"tenant"`
	Source     string         `json:"source"`
	Priority   string         `json:"priority"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Data       map[string]any `json:"data,omitempty"`
	Confidence float64        `json:"confidence"`
	Effort     string         `json:"effort"`
	Strategic  bool           `json:"strategic"`

	BaseScore       *float64   `json:"base_score,omitempty"`
	AdjustmentDelta *int       `json:"adjustment_delta,omitempty"`
	RankScore       *float64   `json:"rank_score,omitempty"`
	Rank            *int       `json:"rank,omitempty"`
	DropReason      *string    `json:"drop_reason,omitempty"`
	Reasoning       *string    `json:"reasoning,omitempty"`
	RankedAt        *time.Time `json:"ranked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Domain is the signal domain a recommendation belongs to.
func (r Recommendation) Domain() string {
	return r.Source
}

// Dropped reports whether the relevance gate removed the recommendation.
func (r Recommendation) Dropped() bool {
	return r.Rank != nil && *r.Rank == DroppedRank
}

// Ranking is the prioritizer's verdict for one recommendation.
type Ranking struct {
	RecommendationID string
	BaseScore        float64
	Delta            int
	FinalScore       float64
	Effort           string
	Reasoning        string
	Rank             int
	DropReason       string
}
