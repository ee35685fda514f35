package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownType       = errors.New("unknown job type")
	ErrInvalidPayload    = errors.New("invalid job payload")
	ErrMalformedEnvelope = errors.New("malformed queue envelope")
)

// Job types. The set is closed: anything else is rejected at the queue boundary.
const (
	TypePrioritize         = "prioritize_recommendations"
	TypeGenerateDrafts     = "generate_action_drafts"
	TypeMeasureOutcomes    = "measure_outcomes"
	TypeApplySignalOutcome = "apply_signal_outcome"
	TypeExtractSignals     = "extract_signals"
	TypeDecaySignals       = "decay_signals"
)

// Payload is one variant of the job payload union.
type Payload interface {
	JobType() string
	Validate() error
}

type PrioritizePayload struct{}

type GenerateDraftsPayload struct {
	RecommendationID string `json:"recommendation_id"`
}

type MeasureOutcomesPayload struct{}

// ApplySignalOutcomePayload back-fills signal applications for one measured recommendation.
type ApplySignalOutcomePayload struct {
	RecommendationID string `json:"recommendation_id"`
	Positive         *bool  `json:"positive"`
}

// ExtractSignalsPayload narrows extraction to one recommendation when set.
type ExtractSignalsPayload struct {
	RecommendationID string `json:"recommendation_id,omitempty"`
}

type DecaySignalsPayload struct{}

func (PrioritizePayload) JobType() string         { return TypePrioritize }
func (GenerateDraftsPayload) JobType() string     { return TypeGenerateDrafts }
func (MeasureOutcomesPayload) JobType() string    { return TypeMeasureOutcomes }
func (ApplySignalOutcomePayload) JobType() string { return TypeApplySignalOutcome }
func (ExtractSignalsPayload) JobType() string     { return TypeExtractSignals }
func (DecaySignalsPayload) JobType() string       { return TypeDecaySignals }

func (PrioritizePayload) Validate() error      { return nil }
func (MeasureOutcomesPayload) Validate() error { return nil }
func (ExtractSignalsPayload) Validate() error  { return nil }
func (DecaySignalsPayload) Validate() error    { return nil }

func (p GenerateDraftsPayload) Validate() error {
	if p.RecommendationID == "" {
		return errors.New("recommendation_id is required")
	}
	return nil
}

func (p ApplySignalOutcomePayload) Validate() error {
	if p.RecommendationID == "" {
		return errors.New("recommendation_id is required")
	}
	if p.Positive == nil {
		return errors.New("positive is required")
	}
	return nil
}

type typeInfo struct {
	tenantScoped bool
	decode       func(json.RawMessage) (Payload, error)
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var registry = map[string]typeInfo{
	TypePrioritize:         {tenantScoped: true, decode: decodeInto[PrioritizePayload]},
	TypeGenerateDrafts:     {tenantScoped: true, decode: decodeInto[GenerateDraftsPayload]},
	TypeMeasureOutcomes:    {tenantScoped: true, decode: decodeInto[MeasureOutcomesPayload]},
	TypeApplySignalOutcome: {tenantScoped: true, decode: decodeInto[ApplySignalOutcomePayload]},
	TypeExtractSignals:     {tenantScoped: false, decode: decodeInto[ExtractSignalsPayload]},
	TypeDecaySignals:       {tenantScoped: false, decode: decodeInto[DecaySignalsPayload]},
}

// Known reports whether jobType belongs to the closed set.
func Known(jobType string) bool {
	_, ok := registry[jobType]
	return ok
}

// TenantScoped reports whether jobs of this type must carry a tenant.
func TenantScoped(jobType string) bool {
	return registry[jobType].tenantScoped
}

// Types lists the registered job types in stable order.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Decode turns a raw payload into its typed variant and validates it.
// Unknown fields are ignored so event-derived payloads can carry extra context.
func Decode(jobType string, raw json.RawMessage) (Payload, error) {
	s, ok := registry[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	p, err := s.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobType, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobType, err)
	}
	return p, nil
}

// DecodeMap is Decode for a payload already held as a map.
func DecodeMap(jobType string, m map[string]any) (Payload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Decode(jobType, raw)
}

// ToMap renders a payload as the generic map persisted on the job row.
func ToMap(p Payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
