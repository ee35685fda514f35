package prioritizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"autopilot/internal/completion"
)

// Adjustment is the model's verdict on one recommendation. Delta is untrusted until
// passed through ClampDelta.
type Adjustment struct {
	ID        string  `json:"id"`
	Delta     float64 `json:"delta"`
	Effort    string  `json:"effort"`
	Reasoning string  `json:"reasoning"`
	Drop      bool    `json:"drop"`
}

// Adjuster proposes bounded adjustments for scored recommendations.
type Adjuster interface {
	Adjust(ctx context.Context, tenant string, scored []Scored, signalContext string) ([]Adjustment, error)
}

// Completer is the completion call the model adjuster needs.
type Completer interface {
	Enabled() bool
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// ModelAdjuster asks a chat completion model for adjustments.
type ModelAdjuster struct {
	client Completer
}

func NewModelAdjuster(client Completer) *ModelAdjuster {
	return &ModelAdjuster{client: client}
}

const systemPrompt = `You adjust the ranking of business recommendations for one tenant.
For every recommendation return an object with:
  "id": the recommendation id exactly as given,
  "delta": an integer from -2 to 2 (positive moves it up),
  "effort": one of "low", "medium", "high",
  "reasoning": one short sentence,
  "drop": true only if the recommendation is irrelevant or not actionable.
Respond with JSON: {"adjustments": [...]}. Do not invent ids.`

type promptItem struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Priority  string  `json:"priority"`
	Title     string  `json:"title,omitempty"`
	Body      string  `json:"body"`
	Effort    string  `json:"effort"`
	BaseScore float64 `json:"base_score"`
}

const maxBodyChars = 600

// Adjust implements Adjuster. It returns completion.ErrUnavailable when no model is configured.
func (m *ModelAdjuster) Adjust(ctx context.Context, tenant string, scored []Scored, signalContext string) ([]Adjustment, error) {
	if m.client == nil || !m.client.Enabled() {
		return nil, completion.ErrUnavailable
	}

	items := make([]promptItem, len(scored))
	for i, s := range scored {
		body := s.Rec.Body
		if r := []rune(body); len(r) > maxBodyChars {
			body = string(r[:maxBodyChars]) + "..."
		}
		items[i] = promptItem{
			ID:        s.Rec.ID,
			Source:    s.Rec.Source,
			Priority:  s.Rec.Priority,
			Title:     s.Rec.Title,
			Body:      body,
			Effort:    s.Rec.Effort,
			BaseScore: s.Base,
		}
	}
	list, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}

	var user strings.Builder
	if signalContext != "" {
		user.WriteString("Patterns that worked for similar businesses:\n")
		user.WriteString(signalContext)
		user.WriteString("\n")
	}
	user.WriteString("Recommendations:\n")
	user.Write(list)

	text, err := m.client.CompleteJSON(ctx, systemPrompt, user.String())
	if err != nil {
		return nil, err
	}
	return ParseAdjustments(text)
}

// ParseAdjustments decodes a model response. Surrounding text such as code fences is ignored.
func ParseAdjustments(text string) ([]Adjustment, error) {
	body := completion.ExtractJSON(text)
	if body == "" {
		return nil, fmt.Errorf("no json object in model response")
	}
	var out struct {
		Adjustments []Adjustment `json:"adjustments"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decode adjustments: %w", err)
	}
	return out.Adjustments, nil
}
