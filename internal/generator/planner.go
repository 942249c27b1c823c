package generator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Strategy is the coordinator's choice of how to answer a question.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategySupporting    Strategy = "supporting"
	StrategyComparative   Strategy = "comparative"
	StrategyComprehensive Strategy = "comprehensive"
)

// ParseStrategy maps a free-form label to the closed Strategy set.
// Unrecognized labels fall back to single.
func ParseStrategy(s string) Strategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "supporting":
		return StrategySupporting
	case "comparative":
		return StrategyComparative
	case "comprehensive":
		return StrategyComprehensive
	default:
		return StrategySingle
	}
}

// Unit is one independently executable sub-task of a decomposed question.
// Produced once by decomposition, never mutated.
type Unit struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	Priority             int               `json:"priority"` // 1=primary .. 5=lowest
	RequiresDeepAnalysis bool              `json:"requires_deep_analysis"`
	DataFilter           map[string]string `json:"data_filter,omitempty"`
}

// Plan is the decomposition decision for one request.
type Plan struct {
	Strategy Strategy `json:"strategy"`
	Units    []Unit   `json:"units"`
}

// Planner decides the execution strategy for a question and, for multi-unit
// strategies, the list of independent analysis units.
type Planner struct {
	client   Chatter
	model    string
	maxUnits int
}

// NewPlanner creates a Planner. maxUnits bounds the fan-out (default 5 if
// <= 0); the decomposition step self-limiting unit count is what keeps the
// scheduler's concurrency bounded.
func NewPlanner(client Chatter, model string, maxUnits int) *Planner {
	if maxUnits <= 0 {
		maxUnits = 5
	}
	return &Planner{client: client, model: model, maxUnits: maxUnits}
}

// Decompose asks the model for a strategy and unit list. On any failure —
// model error, malformed JSON, or an empty unit list for a multi-unit
// strategy — it degrades to a single-strategy plan rather than failing the
// request.
func (p *Planner) Decompose(ctx context.Context, question, schemaListing string) Plan {
	raw, err := p.client.ChatJSON(ctx, p.model, buildDecomposePrompt(question, schemaListing, p.maxUnits))
	if err != nil {
		slog.Warn("decomposition failed, falling back to single strategy", "error", err)
		return Plan{Strategy: StrategySingle}
	}

	var parsed struct {
		Strategy string `json:"strategy"`
		Units    []Unit `json:"units"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		slog.Warn("could not parse decomposition, falling back to single strategy", "error", err, "response", raw)
		return Plan{Strategy: StrategySingle}
	}

	plan := Plan{Strategy: ParseStrategy(parsed.Strategy), Units: parsed.Units}
	if plan.Strategy == StrategySingle {
		plan.Units = nil
		return plan
	}
	if len(plan.Units) == 0 {
		slog.Warn("multi-unit strategy without units, falling back to single strategy", "strategy", plan.Strategy)
		return Plan{Strategy: StrategySingle}
	}

	if len(plan.Units) > p.maxUnits {
		plan.Units = plan.Units[:p.maxUnits]
	}
	for i := range plan.Units {
		if plan.Units[i].Priority < 1 || plan.Units[i].Priority > 5 {
			plan.Units[i].Priority = min(i+1, 5)
		}
		if strings.TrimSpace(plan.Units[i].Name) == "" {
			plan.Units[i].Name = "unit"
		}
	}
	return plan
}
