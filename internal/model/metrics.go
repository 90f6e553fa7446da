package model

import "time"

// PhaseTiming records one phase's start/end and token accounting, the unit
// TurnMetrics aggregates per phase.
type PhaseTiming struct {
	Phase            string    `json:"phase"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	DurationMS       int64     `json:"duration_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
}

// ToolCallRecord is one executed tool call surfaced in the final metrics.
type ToolCallRecord struct {
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

// TurnMetrics is the Phase Runner's final accounting for one turn (spec
// §4.13 step 7): phase durations, token totals, the decision trail, retry
// count, and the validation outcome that closed the turn. The Phase Runner
// does not fill ToolsCalled or the per-phase token fields of Phases; per-phase
// token usage is recorded in the manifest's tokens_by_phase.
type TurnMetrics struct {
	TurnStart        time.Time           `json:"turn_start"`
	TurnEnd          time.Time           `json:"turn_end"`
	TotalDurationMS  int64               `json:"total_duration_ms"`
	Phases           []PhaseTiming       `json:"phases"`
	TotalPromptTokens     int            `json:"total_prompt_tokens"`
	TotalCompletionTokens int            `json:"total_completion_tokens"`
	Decisions        []Decision          `json:"decisions"`
	ToolsCalled      []ToolCallRecord    `json:"tools_called"`
	Retries          int                 `json:"retries"`
	ClaimsCount      int                 `json:"claims_count"`
	QualityScore     float64             `json:"quality_score"`
	ValidationOutcome ValidationDecision `json:"validation_outcome"`
}
