// Package llmtools declares the structured tool-calling schemas shared by
// the agent loop (C10), executor loop (C11), and planning loop (C12), and
// the parsing that turns a returned tool call back into a typed decision —
// the same submit_actions-style termination pattern the teacher's Planner
// uses, generalized to the outcome sets each loop needs.
package llmtools

import (
	"github.com/relayforge/orchestrator/common/llm"
)

// Outcome is the decision kind a loop's LLM turn resolved to.
type Outcome string

const (
	OutcomeWorkflowCall Outcome = "workflow_call"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeDone         Outcome = "done"
)

// Decision is the parsed result of one coordinator turn.
type Decision struct {
	Outcome          Outcome
	WorkflowSelected string
	WorkflowArgs     map[string]any
	Rationale        string
	Reason           string
}

// workflowCallParams is the JSON schema for the workflow_call tool.
type workflowCallParams struct {
	WorkflowSelected string         `json:"workflow_selected" jsonschema:"required,description=Exact workflow name, or an intent/trigger string the registry can resolve"`
	WorkflowArgs     map[string]any `json:"workflow_args,omitempty" jsonschema:"description=Arguments to pass to the workflow's declared inputs"`
	Rationale        string         `json:"rationale" jsonschema:"required,description=Why this workflow makes progress toward the goal"`
}

type blockedParams struct {
	Reason string `json:"reason" jsonschema:"required,description=Why the goal cannot proceed"`
}

type doneParams struct {
	Reason string `json:"reason" jsonschema:"required,description=Why the goal is satisfied"`
}

// CoordinatorTools returns the three tool schemas the agent loop exposes.
func CoordinatorTools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        string(OutcomeWorkflowCall),
			Description: "Run a workflow (by exact name, or an intent/trigger string) to make progress on the goal.",
			Parameters:  llm.GenerateSchemaFrom(workflowCallParams{}),
		},
		{
			Name:        string(OutcomeBlocked),
			Description: "Stop because the goal cannot proceed; report why.",
			Parameters:  llm.GenerateSchemaFrom(blockedParams{}),
		},
		{
			Name:        string(OutcomeDone),
			Description: "Stop because the goal is satisfied; report why.",
			Parameters:  llm.GenerateSchemaFrom(doneParams{}),
		},
	}
}

// ParseDecision converts one returned tool call into a Decision, if it
// names one of the coordinator's three outcomes.
func ParseDecision(tc llm.ToolCall) (Decision, bool) {
	switch Outcome(tc.Name) {
	case OutcomeWorkflowCall:
		p, err := llm.ParseToolArguments[workflowCallParams](tc.Arguments)
		if err != nil {
			return Decision{}, false
		}
		return Decision{
			Outcome:          OutcomeWorkflowCall,
			WorkflowSelected: p.WorkflowSelected,
			WorkflowArgs:     p.WorkflowArgs,
			Rationale:        p.Rationale,
		}, true
	case OutcomeBlocked:
		p, err := llm.ParseToolArguments[blockedParams](tc.Arguments)
		if err != nil {
			return Decision{}, false
		}
		return Decision{Outcome: OutcomeBlocked, Reason: p.Reason}, true
	case OutcomeDone:
		p, err := llm.ParseToolArguments[doneParams](tc.Arguments)
		if err != nil {
			return Decision{}, false
		}
		return Decision{Outcome: OutcomeDone, Reason: p.Reason}, true
	default:
		return Decision{}, false
	}
}
