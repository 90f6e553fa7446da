package llmtools

import (
	"github.com/relayforge/orchestrator/common/llm"
)

// Route is the strategic plan's chosen path (spec §4.12).
type Route string

const (
	RouteSynthesis     Route = "synthesis"
	RouteExecutor      Route = "executor"
	RouteRefreshContext Route = "refresh_context"
	RouteClarify       Route = "clarify"
	RouteBrainstorm    Route = "brainstorm"
	RouteSelfExtension Route = "self_extension"
)

// StrategicPlan is the planner's structured response when the
// STRATEGIC_PLAN format parses successfully.
type StrategicPlan struct {
	RouteTo               Route
	Goals                 []string
	MissingTools          []string
	TicketContent         string
	ClarificationQuestion string
}

type strategicPlanParams struct {
	RouteTo               string   `json:"route_to" jsonschema:"required,enum=synthesis,enum=executor,enum=refresh_context,enum=clarify,enum=brainstorm,enum=self_extension"`
	Goals                 []string `json:"goals,omitempty"`
	MissingTools          []string `json:"missing_tools,omitempty" jsonschema:"description=Tool names required by this plan that the catalog does not yet have"`
	TicketContent         string   `json:"ticket_content,omitempty" jsonschema:"description=Rendered plan summary to surface as the ticket when no execution runs"`
	ClarificationQuestion string   `json:"clarification_question,omitempty"`
}

// StrategicPlanTool returns the single tool schema the planning loop's
// first attempt exposes.
func StrategicPlanTool() llm.Tool {
	return llm.Tool{
		Name:        "submit_strategic_plan",
		Description: "Submit a strategic plan and choose how to route it.",
		Parameters:  llm.GenerateSchemaFrom(strategicPlanParams{}),
	}
}

// ParseStrategicPlan converts a returned tool call into a StrategicPlan, if
// it names submit_strategic_plan.
func ParseStrategicPlan(tc llm.ToolCall) (StrategicPlan, bool) {
	if tc.Name != "submit_strategic_plan" {
		return StrategicPlan{}, false
	}
	p, err := llm.ParseToolArguments[strategicPlanParams](tc.Arguments)
	if err != nil {
		return StrategicPlan{}, false
	}
	return StrategicPlan{
		RouteTo:               Route(p.RouteTo),
		Goals:                 p.Goals,
		MissingTools:          p.MissingTools,
		TicketContent:         p.TicketContent,
		ClarificationQuestion: p.ClarificationQuestion,
	}, true
}

// LegacyOutcome is the fallback inner-loop decision when STRATEGIC_PLAN
// parsing fails.
type LegacyOutcome string

const (
	LegacyExecute        LegacyOutcome = "execute"
	LegacyRefreshContext LegacyOutcome = "refresh_context"
	LegacyComplete       LegacyOutcome = "complete"
)

// LegacyDecision is the parsed result of one legacy-loop turn.
type LegacyDecision struct {
	Outcome LegacyOutcome
	Command string // for execute
	Summary string // for complete
}

type legacyExecuteParams struct {
	Command string `json:"command" jsonschema:"required,description=Natural-language instruction to execute"`
}

type legacyRefreshParams struct {
	Reason string `json:"reason,omitempty"`
}

type legacyCompleteParams struct {
	Summary string `json:"summary" jsonschema:"required"`
}

// LegacyTools returns the legacy loop's three tool schemas.
func LegacyTools() []llm.Tool {
	return []llm.Tool{
		{Name: string(LegacyExecute), Description: "Execute a command toward the goal.", Parameters: llm.GenerateSchemaFrom(legacyExecuteParams{})},
		{Name: string(LegacyRefreshContext), Description: "Request a context refresh.", Parameters: llm.GenerateSchemaFrom(legacyRefreshParams{})},
		{Name: string(LegacyComplete), Description: "Stop because the goal is satisfied.", Parameters: llm.GenerateSchemaFrom(legacyCompleteParams{})},
	}
}

// ParseLegacyDecision converts a returned tool call into a LegacyDecision.
func ParseLegacyDecision(tc llm.ToolCall) (LegacyDecision, bool) {
	switch LegacyOutcome(tc.Name) {
	case LegacyExecute:
		p, err := llm.ParseToolArguments[legacyExecuteParams](tc.Arguments)
		if err != nil {
			return LegacyDecision{}, false
		}
		return LegacyDecision{Outcome: LegacyExecute, Command: p.Command}, true
	case LegacyRefreshContext:
		if _, err := llm.ParseToolArguments[legacyRefreshParams](tc.Arguments); err != nil {
			return LegacyDecision{}, false
		}
		return LegacyDecision{Outcome: LegacyRefreshContext}, true
	case LegacyComplete:
		p, err := llm.ParseToolArguments[legacyCompleteParams](tc.Arguments)
		if err != nil {
			return LegacyDecision{}, false
		}
		return LegacyDecision{Outcome: LegacyComplete, Summary: p.Summary}, true
	default:
		return LegacyDecision{}, false
	}
}
