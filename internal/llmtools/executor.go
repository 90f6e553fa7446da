package llmtools

import (
	"github.com/relayforge/orchestrator/common/llm"
)

// ExecutorOutcome is the decision kind the executor loop's LLM turn
// resolved to (spec §4.11).
type ExecutorOutcome string

const (
	ExecutorCommand       ExecutorOutcome = "command"
	ExecutorAnalyze       ExecutorOutcome = "analyze"
	ExecutorComplete      ExecutorOutcome = "complete"
	ExecutorBlocked       ExecutorOutcome = "blocked"
	ExecutorCreateWorkflow ExecutorOutcome = "create_workflow"
)

// ToolSpecDecl is one declared tool within a CREATE_WORKFLOW decision: the
// spec frontmatter plus source the executor wants tool.create (C9) to write.
type ToolSpecDecl struct {
	SpecMD     string `json:"spec_md" jsonschema:"required,description=YAML-fronted markdown tool spec"`
	ImplSource string `json:"impl_source" jsonschema:"required,description=Go source implementing the tool handler"`
	TestSource string `json:"test_source,omitempty" jsonschema:"description=Go test source exercising the handler"`
}

// WorkflowStepDecl is one step of a workflow being declared via
// CREATE_WORKFLOW.
type WorkflowStepDecl struct {
	Name string `json:"name" jsonschema:"required"`
	Tool string `json:"tool" jsonschema:"required,description=Name of a tool declared in tool_specs or already in the catalog"`
}

// ExecutorDecision is the parsed result of one executor-loop turn.
type ExecutorDecision struct {
	Outcome ExecutorOutcome

	// COMMAND
	Command      string
	WorkflowHint string

	// ANALYZE
	Analysis string

	// COMPLETE
	Summary string

	// BLOCKED
	Reason string

	// CREATE_WORKFLOW
	WorkflowName string
	Tools        []string
	ToolSpecs    map[string]ToolSpecDecl
	Steps        []WorkflowStepDecl
}

type commandParams struct {
	Command      string `json:"command" jsonschema:"required,description=Natural-language instruction to carry out"`
	WorkflowHint string `json:"workflow_hint,omitempty" jsonschema:"description=Workflow name to prefer when resolving this command"`
}

type analyzeParams struct {
	Analysis string `json:"analysis" jsonschema:"required,description=Reasoning to append to the execution log before issuing more commands"`
}

type completeParams struct {
	Summary string `json:"summary" jsonschema:"required,description=Why execution is complete"`
}

type executorBlockedParams struct {
	Reason string `json:"reason" jsonschema:"required,description=Why execution cannot proceed"`
}

type createWorkflowParams struct {
	WorkflowName string                  `json:"workflow_name" jsonschema:"required"`
	Tools        []string                `json:"tools" jsonschema:"required,description=Every tool name this workflow's steps reference"`
	ToolSpecs    map[string]ToolSpecDecl `json:"tool_specs" jsonschema:"required,description=One entry per declared tool not already in the catalog"`
	Steps        []WorkflowStepDecl      `json:"steps" jsonschema:"required"`
}

// ExecutorTools returns the executor loop's tool schemas.
func ExecutorTools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        string(ExecutorCommand),
			Description: "Issue a natural-language command to be carried out via a workflow or the agent loop.",
			Parameters:  llm.GenerateSchemaFrom(commandParams{}),
		},
		{
			Name:        string(ExecutorAnalyze),
			Description: "Record analysis without issuing a tool call; resets the consecutive-command counter.",
			Parameters:  llm.GenerateSchemaFrom(analyzeParams{}),
		},
		{
			Name:        string(ExecutorComplete),
			Description: "Stop because the goal has been executed to completion.",
			Parameters:  llm.GenerateSchemaFrom(completeParams{}),
		},
		{
			Name:        string(ExecutorBlocked),
			Description: "Stop because execution cannot proceed.",
			Parameters:  llm.GenerateSchemaFrom(executorBlockedParams{}),
		},
		{
			Name:        string(ExecutorCreateWorkflow),
			Description: "Declare a brand-new workflow (and any tools it needs) and register it.",
			Parameters:  llm.GenerateSchemaFrom(createWorkflowParams{}),
		},
	}
}

// ParseExecutorDecision converts a returned tool call into an
// ExecutorDecision, if it names one of the executor loop's five outcomes.
func ParseExecutorDecision(tc llm.ToolCall) (ExecutorDecision, bool) {
	switch ExecutorOutcome(tc.Name) {
	case ExecutorCommand:
		p, err := llm.ParseToolArguments[commandParams](tc.Arguments)
		if err != nil {
			return ExecutorDecision{}, false
		}
		return ExecutorDecision{Outcome: ExecutorCommand, Command: p.Command, WorkflowHint: p.WorkflowHint}, true
	case ExecutorAnalyze:
		p, err := llm.ParseToolArguments[analyzeParams](tc.Arguments)
		if err != nil {
			return ExecutorDecision{}, false
		}
		return ExecutorDecision{Outcome: ExecutorAnalyze, Analysis: p.Analysis}, true
	case ExecutorComplete:
		p, err := llm.ParseToolArguments[completeParams](tc.Arguments)
		if err != nil {
			return ExecutorDecision{}, false
		}
		return ExecutorDecision{Outcome: ExecutorComplete, Summary: p.Summary}, true
	case ExecutorBlocked:
		p, err := llm.ParseToolArguments[executorBlockedParams](tc.Arguments)
		if err != nil {
			return ExecutorDecision{}, false
		}
		return ExecutorDecision{Outcome: ExecutorBlocked, Reason: p.Reason}, true
	case ExecutorCreateWorkflow:
		p, err := llm.ParseToolArguments[createWorkflowParams](tc.Arguments)
		if err != nil {
			return ExecutorDecision{}, false
		}
		return ExecutorDecision{
			Outcome:      ExecutorCreateWorkflow,
			WorkflowName: p.WorkflowName,
			Tools:        p.Tools,
			ToolSpecs:    p.ToolSpecs,
			Steps:        p.Steps,
		}, true
	default:
		return ExecutorDecision{}, false
	}
}
