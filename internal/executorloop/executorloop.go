// Package executorloop implements the Executor Loop (C11): the middle of
// the three nested control loops (spec §4.11), a bounded loop issuing
// natural-language commands that resolve to a workflow or fall back to the
// agent loop (C10), plus a CREATE_WORKFLOW path that wires new tools through
// the self-extension pipeline (C9) before registering the workflow.
package executorloop

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/coordinator"
	"github.com/relayforge/orchestrator/internal/llmtools"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/selfext"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
	"github.com/relayforge/orchestrator/internal/workflow"
)

// DefaultMaxIterations bounds the executor loop (spec §4.11).
const DefaultMaxIterations = 10

// DefaultResearchCap is the per-turn cap on search-like COMMANDs.
const DefaultResearchCap = 2

// DefaultConsecutiveCommandCap forces an ANALYZE after this many COMMANDs
// with none in between.
const DefaultConsecutiveCommandCap = 5

// DefaultToolFailureCap forces BLOCKED after this many command failures.
const DefaultToolFailureCap = 3

// Config tunes one executor run.
type Config struct {
	MaxIterations         int
	ResearchCap           int
	ConsecutiveCommandCap int
	ToolFailureCap        int
	WorkflowsRoot         string // base dir CREATE_WORKFLOW bundles land under
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ResearchCap <= 0 {
		c.ResearchCap = DefaultResearchCap
	}
	if c.ConsecutiveCommandCap <= 0 {
		c.ConsecutiveCommandCap = DefaultConsecutiveCommandCap
	}
	if c.ToolFailureCap <= 0 {
		c.ToolFailureCap = DefaultToolFailureCap
	}
	if c.WorkflowsRoot == "" {
		c.WorkflowsRoot = "workflows"
	}
	return c
}

// Result is the executor loop's terminal outcome.
type Result struct {
	Done       bool
	Reason     string
	Iterations int
}

// Loop runs the bounded executor loop.
type Loop struct {
	llmClient llm.AgentClient
	registry  *workflow.Registry
	runner    *workflow.Runner
	coord     *coordinator.Coordinator
	pipeline  *selfext.Pipeline
	catalog   *toolcatalog.Catalog
	plan      *planstate.State
	doc       *contextdoc.Document
	known     toolcatalog.Registry // compiled handlers available for CREATE_WORKFLOW
	cfg       Config
}

// New builds a Loop. known supplies the compiled handlers CREATE_WORKFLOW
// can wire a newly declared tool to — Go cannot compile and load the
// generated source at runtime, so a tool only becomes callable once its
// handler is present in this process-supplied registry (the same
// analogue toolcatalog.LoadBundle uses for on-disk bundles).
func New(llmClient llm.AgentClient, registry *workflow.Registry, runner *workflow.Runner, coord *coordinator.Coordinator, pipeline *selfext.Pipeline, catalog *toolcatalog.Catalog, plan *planstate.State, doc *contextdoc.Document, known toolcatalog.Registry, cfg Config) *Loop {
	return &Loop{
		llmClient: llmClient,
		registry:  registry,
		runner:    runner,
		coord:     coord,
		pipeline:  pipeline,
		catalog:   catalog,
		plan:      plan,
		doc:       doc,
		known:     known,
		cfg:       cfg.withDefaults(),
	}
}

var searchLikePrefixes = []string{"search", "find", "look up", "lookup", "research"}

func looksLikeSearch(command string) bool {
	lower := strings.ToLower(command)
	for _, p := range searchLikePrefixes {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Run executes the bounded loop for one goal.
func (l *Loop) Run(ctx context.Context, goal string, contextAttrs map[string]any) (Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: executorSystemPrompt},
		{Role: "user", Content: l.buildPack(goal)},
	}

	seenCommands := make(map[string]bool)
	consecutiveCommands := 0
	researchThisTurn := 0
	toolFailures := 0
	iterations := 0

	for iterations < l.cfg.MaxIterations {
		iterations++

		resp, err := l.llmClient.ChatWithTools(ctx, llm.AgentRequest{
			Role:     llm.RoleMind,
			Messages: messages,
			Tools:    llmtools.ExecutorTools(),
		})
		if err != nil {
			return Result{}, fmt.Errorf("executorloop: chat iteration %d: %w", iterations, err)
		}

		tc, ok := firstToolCall(resp)
		if !ok {
			l.doc.RecordDecision("executor", "model returned no tool call; terminating")
			return Result{Done: true, Reason: "no_decision_returned", Iterations: iterations}, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		if tc.Name == "create_tool" {
			l.doc.RecordDecision("executor", "rejected legacy create_tool call in favor of create_workflow")
			messages = append(messages, toolResultMessage(tc.ID, "create_tool is retired; use create_workflow instead"))
			continue
		}

		decision, ok := llmtools.ParseExecutorDecision(tc)
		if !ok {
			l.doc.RecordDecision("executor", "unparseable tool call; terminating")
			return Result{Done: true, Reason: "no_decision_returned", Iterations: iterations}, nil
		}

		switch decision.Outcome {
		case llmtools.ExecutorComplete:
			l.doc.RecordDecision("executor", "COMPLETE: "+decision.Summary)
			return Result{Done: true, Reason: decision.Summary, Iterations: iterations}, nil

		case llmtools.ExecutorBlocked:
			l.doc.RecordDecision("executor", "BLOCKED: "+decision.Reason)
			return Result{Done: false, Reason: decision.Reason, Iterations: iterations}, nil

		case llmtools.ExecutorAnalyze:
			consecutiveCommands = 0
			l.doc.AppendSection(model.SectionExecution, "Analysis: "+decision.Analysis)
			messages = append(messages, toolResultMessage(tc.ID, "analysis recorded"))

		case llmtools.ExecutorCommand:
			if consecutiveCommands >= l.cfg.ConsecutiveCommandCap {
				messages = append(messages, toolResultMessage(tc.ID, "refused: analyze before issuing another command"))
				continue
			}
			if seenCommands[decision.Command] {
				messages = append(messages, toolResultMessage(tc.ID, "refused: duplicate of an exact prior command"))
				continue
			}
			if looksLikeSearch(decision.Command) {
				if researchThisTurn >= l.cfg.ResearchCap {
					messages = append(messages, toolResultMessage(tc.ID, "refused: research-call cap reached for this turn"))
					continue
				}
				researchThisTurn++
			}
			seenCommands[decision.Command] = true
			consecutiveCommands++

			outcome, err := l.runCommand(ctx, decision, contextAttrs)
			if err != nil {
				toolFailures++
				l.doc.AppendSection(model.SectionExecution, fmt.Sprintf("Command failed: %s (%v)", decision.Command, err))
				messages = append(messages, toolResultMessage(tc.ID, fmt.Sprintf("command failed: %v", err)))
				if toolFailures >= l.cfg.ToolFailureCap {
					l.doc.RecordDecision("executor", "BLOCKED: tool_failure_cap_reached")
					return Result{Done: false, Reason: "tool_failure_cap_reached", Iterations: iterations}, nil
				}
				continue
			}
			l.doc.AppendSection(model.SectionExecution, fmt.Sprintf("Command: %s -> %s", decision.Command, outcome))
			messages = append(messages, toolResultMessage(tc.ID, outcome))

		case llmtools.ExecutorCreateWorkflow:
			outcome, halt := l.runCreateWorkflow(ctx, decision)
			messages = append(messages, toolResultMessage(tc.ID, outcome))
			if halt {
				l.doc.RecordDecision("executor", "BLOCKED: "+outcome)
				return Result{Done: false, Reason: "create_workflow_failed", Iterations: iterations}, nil
			}
		}
	}

	l.doc.RecordDecision("executor", "DONE: max_iterations_reached")
	return Result{Done: true, Reason: "max_iterations_reached", Iterations: iterations}, nil
}

// runCommand implements workflow_manager.try_workflow_execution-then-fallback:
// resolve the command against the registry by trigger/hint first, falling
// back to the agent loop (C10) with the command text as its goal.
func (l *Loop) runCommand(ctx context.Context, decision llmtools.ExecutorDecision, contextAttrs map[string]any) (string, error) {
	candidateName := decision.WorkflowHint
	if candidateName == "" {
		candidateName = decision.Command
	}

	if wf, ok := l.registry.ByName(candidateName); ok {
		return l.execWorkflow(ctx, wf, contextAttrs)
	}
	if matches := l.registry.ByTrigger(candidateName); len(matches) > 0 {
		return l.execWorkflow(ctx, matches[0], contextAttrs)
	}

	result, err := l.coord.Run(ctx, decision.Command, contextAttrs)
	if err != nil {
		return "", err
	}
	if !result.Done {
		return "", fmt.Errorf("agent loop blocked: %s", result.Reason)
	}
	return fmt.Sprintf("agent loop completed: %s (%d iterations)", result.Reason, result.Iterations), nil
}

func (l *Loop) execWorkflow(ctx context.Context, wf model.Workflow, contextAttrs map[string]any) (string, error) {
	stepResult, err := l.runner.Run(ctx, wf, nil, contextAttrs)
	if err != nil {
		return "", err
	}
	if stepResult.Error != "" {
		return "", fmt.Errorf("%s", stepResult.Error)
	}
	return fmt.Sprintf("workflow %s completed in %d steps", wf.Name, stepResult.StepsExecuted), nil
}

// runCreateWorkflow wires a declared workflow's tools through tool.create
// (C9), validates they registered, then registers the workflow itself.
// Returns (message, halt) where halt means any failure stopped execution.
func (l *Loop) runCreateWorkflow(ctx context.Context, decision llmtools.ExecutorDecision) (string, bool) {
	for _, toolName := range decision.Tools {
		if l.catalog.Has(toolName) {
			continue
		}
		spec, ok := decision.ToolSpecs[toolName]
		if !ok {
			return fmt.Sprintf("missing tool_specs entry for declared tool %q", toolName), true
		}
		handler, ok := l.known[toolName]
		if !ok {
			l.plan.RecordToolCreationFailure(toolName, "no compiled handler available in this process for entrypoint "+toolName, nil)
			return fmt.Sprintf("tool %q has no compiled handler available; spec/impl written for review but cannot register until rebuilt", toolName), true
		}

		bundleDir := filepath.Join(l.cfg.WorkflowsRoot, decision.WorkflowName)
		result, err := l.pipeline.Run(ctx, selfext.Request{
			BundleDir:  bundleDir,
			ToolName:   toolName,
			SpecMD:     spec.SpecMD,
			ImplSource: spec.ImplSource,
			TestSource: spec.TestSource,
			Handler:    handler,
		})
		if err != nil {
			return fmt.Sprintf("tool.create error for %q: %v", toolName, err), true
		}
		if !result.Success || !result.Registered {
			return fmt.Sprintf("tool.create failed for %q: %v", toolName, result.ValidationErrors), true
		}
	}

	// workflow.validate_tools: every declared tool must now resolve.
	for _, toolName := range decision.Tools {
		if !l.catalog.Has(toolName) {
			return fmt.Sprintf("validate_tools: %q still unregistered after tool.create", toolName), true
		}
	}

	steps := make([]model.Step, 0, len(decision.Steps))
	for _, s := range decision.Steps {
		steps = append(steps, model.Step{Name: s.Name, Tool: s.Tool})
	}

	if err := l.registry.Register(model.Workflow{Name: decision.WorkflowName, Steps: steps}); err != nil {
		return fmt.Sprintf("workflow.register failed: %v", err), true
	}

	return fmt.Sprintf("workflow %s registered with %d tool(s)", decision.WorkflowName, len(decision.Tools)), false
}

func (l *Loop) buildPack(goal string) string {
	var b strings.Builder
	b.WriteString("# Goal\n\n")
	b.WriteString(goal)
	b.WriteString("\n\n")
	b.WriteString(l.doc.Render())
	return b.String()
}

func firstToolCall(resp *llm.AgentResponse) (llm.ToolCall, bool) {
	if len(resp.ToolCalls) == 0 {
		return llm.ToolCall{}, false
	}
	return resp.ToolCalls[0], true
}

func toolResultMessage(toolCallID, content string) llm.Message {
	return llm.Message{Role: "tool", Content: content, ToolCallID: toolCallID}
}

const executorSystemPrompt = `You are the executor of a strategic plan's step log. On each turn choose exactly one of:
- command: issue a natural-language instruction to be carried out.
- analyze: record reasoning without issuing a tool call; after 5 consecutive commands, do this before issuing another.
- complete: stop because execution is finished.
- blocked: stop because execution cannot proceed.
- create_workflow: declare a brand-new workflow (and any tools it needs) for registration.

Never repeat an identical prior command. Prefer the narrowest command that makes progress.`
