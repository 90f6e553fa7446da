package planning

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/executorloop"
	"github.com/relayforge/orchestrator/internal/llmtools"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/selfext"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
)

// DefaultMaxLegacyIterations bounds the legacy fallback loop (spec §4.12).
const DefaultMaxLegacyIterations = 5

// DefaultToolFailureCap forces the legacy loop to stop after this many
// failed EXECUTE attempts, mirroring C10/C11's tool-failure safeguard.
const DefaultToolFailureCap = 3

// Config tunes one planning run.
type Config struct {
	MaxLegacyIterations int
	ToolFailureCap      int
	MaxBacktracks       int
	WorkflowsRoot       string
}

func (c Config) withDefaults() Config {
	if c.MaxLegacyIterations <= 0 {
		c.MaxLegacyIterations = DefaultMaxLegacyIterations
	}
	if c.ToolFailureCap <= 0 {
		c.ToolFailureCap = DefaultToolFailureCap
	}
	if c.WorkflowsRoot == "" {
		c.WorkflowsRoot = "workflows"
	}
	return c
}

// Result is the planning loop's terminal outcome.
type Result struct {
	RouteTaken            string
	Done                  bool
	NeedsClarification    bool
	ClarificationQuestion string
	TicketContent         string
	ToolResultsContent    string
	Reason                string
}

// ContextRefresher invokes the external context-refresh collaborator the
// refresh_context route calls out to.
type ContextRefresher interface {
	Refresh(ctx context.Context, goal string) error
}

// ToolGenerator produces a spec/impl/test declaration for a missing tool,
// the LLM generator step self_extension routing calls before handing off
// to C9.
type ToolGenerator interface {
	Generate(ctx context.Context, toolName string) (llmtools.ToolSpecDecl, error)
}

// Loop is Phase 3's outer controller.
type Loop struct {
	llmClient llm.AgentClient
	executor  *executorloop.Loop
	pipeline  *selfext.Pipeline
	catalog   *toolcatalog.Catalog
	plan      *planstate.State
	doc       *contextdoc.Document
	refresher ContextRefresher
	generator ToolGenerator
	known     toolcatalog.Registry
	backtrack *Planner
	cfg       Config
}

// New builds a Loop. refresher and generator may be nil; routes that need
// them fail closed (recorded as a decision) when they are.
func New(llmClient llm.AgentClient, executor *executorloop.Loop, pipeline *selfext.Pipeline, catalog *toolcatalog.Catalog, plan *planstate.State, doc *contextdoc.Document, refresher ContextRefresher, generator ToolGenerator, known toolcatalog.Registry, cfg Config) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		llmClient: llmClient,
		executor:  executor,
		pipeline:  pipeline,
		catalog:   catalog,
		plan:      plan,
		doc:       doc,
		refresher: refresher,
		generator: generator,
		known:     known,
		backtrack: NewPlanner(cfg.MaxBacktracks, nil),
		cfg:       cfg,
	}
}

// Run attempts the STRATEGIC_PLAN format first, falling back to the legacy
// bounded loop when it fails to parse.
func (l *Loop) Run(ctx context.Context, goal string, contextAttrs map[string]any) (Result, error) {
	plan, ok := l.attemptStrategicPlan(ctx, goal)
	if !ok {
		l.doc.RecordDecision("planning", "STRATEGIC_PLAN parse failed; falling back to legacy loop")
		return l.runLegacyLoop(ctx, goal, contextAttrs)
	}
	return l.route(ctx, goal, contextAttrs, plan, false, false)
}

func (l *Loop) attemptStrategicPlan(ctx context.Context, goal string) (llmtools.StrategicPlan, bool) {
	resp, err := l.llmClient.ChatWithTools(ctx, llm.AgentRequest{
		Role: llm.RoleMind,
		Messages: []llm.Message{
			{Role: "system", Content: strategicPlanSystemPrompt},
			{Role: "user", Content: l.buildPack(goal)},
		},
		Tools: []llm.Tool{llmtools.StrategicPlanTool()},
	})
	if err != nil || resp == nil || len(resp.ToolCalls) == 0 {
		return llmtools.StrategicPlan{}, false
	}
	return llmtools.ParseStrategicPlan(resp.ToolCalls[0])
}

func (l *Loop) route(ctx context.Context, goal string, contextAttrs map[string]any, plan llmtools.StrategicPlan, alreadyExecuted, refreshUsed bool) (Result, error) {
	l.doc.RecordDecision("planning", "route_to="+string(plan.RouteTo))

	switch plan.RouteTo {
	case llmtools.RouteSynthesis:
		return Result{RouteTaken: string(plan.RouteTo), Done: true, TicketContent: plan.TicketContent}, nil

	case llmtools.RouteExecutor:
		if alreadyExecuted {
			return Result{RouteTaken: string(plan.RouteTo), Done: true, TicketContent: plan.TicketContent}, nil
		}
		execResult, err := l.executor.Run(ctx, goal, contextAttrs)
		if err != nil {
			return Result{}, fmt.Errorf("planning: executor route: %w", err)
		}
		toolResults := fmt.Sprintf("executor finished: done=%v reason=%s iterations=%d", execResult.Done, execResult.Reason, execResult.Iterations)

		replotted, ok := l.attemptStrategicPlan(ctx, goal)
		if !ok || replotted.RouteTo == llmtools.RouteExecutor {
			return Result{RouteTaken: string(plan.RouteTo), Done: true, ToolResultsContent: toolResults, Reason: execResult.Reason}, nil
		}
		result, err := l.route(ctx, goal, contextAttrs, replotted, true, refreshUsed)
		if err == nil {
			result.ToolResultsContent = toolResults
		}
		return result, err

	case llmtools.RouteRefreshContext:
		if refreshUsed {
			l.doc.RecordDecision("planning", "refresh_context already used; treating as clarify passthrough")
			return Result{RouteTaken: "clarify", Done: true, TicketContent: plan.TicketContent}, nil
		}
		if l.refresher != nil {
			if err := l.refresher.Refresh(ctx, goal); err != nil {
				l.doc.RecordDecision("planning", fmt.Sprintf("context refresh failed: %v", err))
			}
		}
		replotted, ok := l.attemptStrategicPlan(ctx, goal)
		if !ok {
			return l.runLegacyLoop(ctx, goal, contextAttrs)
		}
		return l.route(ctx, goal, contextAttrs, replotted, alreadyExecuted, true)

	case llmtools.RouteClarify, llmtools.RouteBrainstorm:
		return Result{
			RouteTaken:            string(plan.RouteTo),
			Done:                  true,
			NeedsClarification:    plan.RouteTo == llmtools.RouteClarify,
			ClarificationQuestion: plan.ClarificationQuestion,
			TicketContent:         plan.TicketContent,
		}, nil

	case llmtools.RouteSelfExtension:
		if reason, halted := l.runSelfExtension(ctx, plan); halted {
			return Result{RouteTaken: string(plan.RouteTo), Done: false, Reason: reason}, nil
		}
		return l.route(ctx, goal, contextAttrs, llmtools.StrategicPlan{RouteTo: llmtools.RouteExecutor, TicketContent: plan.TicketContent}, alreadyExecuted, refreshUsed)

	default:
		l.doc.RecordDecision("planning", "unrecognized route_to; falling back to legacy loop")
		return l.runLegacyLoop(ctx, goal, contextAttrs)
	}
}

// runSelfExtension generates and registers every missing tool via C9, then
// signals the caller to re-route to executor once. Any failure halts.
func (l *Loop) runSelfExtension(ctx context.Context, plan llmtools.StrategicPlan) (string, bool) {
	created := make([]string, 0, len(plan.MissingTools))
	for _, toolName := range plan.MissingTools {
		if l.catalog.Has(toolName) {
			continue
		}
		if l.generator == nil {
			l.plan.RecordToolCreationFailure(toolName, "no tool generator configured", nil)
			return fmt.Sprintf("no tool generator configured for %q", toolName), true
		}
		spec, err := l.generator.Generate(ctx, toolName)
		if err != nil {
			l.plan.RecordToolCreationFailure(toolName, err.Error(), nil)
			return fmt.Sprintf("generation failed for %q: %v", toolName, err), true
		}
		handler, ok := l.known[toolName]
		if !ok {
			l.plan.RecordToolCreationFailure(toolName, "no compiled handler available for entrypoint "+toolName, nil)
			return fmt.Sprintf("tool %q has no compiled handler available", toolName), true
		}

		bundleDir := filepath.Join(l.cfg.WorkflowsRoot, "self_extension")
		result, err := l.pipeline.Run(ctx, selfext.Request{
			BundleDir:  bundleDir,
			ToolName:   toolName,
			SpecMD:     spec.SpecMD,
			ImplSource: spec.ImplSource,
			TestSource: spec.TestSource,
			Handler:    handler,
		})
		if err != nil || !result.Success || !result.Registered {
			return fmt.Sprintf("tool.create failed for %q: %v (%v)", toolName, err, result.ValidationErrors), true
		}
		created = append(created, toolName)
	}
	l.doc.RecordDecision("planning", "self_extension created: "+strings.Join(created, ","))
	return "", false
}

// runLegacyLoop is the bounded fallback loop when STRATEGIC_PLAN parsing
// fails: {EXECUTE | REFRESH_CONTEXT | COMPLETE}, with REFRESH_CONTEXT
// permanently demoted to EXECUTE for the life of this loop (spec §4.12's
// resolved Open Question), and backtracking on repeated EXECUTE failure.
func (l *Loop) runLegacyLoop(ctx context.Context, goal string, contextAttrs map[string]any) (Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: legacySystemPrompt},
		{Role: "user", Content: l.buildPack(goal)},
	}

	state := l.backtrack.NewExecutionState(nil)
	toolFailures := 0

	for iter := 1; iter <= l.cfg.MaxLegacyIterations; iter++ {
		resp, err := l.llmClient.ChatWithTools(ctx, llm.AgentRequest{
			Role:     llm.RoleMind,
			Messages: messages,
			Tools:    llmtools.LegacyTools(),
		})
		if err != nil {
			return Result{}, fmt.Errorf("planning: legacy loop iteration %d: %w", iter, err)
		}
		if resp == nil || len(resp.ToolCalls) == 0 {
			return Result{RouteTaken: "legacy", Done: true, Reason: "no_decision_returned"}, nil
		}
		tc := resp.ToolCalls[0]
		decision, ok := llmtools.ParseLegacyDecision(tc)
		if !ok {
			return Result{RouteTaken: "legacy", Done: true, Reason: "no_decision_returned"}, nil
		}
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		if decision.Outcome == llmtools.LegacyRefreshContext {
			l.doc.RecordDecision("planning", "refresh_context demoted to execute inside legacy loop")
			decision.Outcome = llmtools.LegacyExecute
			if decision.Command == "" {
				decision.Command = goal
			}
		}

		switch decision.Outcome {
		case llmtools.LegacyComplete:
			return Result{RouteTaken: "legacy", Done: true, Reason: decision.Summary}, nil

		case llmtools.LegacyExecute:
			checkpoint := l.backtrack.Checkpoint(iter, l.plan.Data().Goals)
			execResult, err := l.executor.Run(ctx, decision.Command, contextAttrs)
			if err != nil {
				return Result{}, fmt.Errorf("planning: legacy execute: %w", err)
			}
			if !execResult.Done {
				toolFailures++
				decisionBT := l.backtrack.HandleViolation(state, "execution", "execution", execResult.Reason, iter)
				if decisionBT.Strategy == StrategyAbort || toolFailures >= l.cfg.ToolFailureCap {
					return Result{RouteTaken: "legacy", Done: false, Reason: "tool_failure_cap_reached"}, nil
				}
				restored, retry := l.backtrack.Backtrack(checkpoint, state)
				if !retry {
					return Result{RouteTaken: "legacy", Done: false, Reason: "backtrack_exhausted"}, nil
				}
				l.plan.InitGoals(goalsToAny(restored))
				messages = append(messages, toolResultMessage(tc.ID, fmt.Sprintf("execute failed (%s); backtracked via %s", execResult.Reason, decisionBT.Strategy)))
				continue
			}
			messages = append(messages, toolResultMessage(tc.ID, fmt.Sprintf("execute completed: %s", execResult.Reason)))
		}
	}

	return Result{RouteTaken: "legacy", Done: true, Reason: "legacy_max_iterations_reached"}, nil
}

func goalsToAny(goals []model.Goal) []any {
	out := make([]any, 0, len(goals))
	for _, g := range goals {
		out = append(out, map[string]any{"id": g.ID, "description": g.Description, "status": g.Status})
	}
	return out
}

func (l *Loop) buildPack(goal string) string {
	var b strings.Builder
	b.WriteString("# Goal\n\n")
	b.WriteString(goal)
	b.WriteString("\n\n")
	b.WriteString(l.doc.Render())
	return b.String()
}

func toolResultMessage(toolCallID, content string) llm.Message {
	return llm.Message{Role: "tool", Content: content, ToolCallID: toolCallID}
}

const strategicPlanSystemPrompt = `You are the strategic planner. Submit one strategic plan choosing a route:
synthesis, executor, refresh_context, clarify, brainstorm, or self_extension.`

const legacySystemPrompt = `The strategic plan could not be parsed. Fall back to a simple loop: choose
execute, refresh_context, or complete on each turn.`
