// Package coordinator implements the Agent Loop (C10): a bounded
// tool-calling loop that selects and runs workflows until the model signals
// DONE or BLOCKED, with research-duplication and circular-call guards.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/llmtools"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/workflow"

	"github.com/relayforge/orchestrator/common/llm"
)

// DefaultMaxSteps bounds the agent loop (spec §4.10).
const DefaultMaxSteps = 10

// DefaultInterventionTimeout bounds a category-B intervention wait
// (spec §5: "default 180s intervention").
const DefaultInterventionTimeout = 180 * time.Second

// InterventionDecision is the human's resolution of a category-B failure.
type InterventionDecision string

const (
	InterventionProceed InterventionDecision = "proceed"
	InterventionSkip    InterventionDecision = "skip"
	InterventionCancel  InterventionDecision = "cancel"
)

// InterventionRequester asks a human to resolve a category-B tool failure.
// Timing out must default to skip (spec §5).
type InterventionRequester interface {
	RequestIntervention(ctx context.Context, reason string, timeout time.Duration) (InterventionDecision, error)
}

// categoryBPatterns classifies failures that warrant human intervention
// rather than silent retry, per spec §4.10.
var categoryBPatterns = []string{
	"authentication", "permission", "service_unavailable", "rate_limit",
	"invalid_tool", "schema_validation",
}

func classifyCategoryB(errText string) (string, bool) {
	lower := strings.ToLower(errText)
	for _, p := range categoryBPatterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// Config tunes one coordinator run.
type Config struct {
	MaxSteps            int
	InterventionTimeout time.Duration
	// TaskKind enables early termination: "navigational" completes after 2
	// claims, "commerce" after 5 claims once at least 3 iterations have run.
	TaskKind string
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.InterventionTimeout <= 0 {
		c.InterventionTimeout = DefaultInterventionTimeout
	}
	return c
}

// Result is the coordinator's terminal outcome.
type Result struct {
	Done             bool
	Reason           string
	Iterations       int
	ToolCalls        int
	Claims           []model.Claim
	RejectedProducts []model.RejectedProduct
}

// Coordinator runs the bounded agent loop.
type Coordinator struct {
	llmClient    llm.AgentClient
	registry     *workflow.Registry
	runner       *workflow.Runner
	doc          *contextdoc.Document
	intervention InterventionRequester
	cfg          Config
}

// New builds a Coordinator.
func New(llmClient llm.AgentClient, registry *workflow.Registry, runner *workflow.Runner, doc *contextdoc.Document, intervention InterventionRequester, cfg Config) *Coordinator {
	return &Coordinator{
		llmClient:    llmClient,
		registry:     registry,
		runner:       runner,
		doc:          doc,
		intervention: intervention,
		cfg:          cfg.withDefaults(),
	}
}

type callSignature struct {
	workflow string
	argsHash string
}

// Run executes the bounded loop for one goal, against a context-attribute
// map fed into workflow step templating (session_id, turn_number, and so
// on).
func (c *Coordinator) Run(ctx context.Context, goal string, contextAttrs map[string]any) (Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: coordinatorSystemPrompt},
		{Role: "user", Content: c.buildPack(goal)},
	}

	var history []callSignature
	researched := make(map[string]bool)
	iterations := 0
	toolCalls := 0
	var rejected []model.RejectedProduct

	for iterations < c.cfg.MaxSteps {
		iterations++

		resp, err := c.llmClient.ChatWithTools(ctx, llm.AgentRequest{
			Role:     llm.RoleMind,
			Messages: messages,
			Tools:    llmtools.CoordinatorTools(),
		})
		if err != nil {
			return Result{}, fmt.Errorf("coordinator: chat iteration %d: %w", iterations, err)
		}

		decision, tc, ok := parseDecision(resp)
		if !ok {
			c.doc.RecordDecision("coordinator", "model returned no recognizable decision; terminating")
			return c.finalize(iterations, toolCalls, "no_decision_returned", rejected), nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		switch decision.Outcome {
		case llmtools.OutcomeDone:
			c.doc.RecordDecision("coordinator", "DONE: "+decision.Reason)
			return c.finalize(iterations, toolCalls, decision.Reason, rejected), nil

		case llmtools.OutcomeBlocked:
			c.doc.RecordDecision("coordinator", "BLOCKED: "+decision.Reason)
			result := c.finalize(iterations, toolCalls, decision.Reason, rejected)
			result.Done = false
			return result, nil

		case llmtools.OutcomeWorkflowCall:
			sig := callSignature{workflow: decision.WorkflowSelected, argsHash: hashArgs(decision.WorkflowArgs)}

			if isResearchWorkflow(decision.WorkflowSelected) {
				key := decision.WorkflowSelected + ":" + stringField(decision.WorkflowArgs, "query")
				if researched[key] {
					messages = append(messages, toolResultMessage(tc.ID, "refused: duplicate research query already attempted with no new findings"))
					continue
				}
			}

			if circular := detectCircular(append(history, sig)); circular {
				c.doc.RecordDecision("coordinator", "BLOCKED: circular_call_detected")
				result := c.finalize(iterations, toolCalls, "circular_call_detected", rejected)
				result.Done = false
				return result, nil
			}
			history = append(history, sig)

			outcome, stop, stopResult := c.runWorkflow(ctx, decision, contextAttrs, iterations, &toolCalls, &rejected)
			if stop {
				return stopResult, nil
			}
			if isResearchWorkflow(decision.WorkflowSelected) && len(outcome.Outputs) == 0 {
				researched[decision.WorkflowSelected+":"+stringField(decision.WorkflowArgs, "query")] = true
			}

			messages = append(messages, toolResultMessage(tc.ID, summarizeOutcome(outcome)))

			if done, reason := c.checkEarlyTermination(iterations); done {
				c.doc.RecordDecision("coordinator", "DONE: "+reason)
				return c.finalize(iterations, toolCalls, reason, rejected), nil
			}
		}
	}

	c.doc.RecordDecision("coordinator", "DONE: max_steps_reached")
	return c.finalize(iterations, toolCalls, "max_steps_reached", rejected), nil
}

// runWorkflow dispatches one workflow_call decision, incrementing
// *toolCalls on an attempted dispatch and appending any candidates the
// workflow declares rejected (output key "rejected_products") to *rejected.
func (c *Coordinator) runWorkflow(ctx context.Context, decision llmtools.Decision, contextAttrs map[string]any, iteration int, toolCalls *int, rejected *[]model.RejectedProduct) (model.StepResult, bool, Result) {
	wf, ok := c.registry.ByName(decision.WorkflowSelected)
	if !ok {
		matches := c.registry.ByIntent(decision.WorkflowSelected)
		if len(matches) == 0 {
			matches = c.registry.ByTrigger(decision.WorkflowSelected)
		}
		if len(matches) == 0 {
			return model.StepResult{}, false, Result{}
		}
		wf = matches[0]
	}

	*toolCalls++
	stepResult, err := c.runner.Run(ctx, wf, decision.WorkflowArgs, contextAttrs)
	if err != nil {
		result := c.finalize(iteration, *toolCalls, fmt.Sprintf("workflow_error: %v", err), *rejected)
		result.Done = false
		return stepResult, true, result
	}

	if products, ok := stepResult.Outputs["rejected_products"].([]model.RejectedProduct); ok {
		*rejected = append(*rejected, products...)
	}

	if claims, ok := stepResult.Outputs["claims"].([]model.Claim); ok {
		for _, cl := range claims {
			if cl.Validate() != nil {
				result := c.finalize(iteration, *toolCalls, "critical_failure:missing_source_metadata", *rejected)
				result.Done = false
				return stepResult, true, result
			}
		}
	}

	if stepResult.Error != "" {
		category, isCategoryB := classifyCategoryB(stepResult.Error)
		if isCategoryB && c.intervention != nil {
			decisionVal, err := c.intervention.RequestIntervention(ctx, fmt.Sprintf("%s: %s", category, stepResult.Error), c.cfg.InterventionTimeout)
			if err != nil {
				decisionVal = InterventionSkip
			}
			switch decisionVal {
			case InterventionCancel:
				result := c.finalize(iteration, *toolCalls, "user_cancelled", *rejected)
				result.Done = true
				return stepResult, true, result
			case InterventionProceed:
				// fall through, treat as handled
			default:
				// skip: continue the loop without treating this as fatal
			}
		}
	}

	return stepResult, false, Result{}
}

func (c *Coordinator) checkEarlyTermination(iteration int) (bool, string) {
	claimCount := len(c.doc.Claims())
	switch c.cfg.TaskKind {
	case "navigational":
		if claimCount >= 2 {
			return true, "navigational_task_satisfied"
		}
	case "commerce":
		if claimCount >= 5 && iteration >= 3 {
			return true, "commerce_task_satisfied"
		}
	}
	return false, ""
}

// finalize builds the terminal Result and writes §4's closing summary
// (status, iterations, tool calls, termination reason, claims table,
// rejected-products table), per spec §4.10.
func (c *Coordinator) finalize(iterations, toolCalls int, reason string, rejected []model.RejectedProduct) Result {
	result := Result{
		Done:             true,
		Reason:           reason,
		Iterations:       iterations,
		ToolCalls:        toolCalls,
		Claims:           c.doc.Claims(),
		RejectedProducts: rejected,
	}
	c.doc.AppendSection(model.SectionExecution, renderFinalizationSummary(result))
	return result
}

func renderFinalizationSummary(r Result) string {
	status := "done"
	if !r.Done {
		status = "blocked"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### Finalization\n\n")
	fmt.Fprintf(&b, "status: %s\n", status)
	fmt.Fprintf(&b, "iterations: %d\n", r.Iterations)
	fmt.Fprintf(&b, "tool_calls: %d\n", r.ToolCalls)
	fmt.Fprintf(&b, "termination_reason: %s\n\n", r.Reason)

	b.WriteString("#### Claims\n\n")
	if len(r.Claims) == 0 {
		b.WriteString("_(no claims)_\n\n")
	} else {
		for _, cl := range r.Claims {
			ref := cl.URL
			if ref == "" {
				ref = cl.SourceRef
			}
			fmt.Fprintf(&b, "- [%s] (confidence=%.2f, %s) %s — %s\n", cl.ID, cl.Confidence, cl.Source, cl.Content, ref)
		}
		b.WriteString("\n")
	}

	b.WriteString("#### Rejected products\n\n")
	if len(r.RejectedProducts) == 0 {
		b.WriteString("_(none)_\n")
	} else {
		for _, p := range r.RejectedProducts {
			fmt.Fprintf(&b, "- %s — %s\n", p.Name, p.Reason)
		}
	}

	return b.String()
}

func (c *Coordinator) buildPack(goal string) string {
	var b strings.Builder
	b.WriteString("# Goal\n\n")
	b.WriteString(goal)
	b.WriteString("\n\n")
	b.WriteString(c.doc.Render())
	return b.String()
}

func parseDecision(resp *llm.AgentResponse) (llmtools.Decision, llm.ToolCall, bool) {
	for _, tc := range resp.ToolCalls {
		if d, ok := llmtools.ParseDecision(tc); ok {
			return d, tc, true
		}
	}
	return llmtools.Decision{}, llm.ToolCall{}, false
}

func isResearchWorkflow(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "research") || strings.Contains(lower, "internet.")
}

func detectCircular(history []callSignature) bool {
	n := len(history)
	if n < 3 {
		return false
	}
	if allEqual(history[n-3:]) {
		return true
	}
	if n >= 4 && history[n-1] == history[n-3] && history[n-2] == history[n-4] && history[n-1] != history[n-2] {
		return true
	}
	return false
}

func allEqual(sigs []callSignature) bool {
	if len(sigs) < 3 {
		return false
	}
	first := sigs[0]
	for _, s := range sigs {
		if s != first {
			return false
		}
	}
	return true
}

func hashArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		data, _ := json.Marshal(args[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(data)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func stringField(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func summarizeOutcome(r model.StepResult) string {
	data, err := json.Marshal(map[string]any{
		"success":        r.Success,
		"steps_executed": r.StepsExecuted,
		"outputs":        r.Outputs,
		"error":          r.Error,
		"fallback_used":  r.FallbackUsed,
	})
	if err != nil {
		return fmt.Sprintf("workflow completed (success=%v)", r.Success)
	}
	return string(data)
}

func toolResultMessage(toolCallID, content string) llm.Message {
	return llm.Message{Role: "tool", Content: content, ToolCallID: toolCallID}
}

const coordinatorSystemPrompt = `You are the coordinator of an execution loop. On each turn choose exactly one of:
- workflow_call: run a named workflow (or an intent/trigger string the registry resolves) with its arguments.
- blocked: stop and report why this goal cannot proceed.
- done: stop because the goal is satisfied; explain why.

Never repeat an identical research query that already returned nothing. Prefer the narrowest workflow that makes progress.`
