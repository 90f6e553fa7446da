// Package phaserunner implements the Phase Runner (C13): the top-level
// request handler that sequences Phase 0 through Phase 8, owning the
// bounded Planning-Synthesis-Validation retry loop (spec §4.13).
package phaserunner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/constraints"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/docpack"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planning"
	"github.com/relayforge/orchestrator/internal/turn"
	"github.com/relayforge/orchestrator/internal/validation"
)

// DefaultMaxValidationRetries bounds the Planning-Synthesis-Validation loop
// (spec §4.13 step 5); the Validation & Retry Controller (C14) enforces the
// same budget internally, so the Runner simply defers to it via CanRetry.
const DefaultMaxValidationRetries = 3

// researchFailedKeywords mark a synthesizer INVALID response as an
// unretryable research failure rather than a retryable synthesis defect.
var researchFailedKeywords = []string{
	"no findings", "no successful tool", "research failed",
	"couldn't find", "could not find", "unable to find",
	"no results", "zero results", "empty results",
	"multiple attempts", "repeated attempts", "search failed",
}

// workflowMismatchPattern extracts the corrected workflow name from a
// suggested_fixes entry of the form "workflow_mismatch: ... Should have
// used X".
var workflowMismatchPattern = regexp.MustCompile(`Should have used (\w+)`)

const (
	fallbackNoReliableInfo = "I apologize, but I wasn't able to find reliable information to answer your question. " +
		"The research I attempted didn't return sufficient results. " +
		"Would you like me to try a different approach, or could you rephrase your question?"
	fallbackInsufficientInfo = "I apologize, but I wasn't able to complete your request successfully. " +
		"The information I gathered wasn't sufficient to provide a reliable response. " +
		"Could you try rephrasing your question, or would you like me to try again?"
)

// ContextGatherer is Phase 2's collaborator: reading prior turns and memory
// and producing §2's body plus its source references. Left nil, Phase 2
// records that no prior-turn memory was consulted.
type ContextGatherer interface {
	Gather(ctx context.Context, query string) (body string, sources []model.SourceReference, err error)
}

// MultiTaskHandler takes over when Phase 0's query analysis reports
// is_multi_task=true. Left nil, multi-task queries are run through the
// single-task pipeline unchanged.
type MultiTaskHandler interface {
	Handle(ctx context.Context, query string, qa model.QueryAnalysis) (Outcome, error)
}

// Config tunes one Runner. Zero values take the spec's defaults.
type Config struct {
	MaxValidationRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxValidationRetries <= 0 {
		c.MaxValidationRetries = DefaultMaxValidationRetries
	}
	return c
}

// Outcome is the Phase Runner's terminal result for one turn.
type Outcome struct {
	Response              string
	NeedsClarification     bool
	ClarificationQuestion string
	ValidationPassed       bool
	RetryCount             int
	Metrics                model.TurnMetrics
}

// Runner sequences one turn's phases end to end. One Runner serves a
// single turn.
type Runner struct {
	llmClient        llm.Client
	doc              *contextdoc.Document
	t                *turn.Turn
	planningLoop     *planning.Loop
	validationCtrl   *validation.Controller
	packs            *docpack.Builder
	reflectionRecipe model.Recipe
	synthesisRecipe  model.Recipe
	extractor        constraints.Extractor
	gatherer         ContextGatherer
	multiTask        MultiTaskHandler
	cfg              Config

	metrics model.TurnMetrics
}

// New constructs a Runner for one turn. planningLoop and validationCtrl are
// fully wired collaborators (C12 and C14) built by the caller.
func New(llmClient llm.Client, doc *contextdoc.Document, t *turn.Turn, planningLoop *planning.Loop, validationCtrl *validation.Controller, reflectionRecipe, synthesisRecipe model.Recipe, cfg Config) *Runner {
	return &Runner{
		llmClient:        llmClient,
		doc:              doc,
		t:                t,
		planningLoop:     planningLoop,
		validationCtrl:   validationCtrl,
		packs:            docpack.NewBuilder(llmClient),
		reflectionRecipe: reflectionRecipe,
		synthesisRecipe:  synthesisRecipe,
		cfg:              cfg.withDefaults(),
	}
}

// WithContextGatherer attaches Phase 2's prior-turn/memory collaborator.
func (r *Runner) WithContextGatherer(g ContextGatherer) *Runner {
	r.gatherer = g
	return r
}

// WithMultiTaskHandler attaches the Phase 0 multi-task delegate.
func (r *Runner) WithMultiTaskHandler(h MultiTaskHandler) *Runner {
	r.multiTask = h
	return r
}

// Run executes Phase 0 through Phase 8 for one query. qa is Phase 0's
// output; Phase 0 itself (the Query Analyzer) runs upstream of this core
// per spec §4.13 step 1, so Run accepts its result rather than producing
// it. A nil qa gets a minimal single-task analysis filled in.
func (r *Runner) Run(ctx context.Context, query string, qa *model.QueryAnalysis) (Outcome, error) {
	r.metrics = model.TurnMetrics{TurnStart: time.Now()}

	analysis := r.phase0(query, qa)
	if analysis.IsMultiTask && r.multiTask != nil {
		return r.multiTask.Handle(ctx, query, analysis)
	}

	decision, clarifyQ, err := r.phase1Reflection(ctx, query)
	if err != nil {
		return Outcome{}, fmt.Errorf("phaserunner: phase 1.5 reflection: %w", err)
	}
	if decision == "CLARIFY" {
		return Outcome{NeedsClarification: true, ClarificationQuestion: clarifyQ}, nil
	}

	if err := r.phase2Context(ctx, query); err != nil {
		return Outcome{}, fmt.Errorf("phaserunner: phase 2 context: %w", err)
	}

	r.phase2_5Constraints(query)

	response, lastResult, attempt, shortCircuit, err := r.retryLoop(ctx, query)
	if err != nil {
		return Outcome{}, fmt.Errorf("phaserunner: retry loop: %w", err)
	}

	validationPassed := !shortCircuit && (lastResult.Decision == model.DecisionApprove || lastResult.Decision == model.DecisionApprovePartial)
	response = malformedResponseGuard(response)

	if err := r.phase8Save(lastResult, validationPassed); err != nil {
		return Outcome{}, fmt.Errorf("phaserunner: phase 8 save: %w", err)
	}

	r.metrics.Retries = attempt
	r.metrics.ClaimsCount = len(r.doc.Claims())
	r.metrics.QualityScore = lastResult.Confidence
	r.metrics.ValidationOutcome = lastResult.Decision
	r.metrics.Decisions = r.doc.Decisions()
	for _, usage := range r.t.Manifest().TokensByPhase {
		r.metrics.TotalPromptTokens += usage.PromptTokens
		r.metrics.TotalCompletionTokens += usage.CompletionTokens
	}
	r.metrics.TurnEnd = time.Now()
	r.metrics.TotalDurationMS = r.metrics.TurnEnd.Sub(r.metrics.TurnStart).Milliseconds()
	if err := r.t.WriteJSON(turn.DocTurnMetrics, r.metrics); err != nil {
		return Outcome{}, fmt.Errorf("phaserunner: write turn metrics: %w", err)
	}

	return Outcome{
		Response:         response,
		ValidationPassed: validationPassed,
		RetryCount:       attempt,
		Metrics:          r.metrics,
	}, nil
}

// phase0 is a thin pass-through: the Query Analyzer itself runs upstream of
// this core (spec §4.13 step 1). A caller-supplied analysis is recorded
// as-is; a nil one gets a minimal single-task fallback so the pipeline
// always has §0 to work from.
func (r *Runner) phase0(query string, qa *model.QueryAnalysis) model.QueryAnalysis {
	pt := r.startPhase("phase0_query_analysis")
	defer func() { r.endPhase(pt) }()

	var analysis model.QueryAnalysis
	if qa != nil {
		analysis = *qa
	} else {
		analysis = model.QueryAnalysis{UserPurpose: query, ActionNeeded: "respond"}
	}
	r.doc.SetQueryAnalysis(analysis)
	r.doc.RecordDecision("phase0", "query analysis accepted")
	return analysis
}

type reflectionResult struct {
	Decision              string  `json:"decision"`
	Reasoning             string  `json:"reasoning"`
	InteractionType        string  `json:"interaction_type,omitempty"`
	IsFollowup             bool    `json:"is_followup"`
	Confidence             float64 `json:"confidence"`
	StrategyHint           string  `json:"strategy_hint,omitempty"`
	ClarificationQuestion string  `json:"clarification_question,omitempty"`
}

const reflectionSystemPrompt = "You decide whether the gathered context is sufficient to proceed with a query, " +
	"or whether the user must be asked to clarify. Respond PROCEED or CLARIFY."

// phase1Reflection is Phase 1.5: a fast binary classifier deciding PROCEED
// or CLARIFY, writing §1 (spec §4.13 step 2).
func (r *Runner) phase1Reflection(ctx context.Context, query string) (decision, clarifyQuestion string, err error) {
	pt := r.startPhase("phase1_5_reflection")
	defer func() { r.endPhase(pt) }()

	r.syncContextDoc()
	pack, err := r.packs.Build(ctx, r.t, r.reflectionRecipe)
	if err != nil {
		return "", "", fmt.Errorf("build reflection pack: %w", err)
	}

	var result reflectionResult
	resp, err := r.llmClient.Chat(ctx, llm.Request{
		Role:         llm.RoleReflex,
		SystemPrompt: reflectionSystemPrompt,
		UserPrompt:   pack.Prompt,
		SchemaName:   "reflection_decision",
		Schema:       llm.GenerateSchema[reflectionResult](),
	}, &result)
	if err != nil {
		return "", "", fmt.Errorf("reflection llm call: %w", err)
	}
	if resp != nil {
		r.t.RecordTokens("phase1_5_reflection", resp.PromptTokens, resp.CompletionTokens)
	}

	if result.Decision == "" {
		result.Decision = "PROCEED"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Decision:** %s\n**Reasoning:** %s\n**Interaction Type:** %s\n**Is Follow-up:** %v\n**Confidence:** %.2f\n",
		result.Decision, result.Reasoning, result.InteractionType, result.IsFollowup, result.Confidence)
	if result.StrategyHint != "" {
		fmt.Fprintf(&b, "**Strategy Hint:** %s\n", result.StrategyHint)
	}
	if result.Decision == "CLARIFY" && result.ClarificationQuestion != "" {
		fmt.Fprintf(&b, "**Clarification Question:** %s\n", result.ClarificationQuestion)
	}
	if err := r.doc.SetSection(model.SectionValidation, b.String()); err != nil {
		return "", "", err
	}
	r.doc.RecordDecision("phase1_5", "decision="+result.Decision)

	return result.Decision, result.ClarificationQuestion, nil
}

// phase2Context is Phase 2: reading prior turns/memory into §2 and the
// source-reference list (spec §4.13 step 3).
func (r *Runner) phase2Context(ctx context.Context, query string) error {
	pt := r.startPhase("phase2_context")
	defer func() { r.endPhase(pt) }()

	if r.gatherer == nil {
		r.doc.RecordDecision("phase2", "no context gatherer configured; §2 left empty")
		return r.doc.SetSection(model.SectionContext, "_No prior-turn memory consulted._")
	}

	body, sources, err := r.gatherer.Gather(ctx, query)
	if err != nil {
		return fmt.Errorf("gather context: %w", err)
	}
	if err := r.doc.SetSection(model.SectionContext, body); err != nil {
		return err
	}
	for _, s := range sources {
		r.doc.AddSource(s)
	}
	r.doc.RecordDecision("phase2", fmt.Sprintf("gathered %d source(s)", len(sources)))
	return nil
}

// phase2_5Constraints extracts budget/file-size/time constraints from the
// query and §2, persists constraints.json (always, even if empty, for
// contract compliance), and appends the Constraints block to §1 (spec
// §4.13 step 4).
func (r *Runner) phase2_5Constraints(query string) {
	pt := r.startPhase("phase2_5_constraints")
	defer func() { r.endPhase(pt) }()

	gathered, _ := r.doc.Section(model.SectionContext)
	cs := r.extractor.Extract(query, gathered)

	if err := r.t.WriteJSON(turn.DocConstraints, cs); err != nil {
		r.doc.RecordDecision("phase2_5", fmt.Sprintf("failed to write constraints.json: %v", err))
	}

	block := constraints.FormatBlock(cs)
	if _, ok := r.doc.Section(model.SectionValidation); ok {
		r.doc.AppendSection(model.SectionValidation, block)
	} else {
		r.doc.SetSection(model.SectionValidation, block)
	}

	if len(cs) > 0 {
		r.doc.RecordDecision("phase2_5", fmt.Sprintf("extracted %d constraint(s)", len(cs)))
	} else {
		r.doc.RecordDecision("phase2_5", "no constraints extracted")
	}
}

type synthesisResult struct {
	Type                string            `json:"_type,omitempty"`
	Answer              string            `json:"answer,omitempty"`
	Reason              string            `json:"reason,omitempty"`
	ValidationChecklist []checklistItem   `json:"validation_checklist,omitempty"`
}

type checklistItem struct {
	Item   string `json:"item"`
	Status string `json:"status"`
}

const synthesisSystemPrompt = "You write the user-facing response from the gathered context and tool results. " +
	"If the context is insufficient to answer, respond with _type=INVALID and a reason instead of guessing."

// retryLoop is spec §4.13 step 5: the bounded Planning-Synthesis-Validation
// loop, tracking the best-seen response by confidence across attempts.
func (r *Runner) retryLoop(ctx context.Context, query string) (response string, lastResult model.ValidationResult, attempt int, shortCircuit bool, err error) {
	var bestResponse string
	bestConfidence := -1.0
	bestAttempt := 0

	for attempt = 0; ; attempt++ {
		planResult, perr := r.planningLoop.Run(ctx, query, map[string]any{})
		if perr != nil {
			return "", model.ValidationResult{Decision: model.DecisionFail}, attempt, false, fmt.Errorf("planning: %w", perr)
		}
		r.doc.AppendSection(model.SectionPlan, fmt.Sprintf("Route: %s\nReason: %s", planResult.RouteTaken, planResult.Reason))
		if planResult.TicketContent != "" {
			_ = r.t.WriteDoc(turn.DocTicket, []byte(planResult.TicketContent))
		}
		if planResult.ToolResultsContent != "" {
			_ = r.t.WriteDoc(turn.DocToolResults, []byte(planResult.ToolResultsContent))
		}
		if planResult.NeedsClarification {
			return "", model.ValidationResult{Decision: model.DecisionFail}, attempt, false, nil
		}

		coordinatorBlocked := r.coordinatorBlocked()

		draft, invalidReason, invalid, serr := r.synthesize(ctx)
		if serr != nil {
			return "", model.ValidationResult{}, attempt, false, fmt.Errorf("synthesis: %w", serr)
		}

		if invalid {
			if isResearchFailure(invalidReason) {
				response = fmt.Sprintf("I wasn't able to find the information you requested. %s", invalidReason)
				return response, model.ValidationResult{Decision: model.DecisionFail, Confidence: 0}, attempt, true, nil
			}
			if r.validationCtrl.CanRetry(attempt) {
				synthFail := model.ValidationResult{
					Decision:       model.DecisionRetry,
					Issues:         []string{"synthesizer returned INVALID: " + invalidReason},
					FailureContext: &model.FailureContext{Reason: "synthesis_invalid"},
				}
				if _, rerr := r.validationCtrl.PrepareRetry(r.t, attempt, synthFail); rerr != nil {
					return "", model.ValidationResult{}, attempt, false, rerr
				}
				lastResult = synthFail
				continue
			}
			return "", model.ValidationResult{Decision: model.DecisionFail}, attempt, false, nil
		}

		validated, result, verr := r.validateWithRevision(ctx, draft)
		if verr != nil {
			return "", model.ValidationResult{}, attempt, false, fmt.Errorf("validate: %w", verr)
		}
		lastResult = result

		if result.Confidence > bestConfidence && validated != "" {
			bestResponse, bestConfidence, bestAttempt = validated, result.Confidence, attempt+1
		}

		switch result.Decision {
		case model.DecisionApprove, model.DecisionApprovePartial:
			return validated, result, attempt, false, nil

		case model.DecisionRetry:
			if coordinatorBlocked {
				r.doc.RecordDecision("phase7", "skipping RETRY: coordinator was BLOCKED")
				return validated, result, attempt, false, nil
			}
			if !r.validationCtrl.CanRetry(attempt) {
				break
			}
			outcome, rerr := r.validationCtrl.PrepareRetry(r.t, attempt, result)
			if rerr != nil {
				return "", model.ValidationResult{}, attempt, false, rerr
			}
			r.applyWorkflowMismatchCorrection(outcome.RetryContext.SuggestedFixes)
			continue

		default: // FAIL or unrecognized
			if result.Decision == model.DecisionFail {
				if bestResponse != "" && bestConfidence > result.Confidence {
					r.doc.RecordDecision("phase7", fmt.Sprintf("FAIL: using best-seen from attempt %d", bestAttempt))
					return bestResponse, result, attempt, false, nil
				}
				if strings.TrimSpace(validated) == "" {
					return fallbackInsufficientInfo, result, attempt, false, nil
				}
			}
			return validated, result, attempt, false, nil
		}

		// MaxRetries exhausted on a RETRY decision: prefer best-seen.
		if bestResponse != "" && bestConfidence > result.Confidence {
			r.doc.RecordDecision("phase7", fmt.Sprintf("max retries reached; using best-seen from attempt %d", bestAttempt))
			return bestResponse, model.ValidationResult{Decision: model.DecisionApprovePartial, Confidence: bestConfidence}, attempt, false, nil
		}
		return validated, result, attempt, false, nil
	}
}

// validateWithRevision runs Validate, and while the decision is REVISE and
// the revision budget allows, revises in place and re-validates without
// consuming an outer retry attempt (spec §4.14 step 6).
func (r *Runner) validateWithRevision(ctx context.Context, draft string) (string, model.ValidationResult, error) {
	response := draft
	result, err := r.validationCtrl.Validate(ctx, r.t, response)
	for err == nil && result.Decision == model.DecisionRevise && r.validationCtrl.CanRevise() {
		var revised string
		revised, err = r.validationCtrl.Revise(ctx, r.t, response, result)
		if err != nil {
			break
		}
		response = revised
		result, err = r.validationCtrl.Validate(ctx, r.t, response)
	}
	return response, result, err
}

// synthesize runs Phase 6: a docpack-packed LLM call at role=voice
// producing the draft response, tolerating an explicit _type=INVALID
// refusal from the model (spec §4.13 step 5b).
func (r *Runner) synthesize(ctx context.Context) (draft, invalidReason string, invalid bool, err error) {
	pt := r.startPhase("phase6_synthesis")
	defer func() { r.endPhase(pt) }()

	r.syncContextDoc()
	pack, err := r.packs.Build(ctx, r.t, r.synthesisRecipe)
	if err != nil {
		return "", "", false, fmt.Errorf("build synthesis pack: %w", err)
	}

	var result synthesisResult
	resp, err := r.llmClient.Chat(ctx, llm.Request{
		Role:         llm.RoleVoice,
		SystemPrompt: synthesisSystemPrompt,
		UserPrompt:   pack.Prompt,
		SchemaName:   "synthesis_response",
		Schema:       llm.GenerateSchema[synthesisResult](),
	}, &result)
	if err != nil {
		return "", "", false, fmt.Errorf("synthesis llm call: %w", err)
	}
	if resp != nil {
		r.t.RecordTokens("phase6_synthesis", resp.PromptTokens, resp.CompletionTokens)
	}

	if result.Type == "INVALID" {
		return "", result.Reason, true, nil
	}

	section := fmt.Sprintf("**Draft Response:**\n%s\n\n**Validation Checklist:**\n%s\n", result.Answer, formatChecklist(result.ValidationChecklist))
	r.doc.SetSection(model.SectionSynthesis, section)

	return result.Answer, "", false, nil
}

func formatChecklist(items []checklistItem) string {
	if len(items) == 0 {
		return strings.Join([]string{
			"- [ ] Claims match evidence",
			"- [ ] User purpose satisfied",
			"- [ ] No hallucinations from prior context",
			"- [ ] Appropriate format",
			"- [ ] Sources include url + source_ref",
		}, "\n")
	}
	var b strings.Builder
	for i, it := range items {
		mark := " "
		label := it.Item
		switch strings.ToLower(it.Status) {
		case "pass", "true", "yes":
			mark = "x"
		case "na", "n/a":
			label = label + " (n/a)"
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- [%s] %s", mark, label)
	}
	return b.String()
}

func isResearchFailure(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kw := range researchFailedKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// coordinatorBlocked reports whether any decision this turn recorded a
// BLOCKED outcome from the coordinator or executor loop — the Go
// equivalent of scanning §4 for "BLOCKED" text, read off the structured
// decision trail instead of re-parsing rendered markdown.
func (r *Runner) coordinatorBlocked() bool {
	for _, d := range r.doc.Decisions() {
		if (d.Phase == "coordinator" || d.Phase == "executor") && strings.HasPrefix(d.Detail, "BLOCKED") {
			return true
		}
	}
	return false
}

// applyWorkflowMismatchCorrection looks for a "workflow_mismatch: ..."
// suggested fix and records the corrected workflow as a decision, which
// folds back into the next planning attempt's prompt via doc.Render().
func (r *Runner) applyWorkflowMismatchCorrection(fixes []string) {
	for _, fix := range fixes {
		if !strings.HasPrefix(fix, "workflow_mismatch:") {
			continue
		}
		m := workflowMismatchPattern.FindStringSubmatch(fix)
		if len(m) == 2 {
			r.doc.RecordDecision("planning_hint", fmt.Sprintf("corrected_workflow=%s (%s)", m[1], fix))
		}
	}
}

// malformedResponseGuard replaces an empty response with a user-safe
// fallback (spec §4.13 step 6). Our synthesis path already refuses via a
// structured _type=INVALID field rather than emitting malformed JSON, so
// the only residual malformed case is an empty draft.
func malformedResponseGuard(response string) string {
	if strings.TrimSpace(response) == "" {
		return fallbackNoReliableInfo
	}
	return response
}

// phase8Save seals the turn (spec §4.13 step 7).
func (r *Runner) phase8Save(result model.ValidationResult, validationPassed bool) error {
	pt := r.startPhase("phase8_save")
	defer func() { r.endPhase(pt) }()

	r.syncContextDoc()
	status := model.TurnCompleted
	if !validationPassed && result.Decision == model.DecisionFail {
		status = model.TurnError
	}
	return r.t.Finalize(status)
}

func (r *Runner) syncContextDoc() {
	_ = r.t.WriteDoc(turn.DocContext, []byte(r.doc.Render()))
}

func (r *Runner) startPhase(name string) model.PhaseTiming {
	return model.PhaseTiming{Phase: name, StartedAt: time.Now()}
}

func (r *Runner) endPhase(pt model.PhaseTiming) {
	pt.EndedAt = time.Now()
	pt.DurationMS = pt.EndedAt.Sub(pt.StartedAt).Milliseconds()
	r.metrics.Phases = append(r.metrics.Phases, pt)
}
