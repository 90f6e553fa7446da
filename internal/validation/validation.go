// Package validation implements the Validation & Retry Controller (C14): a
// bounded per-attempt grader that decides whether a synthesis draft may be
// approved, revised in place, retried through another planning-loop pass, or
// failed outright (spec §4.14).
package validation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/claimgraph"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/docpack"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/turn"
)

const (
	DefaultConfidenceThreshold = 0.70
	DefaultMaxRetries          = 3
	DefaultMaxRevisions        = 2

	draftDocName = "draft_response.md"
)

// Config bounds the controller's behavior; zero values take the spec's
// defaults via withDefaults.
type Config struct {
	ConfidenceThreshold float64
	MaxRetries          int
	MaxRevisions        int
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRevisions == 0 {
		c.MaxRevisions = DefaultMaxRevisions
	}
	return c
}

// Controller is the Validation & Retry Controller. One Controller serves a
// single turn; the Phase Runner constructs one per request.
type Controller struct {
	llmClient       llm.Client
	packs           *docpack.Builder
	doc             *contextdoc.Document
	validatorRecipe model.Recipe
	revisionRecipe  model.Recipe
	cfg             Config
	graph           *claimgraph.Graph // optional; nil skips the cross-turn backing check

	revisionCount int
}

// New constructs a Controller. validatorRecipe and revisionRecipe are
// recipe-driven Doc Pack specs (spec §4.14 steps 1 and 6); both must list
// draft_response.md among their turn_local input docs since Validate writes
// the draft there before building the pack.
func New(llmClient llm.Client, doc *contextdoc.Document, validatorRecipe, revisionRecipe model.Recipe, cfg Config) *Controller {
	return &Controller{
		llmClient:       llmClient,
		packs:           docpack.NewBuilder(llmClient),
		doc:             doc,
		validatorRecipe: validatorRecipe,
		revisionRecipe:  revisionRecipe,
		cfg:             cfg.withDefaults(),
	}
}

// WithClaimGraph attaches the cross-turn claim-provenance graph. When set,
// a URL the current turn's own documents can't verify is given one more
// chance: if some earlier turn's claim ever cited it, it's treated as
// verified instead of failing the attempt.
func (c *Controller) WithClaimGraph(g *claimgraph.Graph) *Controller {
	c.graph = g
	return c
}

// urlPattern matches bare http(s) URLs embedded in free text.
var urlPattern = regexp.MustCompile(`https?://[^\s)\]"']+`)

// pricePattern matches a currency-prefixed decimal amount, e.g. $19.99.
var pricePattern = regexp.MustCompile(`\$\s?(\d+(?:\.\d{1,2})?)`)

// Validate runs one validation attempt against a synthesis draft: it builds
// the validator pack, calls the LLM at the reflex role, applies the
// confidence-override rule, and cross-checks URLs/prices in the draft
// against toolresults.md, the claim ledger, and §2 gathered context in that
// priority order (spec §4.14 steps 1-4).
func (c *Controller) Validate(ctx context.Context, t *turn.Turn, draft string) (model.ValidationResult, error) {
	if err := t.WriteDoc(draftDocName, []byte(draft)); err != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: write draft: %w", err)
	}

	pack, err := c.packs.Build(ctx, t, c.validatorRecipe)
	if err != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: build pack: %w", err)
	}

	var result model.ValidationResult
	_, err = c.llmClient.Chat(ctx, llm.Request{
		Role:         llm.RoleReflex,
		SystemPrompt: validatorSystemPrompt,
		UserPrompt:   pack.Prompt,
		SchemaName:   "validation_decision",
		Schema:       llm.GenerateSchema[model.ValidationResult](),
	}, &result)
	if err != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: llm call: %w", err)
	}

	c.applyOverrideRule(&result)

	sources, err := c.gatherSources(t)
	if err != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: gather sources: %w", err)
	}
	c.crossCheck(ctx, draft, sources, &result)

	return result, nil
}

// applyOverrideRule converts an APPROVE into a RETRY whenever confidence is
// below threshold or the LLM's own checks flagged missing query terms or
// term substitution (spec §4.14 step 3).
func (c *Controller) applyOverrideRule(result *model.ValidationResult) {
	if result.Decision != model.DecisionApprove {
		return
	}
	belowThreshold := result.Confidence < c.cfg.ConfidenceThreshold
	termsMissing := !result.Checks.QueryTermsInContext
	substitution := !result.Checks.NoTermSubstitution
	if belowThreshold || termsMissing || substitution {
		result.Decision = model.DecisionRetry
		if result.FailureContext == nil {
			result.FailureContext = &model.FailureContext{Reason: "confidence_override"}
		}
	}
}

// sourceSet is the priority-ordered evidence a draft's URLs/prices must
// appear in: toolresults.md first, then the claim ledger, then §2 context.
type sourceSet struct {
	toolResults string
	claims      []model.Claim
	context     string
}

func (c *Controller) gatherSources(t *turn.Turn) (sourceSet, error) {
	var s sourceSet
	if t.Exists(turn.DocToolResults) {
		data, err := t.ReadDoc(turn.DocToolResults)
		if err != nil {
			return s, err
		}
		s.toolResults = string(data)
	}
	s.claims = c.doc.Claims()
	s.context, _ = c.doc.Section(model.SectionContext)
	return s, nil
}

// crossCheck verifies every URL the draft cites appears in one of the
// priority-ordered sources and that every cited price matches a known price
// within tolerance, populating urls_verified/prices_checked and recording
// any mismatch in the failure context (spec §4.14 step 4).
func (c *Controller) crossCheck(ctx context.Context, draft string, sources sourceSet, result *model.ValidationResult) {
	known := knownURLs(sources)
	prices := knownPrices(sources)

	var failedURLs, mismatches []string
	verified := 0
	for _, u := range urlPattern.FindAllString(draft, -1) {
		if known[u] {
			verified++
			continue
		}
		if c.graph != nil {
			if backed, err := c.graph.SourceBackedByClaim(ctx, u); err == nil && backed {
				verified++
				continue
			}
		}
		failedURLs = append(failedURLs, u)
	}
	result.URLsVerified = verified

	checked := 0
	for _, m := range pricePattern.FindAllStringSubmatch(draft, -1) {
		amount, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		checked++
		if !priceMatches(amount, prices) {
			mismatches = append(mismatches, m[0])
		}
	}
	result.PricesChecked = checked

	if len(failedURLs) == 0 && len(mismatches) == 0 {
		return
	}

	if result.Decision == model.DecisionApprove || result.Decision == model.DecisionApprovePartial {
		result.Decision = model.DecisionRetry
	}
	if result.FailureContext == nil {
		result.FailureContext = &model.FailureContext{Reason: "source_cross_check_failed"}
	}
	result.FailureContext.FailedURLs = append(result.FailureContext.FailedURLs, failedURLs...)
	result.FailureContext.Mismatches = append(result.FailureContext.Mismatches, mismatches...)
}

func knownURLs(sources sourceSet) map[string]bool {
	known := make(map[string]bool)
	for _, u := range urlPattern.FindAllString(sources.toolResults, -1) {
		known[u] = true
	}
	for _, c := range sources.claims {
		if c.URL != "" {
			known[c.URL] = true
		}
	}
	for _, u := range urlPattern.FindAllString(sources.context, -1) {
		known[u] = true
	}
	return known
}

const priceTolerance = 0.01

func knownPrices(sources sourceSet) []float64 {
	var out []float64
	collect := func(text string) {
		for _, m := range pricePattern.FindAllStringSubmatch(text, -1) {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				out = append(out, v)
			}
		}
	}
	collect(sources.toolResults)
	for _, c := range sources.claims {
		collect(c.Content)
	}
	collect(sources.context)
	return out
}

func priceMatches(amount float64, known []float64) bool {
	for _, k := range known {
		if amount >= k-priceTolerance && amount <= k+priceTolerance {
			return true
		}
	}
	return false
}

// RetryOutcome describes the bookkeeping a RETRY decision requires of the
// Phase Runner: which claims to invalidate and what retry context to carry
// into the next planning-loop attempt.
type RetryOutcome struct {
	RetryContext model.RetryContext
}

// PrepareRetry performs spec §4.14 step 5: archives the current attempt
// directory, writes retry_context.json at the turn root, and invalidates
// the claims the failure context named. Call this only when result.Decision
// == DecisionRetry.
func (c *Controller) PrepareRetry(t *turn.Turn, attemptN int, result model.ValidationResult) (RetryOutcome, error) {
	if err := t.ArchiveAttempt(attemptN); err != nil {
		return RetryOutcome{}, fmt.Errorf("validation: archive attempt: %w", err)
	}

	var reason string
	var failedURLs, failedClaims, fixes []string
	if result.FailureContext != nil {
		reason = result.FailureContext.Reason
		failedURLs = result.FailureContext.FailedURLs
		failedClaims = result.FailureContext.FailedClaims
		fixes = result.FailureContext.SuggestedFixes
	}

	retryCtx := model.RetryContext{
		RetryCount:     attemptN,
		FailedURLs:     failedURLs,
		FailedClaims:   failedClaims,
		Reason:         reason,
		SuggestedFixes: fixes,
	}
	if err := t.WriteJSON(turn.DocRetryContext, retryCtx); err != nil {
		return RetryOutcome{}, fmt.Errorf("validation: write retry context: %w", err)
	}

	for _, id := range failedClaims {
		c.doc.InvalidateClaim(id)
	}

	return RetryOutcome{RetryContext: retryCtx}, nil
}

// CanRetry reports whether another retry attempt is still within budget.
func (c *Controller) CanRetry(attemptN int) bool {
	return attemptN < c.cfg.MaxRetries
}

// CanRevise reports whether another in-place revision is still within
// MAX_VALIDATION_REVISIONS (spec §4.14 step 6).
func (c *Controller) CanRevise() bool {
	return c.revisionCount < c.cfg.MaxRevisions
}

// Revise produces a revised draft via the dedicated revision recipe. The
// caller is responsible for re-validating the revised draft; Revise itself
// does not loop.
func (c *Controller) Revise(ctx context.Context, t *turn.Turn, draft string, result model.ValidationResult) (string, error) {
	if !c.CanRevise() {
		return "", fmt.Errorf("validation: revision budget (%d) exhausted", c.cfg.MaxRevisions)
	}
	c.revisionCount++

	if err := t.WriteDoc(draftDocName, []byte(draft)); err != nil {
		return "", fmt.Errorf("validation: write draft for revision: %w", err)
	}

	pack, err := c.packs.Build(ctx, t, c.revisionRecipe)
	if err != nil {
		return "", fmt.Errorf("validation: build revision pack: %w", err)
	}

	hints := strings.Join(result.RevisionHints, "\n")
	userPrompt := pack.Prompt
	if hints != "" {
		userPrompt = fmt.Sprintf("%s\n\n# Revision hints\n\n%s", pack.Prompt, hints)
	}

	var revised revisionResponse
	_, err = c.llmClient.Chat(ctx, llm.Request{
		Role:         llm.RoleVoice,
		SystemPrompt: revisionSystemPrompt,
		UserPrompt:   userPrompt,
		SchemaName:   "revision_response",
		Schema:       llm.GenerateSchema[revisionResponse](),
	}, &revised)
	if err != nil {
		return "", fmt.Errorf("validation: revision llm call: %w", err)
	}
	return revised.Response, nil
}

type revisionResponse struct {
	Response string `json:"response"`
}

const validatorSystemPrompt = `You are the validation gate for an assistant's drafted answer. ` +
	`Grade the draft against the gathered context and tool results. Populate checks.query_terms_in_context, ` +
	`checks.no_term_substitution, and checks.constraints_respected honestly; they drive an automatic override ` +
	`that forces a retry when confidence is high but these checks fail. Choose one decision: APPROVE, ` +
	`APPROVE_PARTIAL, REVISE, RETRY, or FAIL.`

const revisionSystemPrompt = `You are revising a previously drafted answer using the validator's feedback. ` +
	`Keep everything the validator did not flag; fix only what the revision hints call out. Respond with ` +
	`{"response": "..."}.`
