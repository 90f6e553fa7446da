// Package toolexec implements the Tool Executor (C6): the single-call
// contract every tool invocation goes through — constraint check,
// permission gate, request enrichment, dispatch, claim extraction.
package toolexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	orcherrors "github.com/relayforge/orchestrator/common/errors"
	"github.com/relayforge/orchestrator/internal/approval"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
)

// Timeouts per spec §4.6 step 4 / §5: research tools get a long timeout,
// everything else a shorter one.
const (
	ResearchTimeout = 60 * time.Minute
	DefaultTimeout  = 30 * time.Minute
)

var researchToolPrefixes = []string{"internet.research", "web.research", "browser."}

func isResearchTool(tool string) bool {
	for _, p := range researchToolPrefixes {
		if strings.HasPrefix(tool, p) {
			return true
		}
	}
	return false
}

// ClaimExtractor pulls sourced claims out of a raw tool result. Supplied by
// C13, since what counts as a claim is domain-specific per tool.
type ClaimExtractor interface {
	Extract(tool string, rawResult map[string]any) []model.Claim
}

// Call is everything needed to enrich and execute one tool invocation.
type Call struct {
	Tool      string
	Args      map[string]any
	Mode      model.ToolMode
	SessionID string
	TurnNumber int
	Repo      string // code-mode tools only
	Goal      string // scope-discovery tools only

	// Resolved from §0/§1/§2 of the context document for research enrichment.
	Query string
}

// Executor ties the catalog, approval gate, plan-state constraint checker,
// and claim extractor into the C6 contract.
type Executor struct {
	catalog   *toolcatalog.Catalog
	gate      *approval.Gate
	plan      *planstate.State
	extractor ClaimExtractor
	doc       *contextdoc.Document
}

// New builds an Executor.
func New(catalog *toolcatalog.Catalog, gate *approval.Gate, plan *planstate.State, extractor ClaimExtractor, doc *contextdoc.Document) *Executor {
	return &Executor{catalog: catalog, gate: gate, plan: plan, extractor: extractor, doc: doc}
}

// Execute runs the full C6 contract for one call.
func (e *Executor) Execute(ctx context.Context, call Call) (model.ToolResult, error) {
	if check := e.plan.CheckToolCall(call.Tool, call.Args, call.Query); check.Blocked {
		e.plan.RecordViolation(check.ConstraintID, check.Reason, "execution")
		return model.ToolResult{
			Tool:   call.Tool,
			Status: model.ToolStatusBlocked,
			Error:  check.Reason,
		}, nil
	}

	decision, err := e.gate.Check(ctx, call.Tool, call.Args, call.Mode, call.SessionID)
	if err != nil {
		// A rendezvous/transport hiccup, not a verdict — worth another attempt.
		return model.ToolResult{}, orcherrors.NewRetryable(fmt.Errorf("toolexec: permission gate: %w", err))
	}
	if decision.Result != model.ApprovalAllowed {
		return model.ToolResult{
			Tool:   call.Tool,
			Status: model.ToolStatusDenied,
			Error:  decision.Reason,
		}, nil
	}

	args := e.enrich(call)

	timeout := DefaultTimeout
	if isResearchTool(call.Tool) {
		timeout = ResearchTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := e.catalog.Invoke(callCtx, call.Tool, args, call.Mode)
	if err != nil {
		// Invoke only returns an error for an unregistered tool name — a
		// workflow/config mistake retrying won't fix.
		return model.ToolResult{}, orcherrors.NewFatal(fmt.Errorf("toolexec: invoke %s: %w", call.Tool, err))
	}

	status := model.ToolStatus(stringField(raw, "status", string(model.ToolStatusSuccess)))
	result := model.ToolResult{
		Tool:        call.Tool,
		Status:      status,
		Description: stringField(raw, "description", ""),
		RawResult:   raw,
		Error:       stringField(raw, "error", ""),
	}

	if resolved, ok := args["query"].(string); ok {
		result.ResolvedQuery = resolved
	}

	result.RejectedProducts = extractRejectedProducts(raw)

	if status == model.ToolStatusSuccess && e.extractor != nil {
		claims := e.extractor.Extract(call.Tool, raw)
		for _, c := range claims {
			if err := c.Validate(); err != nil {
				continue // unsourced claims never reach the ledger (invariant 2)
			}
			if e.doc != nil {
				_ = e.doc.AddClaim(c)
			}
			result.Claims = append(result.Claims, c)
		}
	}

	return result, nil
}

// ExecuteSteps runs a {steps:[...]} multi-step plan sequentially, halting
// on the first blocked step (spec §4.6: "Multi-step plans execute
// sequentially; a blocked step halts execution").
func (e *Executor) ExecuteSteps(ctx context.Context, calls []Call) ([]model.ToolResult, error) {
	results := make([]model.ToolResult, 0, len(calls))
	for _, c := range calls {
		r, err := e.Execute(ctx, c)
		if err != nil {
			return results, err
		}
		results = append(results, r)
		if r.Status == model.ToolStatusBlocked {
			break
		}
	}
	return results, nil
}

// enrich builds the request object C6 step 3 describes: injects query,
// session_id, turn_number, repo/goal where relevant, and a research_context
// for research tools.
func (e *Executor) enrich(call Call) map[string]any {
	args := make(map[string]any, len(call.Args)+6)
	for k, v := range call.Args {
		args[k] = v
	}

	if call.Query != "" {
		args["query"] = call.Query
	}
	args["session_id"] = call.SessionID
	args["turn_number"] = call.TurnNumber
	if call.Repo != "" {
		args["repo"] = call.Repo
	}
	if call.Goal != "" {
		args["goal"] = call.Goal
	}

	if isResearchTool(call.Tool) && e.doc != nil {
		args["research_context"] = e.researchContext()
	}
	return args
}

func (e *Executor) researchContext() model.ResearchContext {
	rc := model.ResearchContext{}
	if qa, ok := e.doc.QueryAnalysis(); ok {
		rc.Intent = strings.TrimSpace(qa.ActionNeeded + " " + strings.Join(qa.DataRequirements, " "))
		rc.Preferences = qa.UserPurpose
		rc.PriorTurnSummary = qa.PriorContext
		rc.ContentReference = qa.ContentReference
	}
	if section, ok := e.doc.Section(model.SectionContext); ok {
		rc.Topic = firstLine(section)
	}
	return rc
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}
