package toolexec_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	orcherrors "github.com/relayforge/orchestrator/common/errors"
	"github.com/relayforge/orchestrator/internal/approval"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
	"github.com/relayforge/orchestrator/internal/toolexec"
)

type allowAll struct{}

func (allowAll) Classify(tool string, args map[string]any, mode model.ToolMode, sessionID string) (model.ApprovalDecision, string) {
	return model.ApprovalAllowed, ""
}

type extractorFunc func(tool string, raw map[string]any) []model.Claim

func (f extractorFunc) Extract(tool string, raw map[string]any) []model.Claim { return f(tool, raw) }

func TestExecute_BlocksOnConstraintViolation(t *testing.T) {
	cat := toolcatalog.New()
	cat.Register(toolcatalog.Entry{
		Name:         "internet.research",
		ModeRequired: model.ModeRequiredAny,
		Handler:      func(ctx context.Context, args map[string]any) (map[string]any, error) { return map[string]any{"status": "success"}, nil },
	}, false)

	plan := planstate.New()
	plan.AddConstraint(model.Constraint{ID: "c1", Type: model.ConstraintTypePrivacy, Fields: map[string]any{"no_external_calls": true}, Status: model.ConstraintStatusActive})

	gate := approval.New(allowAll{}, nil, time.Second)
	ex := toolexec.New(cat, gate, plan, nil, contextdoc.New())

	result, err := ex.Execute(context.Background(), toolexec.Call{Tool: "internet.research", Mode: model.ModeRequiredAny})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != model.ToolStatusBlocked {
		t.Fatalf("expected blocked status, got %s", result.Status)
	}
}

func TestExecute_ExtractsSourcedClaims(t *testing.T) {
	cat := toolcatalog.New()
	cat.Register(toolcatalog.Entry{
		Name:         "internet.research",
		ModeRequired: model.ModeRequiredAny,
		Handler:      func(ctx context.Context, args map[string]any) (map[string]any, error) { return map[string]any{"status": "success"}, nil },
	}, false)

	plan := planstate.New()
	gate := approval.New(allowAll{}, nil, time.Second)
	doc := contextdoc.New()

	extractor := extractorFunc(func(tool string, raw map[string]any) []model.Claim {
		return []model.Claim{
			{ID: "c1", Content: "flight is $200", Confidence: 0.9, Source: tool, URL: "https://example.com", CreatedAt: time.Now()},
		}
	})

	ex := toolexec.New(cat, gate, plan, extractor, doc)
	result, err := ex.Execute(context.Background(), toolexec.Call{Tool: "internet.research", Mode: model.ModeRequiredAny, Query: "cheap flights"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Claims) != 1 {
		t.Fatalf("expected one claim, got %d", len(result.Claims))
	}
	if len(doc.Claims()) != 1 {
		t.Fatalf("expected claim recorded in context document ledger")
	}
}

func TestExecuteSteps_HaltsOnBlocked(t *testing.T) {
	cat := toolcatalog.New()
	calls := 0
	cat.Register(toolcatalog.Entry{
		Name:         "file.write",
		ModeRequired: model.ModeRequiredAny,
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"status": "success"}, nil
		},
	}, false)

	plan := planstate.New()
	plan.AddConstraint(model.Constraint{ID: "c1", Type: model.ConstraintTypeFileSize, Fields: map[string]any{"max_bytes": float64(5)}, Status: model.ConstraintStatusActive})
	gate := approval.New(allowAll{}, nil, time.Second)
	ex := toolexec.New(cat, gate, plan, nil, contextdoc.New())

	steps := []toolexec.Call{
		{Tool: "file.write", Args: map[string]any{"content": "this is way too long"}, Mode: model.ModeRequiredAny},
		{Tool: "file.write", Args: map[string]any{"content": "ok"}, Mode: model.ModeRequiredAny},
	}
	results, err := ex.ExecuteSteps(context.Background(), steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Status != model.ToolStatusBlocked {
		t.Fatalf("expected execution to halt after first blocked step, got %+v", results)
	}
	if !strings.Contains(results[0].Error, "exceeds limit of 5") {
		t.Fatalf("expected blocked reason to embed the configured byte limit, got %q", results[0].Error)
	}
	if calls != 0 {
		t.Fatalf("expected handler never invoked once blocked")
	}
}

func TestExecute_UnknownToolIsFatal(t *testing.T) {
	cat := toolcatalog.New()
	plan := planstate.New()
	gate := approval.New(allowAll{}, nil, time.Second)
	ex := toolexec.New(cat, gate, plan, nil, contextdoc.New())

	_, err := ex.Execute(context.Background(), toolexec.Call{Tool: "does.not.exist", Mode: model.ModeRequiredAny})
	if err == nil {
		t.Fatalf("expected error for unknown tool")
	}
	var fatal *orcherrors.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected a *errors.FatalError, got %T: %v", err, err)
	}
}
