package validation_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/turn"
	"github.com/relayforge/orchestrator/internal/validation"
)

type scriptedChat struct {
	results []any
	calls   int
}

func (s *scriptedChat) Chat(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	data, err := json.Marshal(s.results[idx])
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, err
	}
	return &llm.Response{PromptTokens: 10, CompletionTokens: 10}, nil
}

func (s *scriptedChat) Model() string { return "test-model" }

func openTurn(t *testing.T) *turn.Turn {
	t.Helper()
	base := t.TempDir()
	tr, err := turn.Open(context.Background(), turn.LocalAllocator{}, base, "sess", "trace", model.ModeChat, "", "")
	if err != nil {
		t.Fatalf("open turn: %v", err)
	}
	return tr
}

func testRecipe(t *testing.T, name string) model.Recipe {
	t.Helper()
	fragDir := t.TempDir()
	fragPath := filepath.Join(fragDir, "system.txt")
	if err := os.WriteFile(fragPath, []byte("Grade the draft."), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	return model.Recipe{
		Name:            name,
		PromptFragments: []string{fragPath},
		InputDocs: []model.InputDocSpec{
			{Path: "draft_response.md", PathType: model.PathTypeTurnLocal},
			{Path: "toolresults.md", PathType: model.PathTypeTurnLocal, Optional: true},
		},
		TokenBudget: model.TokenBudget{Total: 2000, Output: 200, Buffer: 50},
	}
}

func newController(t *testing.T, client *scriptedChat, doc *contextdoc.Document, cfg validation.Config) *validation.Controller {
	t.Helper()
	if doc == nil {
		doc = contextdoc.New()
	}
	return validation.New(client, doc, testRecipe(t, "validator"), testRecipe(t, "revision"), cfg)
}

func TestValidate_ApprovesCleanDraft(t *testing.T) {
	tr := openTurn(t)
	client := &scriptedChat{results: []any{
		model.ValidationResult{
			Decision:   model.DecisionApprove,
			Confidence: 0.9,
			Checks:     model.ValidationChecks{QueryTermsInContext: true, NoTermSubstitution: true, ConstraintsRespected: true},
		},
	}}
	c := newController(t, client, nil, validation.Config{})

	result, err := c.Validate(context.Background(), tr, "The flight departs tomorrow morning.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != model.DecisionApprove {
		t.Fatalf("expected approve, got %s: %+v", result.Decision, result.FailureContext)
	}
}

func TestValidate_OverridesLowConfidenceApprove(t *testing.T) {
	tr := openTurn(t)
	client := &scriptedChat{results: []any{
		model.ValidationResult{
			Decision:   model.DecisionApprove,
			Confidence: 0.4,
			Checks:     model.ValidationChecks{QueryTermsInContext: true, NoTermSubstitution: true},
		},
	}}
	c := newController(t, client, nil, validation.Config{})

	result, err := c.Validate(context.Background(), tr, "plain answer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != model.DecisionRetry {
		t.Fatalf("expected override to retry, got %s", result.Decision)
	}
	if result.FailureContext == nil || result.FailureContext.Reason != "confidence_override" {
		t.Fatalf("expected confidence_override reason, got %+v", result.FailureContext)
	}
}

func TestValidate_FlagsUnsourcedURL(t *testing.T) {
	tr := openTurn(t)
	client := &scriptedChat{results: []any{
		model.ValidationResult{
			Decision:   model.DecisionApprove,
			Confidence: 0.95,
			Checks:     model.ValidationChecks{QueryTermsInContext: true, NoTermSubstitution: true},
		},
	}}
	c := newController(t, client, nil, validation.Config{})

	result, err := c.Validate(context.Background(), tr, "See https://unknown.example/deal for details.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != model.DecisionRetry {
		t.Fatalf("expected retry after unsourced url, got %s", result.Decision)
	}
	if len(result.FailureContext.FailedURLs) != 1 {
		t.Fatalf("expected one failed url, got %+v", result.FailureContext.FailedURLs)
	}
}

func TestValidate_VerifiesURLFromClaimLedger(t *testing.T) {
	tr := openTurn(t)
	doc := contextdoc.New()
	if err := doc.AddClaim(model.Claim{ID: "c1", Content: "fare $150", URL: "https://airline.example/fare", TTLHours: 24}); err != nil {
		t.Fatalf("add claim: %v", err)
	}
	client := &scriptedChat{results: []any{
		model.ValidationResult{
			Decision:   model.DecisionApprove,
			Confidence: 0.9,
			Checks:     model.ValidationChecks{QueryTermsInContext: true, NoTermSubstitution: true},
		},
	}}
	c := newController(t, client, doc, validation.Config{})

	result, err := c.Validate(context.Background(), tr, "Book it at https://airline.example/fare for $150.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != model.DecisionApprove {
		t.Fatalf("expected approve once url/price verified against claim ledger, got %s: %+v", result.Decision, result.FailureContext)
	}
	if result.URLsVerified != 1 {
		t.Fatalf("expected 1 url verified, got %d", result.URLsVerified)
	}
}

func TestPrepareRetry_ArchivesAndInvalidatesClaims(t *testing.T) {
	tr := openTurn(t)
	doc := contextdoc.New()
	if err := doc.AddClaim(model.Claim{ID: "c1", Content: "stale", URL: "https://example.com/x", TTLHours: 24}); err != nil {
		t.Fatalf("add claim: %v", err)
	}
	client := &scriptedChat{}
	c := newController(t, client, doc, validation.Config{})

	result := model.ValidationResult{
		Decision: model.DecisionRetry,
		FailureContext: &model.FailureContext{
			Reason:       "source_cross_check_failed",
			FailedURLs:   []string{"https://bad.example"},
			FailedClaims: []string{"c1"},
		},
	}

	outcome, err := c.PrepareRetry(tr, 1, result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.RetryContext.Reason != "source_cross_check_failed" {
		t.Fatalf("expected retry context reason propagated, got %+v", outcome.RetryContext)
	}
	if _, err := os.Stat(filepath.Join(tr.Dir(), "attempt_1")); err != nil {
		t.Fatalf("expected attempt_1 directory archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tr.Dir(), turn.DocRetryContext)); err != nil {
		t.Fatalf("expected retry_context.json written: %v", err)
	}
	for _, claim := range doc.Claims() {
		if claim.ID == "c1" && !claim.Invalidated {
			t.Fatalf("expected claim c1 invalidated")
		}
	}
}

func TestCanRetryAndCanRevise_RespectBudgets(t *testing.T) {
	c := newController(t, &scriptedChat{}, nil, validation.Config{MaxRetries: 2, MaxRevisions: 1})
	if !c.CanRetry(0) || c.CanRetry(2) {
		t.Fatalf("expected retry budget of 2 to gate correctly")
	}
	if !c.CanRevise() {
		t.Fatalf("expected first revision permitted")
	}
}

func TestRevise_ProducesRevisedDraftAndConsumesBudget(t *testing.T) {
	tr := openTurn(t)
	client := &scriptedChat{results: []any{
		map[string]string{"response": "revised answer"},
	}}
	c := newController(t, client, nil, validation.Config{MaxRevisions: 1})

	revised, err := c.Revise(context.Background(), tr, "original answer", model.ValidationResult{RevisionHints: []string{"mention the price"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revised != "revised answer" {
		t.Fatalf("expected revised answer, got %q", revised)
	}
	if c.CanRevise() {
		t.Fatalf("expected revision budget exhausted after one use")
	}
}
