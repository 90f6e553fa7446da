package phaserunner_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/coordinator"
	"github.com/relayforge/orchestrator/internal/executorloop"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/phaserunner"
	"github.com/relayforge/orchestrator/internal/planning"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/selfext"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
	"github.com/relayforge/orchestrator/internal/toolexec"
	"github.com/relayforge/orchestrator/internal/turn"
	"github.com/relayforge/orchestrator/internal/validation"
	"github.com/relayforge/orchestrator/internal/workflow"
)

// scriptedChat answers llm.Client.Chat calls from a fixed, indexed script —
// one entry per call in the order the Phase Runner makes them (reflection,
// then one synthesis+validate per retry attempt).
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
	return &llm.Response{PromptTokens: 5, CompletionTokens: 5}, nil
}

func (s *scriptedChat) Model() string { return "test-model" }

// noToolAgent never returns a tool call, so planning.Loop's strategic-plan
// attempt and its legacy-loop fallback both bottom out immediately with
// Done=true — the test doesn't exercise C10-C12's routing, only that the
// Phase Runner drives C12 and persists its output.
type noToolAgent struct{}

func (noToolAgent) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	return &llm.AgentResponse{}, nil
}

func (noToolAgent) Model() string { return "test-model" }

type noopStepExecutor struct{}

func (noopStepExecutor) Execute(ctx context.Context, call toolexec.Call) (model.ToolResult, error) {
	return model.ToolResult{}, nil
}

type noopTestRunner struct{}

func (noopTestRunner) RunTests(ctx context.Context, testFiles []string, workingDir string) selfext.SandboxResult {
	return selfext.SandboxResult{Success: true}
}

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
	if err := os.WriteFile(fragPath, []byte("Do the thing."), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	return model.Recipe{
		Name:            name,
		PromptFragments: []string{fragPath},
		InputDocs: []model.InputDocSpec{
			{Path: turn.DocContext, PathType: "turn_local", Optional: true},
		},
		TokenBudget: model.TokenBudget{Total: 4000, Output: 1000},
	}
}

func newPlanningLoop(t *testing.T, doc *contextdoc.Document) *planning.Loop {
	t.Helper()
	agent := noToolAgent{}
	registry := workflow.NewRegistry()
	runner := workflow.NewRunner(noopStepExecutor{}, model.ModeRequiredAny)
	coord := coordinator.New(agent, registry, runner, doc, nil, coordinator.Config{})
	catalog := toolcatalog.New()
	plan := planstate.New()
	pipeline := selfext.NewPipeline(catalog, plan, noopTestRunner{})
	executor := executorloop.New(agent, registry, runner, coord, pipeline, catalog, plan, doc, toolcatalog.Registry{}, executorloop.Config{})
	return planning.New(agent, executor, pipeline, catalog, plan, doc, nil, nil, toolcatalog.Registry{}, planning.Config{})
}

func newRunner(t *testing.T, chat *scriptedChat, tr *turn.Turn, doc *contextdoc.Document) *phaserunner.Runner {
	t.Helper()
	loop := newPlanningLoop(t, doc)
	ctrl := validation.New(chat, doc, testRecipe(t, "validator"), testRecipe(t, "revision"), validation.Config{})
	return phaserunner.New(chat, doc, tr, loop, ctrl, testRecipe(t, "reflection"), testRecipe(t, "synthesis"), phaserunner.Config{})
}

func TestRun_ApprovesOnFirstAttempt(t *testing.T) {
	doc := contextdoc.New()
	tr := openTurn(t)
	chat := &scriptedChat{results: []any{
		map[string]any{"decision": "PROCEED", "reasoning": "context sufficient", "confidence": 0.9},
		map[string]any{"answer": "Your flight departs tomorrow morning."},
		map[string]any{"decision": "APPROVE", "confidence": 0.92, "checks": map[string]any{"query_terms_in_context": true, "no_term_substitution": true}},
	}}

	r := newRunner(t, chat, tr, doc)
	outcome, err := r.Run(context.Background(), "when does my flight depart?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.ValidationPassed {
		t.Fatalf("expected validation to pass, got %+v", outcome)
	}
	if outcome.Response != "Your flight departs tomorrow morning." {
		t.Fatalf("unexpected response: %q", outcome.Response)
	}
	if outcome.RetryCount != 0 {
		t.Fatalf("expected 0 retries, got %d", outcome.RetryCount)
	}
	if outcome.Metrics.ValidationOutcome != model.DecisionApprove {
		t.Fatalf("expected metrics outcome APPROVE, got %s", outcome.Metrics.ValidationOutcome)
	}
	if _, err := os.Stat(filepath.Join(tr.Dir(), turn.DocTurnMetrics)); err != nil {
		t.Fatalf("expected turn_metrics.json to be written: %v", err)
	}
}

func TestRun_ClarifyReturnsEarly(t *testing.T) {
	doc := contextdoc.New()
	tr := openTurn(t)
	chat := &scriptedChat{results: []any{
		map[string]any{"decision": "CLARIFY", "reasoning": "ambiguous", "confidence": 0.5, "clarification_question": "Which trip are you asking about?"},
	}}

	r := newRunner(t, chat, tr, doc)
	outcome, err := r.Run(context.Background(), "what about the trip?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.NeedsClarification {
		t.Fatalf("expected needs_clarification, got %+v", outcome)
	}
	if outcome.ClarificationQuestion != "Which trip are you asking about?" {
		t.Fatalf("unexpected clarification question: %q", outcome.ClarificationQuestion)
	}
}

func TestRun_RetriesOnLowConfidenceThenApproves(t *testing.T) {
	doc := contextdoc.New()
	tr := openTurn(t)
	chat := &scriptedChat{results: []any{
		map[string]any{"decision": "PROCEED", "reasoning": "ok", "confidence": 0.9},
		map[string]any{"answer": "It costs some amount."},
		map[string]any{"decision": "APPROVE", "confidence": 0.40, "checks": map[string]any{"query_terms_in_context": true, "no_term_substitution": true}},
		map[string]any{"answer": "It costs around the typical fare."},
		map[string]any{"decision": "APPROVE", "confidence": 0.95, "checks": map[string]any{"query_terms_in_context": true, "no_term_substitution": true}},
	}}

	r := newRunner(t, chat, tr, doc)
	outcome, err := r.Run(context.Background(), "how much does it cost?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.ValidationPassed {
		t.Fatalf("expected eventual approval, got %+v", outcome)
	}
	if outcome.RetryCount != 1 {
		t.Fatalf("expected exactly 1 retry, got %d", outcome.RetryCount)
	}
	if _, err := os.Stat(filepath.Join(tr.Dir(), "attempt_0")); err != nil {
		t.Fatalf("expected attempt_0 to be archived: %v", err)
	}
}

func TestRun_SynthesisResearchFailureShortCircuits(t *testing.T) {
	doc := contextdoc.New()
	tr := openTurn(t)
	chat := &scriptedChat{results: []any{
		map[string]any{"decision": "PROCEED", "reasoning": "ok", "confidence": 0.9},
		map[string]any{"_type": "INVALID", "reason": "no findings after repeated attempts"},
	}}

	r := newRunner(t, chat, tr, doc)
	outcome, err := r.Run(context.Background(), "find me something obscure", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.ValidationPassed {
		t.Fatalf("research failure should not count as a passed validation")
	}
	if outcome.Response == "" {
		t.Fatalf("expected a polite fallback response")
	}
}

func TestRun_PreservesQueryAnalysisFromCaller(t *testing.T) {
	doc := contextdoc.New()
	tr := openTurn(t)
	chat := &scriptedChat{results: []any{
		map[string]any{"decision": "PROCEED", "reasoning": "ok", "confidence": 0.9},
		map[string]any{"answer": "Done."},
		map[string]any{"decision": "APPROVE", "confidence": 0.9, "checks": map[string]any{"query_terms_in_context": true, "no_term_substitution": true}},
	}}

	qa := &model.QueryAnalysis{ActionNeeded: "lookup", UserPurpose: "trip planning"}
	r := newRunner(t, chat, tr, doc)
	if _, err := r.Run(context.Background(), "plan my trip", qa); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := doc.QueryAnalysis()
	if !ok || got.ActionNeeded != "lookup" {
		t.Fatalf("expected caller-supplied query analysis to be recorded, got %+v ok=%v", got, ok)
	}
}
