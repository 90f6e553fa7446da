package workflow_test

import (
	"context"
	"testing"

	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/toolexec"
	"github.com/relayforge/orchestrator/internal/workflow"
)

type fakeExecutor struct {
	calls   []toolexec.Call
	results map[string]model.ToolResult
}

func (f *fakeExecutor) Execute(ctx context.Context, call toolexec.Call) (model.ToolResult, error) {
	f.calls = append(f.calls, call)
	if r, ok := f.results[call.Tool]; ok {
		return r, nil
	}
	return model.ToolResult{Tool: call.Tool, Status: model.ToolStatusSuccess, RawResult: map[string]any{"status": "success"}}, nil
}

func TestRun_InterpolatesBareVariablePreservingType(t *testing.T) {
	exec := &fakeExecutor{results: map[string]model.ToolResult{}}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)

	wf := model.Workflow{
		Name: "wf",
		Steps: []model.Step{
			{Name: "step1", Tool: "search", Args: map[string]any{"limit": "{{max_results}}"}},
		},
	}

	_, err := r.Run(context.Background(), wf, map[string]any{"max_results": 5}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(exec.calls))
	}
	if v, ok := exec.calls[0].Args["limit"].(int); !ok || v != 5 {
		t.Fatalf("expected bare var to preserve int type, got %#v", exec.calls[0].Args["limit"])
	}
}

func TestRun_SubstitutesEmbeddedVariableAsString(t *testing.T) {
	exec := &fakeExecutor{}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)
	wf := model.Workflow{
		Name: "wf",
		Steps: []model.Step{
			{Name: "step1", Tool: "search", Args: map[string]any{"query": "find flights to {{destination}}"}},
		},
	}

	_, err := r.Run(context.Background(), wf, map[string]any{"destination": "Tokyo"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.calls[0].Args["query"]; got != "find flights to Tokyo" {
		t.Fatalf("expected embedded substitution, got %v", got)
	}
}

func TestRun_DotPathTraversesNestedContext(t *testing.T) {
	exec := &fakeExecutor{}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)
	wf := model.Workflow{
		Name: "wf",
		Steps: []model.Step{
			{Name: "step1", Tool: "search", Args: map[string]any{"city": "{{content_reference.city}}"}},
		},
	}

	contextAttrs := map[string]any{
		"content_reference": map[string]any{"city": "Paris"},
	}
	_, err := r.Run(context.Background(), wf, nil, contextAttrs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.calls[0].Args["city"]; got != "Paris" {
		t.Fatalf("expected dot-path resolution, got %v", got)
	}
}

func TestRun_DefaultFilterAppliesWhenUnresolved(t *testing.T) {
	exec := &fakeExecutor{}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)
	wf := model.Workflow{
		Name: "wf",
		Steps: []model.Step{
			{Name: "step1", Tool: "search", Args: map[string]any{"sort": "{{sort_order | default:'relevance'}}"}},
		},
	}

	_, err := r.Run(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.calls[0].Args["sort"]; got != "relevance" {
		t.Fatalf("expected default filter value, got %v", got)
	}
}

func TestRun_SkipsStepWhenConditionFalsy(t *testing.T) {
	exec := &fakeExecutor{}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)
	wf := model.Workflow{
		Name: "wf",
		Steps: []model.Step{
			{Name: "maybe", Tool: "search", Condition: "should_run"},
		},
	}

	_, err := r.Run(context.Background(), wf, map[string]any{"should_run": false}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("expected step to be skipped, got %d calls", len(exec.calls))
	}
}

func TestRun_FailsWorkflowOnStepError(t *testing.T) {
	exec := &fakeExecutor{results: map[string]model.ToolResult{
		"search": {Tool: "search", Status: model.ToolStatusError, Error: "upstream failure"},
	}}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)
	wf := model.Workflow{
		Name:  "wf",
		Steps: []model.Step{{Name: "step1", Tool: "search"}},
	}

	result, err := r.Run(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failed result")
	}
	if result.Error == "" {
		t.Fatalf("expected error message recorded")
	}
}

func TestRun_FallbackUsedWhenSuccessCriteriaFails(t *testing.T) {
	exec := &fakeExecutor{results: map[string]model.ToolResult{
		"search": {Tool: "search", Status: model.ToolStatusSuccess, RawResult: map[string]any{"found": false}},
	}}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)
	wf := model.Workflow{
		Name:            "wf",
		Steps:           []model.Step{{Name: "step1", Tool: "search", Outputs: []string{"found"}}},
		SuccessCriteria: []string{"found"},
		Fallback:        &model.Fallback{Name: "basic_search"},
	}

	result, err := r.Run(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected success_criteria to fail")
	}
	if result.FallbackUsed != "basic_search" {
		t.Fatalf("expected fallback_used recorded, got %q", result.FallbackUsed)
	}
}

func TestRun_CollectsDeclaredOutputsIntoRollingContext(t *testing.T) {
	exec := &fakeExecutor{results: map[string]model.ToolResult{
		"search": {Tool: "search", Status: model.ToolStatusSuccess, RawResult: map[string]any{"price": 200.0}},
	}}
	r := workflow.NewRunner(exec, model.ModeRequiredAny)
	wf := model.Workflow{
		Name: "wf",
		Steps: []model.Step{
			{Name: "step1", Tool: "search", Outputs: []string{"price"}},
			{Name: "step2", Tool: "book", Args: map[string]any{"amount": "{{price}}"}},
		},
	}

	_, err := r.Run(context.Background(), wf, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(exec.calls))
	}
	if got := exec.calls[1].Args["amount"]; got != 200.0 {
		t.Fatalf("expected output of step1 fed into step2, got %v", got)
	}
}
