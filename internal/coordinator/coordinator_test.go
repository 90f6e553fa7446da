package coordinator_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/coordinator"
	"github.com/relayforge/orchestrator/internal/llmtools"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/toolexec"
	"github.com/relayforge/orchestrator/internal/workflow"
)

type scriptedClient struct {
	responses []llm.AgentResponse
	calls     int
}

func (s *scriptedClient) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[idx]
	return &r, nil
}

func (s *scriptedClient) Model() string { return "test-model" }

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, call toolexec.Call) (model.ToolResult, error) {
	return model.ToolResult{Tool: call.Tool, Status: model.ToolStatusSuccess, RawResult: map[string]any{"status": "success"}}, nil
}

func newTestRegistry(t *testing.T) *workflow.Registry {
	r := workflow.NewRegistry()
	if err := r.Register(model.Workflow{
		Name:  "lookup_flight",
		Steps: []model.Step{{Name: "search", Tool: "internet.research"}},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	return r
}

func TestRun_TerminatesOnDone(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "done", `{"reason":"goal satisfied"}`)}},
	}}
	registry := newTestRegistry(t)
	runner := workflow.NewRunner(fakeExecutor{}, model.ModeRequiredAny)
	doc := contextdoc.New()

	c := coordinator.New(client, registry, runner, doc, nil, coordinator.Config{})
	result, err := c.Run(context.Background(), "find a cheap flight", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Done || result.Reason != "goal satisfied" {
		t.Fatalf("expected done with reason, got %+v", result)
	}
}

func TestRun_TerminatesOnBlocked(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "blocked", `{"reason":"missing credentials"}`)}},
	}}
	registry := newTestRegistry(t)
	runner := workflow.NewRunner(fakeExecutor{}, model.ModeRequiredAny)
	doc := contextdoc.New()

	c := coordinator.New(client, registry, runner, doc, nil, coordinator.Config{})
	result, err := c.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Done || result.Reason != "missing credentials" {
		t.Fatalf("expected blocked result, got %+v", result)
	}
}

func TestRun_ExecutesWorkflowThenDone(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "workflow_call", `{"workflow_selected":"lookup_flight","workflow_args":{},"rationale":"search"}`)}},
		{ToolCalls: []llm.ToolCall{toolCall("2", "done", `{"reason":"found it"}`)}},
	}}
	registry := newTestRegistry(t)
	runner := workflow.NewRunner(fakeExecutor{}, model.ModeRequiredAny)
	doc := contextdoc.New()

	c := coordinator.New(client, registry, runner, doc, nil, coordinator.Config{})
	result, err := c.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Done || result.Reason != "found it" {
		t.Fatalf("expected done after workflow execution, got %+v", result)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected two iterations, got %d", result.Iterations)
	}
	if result.ToolCalls != 1 {
		t.Fatalf("expected one tool call, got %d", result.ToolCalls)
	}

	section, ok := doc.Section(model.SectionExecution)
	if !ok || !strings.Contains(section, "termination_reason: found it") {
		t.Fatalf("expected finalization summary written to section 4, got %q", section)
	}
	if !strings.Contains(section, "tool_calls: 1") {
		t.Fatalf("expected tool_calls count in finalization summary, got %q", section)
	}
}

func TestRun_StopsAtMaxSteps(t *testing.T) {
	step := func(n string) llm.AgentResponse {
		return llm.AgentResponse{ToolCalls: []llm.ToolCall{toolCall(n, "workflow_call", `{"workflow_selected":"other_workflow","workflow_args":{"n":`+n+`},"rationale":"x"}`)}}
	}
	client := &scriptedClient{responses: []llm.AgentResponse{step("1"), step("2"), step("3")}}
	registry := workflow.NewRegistry()
	runner := workflow.NewRunner(fakeExecutor{}, model.ModeRequiredAny)
	doc := contextdoc.New()

	c := coordinator.New(client, registry, runner, doc, nil, coordinator.Config{MaxSteps: 3})
	result, err := c.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != "max_steps_reached" {
		t.Fatalf("expected max_steps_reached, got %+v", result)
	}
	if result.Iterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", result.Iterations)
	}
}

func TestRun_DetectsCircularCalls(t *testing.T) {
	callA := llm.AgentResponse{ToolCalls: []llm.ToolCall{toolCall("1", "workflow_call", `{"workflow_selected":"lookup_flight","workflow_args":{"x":1},"rationale":"a"}`)}}
	callB := llm.AgentResponse{ToolCalls: []llm.ToolCall{toolCall("2", "workflow_call", `{"workflow_selected":"lookup_flight","workflow_args":{"x":2},"rationale":"b"}`)}}
	client := &scriptedClient{responses: []llm.AgentResponse{callA, callB, callA, callB}}
	registry := newTestRegistry(t)
	runner := workflow.NewRunner(fakeExecutor{}, model.ModeRequiredAny)
	doc := contextdoc.New()

	c := coordinator.New(client, registry, runner, doc, nil, coordinator.Config{MaxSteps: 10})
	result, err := c.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Done || result.Reason != "circular_call_detected" {
		t.Fatalf("expected circular call detection, got %+v", result)
	}
}

type denyingIntervention struct{}

func (denyingIntervention) RequestIntervention(ctx context.Context, reason string, timeout time.Duration) (coordinator.InterventionDecision, error) {
	return coordinator.InterventionCancel, nil
}

func TestRun_CategoryBFailureRequestsIntervention(t *testing.T) {
	failing := workflow.NewRunner(failingExecutor{}, model.ModeRequiredAny)
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "workflow_call", `{"workflow_selected":"lookup_flight","workflow_args":{},"rationale":"a"}`)}},
	}}
	registry := newTestRegistry(t)
	doc := contextdoc.New()

	c := coordinator.New(client, registry, failing, doc, denyingIntervention{}, coordinator.Config{})
	result, err := c.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Done || result.Reason != "user_cancelled" {
		t.Fatalf("expected user_cancelled after intervention, got %+v", result)
	}
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, call toolexec.Call) (model.ToolResult, error) {
	return model.ToolResult{Tool: call.Tool, Status: model.ToolStatusError, Error: "authentication failed upstream"}, nil
}

type rejectingExecutor struct{}

func (rejectingExecutor) Execute(ctx context.Context, call toolexec.Call) (model.ToolResult, error) {
	return model.ToolResult{
		Tool:   call.Tool,
		Status: model.ToolStatusSuccess,
		RejectedProducts: []model.RejectedProduct{
			{Name: "Flight NY-SF $900", Reason: "exceeds budget", ConstraintID: "c1"},
		},
	}, nil
}

func TestRun_CollectsRejectedProducts(t *testing.T) {
	registry := workflow.NewRegistry()
	if err := registry.Register(model.Workflow{
		Name:  "lookup_flight",
		Steps: []model.Step{{Name: "search", Tool: "internet.research", Outputs: []string{"rejected_products"}}},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "workflow_call", `{"workflow_selected":"lookup_flight","workflow_args":{},"rationale":"search"}`)}},
		{ToolCalls: []llm.ToolCall{toolCall("2", "done", `{"reason":"found it"}`)}},
	}}
	runner := workflow.NewRunner(rejectingExecutor{}, model.ModeRequiredAny)
	doc := contextdoc.New()

	c := coordinator.New(client, registry, runner, doc, nil, coordinator.Config{})
	result, err := c.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.RejectedProducts) != 1 || result.RejectedProducts[0].Name != "Flight NY-SF $900" {
		t.Fatalf("expected one rejected product carried into the result, got %+v", result.RejectedProducts)
	}

	section, _ := doc.Section(model.SectionExecution)
	if !strings.Contains(section, "Flight NY-SF $900 — exceeds budget") {
		t.Fatalf("expected rejected product in finalization summary, got %q", section)
	}
}

var _ llmtools.Decision // keep import used if referenced directly elsewhere in future
