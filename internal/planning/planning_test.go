package planning_test

import (
	"context"
	"testing"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/coordinator"
	"github.com/relayforge/orchestrator/internal/executorloop"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planning"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/selfext"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
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

type fakeSandbox struct{}

func (fakeSandbox) RunTests(ctx context.Context, testFiles []string, workingDir string) selfext.SandboxResult {
	return selfext.SandboxResult{Success: true, TestsRun: 1, TestsPassed: 1}
}

func newLoop(t *testing.T, client llm.AgentClient) *planning.Loop {
	registry := workflow.NewRegistry()
	runner := workflow.NewRunner(fakeExecutor{}, model.ModeRequiredAny)
	doc := contextdoc.New()
	coord := coordinator.New(client, registry, runner, doc, nil, coordinator.Config{})
	catalog := toolcatalog.New()
	plan := planstate.New()
	pipeline := selfext.NewPipeline(catalog, plan, fakeSandbox{})
	exec := executorloop.New(client, registry, runner, coord, pipeline, catalog, plan, doc, toolcatalog.Registry{}, executorloop.Config{})
	return planning.New(client, exec, pipeline, catalog, plan, doc, nil, nil, toolcatalog.Registry{}, planning.Config{WorkflowsRoot: t.TempDir()})
}

func TestRun_RoutesToSynthesis(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "submit_strategic_plan", `{"route_to":"synthesis","ticket_content":"plan summary"}`)}},
	}}
	l := newLoop(t, client)

	result, err := l.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RouteTaken != "synthesis" || !result.Done || result.TicketContent != "plan summary" {
		t.Fatalf("expected synthesis route, got %+v", result)
	}
}

func TestRun_RoutesToClarify(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "submit_strategic_plan", `{"route_to":"clarify","clarification_question":"which city?"}`)}},
	}}
	l := newLoop(t, client)

	result, err := l.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.NeedsClarification || result.ClarificationQuestion != "which city?" {
		t.Fatalf("expected clarify route, got %+v", result)
	}
}

func TestRun_ExecutorRouteReplansOnceThenStops(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{ToolCalls: []llm.ToolCall{toolCall("1", "submit_strategic_plan", `{"route_to":"executor"}`)}},
		{ToolCalls: []llm.ToolCall{toolCall("2", "complete", `{"summary":"done"}`)}},
		{ToolCalls: []llm.ToolCall{toolCall("3", "submit_strategic_plan", `{"route_to":"synthesis","ticket_content":"final"}`)}},
	}}
	l := newLoop(t, client)

	result, err := l.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RouteTaken != "synthesis" || result.TicketContent != "final" || result.ToolResultsContent == "" {
		t.Fatalf("expected replanned synthesis route with tool results, got %+v", result)
	}
}

func TestRun_FallsBackToLegacyLoopOnUnparseablePlan(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{Content: "not a tool call"},
		{ToolCalls: []llm.ToolCall{toolCall("1", "complete", `{"summary":"legacy done"}`)}},
	}}
	l := newLoop(t, client)

	result, err := l.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RouteTaken != "legacy" || !result.Done || result.Reason != "legacy done" {
		t.Fatalf("expected legacy completion, got %+v", result)
	}
}

func TestRun_LegacyLoopDemotesRefreshContextToExecute(t *testing.T) {
	client := &scriptedClient{responses: []llm.AgentResponse{
		{Content: "unparseable"},
		{ToolCalls: []llm.ToolCall{toolCall("1", "refresh_context", `{}`)}},
		{ToolCalls: []llm.ToolCall{toolCall("2", "complete", `{"summary":"resumed"}`)}},
	}}
	l := newLoop(t, client)

	result, err := l.Run(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Done || result.Reason != "resumed" {
		t.Fatalf("expected legacy loop to proceed past demoted refresh, got %+v", result)
	}
}
