package planning_test

import (
	"testing"

	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planning"
)

func TestHandleViolation_BudgetUsesSubstitute(t *testing.T) {
	p := planning.NewPlanner(3, nil)
	state := p.NewExecutionState([]model.Step{{Name: "search", Tool: "flights.search", Args: map[string]any{"max_price": 100.0}}})

	decision := p.HandleViolation(state, "c1", model.ConstraintTypeBudget, "too expensive", 0)

	if decision.Strategy != planning.StrategySubstitute {
		t.Fatalf("expected substitute strategy, got %s", decision.Strategy)
	}
	if decision.ModifiedStep == nil || decision.ModifiedStep.Args["sort_by"] != "price_low" {
		t.Fatalf("expected modified step sorted by price, got %+v", decision.ModifiedStep)
	}
	if state.BacktrackCount != 1 {
		t.Fatalf("expected backtrack count 1, got %d", state.BacktrackCount)
	}
}

func TestHandleViolation_AbortsPastMaxBacktracks(t *testing.T) {
	p := planning.NewPlanner(1, nil)
	state := p.NewExecutionState([]model.Step{{Name: "s", Tool: "t"}})

	_ = p.HandleViolation(state, "c1", model.ConstraintTypeTime, "slow", 0)
	decision := p.HandleViolation(state, "c2", model.ConstraintTypeTime, "still slow", 0)

	if decision.Strategy != planning.StrategyAbort {
		t.Fatalf("expected abort after exceeding max backtracks, got %s", decision.Strategy)
	}
	if !state.Aborted {
		t.Fatalf("expected state marked aborted")
	}
}

func TestCheckpointAndBacktrack_RestoresGoals(t *testing.T) {
	p := planning.NewPlanner(2, nil)
	state := p.NewExecutionState(nil)
	goals := []model.Goal{{ID: "g1", Description: "book flight", Status: model.GoalStatusInProgress}}

	cp := p.Checkpoint(1, goals)
	restored, retry := p.Backtrack(cp, state)

	if !retry {
		t.Fatalf("expected retry permitted under max backtracks")
	}
	if len(restored) != 1 || restored[0].ID != "g1" {
		t.Fatalf("expected restored goals to match checkpoint, got %+v", restored)
	}
	if state.BacktrackCount != 1 {
		t.Fatalf("expected backtrack count incremented, got %d", state.BacktrackCount)
	}
}

func TestBacktrack_RefusesPastMaxBacktracks(t *testing.T) {
	p := planning.NewPlanner(1, nil)
	state := p.NewExecutionState(nil)
	state.BacktrackCount = 1

	_, retry := p.Backtrack(planning.Checkpoint{}, state)
	if retry {
		t.Fatalf("expected backtrack refused once max reached")
	}
	if !state.Aborted {
		t.Fatalf("expected state marked aborted")
	}
}

func TestMarkStepComplete_AdvancesCurrentStep(t *testing.T) {
	p := planning.NewPlanner(3, nil)
	state := p.NewExecutionState([]model.Step{{Name: "a"}, {Name: "b"}})

	state.MarkStepComplete(0)
	if state.CurrentStep != 1 {
		t.Fatalf("expected current step 1, got %d", state.CurrentStep)
	}
	if !state.ShouldContinue() {
		t.Fatalf("expected execution to continue with steps remaining")
	}
	state.MarkStepComplete(1)
	if state.ShouldContinue() {
		t.Fatalf("expected execution to stop once all steps complete")
	}
}
