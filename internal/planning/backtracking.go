// Package planning implements the Planning Loop (C12): the outer control
// loop that attempts a STRATEGIC_PLAN route first, falls back to a bounded
// legacy loop, and — per the supplemented backtracking feature — can roll
// back to the last successful checkpoint when a legacy EXECUTE step's tool
// calls all fail, rather than immediately failing the turn.
package planning

import (
	"fmt"

	"github.com/relayforge/orchestrator/internal/model"
)

// BacktrackStrategy is how a constraint violation during plan execution is
// handled, grounded on the original gateway's BacktrackingPlanner.
type BacktrackStrategy string

const (
	StrategySkipStep         BacktrackStrategy = "skip_step"
	StrategyReplan           BacktrackStrategy = "replan"
	StrategySubstitute       BacktrackStrategy = "substitute"
	StrategyAbort            BacktrackStrategy = "abort"
	StrategyRetryWithParams  BacktrackStrategy = "retry_with_params"
)

// defaultStrategies mirrors BacktrackingPlanner.DEFAULT_STRATEGIES.
var defaultStrategies = map[string]BacktrackStrategy{
	model.ConstraintTypeBudget:       StrategySubstitute,
	model.ConstraintTypeFileSize:     StrategyRetryWithParams,
	model.ConstraintTypeTime:         StrategySkipStep,
	model.ConstraintTypeAvailability: StrategySubstitute,
	model.ConstraintTypeLocation:     StrategySubstitute,
	model.ConstraintTypePrivacy:      StrategySkipStep,
	model.ConstraintTypeMustAvoid:    StrategySubstitute,
}

// Violation is a richer, backtracking-local record than model.Violation —
// it additionally names the offending step so a decision can target it.
type Violation struct {
	ConstraintID   string
	ConstraintType string
	StepIndex      int
	StepAction     string
	Reason         string
	Recoverable    bool
}

// BacktrackDecision is how one violation should be handled.
type BacktrackDecision struct {
	Strategy     BacktrackStrategy
	Violation    Violation
	ModifiedStep *model.Step
	SkipToStep   int
	HasSkipTo    bool
	Reason       string
}

// Checkpoint is a snapshot of plan-state goal statuses taken before a legacy
// EXECUTE step runs, so a failed step can be rolled back to it.
type Checkpoint struct {
	Iteration int
	Goals     []model.Goal
}

// ExecutionState tracks a plan's steps and backtracking history, mirroring
// PlanExecutionState.
type ExecutionState struct {
	Steps             []model.Step
	CurrentStep       int
	CompletedSteps    []int
	SkippedSteps      []int
	Violations        []Violation
	BacktrackDecisions []BacktrackDecision
	MaxBacktracks     int
	BacktrackCount    int
	Aborted           bool
}

// Planner decides and applies backtracking strategies.
type Planner struct {
	MaxBacktracks int
	Strategies    map[string]BacktrackStrategy
}

// NewPlanner builds a Planner with the default per-constraint-type
// strategies, overridden by any entries in overrides.
func NewPlanner(maxBacktracks int, overrides map[string]BacktrackStrategy) *Planner {
	if maxBacktracks <= 0 {
		maxBacktracks = 3
	}
	strategies := make(map[string]BacktrackStrategy, len(defaultStrategies))
	for k, v := range defaultStrategies {
		strategies[k] = v
	}
	for k, v := range overrides {
		strategies[k] = v
	}
	return &Planner{MaxBacktracks: maxBacktracks, Strategies: strategies}
}

// NewExecutionState creates the initial state for a plan's steps.
func (p *Planner) NewExecutionState(steps []model.Step) *ExecutionState {
	return &ExecutionState{Steps: steps, MaxBacktracks: p.MaxBacktracks}
}

// Checkpoint captures the plan's current goal statuses.
func (p *Planner) Checkpoint(iteration int, goals []model.Goal) Checkpoint {
	snapshot := make([]model.Goal, len(goals))
	copy(snapshot, goals)
	return Checkpoint{Iteration: iteration, Goals: snapshot}
}

// Backtrack restores goals to a checkpoint's snapshot. Returns false once
// the state's backtrack count has reached MaxBacktracks, signaling the
// caller to abort rather than retry again.
func (p *Planner) Backtrack(cp Checkpoint, state *ExecutionState) ([]model.Goal, bool) {
	if state.BacktrackCount >= state.MaxBacktracks {
		state.Aborted = true
		return cp.Goals, false
	}
	state.BacktrackCount++
	restored := make([]model.Goal, len(cp.Goals))
	copy(restored, cp.Goals)
	return restored, true
}

// HandleViolation records a violation and decides a backtrack strategy for
// it, following BacktrackingPlanner.handle_violation.
func (p *Planner) HandleViolation(state *ExecutionState, constraintID, constraintType, reason string, stepIndex int) BacktrackDecision {
	var stepAction string
	if stepIndex >= 0 && stepIndex < len(state.Steps) {
		stepAction = state.Steps[stepIndex].Tool
	}

	violation := Violation{
		ConstraintID:   constraintID,
		ConstraintType: constraintType,
		StepIndex:      stepIndex,
		StepAction:     stepAction,
		Reason:         reason,
		Recoverable:    state.BacktrackCount < state.MaxBacktracks,
	}
	state.Violations = append(state.Violations, violation)

	if state.BacktrackCount >= state.MaxBacktracks {
		decision := BacktrackDecision{
			Strategy:  StrategyAbort,
			Violation: violation,
			Reason:    fmt.Sprintf("exceeded max backtracks (%d)", state.MaxBacktracks),
		}
		state.Aborted = true
		state.BacktrackDecisions = append(state.BacktrackDecisions, decision)
		return decision
	}

	strategy, ok := p.Strategies[constraintType]
	if !ok {
		strategy = StrategySkipStep
	}

	decision := p.createDecision(state, violation, strategy, stepIndex)
	state.BacktrackCount++
	state.BacktrackDecisions = append(state.BacktrackDecisions, decision)
	return decision
}

func (p *Planner) createDecision(state *ExecutionState, violation Violation, strategy BacktrackStrategy, stepIndex int) BacktrackDecision {
	var step model.Step
	if stepIndex >= 0 && stepIndex < len(state.Steps) {
		step = state.Steps[stepIndex]
	}

	switch strategy {
	case StrategySkipStep:
		return BacktrackDecision{
			Strategy:   strategy,
			Violation:  violation,
			SkipToStep: violation.StepIndex + 1,
			HasSkipTo:  true,
			Reason:     fmt.Sprintf("skipping step %d due to %s constraint", violation.StepIndex, violation.ConstraintType),
		}
	case StrategyRetryWithParams:
		modified := modifyStepForConstraint(step, violation)
		return BacktrackDecision{Strategy: strategy, Violation: violation, ModifiedStep: &modified, Reason: fmt.Sprintf("retrying with modified parameters for %s", violation.ConstraintType)}
	case StrategySubstitute:
		alt := findAlternativeStep(step, violation)
		return BacktrackDecision{Strategy: strategy, Violation: violation, ModifiedStep: &alt, Reason: fmt.Sprintf("substituting alternative for %s constraint", violation.ConstraintType)}
	case StrategyReplan:
		return BacktrackDecision{Strategy: strategy, Violation: violation, Reason: fmt.Sprintf("full replan required for %s constraint", violation.ConstraintType)}
	default:
		return BacktrackDecision{Strategy: StrategyAbort, Violation: violation, Reason: fmt.Sprintf("cannot recover from %s violation", violation.ConstraintType)}
	}
}

func modifyStepForConstraint(step model.Step, violation Violation) model.Step {
	modified := step
	args := cloneArgs(step.Args)

	switch violation.ConstraintType {
	case model.ConstraintTypeFileSize:
		if maxResults, ok := args["max_results"].(float64); ok && maxResults > 5 {
			args["max_results"] = 5.0
		}
	case model.ConstraintTypeBudget:
		if maxPrice, ok := args["max_price"].(float64); ok {
			args["max_price"] = maxPrice * 0.7
		}
		args["sort_by"] = "price_low"
	case model.ConstraintTypeTime:
		if maxDuration, ok := args["max_duration"].(float64); ok {
			args["max_duration"] = maxDuration * 0.5
		}
		args["prefer_direct"] = true
	}
	modified.Args = args
	return modified
}

func findAlternativeStep(step model.Step, violation Violation) model.Step {
	alt := step
	args := cloneArgs(step.Args)

	switch violation.ConstraintType {
	case model.ConstraintTypeBudget:
		args["sort_by"] = "price_low"
	case model.ConstraintTypeAvailability:
		args["available_only"] = true
	case model.ConstraintTypeLocation:
		args["expand_radius"] = true
	case model.ConstraintTypeMustAvoid:
		existing, _ := args["exclude"].([]string)
		args["exclude"] = append(existing, violation.Reason)
	}
	alt.Args = args
	return alt
}

func cloneArgs(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ShouldContinue reports whether plan execution should keep going.
func (s *ExecutionState) ShouldContinue() bool {
	if s.Aborted {
		return false
	}
	return s.CurrentStep < len(s.Steps)
}

// MarkStepComplete advances past a completed step.
func (s *ExecutionState) MarkStepComplete(stepIndex int) {
	for _, c := range s.CompletedSteps {
		if c == stepIndex {
			s.CurrentStep = stepIndex + 1
			return
		}
	}
	s.CompletedSteps = append(s.CompletedSteps, stepIndex)
	s.CurrentStep = stepIndex + 1
}
