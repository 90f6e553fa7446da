// Package planstate implements Plan State (C8): goal/constraint/violation
// normalization and persistence, plus the constraint checker shared by the
// Tool Executor (C6) and the Validation & Retry Controller (C14).
package planstate

import (
	"fmt"
	"strings"

	"github.com/relayforge/orchestrator/internal/model"
)

// State wraps model.PlanState with normalization and mutation helpers.
type State struct {
	data model.PlanState
}

// New starts an empty plan state for a fresh strategic plan.
func New() *State {
	return &State{data: model.PlanState{}}
}

// Load wraps an already-persisted plan state (e.g. read from
// plan_state.json) for further mutation.
func Load(data model.PlanState) *State {
	return &State{data: data}
}

// Data returns the underlying model for persistence.
func (s *State) Data() model.PlanState {
	return s.data
}

// NormalizeGoals accepts heterogeneous goal shapes — plain strings, or maps
// with id/description/status — and produces canonical model.Goal records.
// It does not touch any State; InitGoals is what replaces a state's goals.
func NormalizeGoals(raw []any) []model.Goal {
	goals := make([]model.Goal, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			goals = append(goals, model.Goal{
				ID:          fmt.Sprintf("goal_%d", i+1),
				Description: v,
				Status:      model.GoalStatusPending,
			})
		case map[string]any:
			g := model.Goal{
				ID:     fmt.Sprintf("goal_%d", i+1),
				Status: model.GoalStatusPending,
			}
			if id, ok := v["id"].(string); ok && id != "" {
				g.ID = id
			}
			if desc, ok := v["description"].(string); ok {
				g.Description = desc
			}
			if status, ok := v["status"].(string); ok && status != "" {
				g.Status = status
			}
			goals = append(goals, g)
		}
	}
	return goals
}

// InitGoals sets the plan state's goal list, once per strategic plan.
func (s *State) InitGoals(raw []any) {
	s.data.Goals = NormalizeGoals(raw)
}

// SetGoalStatus updates a goal's status by id.
func (s *State) SetGoalStatus(id string, status string) bool {
	for i := range s.data.Goals {
		if s.data.Goals[i].ID == id {
			s.data.Goals[i].Status = status
			return true
		}
	}
	return false
}

// AddConstraint appends a constraint, skipping it if an identical id is
// already present.
func (s *State) AddConstraint(c model.Constraint) {
	for _, existing := range s.data.Constraints {
		if existing.ID == c.ID {
			return
		}
	}
	s.data.Constraints = append(s.data.Constraints, c)
}

// RecordViolation appends a violation with phase attribution and marks the
// matching constraint violated, cumulatively across the turn.
func (s *State) RecordViolation(constraintID, reason, phase string) {
	s.data.Violations = append(s.data.Violations, model.Violation{
		ConstraintID: constraintID,
		Reason:       reason,
		Phase:        phase,
	})
	for i := range s.data.Constraints {
		if s.data.Constraints[i].ID == constraintID {
			s.data.Constraints[i].Status = model.ConstraintStatusViolated
		}
	}
	s.data.LastUpdatedPhase = phase
}

// RecordToolCreationFailure appends a self-extension failure (spec §4.9
// step 5).
func (s *State) RecordToolCreationFailure(toolName, reason string, paths []string) {
	s.data.ToolCreationFailures = append(s.data.ToolCreationFailures, model.ToolCreationFailure{
		ToolName: toolName,
		Reason:   reason,
		Paths:    paths,
	})
}

// CheckResult is the outcome of a constraint check against one proposed
// tool call.
type CheckResult struct {
	Blocked      bool
	ConstraintID string
	Reason       string
}

// CheckToolCall runs the constraint checks shared by C6 and C14's pre-call
// path: blocked tool, blocked domain in query/args, file-size limit on
// file.write, privacy no_external_calls on internet.*/browser.*, and
// must_avoid term matches (spec §4.6 step 1).
func (s *State) CheckToolCall(tool string, args map[string]any, queryText string) CheckResult {
	for _, c := range s.data.Constraints {
		if c.Status == model.ConstraintStatusViolated {
			continue
		}
		switch c.Type {
		case model.ConstraintTypeMustAvoid:
			if term, ok := c.Fields["term"].(string); ok && term != "" {
				haystack := strings.ToLower(queryText + " " + flattenArgs(args))
				if strings.Contains(haystack, strings.ToLower(term)) {
					return CheckResult{Blocked: true, ConstraintID: c.ID, Reason: fmt.Sprintf("must_avoid term %q present", term)}
				}
			}
		case model.ConstraintTypePrivacy:
			if noExternal, ok := c.Fields["no_external_calls"].(bool); ok && noExternal {
				if strings.HasPrefix(tool, "internet.") || strings.HasPrefix(tool, "browser.") {
					return CheckResult{Blocked: true, ConstraintID: c.ID, Reason: "privacy constraint forbids external calls"}
				}
			}
		case model.ConstraintTypeFileSize:
			if tool == "file.write" {
				limit, _ := c.Fields["max_bytes"].(float64)
				if limit > 0 {
					if content, ok := args["content"].(string); ok && float64(len(content)) > limit {
						return CheckResult{Blocked: true, ConstraintID: c.ID, Reason: fmt.Sprintf("file write exceeds limit of %v bytes", limit)}
					}
				}
			}
		case model.ConstraintTypeAvailability:
			if blocked, ok := c.Fields["blocked_tool"].(string); ok && blocked == tool {
				return CheckResult{Blocked: true, ConstraintID: c.ID, Reason: fmt.Sprintf("tool %q blocked by constraint", tool)}
			}
			if domain, ok := c.Fields["blocked_domain"].(string); ok && domain != "" {
				haystack := strings.ToLower(queryText + " " + flattenArgs(args))
				if strings.Contains(haystack, strings.ToLower(domain)) {
					return CheckResult{Blocked: true, ConstraintID: c.ID, Reason: fmt.Sprintf("domain %q blocked by constraint", domain)}
				}
			}
		}
	}
	return CheckResult{}
}

func flattenArgs(args map[string]any) string {
	var b strings.Builder
	for k, v := range args {
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	return b.String()
}
