package model

// PlanState is the turn's plan_state.json: goals, constraints, and the
// violations accumulated while executing against them.
type PlanState struct {
	Goals             []Goal       `json:"goals"`
	Constraints       []Constraint `json:"constraints"`
	Violations        []Violation  `json:"violations"`
	LastUpdatedPhase  string       `json:"last_updated_phase"`
	ToolCreationFailures []ToolCreationFailure `json:"tool_creation_failures,omitempty"`
}

// Goal is a single objective extracted from the strategic plan.
type Goal struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"` // pending | in_progress | fulfilled | abandoned
}

const (
	GoalStatusPending    = "pending"
	GoalStatusInProgress = "in_progress"
	GoalStatusFulfilled  = "fulfilled"
	GoalStatusAbandoned  = "abandoned"
)

// Constraint is a typed restriction extracted from the query or context.
type Constraint struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // budget | file_size | time | privacy | must_avoid | availability | location | ...
	Fields       map[string]any `json:"fields,omitempty"`
	Source       string         `json:"source"` // extracted | context
	OriginalText string         `json:"original_text"`
	Status       string         `json:"status"` // active | satisfied | violated
}

const (
	ConstraintTypeBudget       = "budget"
	ConstraintTypeFileSize     = "file_size"
	ConstraintTypeTime         = "time"
	ConstraintTypePrivacy      = "privacy"
	ConstraintTypeMustAvoid    = "must_avoid"
	ConstraintTypeAvailability = "availability"
	ConstraintTypeLocation     = "location"

	ConstraintStatusActive    = "active"
	ConstraintStatusSatisfied = "satisfied"
	ConstraintStatusViolated  = "violated"
)

// Violation records a constraint breach attributed to a phase.
type Violation struct {
	ConstraintID string `json:"constraint_id"`
	Reason       string `json:"reason"`
	Phase        string `json:"phase"`
}

// ToolCreationFailure records a failed self-extension attempt.
type ToolCreationFailure struct {
	ToolName string   `json:"tool_name"`
	Reason   string   `json:"reason"`
	Paths    []string `json:"paths"`
}
