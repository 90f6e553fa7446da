package model

import "gopkg.in/yaml.v3"

// Workflow is a YAML-fronted markdown file declaring a named, ordered
// sequence of tool invocations (internal/workflow).
type Workflow struct {
	Name            string           `yaml:"name" json:"name"`
	Version         string           `yaml:"version" json:"version"`
	Category        string           `yaml:"category,omitempty" json:"category,omitempty"`
	Description     string           `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers        []Trigger        `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Tools           []string         `yaml:"tools,omitempty" json:"tools,omitempty"`
	ToolBundle      string           `yaml:"tool_bundle,omitempty" json:"tool_bundle,omitempty"`
	Inputs          []WorkflowIOSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs         []WorkflowIOSpec `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Steps           []Step           `yaml:"steps" json:"steps"`
	SuccessCriteria []string         `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
	Fallback        *Fallback        `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Bootstrap       []string         `yaml:"bootstrap,omitempty" json:"bootstrap,omitempty"`

	// Body is the markdown body following the frontmatter; kept for
	// workflows that embed human-readable step rationale.
	Body string `yaml:"-" json:"-"`
	// SourcePath is where this workflow was loaded from, used by the
	// registry for re-registration and bundle-relative tool resolution.
	SourcePath string `yaml:"-" json:"-"`
}

// Trigger is either a bare string or an {intent: ...} object in the source
// YAML; both normalize to this shape.
type Trigger struct {
	Intent string `yaml:"intent,omitempty" json:"intent,omitempty"`
	Text   string `yaml:"-" json:"-"`
}

// UnmarshalYAML accepts both a bare string trigger and an {intent: ...}
// mapping, normalizing both into one Trigger shape.
func (t *Trigger) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&t.Text)
	}
	var m struct {
		Intent string `yaml:"intent"`
	}
	if err := value.Decode(&m); err != nil {
		return err
	}
	t.Intent = m.Intent
	return nil
}

// WorkflowIOSpec declares one typed input or output.
type WorkflowIOSpec struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	From     string `yaml:"from,omitempty" json:"from,omitempty"` // original_query | section_N | content_reference.field
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Step is one tool invocation within a workflow.
type Step struct {
	Name      string         `yaml:"name" json:"name"`
	Tool      string         `yaml:"tool" json:"tool"` // canonical catalog name or resolvable URI
	Args      map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Outputs   []string       `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Condition string         `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Fallback names a workflow to report as used (without running it) or a
// message to surface when success_criteria fails.
type Fallback struct {
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// StepResult is the outcome of running a workflow's step DAG.
type StepResult struct {
	Success       bool           `json:"success"`
	WorkflowName  string         `json:"workflow_name"`
	Outputs       map[string]any `json:"outputs"`
	StepsExecuted int            `json:"steps_executed"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Error         string         `json:"error,omitempty"`
	FallbackUsed  string         `json:"fallback_used,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}
