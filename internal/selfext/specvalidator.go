// Package selfext implements the Self-Extension Pipeline (C9): validate a
// generated tool spec, back up anything it would overwrite, write the new
// files, run its tests in a sandboxed subprocess, and either register the
// tool or roll everything back.
package selfext

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	versionPattern    = regexp.MustCompile(`^\d+(\.\d+)*(-\w+)?$`)
)

var validInputTypes = map[string]bool{
	"string": true, "int": true, "float": true, "bool": true,
	"list": true, "dict": true, "any": true,
}

var validModes = map[string]bool{"code": true, "chat": true, "any": true, "": true}

// ValidationIssue is one validation error or warning.
type ValidationIssue struct {
	Field    string
	Message  string
	Severity string // error | warning
}

// ValidationResult is the outcome of validating a tool spec.
type ValidationResult struct {
	Valid      bool
	Errors     []ValidationIssue
	Warnings   []ValidationIssue
	ParsedSpec toolSpec
}

func (r *ValidationResult) addError(field, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Field: field, Message: message, Severity: "error"})
	r.Valid = false
}

func (r *ValidationResult) addWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Field: field, Message: message, Severity: "warning"})
}

// ioField is a single input/output declaration, accepted either as a bare
// parameter name or a {name, type, required} object.
type ioField struct {
	Name     string
	Type     string
	Required bool
}

func (f *ioField) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&f.Name)
	}
	var m struct {
		Name     string `yaml:"name"`
		Type     string `yaml:"type"`
		Required bool   `yaml:"required"`
	}
	if err := value.Decode(&m); err != nil {
		return err
	}
	f.Name, f.Type, f.Required = m.Name, m.Type, m.Required
	return nil
}

type toolSpec struct {
	Name         string    `yaml:"name"`
	Entrypoint   string    `yaml:"entrypoint"`
	Inputs       []ioField `yaml:"inputs"`
	Outputs      []ioField `yaml:"outputs"`
	ModeRequired string    `yaml:"mode_required"`
	Version      string    `yaml:"version"`
	Description  string    `yaml:"description"`
	Dependencies []string  `yaml:"dependencies"`
}

// ValidateSpecContent parses markdown+YAML-frontmatter tool spec content and
// validates it per spec §4.9 step 1.
func ValidateSpecContent(content string) ValidationResult {
	result := ValidationResult{Valid: true}

	frontmatter, ok := extractFrontmatter(content)
	if !ok {
		result.addError("format", "could not parse YAML frontmatter; expected '---' delimiters")
		return result
	}

	var spec toolSpec
	if err := yaml.Unmarshal([]byte(frontmatter), &spec); err != nil {
		result.addError("format", fmt.Sprintf("invalid YAML: %v", err))
		return result
	}
	result.ParsedSpec = spec

	if spec.Name == "" {
		result.addError("name", "required field 'name' is missing")
	}
	if spec.Entrypoint == "" {
		result.addError("entrypoint", "required field 'entrypoint' is missing")
	}
	if spec.Inputs == nil {
		result.addError("inputs", "required field 'inputs' is missing")
	}
	if spec.Outputs == nil {
		result.addError("outputs", "required field 'outputs' is missing")
	}
	if !result.Valid {
		return result
	}

	if !isValidToolName(spec.Name) {
		result.addError("name", fmt.Sprintf("invalid tool name %q; use 'category.action' or a valid identifier", spec.Name))
	}
	if !identifierPattern.MatchString(spec.Entrypoint) {
		result.addError("entrypoint", fmt.Sprintf("invalid entrypoint %q; must be a valid identifier", spec.Entrypoint))
	}
	if !validModes[spec.ModeRequired] {
		result.addError("mode_required", fmt.Sprintf("invalid mode_required %q; must be 'code', 'chat', 'any', or empty", spec.ModeRequired))
	}

	for i, in := range spec.Inputs {
		validateIOField(in, fmt.Sprintf("inputs[%d]", i), &result)
	}
	for i, out := range spec.Outputs {
		validateIOField(out, fmt.Sprintf("outputs[%d]", i), &result)
	}

	if spec.Version != "" && !versionPattern.MatchString(spec.Version) {
		result.addWarning("version", fmt.Sprintf("version %q doesn't follow semver format", spec.Version))
	}

	return result
}

func validateIOField(f ioField, path string, result *ValidationResult) {
	if f.Name == "" {
		result.addError(path, "missing 'name' field")
		return
	}
	if !identifierPattern.MatchString(f.Name) {
		result.addError(path, fmt.Sprintf("invalid parameter name %q", f.Name))
	}
	if f.Type != "" && !validInputTypes[f.Type] {
		result.addWarning(path+".type", fmt.Sprintf("unknown type %q", f.Type))
	}
}

func isValidToolName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if !identifierPattern.MatchString(part) {
			return false
		}
	}
	return true
}

func extractFrontmatter(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return "", false
	}
	rest := strings.TrimPrefix(trimmed, "---")
	idx := strings.Index(rest, "\n---")
	if idx == -1 {
		return "", false
	}
	return strings.TrimPrefix(rest[:idx], "\n"), true
}
