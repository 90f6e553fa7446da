package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/toolexec"
)

// StepExecutor is the subset of toolexec.Executor the runner needs, so
// tests can substitute a fake.
type StepExecutor interface {
	Execute(ctx context.Context, call toolexec.Call) (model.ToolResult, error)
}

// Runner executes one workflow's step DAG against a rolling output context.
type Runner struct {
	exec StepExecutor
	mode model.ToolMode
}

// NewRunner builds a step Runner.
func NewRunner(exec StepExecutor, mode model.ToolMode) *Runner {
	return &Runner{exec: exec, mode: mode}
}

// Run executes wf.Steps in order against the supplied inputs (explicit
// caller-provided values) and a context-attribute map (session_id,
// turn_number, and so on), per spec §4.7.
func (r *Runner) Run(ctx context.Context, wf model.Workflow, inputs map[string]any, contextAttrs map[string]any) (model.StepResult, error) {
	start := time.Now()
	rolling := make(map[string]any, len(inputs)+8)
	for k, v := range inputs {
		rolling[k] = v
	}

	result := model.StepResult{WorkflowName: wf.Name, Outputs: make(map[string]any)}
	var warnings []string

	for _, step := range wf.Steps {
		if step.Condition != "" && !evalCondition(step.Condition, rolling) {
			continue
		}

		args, err := resolveArgs(step.Args, rolling, contextAttrs)
		if err != nil {
			result.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			return finalize(result, warnings, start), nil
		}

		call := toolexec.Call{Tool: step.Tool, Args: args, Mode: r.mode}
		tr, err := r.exec.Execute(ctx, call)
		if err != nil {
			result.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			return finalize(result, warnings, start), nil
		}
		result.StepsExecuted++

		if tr.Status == model.ToolStatusError || tr.Status == model.ToolStatusBlocked || tr.Status == model.ToolStatusDenied {
			result.Error = fmt.Sprintf("step %s: %s", step.Name, tr.Error)
			return finalize(result, warnings, start), nil
		}

		for _, out := range step.Outputs {
			if v, ok := extractOutput(out, tr); ok {
				rolling[out] = v
				result.Outputs[out] = v
			}
		}
	}

	result.Success = evalSuccessCriteria(wf.SuccessCriteria, rolling)
	if !result.Success && wf.Fallback != nil {
		if wf.Fallback.Name != "" {
			result.FallbackUsed = wf.Fallback.Name
		} else if wf.Fallback.Message != "" {
			result.Error = wf.Fallback.Message
		}
	}

	return finalize(result, warnings, start), nil
}

func finalize(result model.StepResult, warnings []string, start time.Time) model.StepResult {
	result.Warnings = warnings
	result.ElapsedSeconds = time.Since(start).Seconds()
	return result
}

func extractOutput(name string, tr model.ToolResult) (any, bool) {
	switch name {
	case "status":
		return string(tr.Status), true
	case "raw_result":
		return tr.RawResult, true
	case "claims":
		return tr.Claims, true
	case "rejected_products":
		return tr.RejectedProducts, true
	case "resolved_query":
		return tr.ResolvedQuery, true
	default:
		if tr.RawResult != nil {
			if v, ok := tr.RawResult[name]; ok {
				return v, true
			}
		}
		return nil, false
	}
}

// resolveArgs interpolates the template expressions in each declared arg,
// looking names up in the rolling outputs first and then in the context
// attributes. There is no separate explicit/from-source/default input
// resolution step; a default applies only through a template's default filter.
func resolveArgs(declared map[string]any, rolling, contextAttrs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(declared))
	for name, raw := range declared {
		v, err := interpolate(raw, rolling, contextAttrs)
		if err != nil {
			return nil, fmt.Errorf("arg %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

var (
	bareVarPattern     = regexp.MustCompile(`^\{\{\s*([^}|]+?)\s*(?:\|\s*default:\s*'([^']*)')?\s*\}\}$`)
	embeddedVarPattern = regexp.MustCompile(`\{\{\s*([^}|]+?)\s*(?:\|\s*default:\s*'([^']*)')?\s*\}\}`)
)

// interpolate handles the three templating shapes from spec §4.7 step 3:
// a bare "{{var}}" preserves the resolved value's type; a string with
// embedded "{{...}}" substitutes each into the surrounding text; ".dot.path"
// traverses nested maps; "| default:'x'" supplies a fallback.
func interpolate(raw any, rolling, contextAttrs map[string]any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}

	if m := bareVarPattern.FindStringSubmatch(s); m != nil {
		v, found := lookupPath(m[1], rolling, contextAttrs)
		if !found {
			if len(m) > 2 && m[2] != "" {
				return m[2], nil
			}
			return nil, fmt.Errorf("unresolved variable %q", m[1])
		}
		return v, nil
	}

	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var substErr error
	out := embeddedVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := embeddedVarPattern.FindStringSubmatch(match)
		v, found := lookupPath(parts[1], rolling, contextAttrs)
		if !found {
			if len(parts) > 2 && parts[2] != "" {
				return parts[2]
			}
			substErr = fmt.Errorf("unresolved variable %q", parts[1])
			return match
		}
		return toDisplayString(v)
	})
	if substErr != nil {
		return nil, substErr
	}
	return out, nil
}

func lookupPath(path string, rolling, contextAttrs map[string]any) (any, bool) {
	path = strings.TrimSpace(path)
	segments := strings.Split(path, ".")

	root, ok := rolling[segments[0]]
	if !ok {
		root, ok = contextAttrs[segments[0]]
	}
	if !ok {
		return nil, false
	}

	cur := root
	for _, seg := range segments[1:] {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func toDisplayString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// evalCondition supports simple truthiness and equality checks against the
// rolling output context: a bare var name, or "var == 'literal'" / "var != 'literal'".
func evalCondition(cond string, rolling map[string]any) bool {
	cond = strings.TrimSpace(cond)
	if eq := strings.Index(cond, "=="); eq >= 0 {
		left := strings.TrimSpace(cond[:eq])
		right := strings.Trim(strings.TrimSpace(cond[eq+2:]), "'\"")
		v, _ := lookupPath(left, rolling, nil)
		return toDisplayString(v) == right
	}
	if ne := strings.Index(cond, "!="); ne >= 0 {
		left := strings.TrimSpace(cond[:ne])
		right := strings.Trim(strings.TrimSpace(cond[ne+2:]), "'\"")
		v, _ := lookupPath(left, rolling, nil)
		return toDisplayString(v) != right
	}
	v, ok := lookupPath(cond, rolling, nil)
	if !ok {
		return false
	}
	return isTruthy(v)
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && strings.ToLower(t) != "false"
	case nil:
		return false
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// evalSuccessCriteria treats each criterion as a boolean condition
// expression over the rolling output context; all must hold.
func evalSuccessCriteria(criteria []string, rolling map[string]any) bool {
	if len(criteria) == 0 {
		return true
	}
	for _, c := range criteria {
		if !evalCondition(c, rolling) {
			return false
		}
	}
	return true
}

// unused helper kept for numeric comparisons in future success_criteria
// extensions (e.g. "count > 3").
func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
