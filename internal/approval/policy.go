package approval

import (
	"strings"

	"github.com/relayforge/orchestrator/internal/model"
)

// StaticPolicy classifies a call by matching its tool name against two
// prefix lists, checked in order: denied, then needs-approval. A tool that
// matches neither list is allowed.
type StaticPolicy struct {
	Denied        []string
	NeedsApproval []string
}

// Classify implements Policy.
func (p StaticPolicy) Classify(tool string, _ map[string]any, _ model.ToolMode, _ string) (model.ApprovalDecision, string) {
	for _, prefix := range p.Denied {
		if strings.HasPrefix(tool, prefix) {
			return model.ApprovalDenied, "tool " + tool + " is always denied"
		}
	}
	for _, prefix := range p.NeedsApproval {
		if strings.HasPrefix(tool, prefix) {
			return model.ApprovalNeedsApproval, "tool " + tool + " requires human approval"
		}
	}
	return model.ApprovalAllowed, ""
}

// DefaultPolicy gates the write-capable tool families (filesystem writes,
// external side effects) behind human approval, leaving read/search tools
// and workflow-internal tools allowed outright.
func DefaultPolicy() StaticPolicy {
	return StaticPolicy{
		NeedsApproval: []string{"file.write", "file.delete", "bash", "email.send", "payment."},
	}
}
