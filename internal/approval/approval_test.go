package approval_test

import (
	"context"
	"testing"

	"github.com/relayforge/orchestrator/internal/approval"
	"github.com/relayforge/orchestrator/internal/model"
)

type fixedPolicy struct {
	decision model.ApprovalDecision
	reason   string
}

func (f fixedPolicy) Classify(tool string, args map[string]any, mode model.ToolMode, sessionID string) (model.ApprovalDecision, string) {
	return f.decision, f.reason
}

func TestCheck_AllowedPassesThrough(t *testing.T) {
	g := approval.New(fixedPolicy{decision: model.ApprovalAllowed}, nil, 0)
	d, err := g.Check(context.Background(), "memory.search", nil, model.ModeRequiredAny, "sess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Result != model.ApprovalAllowed {
		t.Fatalf("expected allowed, got %s", d.Result)
	}
}

func TestCheck_DeniedPassesThrough(t *testing.T) {
	g := approval.New(fixedPolicy{decision: model.ApprovalDenied, reason: "blocked tool"}, nil, 0)
	d, err := g.Check(context.Background(), "git.push", nil, model.ModeRequiredCode, "sess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Result != model.ApprovalDenied || d.Reason != "blocked tool" {
		t.Fatalf("expected denied with reason, got %+v", d)
	}
}

func TestCheck_NeedsApprovalWithNoRendezvousDeniesByDefault(t *testing.T) {
	g := approval.New(fixedPolicy{decision: model.ApprovalNeedsApproval}, nil, 0)
	d, err := g.Check(context.Background(), "file.write", nil, model.ModeRequiredCode, "sess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Result != model.ApprovalDenied {
		t.Fatalf("expected a missing rendezvous to deny by default, got %s", d.Result)
	}
}
