// Package approval implements the Permission/Approval Gate (C5): per-call
// mode/repo-scope validation, plus a rendezvous for calls that require a
// human to approve before they run.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/queue"
)

// DefaultApprovalTimeout bounds how long a NEEDS_APPROVAL call waits for a
// human response before it's treated as denied (spec §5).
const DefaultApprovalTimeout = 180 * time.Second

// Decision is the gate's verdict for one call.
type Decision struct {
	Result    model.ApprovalDecision
	Reason    string
	RequestID string
}

// Policy decides, for a given tool/args/mode/session, whether a call is
// ALLOWED outright, DENIED outright, or NEEDS_APPROVAL. Callers supply
// their own policy (e.g. a allow/deny-list loaded from config); approval.Gate
// owns only the NEEDS_APPROVAL rendezvous mechanics.
type Policy interface {
	Classify(tool string, args map[string]any, mode model.ToolMode, sessionID string) (model.ApprovalDecision, string)
}

// Gate is the C5 permission gate.
type Gate struct {
	policy     Policy
	rendezvous *queue.Rendezvous
	timeout    time.Duration
}

// New builds a Gate. rendezvous may be nil if the policy never returns
// NEEDS_APPROVAL (e.g. in tests).
func New(policy Policy, rendezvous *queue.Rendezvous, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Gate{policy: policy, rendezvous: rendezvous, timeout: timeout}
}

// approvalResponse is what a human approver publishes back on the
// rendezvous channel.
type approvalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Check runs the gate for one proposed call. On NEEDS_APPROVAL it blocks
// on the rendezvous until a response arrives or the timeout elapses; a
// timeout or an explicit deny both yield DENIED (spec §4.5: "a user
// response of deny or a timeout yields approval_denied").
func (g *Gate) Check(ctx context.Context, tool string, args map[string]any, mode model.ToolMode, sessionID string) (Decision, error) {
	result, reason := g.policy.Classify(tool, args, mode, sessionID)

	switch result {
	case model.ApprovalAllowed, model.ApprovalDenied:
		return Decision{Result: result, Reason: reason}, nil
	case model.ApprovalNeedsApproval:
		return g.awaitApproval(ctx, tool, args, sessionID, reason)
	default:
		return Decision{}, fmt.Errorf("approval: policy returned unknown decision %q", result)
	}
}

func (g *Gate) awaitApproval(ctx context.Context, tool string, args map[string]any, sessionID, reason string) (Decision, error) {
	if g.rendezvous == nil {
		return Decision{Result: model.ApprovalDenied, Reason: "approval_denied: no rendezvous configured"}, nil
	}

	requestID := uuid.NewString()
	if err := g.rendezvous.Publish(ctx, requestID, map[string]any{
		"tool":       tool,
		"args":       args,
		"session_id": sessionID,
		"reason":     reason,
	}); err != nil {
		return Decision{}, fmt.Errorf("approval: publish pending request: %w", err)
	}

	payload, err := g.rendezvous.Await(ctx, requestID, g.timeout)
	if err != nil {
		return Decision{
			Result:    model.ApprovalDenied,
			Reason:    "approval_denied: " + timeoutOrErrorReason(err),
			RequestID: requestID,
		}, nil
	}

	resp, err := parseApprovalResponse(payload)
	if err != nil {
		return Decision{Result: model.ApprovalDenied, Reason: "approval_denied: malformed response", RequestID: requestID}, nil
	}
	if !resp.Approved {
		r := "approval_denied"
		if resp.Reason != "" {
			r = "approval_denied: " + resp.Reason
		}
		return Decision{Result: model.ApprovalDenied, Reason: r, RequestID: requestID}, nil
	}
	return Decision{Result: model.ApprovalAllowed, Reason: "approved", RequestID: requestID}, nil
}

func timeoutOrErrorReason(err error) string {
	if errors.Is(err, queue.ErrTimeout) {
		return "timeout"
	}
	return err.Error()
}

func parseApprovalResponse(payload []byte) (approvalResponse, error) {
	var resp approvalResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return approvalResponse{}, fmt.Errorf("approval: unmarshal response: %w", err)
	}
	return resp, nil
}
