package toolexec

import (
	"fmt"
	"time"

	"github.com/relayforge/orchestrator/common/id"
	"github.com/relayforge/orchestrator/internal/model"
)

// DefaultClaimTTLHours is how long a claim extracted by DefaultExtractor is
// considered fresh before Phase 2 context gathering should re-verify it.
const DefaultClaimTTLHours = 24

// DefaultExtractor pulls sourced claims out of a tool's normalized result
// map using the field names the catalog's built-in and bundle-loaded tools
// commonly return (content/url/source_ref/confidence), one claim per result
// entry in "results" if present, else one claim for the whole result.
type DefaultExtractor struct{}

// Extract implements ClaimExtractor.
func (DefaultExtractor) Extract(tool string, raw map[string]any) []model.Claim {
	if raw == nil {
		return nil
	}
	if results, ok := raw["results"].([]any); ok {
		claims := make([]model.Claim, 0, len(results))
		for i, r := range results {
			entry, ok := r.(map[string]any)
			if !ok {
				continue
			}
			if c, ok := claimFromFields(tool, i, entry); ok {
				claims = append(claims, c)
			}
		}
		return claims
	}
	if c, ok := claimFromFields(tool, 0, raw); ok {
		return []model.Claim{c}
	}
	return nil
}

func claimFromFields(tool string, idx int, fields map[string]any) (model.Claim, bool) {
	content, _ := fields["content"].(string)
	url, _ := fields["url"].(string)
	sourceRef, _ := fields["source_ref"].(string)
	if content == "" || (url == "" && sourceRef == "") {
		return model.Claim{}, false
	}

	confidence := 0.7
	if v, ok := fields["confidence"].(float64); ok {
		confidence = v
	}

	return model.Claim{
		ID:         fmt.Sprintf("%s-%d-%d", tool, id.New(), idx),
		Content:    content,
		Confidence: confidence,
		Source:     tool,
		URL:        url,
		SourceRef:  sourceRef,
		TTLHours:   DefaultClaimTTLHours,
		CreatedAt:  time.Now(),
	}, true
}

// extractRejectedProducts pulls a tool's declared "rejected_products" list
// (candidates it excluded, e.g. for exceeding a budget constraint) out of
// its normalized result map, same field-name convention as claimFromFields.
func extractRejectedProducts(raw map[string]any) []model.RejectedProduct {
	if raw == nil {
		return nil
	}
	items, ok := raw["rejected_products"].([]any)
	if !ok {
		return nil
	}
	products := make([]model.RejectedProduct, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := fields["name"].(string)
		reason, _ := fields["reason"].(string)
		if name == "" || reason == "" {
			continue
		}
		constraintID, _ := fields["constraint_id"].(string)
		products = append(products, model.RejectedProduct{Name: name, Reason: reason, ConstraintID: constraintID})
	}
	return products
}
