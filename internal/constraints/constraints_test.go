package constraints_test

import (
	"strings"
	"testing"

	"github.com/relayforge/orchestrator/internal/constraints"
	"github.com/relayforge/orchestrator/internal/model"
)

func TestExtract_FindsFileSizeBudgetAndTime(t *testing.T) {
	query := "Give me a report under 50KB, budget of $200, within 30 minutes."
	cs := constraints.Extractor{}.Extract(query, "")

	var types []string
	for _, c := range cs {
		types = append(types, c.Type)
	}
	if len(cs) != 3 {
		t.Fatalf("expected 3 constraints, got %d (%v)", len(cs), types)
	}
	for _, c := range cs {
		if c.Source != "extracted" {
			t.Fatalf("expected source=extracted, got %s", c.Source)
		}
		if c.OriginalText == "" {
			t.Fatalf("expected non-empty original_text for %+v", c)
		}
	}
}

func TestExtract_FileSizeNormalizesToBytes(t *testing.T) {
	cs := constraints.Extractor{}.Extract("max 1MB", "")
	if len(cs) != 1 {
		t.Fatalf("expected 1 constraint, got %d", len(cs))
	}
	got := cs[0].Fields["max_bytes"]
	if got != float64(1024*1024) {
		t.Fatalf("expected 1048576 bytes, got %v", got)
	}
}

func TestExtract_ContextDuplicatesAreDropped(t *testing.T) {
	query := "under 50KB"
	context := "Earlier turn also said under 50KB."
	cs := constraints.Extractor{}.Extract(query, context)
	if len(cs) != 1 {
		t.Fatalf("expected dedupe to leave 1 constraint, got %d", len(cs))
	}
	if cs[0].Source != "extracted" {
		t.Fatalf("expected query match to win over context duplicate, got source=%s", cs[0].Source)
	}
}

func TestExtract_ContextOnlyMatchIsMarkedContextSourced(t *testing.T) {
	cs := constraints.Extractor{}.Extract("no limits mentioned here", "budget of $500")
	if len(cs) != 1 || cs[0].Source != "context" {
		t.Fatalf("expected 1 context-sourced constraint, got %+v", cs)
	}
}

func TestExtract_NoMatchesReturnsEmpty(t *testing.T) {
	cs := constraints.Extractor{}.Extract("what's the weather today", "")
	if len(cs) != 0 {
		t.Fatalf("expected no constraints, got %+v", cs)
	}
}

func TestFormatBlock_EmptyAndPopulated(t *testing.T) {
	empty := constraints.FormatBlock(nil)
	if !strings.Contains(empty, "No explicit constraints") {
		t.Fatalf("expected empty-block message, got %q", empty)
	}

	cs := []model.Constraint{{ID: "budget_1", Type: model.ConstraintTypeBudget, Fields: map[string]any{"max_amount": 200.0}, Source: "extracted", OriginalText: "budget of $200"}}
	block := constraints.FormatBlock(cs)
	if !strings.Contains(block, "budget_1") || !strings.Contains(block, "$200") {
		t.Fatalf("expected formatted table row, got %q", block)
	}
}
