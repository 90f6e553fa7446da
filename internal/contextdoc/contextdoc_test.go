package contextdoc_test

import (
	"strings"
	"testing"
	"time"

	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/model"
)

func TestAddClaim_RejectsUnsourced(t *testing.T) {
	d := contextdoc.New()
	err := d.AddClaim(model.Claim{ID: "c1", Content: "price is $9", Confidence: 0.8, Source: "web_search"})
	if err == nil {
		t.Fatalf("expected unsourced claim to be rejected")
	}
}

func TestAddClaim_AcceptsSourced(t *testing.T) {
	d := contextdoc.New()
	err := d.AddClaim(model.Claim{
		ID: "c1", Content: "price is $9", Confidence: 0.8, Source: "web_search",
		URL: "https://example.com", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("expected sourced claim to be accepted: %v", err)
	}
	if len(d.Claims()) != 1 {
		t.Fatalf("expected one claim in ledger")
	}
}

func TestRender_IsDeterministic(t *testing.T) {
	build := func() *contextdoc.Document {
		d := contextdoc.New()
		d.SetQueryAnalysis(model.QueryAnalysis{ActionNeeded: "research", UserPurpose: "compare prices"})
		d.SetSection(model.SectionPlan, "Plan: search then synthesize")
		d.AddSource(model.SourceReference{ID: "s1", Title: "Example", URL: "https://example.com"})
		d.AddClaim(model.Claim{ID: "c1", Content: "x", Confidence: 1, Source: "t", URL: "https://example.com", CreatedAt: time.Now()})
		d.RecordDecision("planning", "chose workflow compare_prices")
		return d
	}

	a := build().Render()
	b := build().Render()
	if a != b {
		t.Fatalf("expected deterministic render, got divergent output")
	}
	if !strings.Contains(a, "## 3. Plan") {
		t.Fatalf("expected plan section heading, got:\n%s", a)
	}
	if !strings.Contains(a, "Claim Ledger") {
		t.Fatalf("expected claim ledger section")
	}
}

func TestInvalidateClaim_MarksInLedger(t *testing.T) {
	d := contextdoc.New()
	d.AddClaim(model.Claim{ID: "c1", Content: "x", Confidence: 1, Source: "t", SourceRef: "ref", CreatedAt: time.Now()})
	if !d.InvalidateClaim("c1") {
		t.Fatalf("expected invalidation to find claim")
	}
	claims := d.Claims()
	if !claims[0].Invalidated {
		t.Fatalf("expected claim marked invalidated")
	}
}

func TestSetSection_RejectsOutOfRange(t *testing.T) {
	d := contextdoc.New()
	if err := d.SetSection(99, "x"); err == nil {
		t.Fatalf("expected out-of-range section to error")
	}
}
