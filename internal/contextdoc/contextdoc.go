// Package contextdoc implements the Context Document (C2): the single
// numbered-section source of truth that every phase reads from and appends
// to. Sections are fixed at nine slots (spec §3, invariant 4: "sections are
// never reordered, only appended within"); this package is the only writer
// of context.md.
package contextdoc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/relayforge/orchestrator/internal/model"
)

// Document is the in-memory, concurrency-safe representation of a turn's
// context.md. Phases mutate it through typed accessors, never by editing
// raw markdown.
type Document struct {
	mu sync.Mutex

	sections map[int]string

	queryAnalysis *model.QueryAnalysis
	sources       []model.SourceReference
	claims        []model.Claim
	decisions     []model.Decision
	execState     model.ExecutionState
}

// New returns an empty document with no section populated.
func New() *Document {
	return &Document{sections: make(map[int]string)}
}

// SetQueryAnalysis stores §0's typed payload.
func (d *Document) SetQueryAnalysis(qa model.QueryAnalysis) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queryAnalysis = &qa
}

// QueryAnalysis returns §0's payload, if Phase 0 has run.
func (d *Document) QueryAnalysis() (model.QueryAnalysis, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queryAnalysis == nil {
		return model.QueryAnalysis{}, false
	}
	return *d.queryAnalysis, true
}

// SetSection replaces the rendered body of section n. Out-of-range section
// numbers are a programmer error, not a runtime condition a caller recovers
// from — callers should use the model.Section* constants.
func (d *Document) SetSection(n int, body string) error {
	if n < model.SectionQueryAnalysis || n > model.MaxSection {
		return fmt.Errorf("contextdoc: section %d out of range [0,%d]", n, model.MaxSection)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sections[n] = body
	return nil
}

// AppendSection adds body to whatever section n already holds, separated by
// a blank line — the "append-only within a section" half of invariant 4.
func (d *Document) AppendSection(n int, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < model.SectionQueryAnalysis || n > model.MaxSection {
		return fmt.Errorf("contextdoc: section %d out of range [0,%d]", n, model.MaxSection)
	}
	if existing, ok := d.sections[n]; ok && existing != "" {
		d.sections[n] = existing + "\n\n" + body
	} else {
		d.sections[n] = body
	}
	return nil
}

// Section returns the current rendered body of section n.
func (d *Document) Section(n int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body, ok := d.sections[n]
	return body, ok
}

// AddSource appends a source reference for §2's reference list.
func (d *Document) AddSource(ref model.SourceReference) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, ref)
}

// Sources returns all source references recorded so far.
func (d *Document) Sources() []model.SourceReference {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.SourceReference, len(d.sources))
	copy(out, d.sources)
	return out
}

// AddClaim appends a claim to the ledger after validating invariant 2 (every
// claim carries a url or source_ref).
func (d *Document) AddClaim(c model.Claim) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("contextdoc: reject claim %q: %w", c.ID, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claims = append(d.claims, c)
	return nil
}

// Claims returns every claim in the ledger, including invalidated ones.
func (d *Document) Claims() []model.Claim {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Claim, len(d.claims))
	copy(out, d.claims)
	return out
}

// InvalidateClaim marks a claim invalidated in place, used by the
// Validation & Retry Controller (C14) when a cross-check fails it.
func (d *Document) InvalidateClaim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.claims {
		if d.claims[i].ID == id {
			d.claims[i].Invalidated = true
			return true
		}
	}
	return false
}

// RecordDecision appends an audit-trail entry; phases never delete these.
func (d *Document) RecordDecision(phase, detail string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decisions = append(d.decisions, model.Decision{Phase: phase, Detail: detail})
}

// Decisions returns the recorded decision trail in order.
func (d *Document) Decisions() []model.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Decision, len(d.decisions))
	copy(out, d.decisions)
	return out
}

// SetExecutionState replaces §4's execution bookkeeping.
func (d *Document) SetExecutionState(es model.ExecutionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execState = es
}

// ExecutionState returns the current execution bookkeeping.
func (d *Document) ExecutionState() model.ExecutionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.execState
}

// Render produces the deterministic markdown form of the document: sections
// 0 through MaxSection, in fixed order, each under its canonical heading.
// Two documents with identical state always render byte-identical output —
// required for ArchiveAttempt's byte-for-byte comparisons to be meaningful.
func (d *Document) Render() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	for n := model.SectionQueryAnalysis; n <= model.MaxSection; n++ {
		fmt.Fprintf(&b, "## %d. %s\n\n", n, model.SectionTitles[n])

		switch n {
		case model.SectionContext:
			d.renderSources(&b)
		case model.SectionExecution:
			d.renderExecutionState(&b)
		}

		if body, ok := d.sections[n]; ok && body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		} else if n != model.SectionContext && n != model.SectionExecution {
			b.WriteString("_(empty)_\n\n")
		}
	}

	d.renderClaimLedger(&b)
	d.renderDecisionTrail(&b)
	return b.String()
}

func (d *Document) renderSources(b *strings.Builder) {
	if len(d.sources) == 0 {
		return
	}
	for _, s := range d.sources {
		fmt.Fprintf(b, "- [%s] %s — %s\n", s.ID, s.Title, s.URL)
	}
	b.WriteString("\n")
}

func (d *Document) renderExecutionState(b *strings.Builder) {
	fmt.Fprintf(b, "phase=%s name=%s iteration=%d/%d consecutive_errors=%d\n\n",
		d.execState.Phase, d.execState.Name, d.execState.Iteration,
		d.execState.MaxIterations, d.execState.ConsecutiveErrors)
}

func (d *Document) renderClaimLedger(b *strings.Builder) {
	b.WriteString("## Claim Ledger\n\n")
	if len(d.claims) == 0 {
		b.WriteString("_(no claims)_\n\n")
		return
	}
	claims := make([]model.Claim, len(d.claims))
	copy(claims, d.claims)
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].ID < claims[j].ID })
	for _, c := range claims {
		status := "active"
		if c.Invalidated {
			status = "invalidated"
		}
		ref := c.URL
		if ref == "" {
			ref = c.SourceRef
		}
		fmt.Fprintf(b, "- [%s] (%s, confidence=%.2f, %s) %s — %s\n",
			c.ID, status, c.Confidence, c.Source, c.Content, ref)
	}
	b.WriteString("\n")
}

func (d *Document) renderDecisionTrail(b *strings.Builder) {
	b.WriteString("## Decision Trail\n\n")
	if len(d.decisions) == 0 {
		b.WriteString("_(no decisions recorded)_\n")
		return
	}
	for _, dec := range d.decisions {
		fmt.Fprintf(b, "- [%s] %s\n", dec.Phase, dec.Detail)
	}
}
