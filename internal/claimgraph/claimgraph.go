// Package claimgraph persists a turn's claim/source/goal/constraint
// relations into the claim-provenance graph (an ArangoDB schema managed
// through common/arangodb) and lets the Validation & Retry
// Controller (C14) ask whether a source has prior evidentiary backing
// beyond what the current turn's own documents show.
package claimgraph

import (
	"context"
	"fmt"

	"github.com/relayforge/orchestrator/common/arangodb"
	"github.com/relayforge/orchestrator/internal/model"
)

// Store is the narrow slice of arangodb.Client the graph actually needs;
// it lets tests substitute a fake instead of a live database.
type Store interface {
	EnsureDatabase(ctx context.Context) error
	EnsureClaimCollections(ctx context.Context) error
	EnsureClaimGraph(ctx context.Context) error
	IngestNodes(ctx context.Context, collection string, nodes []arangodb.Node) error
	IngestEdges(ctx context.Context, collection string, edges []arangodb.Edge) error
	SourceBackedByClaim(ctx context.Context, sourceQName string) (bool, error)
}

// Graph wraps a Store with the domain-specific ingest/query operations of
// the claim-provenance graph; C14 uses its SourceBackedByClaim query.
type Graph struct {
	store Store
}

func New(store Store) *Graph {
	return &Graph{store: store}
}

// EnsureSchema creates the claim-provenance database, collections, and
// graph if they don't already exist. Safe to call on every process start.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	if err := g.store.EnsureDatabase(ctx); err != nil {
		return fmt.Errorf("claimgraph: ensure database: %w", err)
	}
	if err := g.store.EnsureClaimCollections(ctx); err != nil {
		return fmt.Errorf("claimgraph: ensure collections: %w", err)
	}
	if err := g.store.EnsureClaimGraph(ctx); err != nil {
		return fmt.Errorf("claimgraph: ensure graph: %w", err)
	}
	return nil
}

// IngestTurn writes one turn's claims, goals, and constraints into the
// graph as nodes and links each claim to the source it cites (URL, else
// source_ref) with a claim_sources edge; a claim citing neither gets no
// edge. Goals and constraints are written as nodes only: no claim_goals or
// claim_constraints edges are created.
func (g *Graph) IngestTurn(ctx context.Context, turnID string, claims []model.Claim, goals []model.Goal, constraints []model.Constraint) error {
	claimNodes := make([]arangodb.Node, 0, len(claims))
	sourceNodes := make([]arangodb.Node, 0, len(claims))
	claimSourceEdges := make([]arangodb.Edge, 0, len(claims))
	seenSources := make(map[string]bool)

	for _, c := range claims {
		claimNodes = append(claimNodes, arangodb.Node{
			QName: turnID + "/" + c.ID,
			Name:  c.ID,
			Kind:  "claim",
			Doc:   c.Content,
		})

		source := c.URL
		if source == "" {
			source = c.SourceRef
		}
		if source == "" {
			continue
		}
		if !seenSources[source] {
			sourceNodes = append(sourceNodes, arangodb.Node{QName: source, Name: source, Kind: "source"})
			seenSources[source] = true
		}
		claimSourceEdges = append(claimSourceEdges, arangodb.Edge{
			From: turnID + "/" + c.ID, To: source, FromKind: "claim", ToKind: "source",
		})
	}

	goalNodes := make([]arangodb.Node, 0, len(goals))
	for _, gl := range goals {
		goalNodes = append(goalNodes, arangodb.Node{QName: turnID + "/" + gl.ID, Name: gl.Description, Kind: "goal"})
	}

	constraintNodes := make([]arangodb.Node, 0, len(constraints))
	for _, ct := range constraints {
		constraintNodes = append(constraintNodes, arangodb.Node{QName: turnID + "/" + ct.ID, Name: ct.OriginalText, Kind: "constraint"})
	}

	if err := g.store.IngestNodes(ctx, "claims", claimNodes); err != nil {
		return fmt.Errorf("claimgraph: ingest claims: %w", err)
	}
	if err := g.store.IngestNodes(ctx, "sources", sourceNodes); err != nil {
		return fmt.Errorf("claimgraph: ingest sources: %w", err)
	}
	if err := g.store.IngestNodes(ctx, "goals", goalNodes); err != nil {
		return fmt.Errorf("claimgraph: ingest goals: %w", err)
	}
	if err := g.store.IngestNodes(ctx, "constraints", constraintNodes); err != nil {
		return fmt.Errorf("claimgraph: ingest constraints: %w", err)
	}
	if err := g.store.IngestEdges(ctx, "claim_sources", claimSourceEdges); err != nil {
		return fmt.Errorf("claimgraph: ingest claim_sources edges: %w", err)
	}
	return nil
}

// SourceBackedByClaim asks whether source (a URL or source_ref) has ever
// been cited by a claim in any ingested turn. C14 consults this as a
// fallback when a URL doesn't appear in the current turn's own
// toolresults.md/claims/context, so a previously-validated source isn't
// penalized just because this turn didn't re-fetch it.
func (g *Graph) SourceBackedByClaim(ctx context.Context, source string) (bool, error) {
	return g.store.SourceBackedByClaim(ctx, source)
}
