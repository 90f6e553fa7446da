// Package memoryindex backs Phase 2's "reads prior turns and memory"
// contract (spec §4.13 step 3): a Typesense-indexed store of turn
// summaries and claims, searchable by the Context Gatherer at the start of
// each new turn.
package memoryindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/internal/model"
)

// CollectionName is the Typesense collection this package owns.
const CollectionName = "turn_memory"

// Document is one indexed turn: its synthesized summary plus the claims it
// produced, flattened to strings for full-text search.
type Document struct {
	ID        string   `json:"id"`
	TurnID    string   `json:"turn_id"`
	SessionID string   `json:"session_id"`
	Summary   string   `json:"summary"`
	Claims    []string `json:"claims"`
	CreatedAt int64    `json:"created_at"`
}

// Store is the narrow slice of Typesense operations this package needs; it
// lets tests substitute a fake instead of a live Typesense server, the same
// pattern internal/claimgraph uses for ArangoDB.
type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, doc Document) error
	Search(ctx context.Context, query string, limit int) ([]Document, error)
}

// Index wraps a Store with the domain operations Phase 2 needs: recording
// a finished turn's memory and searching prior turns for a new query.
type Index struct {
	store Store
}

// New constructs an Index over store.
func New(store Store) *Index {
	return &Index{store: store}
}

// EnsureSchema creates the turn_memory collection if it doesn't already
// exist. Safe to call on every process start.
func (idx *Index) EnsureSchema(ctx context.Context) error {
	if err := idx.store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("memoryindex: ensure collection: %w", err)
	}
	return nil
}

// IndexTurn records one completed turn's summary and claim content so a
// later turn's Context Gatherer can find it again.
func (idx *Index) IndexTurn(ctx context.Context, turnID, sessionID, summary string, claims []model.Claim) error {
	claimText := make([]string, 0, len(claims))
	for _, c := range claims {
		if c.Invalidated {
			continue
		}
		claimText = append(claimText, c.Content)
	}

	doc := Document{
		ID:        turnID,
		TurnID:    turnID,
		SessionID: sessionID,
		Summary:   summary,
		Claims:    claimText,
		CreatedAt: time.Now().Unix(),
	}
	if err := idx.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("memoryindex: index turn %s: %w", turnID, err)
	}
	return nil
}

// Search finds prior turns whose summary or claims match query, in the order
// the Store returns them (the Typesense store sorts matches newest first),
// capped at limit results.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	docs, err := idx.store.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: search: %w", err)
	}
	return docs, nil
}

// DefaultSearchLimit bounds how many prior turns the Context Gatherer pulls
// in for one query, keeping §2 within a sane token footprint.
const DefaultSearchLimit = 5

// Gatherer implements phaserunner.ContextGatherer by rendering a memory
// search's hits as §2's body and source-reference list, without importing
// internal/phaserunner directly (the interface is satisfied structurally).
type Gatherer struct {
	idx   *Index
	limit int
}

// NewGatherer constructs a Gatherer over idx, searching at most limit prior
// turns per query (DefaultSearchLimit if limit <= 0).
func NewGatherer(idx *Index, limit int) *Gatherer {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &Gatherer{idx: idx, limit: limit}
}

// Gather searches prior-turn memory for query and renders the hits into
// §2's markdown body plus one source reference per matched turn.
func (g *Gatherer) Gather(ctx context.Context, query string) (string, []model.SourceReference, error) {
	docs, err := g.idx.Search(ctx, query, g.limit)
	if err != nil {
		return "", nil, err
	}
	if len(docs) == 0 {
		return "_No related prior turns found._", nil, nil
	}

	var body strings.Builder
	sources := make([]model.SourceReference, 0, len(docs))
	for i, d := range docs {
		if i > 0 {
			body.WriteString("\n\n")
		}
		fmt.Fprintf(&body, "**From %s:** %s", d.TurnID, d.Summary)
		if len(d.Claims) > 0 {
			fmt.Fprintf(&body, "\n- %s", strings.Join(d.Claims, "\n- "))
		}
		sources = append(sources, model.SourceReference{
			ID:      d.TurnID,
			Title:   fmt.Sprintf("Prior turn %s", d.TurnID),
			Excerpt: truncate(d.Summary, 280),
		})
	}
	return body.String(), sources, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// marshalRoundTrip decodes a loosely-typed Typesense hit (map[string]any)
// into a Document via JSON, insulating this package from the exact field
// ordering/typing the client library hands back.
func marshalRoundTrip(raw map[string]any, out *Document) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
