// Package docpack implements the Doc Pack Builder (C3): assembling one
// LLM call's prompt from a Recipe under a hard token budget, with
// compression and trimming when the raw inputs don't fit.
package docpack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/turn"
)

// criticalDocs are never truncated when a smarter path is available; they
// must be compressed via extract_key or summarize instead (spec §4.3 step 5).
var criticalDocs = map[string]bool{
	"context.md":     true,
	"bundle.json":    true,
	"findings.json":  true,
}

const minPerDocTokens = 100

// PackedDoc is one input document after resolution and compression.
type PackedDoc struct {
	Name       string
	Path       string
	Content    string
	Tokens     int
	Compressed bool
}

// Pack is the fully assembled prompt for one LLM call.
type Pack struct {
	Name            string
	Prompt          string
	EstimatedTokens int
	Docs            []PackedDoc
	Warnings        []string
}

// Builder assembles Packs from Recipes. smartChain is used for critical
// docs, and for other docs only if TruncateCompressor returns an error;
// ordinary docs use TruncateCompressor directly, matching spec's "truncate
// (fast)" framing.
type Builder struct {
	smartChain *Chain
}

// NewBuilder constructs a Builder. llmClient may be nil — the summarize
// step is then skipped and the chain degrades straight to extract_key.
func NewBuilder(llmClient llm.Client) *Builder {
	chain := NewChain(SummarizeCompressor{Client: llmClient}, ExtractKeyCompressor{}, TruncateCompressor{})
	return &Builder{smartChain: chain}
}

// Build assembles a Pack from recipe, reading input docs through t.
func (b *Builder) Build(ctx context.Context, t *turn.Turn, recipe model.Recipe) (*Pack, error) {
	pack := &Pack{Name: recipe.Name}

	promptText, promptTokens, err := loadPromptFragments(recipe.PromptFragments)
	if err != nil {
		return nil, err
	}
	if promptTokens > recipe.TokenBudget.Total {
		return nil, fmt.Errorf("docpack: prompt fragments alone (%d tokens) exceed budget total %d",
			promptTokens, recipe.TokenBudget.Total)
	}

	docBudget := recipe.TokenBudget.Total - recipe.TokenBudget.Output - recipe.TokenBudget.Buffer - promptTokens
	if docBudget < 0 {
		return nil, fmt.Errorf("docpack: output+buffer reservation leaves no budget for input docs")
	}

	perDocShare := computePerDocShare(recipe.InputDocs, docBudget)

	for _, spec := range recipe.InputDocs {
		content, name, err := resolveDoc(t, spec)
		if err != nil {
			if spec.Optional {
				pack.Warnings = append(pack.Warnings, fmt.Sprintf("skipped missing optional doc %s: %v", spec.Path, err))
				continue
			}
			return nil, fmt.Errorf("docpack: required doc %s: %w", spec.Path, err)
		}

		budget := spec.MaxTokens
		if budget == 0 {
			budget = perDocShare
		}

		tokens := EstimateTokens(content)
		doc := PackedDoc{Name: name, Path: spec.Path, Content: content, Tokens: tokens}

		if tokens > budget {
			compressed, err := b.compressDoc(ctx, name, content, budget)
			if err != nil {
				return nil, fmt.Errorf("docpack: compress %s: %w", name, err)
			}
			doc.Content = compressed
			doc.Tokens = EstimateTokens(compressed)
			doc.Compressed = true
		}
		pack.Docs = append(pack.Docs, doc)
	}

	if err := b.trim(ctx, pack, recipe, docBudget); err != nil {
		return nil, err
	}

	var out strings.Builder
	out.WriteString(promptText)
	for _, d := range pack.Docs {
		fmt.Fprintf(&out, "\n---\n# %s\n\n%s", d.Name, d.Content)
	}
	pack.Prompt = out.String()
	pack.EstimatedTokens = EstimateTokens(pack.Prompt)

	if pack.EstimatedTokens > recipe.TokenBudget.Total {
		return nil, fmt.Errorf("docpack: assembled pack (%d tokens) exceeds total budget %d after trimming",
			pack.EstimatedTokens, recipe.TokenBudget.Total)
	}
	return pack, nil
}

// compressDoc routes critical docs through the smart chain (extract_key or
// summarize — never raw truncation while a smarter path is available) and
// ordinary docs through the fast truncator, falling back to the smart chain
// only if the truncator returns an error.
func (b *Builder) compressDoc(ctx context.Context, name, content string, budget int) (string, error) {
	if criticalDocs[name] {
		return b.smartChain.Compress(ctx, content, budget)
	}
	out, err := (TruncateCompressor{}).Compress(ctx, content, budget)
	if err != nil {
		return b.smartChain.Compress(ctx, content, budget)
	}
	return out, nil
}

func loadPromptFragments(paths []string) (string, int, error) {
	var b strings.Builder
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", 0, fmt.Errorf("docpack: load prompt fragment %s: %w", p, err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	text := b.String()
	return text, EstimateTokens(text), nil
}

// computePerDocShare splits the remaining budget equally among docs with no
// explicit max_tokens, after reserving space for the docs that do specify
// one, with a floor of minPerDocTokens per doc (spec §4.3 step 3).
func computePerDocShare(specs []model.InputDocSpec, remaining int) int {
	explicit := 0
	needSplit := 0
	for _, s := range specs {
		if s.MaxTokens > 0 {
			explicit += s.MaxTokens
		} else {
			needSplit++
		}
	}
	if needSplit == 0 {
		return minPerDocTokens
	}
	share := (remaining - explicit) / needSplit
	if share < minPerDocTokens {
		share = minPerDocTokens
	}
	return share
}

// resolveDoc reads spec's content, honoring its path_type. Turn-local reads
// go through t.ReadDoc so the manifest's docs_referenced list stays
// accurate; every other path_type resolves to a host path read directly.
func resolveDoc(t *turn.Turn, spec model.InputDocSpec) (content, name string, err error) {
	name = filepath.Base(spec.Path)
	pathType := turn.PathType(spec.PathType)

	if pathType == turn.PathTurnLocal || pathType == "" {
		data, err := t.ReadDoc(spec.Path)
		if err != nil {
			return "", name, err
		}
		return string(data), name, nil
	}

	path, err := t.DocPath(spec.Path, pathType)
	if err != nil {
		return "", name, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", name, err
	}
	return string(data), name, nil
}

// trim applies the recipe's trimming strategy when the assembled docs still
// exceed docBudget after per-doc compression, never cutting any single doc
// by more than 50% in one pass (spec §4.3 step 6). drop_oldest removes whole
// docs; every other method, summarize included, trims by truncation as
// truncate_end does.
func (b *Builder) trim(ctx context.Context, pack *Pack, recipe model.Recipe, docBudget int) error {
	method := "truncate_end"
	var priority []string
	if recipe.TrimmingStrategy != nil {
		if recipe.TrimmingStrategy.Method != "" {
			method = recipe.TrimmingStrategy.Method
		}
		priority = recipe.TrimmingStrategy.Priority
	}

	total := func() int {
		sum := 0
		for _, d := range pack.Docs {
			sum += d.Tokens
		}
		return sum
	}
	if total() <= docBudget || len(pack.Docs) == 0 {
		return nil
	}

	order := trimOrder(pack.Docs, priority)

	if method == "drop_oldest" {
		for _, idx := range order {
			if total() <= docBudget {
				break
			}
			pack.Docs[idx].Content = ""
			pack.Docs[idx].Tokens = 0
			pack.Docs[idx].Compressed = true
			pack.Warnings = append(pack.Warnings, fmt.Sprintf("dropped %s to stay within budget", pack.Docs[idx].Name))
		}
		pack.Docs = compactDocs(pack.Docs)
		return nil
	}

	const maxPasses = 4
	for pass := 0; pass < maxPasses && total() > docBudget; pass++ {
		progressed := false
		for _, idx := range order {
			if total() <= docBudget {
				break
			}
			d := &pack.Docs[idx]
			if d.Tokens <= 1 {
				continue
			}
			halfBudget := d.Tokens / 2
			if halfBudget < 1 {
				halfBudget = 1
			}
			out, err := (TruncateCompressor{}).Compress(ctx, d.Content, halfBudget)
			if err != nil {
				return fmt.Errorf("docpack: trim %s: %w", d.Name, err)
			}
			if len(out) < len(d.Content) {
				d.Content = out
				d.Tokens = EstimateTokens(out)
				d.Compressed = true
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return nil
}

// trimOrder ranks doc indices: names listed in priority are trimmed first,
// in the order they're listed, followed by any remaining docs in their
// original order.
func trimOrder(docs []PackedDoc, priority []string) []int {
	rank := make(map[string]int, len(priority))
	for i, name := range priority {
		rank[name] = i
	}

	order := make([]int, len(docs))
	for i := range docs {
		order[i] = i
	}

	prioritized := func(i int) (int, bool) {
		r, ok := rank[docs[i].Name]
		return r, ok
	}

	// stable partition: prioritized docs (by rank) first, then the rest in
	// original order.
	var head, tail []int
	for _, i := range order {
		if _, ok := prioritized(i); ok {
			head = append(head, i)
		} else {
			tail = append(tail, i)
		}
	}
	sortByRank(head, docs, rank)
	return append(head, tail...)
}

func sortByRank(idx []int, docs []PackedDoc, rank map[string]int) {
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && rank[docs[idx[j]].Name] < rank[docs[idx[j-1]].Name]; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
}

func compactDocs(docs []PackedDoc) []PackedDoc {
	out := docs[:0]
	for _, d := range docs {
		if d.Content != "" {
			out = append(out, d)
		}
	}
	return out
}
