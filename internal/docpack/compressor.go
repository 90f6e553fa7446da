package docpack

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/relayforge/orchestrator/common/llm"
)

// Compressor reduces content to approximately maxTokens. Implementations
// never need to hit the budget exactly — the caller re-measures and may
// call again with a smaller budget.
type Compressor interface {
	Compress(ctx context.Context, content string, maxTokens int) (string, error)
}

// Chain tries compressors in order, falling back to the next on error —
// the same degrade-gracefully behavior the original gateway's
// document_compressor applies: summarize, then extract_key, then truncate.
type Chain struct {
	compressors []Compressor
}

// NewChain builds a fallback chain from cs, tried in the given order.
func NewChain(cs ...Compressor) *Chain {
	return &Chain{compressors: cs}
}

func (c *Chain) Compress(ctx context.Context, content string, maxTokens int) (string, error) {
	var lastErr error
	for _, comp := range c.compressors {
		out, err := comp.Compress(ctx, content, maxTokens)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("docpack: empty compressor chain")
	}
	return "", fmt.Errorf("docpack: all compressors failed: %w", lastErr)
}

// TruncateCompressor is the fast, always-available strategy: cut to a
// character budget derived from EstimateTokens, snapping back to the
// nearest sentence or word boundary and appending an ellipsis.
type TruncateCompressor struct{}

func (TruncateCompressor) Compress(_ context.Context, content string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	budget := maxTokens * charsPerToken
	if len(content) <= budget {
		return content, nil
	}

	cut := content[:budget]
	if i := strings.LastIndexAny(cut, ".!?\n"); i > budget/2 {
		cut = cut[:i+1]
	} else if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n") + " …", nil
}

var keywordPattern = regexp.MustCompile(`(?i)\b(must|important|required|warning|error|price|cost|\$[0-9]|https?://)\b`)
var numberPattern = regexp.MustCompile(`[0-9]`)

// ExtractKeyCompressor scores each line by keyword density, position, and
// the presence of numbers/URLs/currency markers, then keeps the
// highest-scored lines (reassembled in original order) until the budget is
// spent.
type ExtractKeyCompressor struct{}

func (ExtractKeyCompressor) Compress(_ context.Context, content string, maxTokens int) (string, error) {
	budget := maxTokens * charsPerToken
	if len(content) <= budget {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	type scored struct {
		idx   int
		line  string
		score float64
	}
	all := make([]scored, 0, len(lines))
	for i, line := range lines {
		s := 0.0
		if keywordPattern.MatchString(line) {
			s += 3
		}
		if numberPattern.MatchString(line) {
			s += 1
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			s += 2
		}
		if strings.HasPrefix(strings.TrimSpace(line), "-") || strings.HasPrefix(strings.TrimSpace(line), "*") {
			s += 1
		}
		// earlier lines get a small position bonus: leads and headers
		// usually carry the most load-bearing content.
		if i < len(lines)/10 {
			s += 1
		}
		all = append(all, scored{idx: i, line: line, score: s})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	kept := make(map[int]bool)
	used := 0
	for _, sc := range all {
		cost := len(sc.line) + 1
		if used+cost > budget {
			continue
		}
		kept[sc.idx] = true
		used += cost
	}

	var out []string
	for i, line := range lines {
		if kept[i] {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}

// SummarizeCompressor asks an LLM to condense content into bullet points
// under the given budget. Any failure — including a nil Client — bubbles
// up so Chain falls through to ExtractKeyCompressor.
type SummarizeCompressor struct {
	Client llm.Client
}

type summarizeResult struct {
	Summary string `json:"summary"`
}

func (s SummarizeCompressor) Compress(ctx context.Context, content string, maxTokens int) (string, error) {
	if s.Client == nil {
		return "", fmt.Errorf("docpack: no summarizer configured")
	}
	var result summarizeResult
	_, err := s.Client.Chat(ctx, llm.Request{
		SystemPrompt: "Summarize the following document as dense bullet points. Preserve numbers, prices, and URLs verbatim. Keep the summary under the requested token budget.",
		UserPrompt:   fmt.Sprintf("Budget: ~%d tokens.\n\n%s", maxTokens, content),
		SchemaName:   "document_summary",
		Schema:       llm.GenerateSchema[summarizeResult](),
		MaxTokens:    maxTokens * 2,
	}, &result)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if result.Summary == "" {
		return "", fmt.Errorf("summarize: empty result")
	}
	return result.Summary, nil
}
