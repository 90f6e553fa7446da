package toolexec_test

import (
	"testing"

	"github.com/relayforge/orchestrator/internal/toolexec"
)

func TestDefaultExtractor_FlatResult(t *testing.T) {
	extractor := toolexec.DefaultExtractor{}
	claims := extractor.Extract("web.search", map[string]any{
		"content": "the sky is blue",
		"url":     "https://example.com/sky",
	})
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if claims[0].Content != "the sky is blue" || claims[0].URL != "https://example.com/sky" {
		t.Fatalf("unexpected claim: %+v", claims[0])
	}
	if claims[0].Confidence != 0.7 {
		t.Fatalf("expected default confidence 0.7, got %v", claims[0].Confidence)
	}
}

func TestDefaultExtractor_ResultsList(t *testing.T) {
	extractor := toolexec.DefaultExtractor{}
	claims := extractor.Extract("web.search", map[string]any{
		"results": []any{
			map[string]any{"content": "fact one", "url": "https://a.example", "confidence": 0.9},
			map[string]any{"content": "fact two", "source_ref": "doc:42"},
			map[string]any{"content": "no source here"},
		},
	})
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims (entries missing url/source_ref dropped), got %d", len(claims))
	}
	if claims[0].Confidence != 0.9 {
		t.Fatalf("expected explicit confidence 0.9, got %v", claims[0].Confidence)
	}
	if claims[1].SourceRef != "doc:42" {
		t.Fatalf("expected source_ref doc:42, got %q", claims[1].SourceRef)
	}
}

func TestDefaultExtractor_MissingSourceDropsClaim(t *testing.T) {
	extractor := toolexec.DefaultExtractor{}
	claims := extractor.Extract("web.search", map[string]any{"content": "unsourced"})
	if len(claims) != 0 {
		t.Fatalf("expected no claims without url or source_ref, got %d", len(claims))
	}
}

func TestDefaultExtractor_NilResult(t *testing.T) {
	extractor := toolexec.DefaultExtractor{}
	if claims := extractor.Extract("web.search", nil); claims != nil {
		t.Fatalf("expected nil claims for nil result, got %+v", claims)
	}
}
