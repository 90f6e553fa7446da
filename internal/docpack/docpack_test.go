package docpack_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relayforge/orchestrator/internal/docpack"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/turn"
)

func openTurn(t *testing.T) (*turn.Turn, string) {
	t.Helper()
	base := t.TempDir()
	tr, err := turn.Open(context.Background(), turn.LocalAllocator{}, base, "sess", "trace", model.ModeChat, "", "")
	if err != nil {
		t.Fatalf("open turn: %v", err)
	}
	return tr, base
}

func TestBuild_AssemblesPromptAndDocs(t *testing.T) {
	tr, _ := openTurn(t)
	if err := tr.WriteDoc("notes.md", []byte("short note content")); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	fragDir := t.TempDir()
	fragPath := filepath.Join(fragDir, "system.txt")
	if err := os.WriteFile(fragPath, []byte("You are a careful assistant."), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	b := docpack.NewBuilder(nil)
	recipe := model.Recipe{
		Name:            "test_recipe",
		PromptFragments: []string{fragPath},
		InputDocs: []model.InputDocSpec{
			{Path: "notes.md", PathType: model.PathTypeTurnLocal},
		},
		TokenBudget: model.TokenBudget{Total: 1000, Output: 200, Buffer: 50},
	}

	pack, err := b.Build(context.Background(), tr, recipe)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(pack.Prompt, "careful assistant") {
		t.Fatalf("expected prompt fragment in output, got:\n%s", pack.Prompt)
	}
	if !strings.Contains(pack.Prompt, "short note content") {
		t.Fatalf("expected doc content in output, got:\n%s", pack.Prompt)
	}
}

func TestBuild_SkipsMissingOptionalDoc(t *testing.T) {
	tr, _ := openTurn(t)
	b := docpack.NewBuilder(nil)
	recipe := model.Recipe{
		Name: "test_recipe",
		InputDocs: []model.InputDocSpec{
			{Path: "missing.md", PathType: model.PathTypeTurnLocal, Optional: true},
		},
		TokenBudget: model.TokenBudget{Total: 1000, Output: 200, Buffer: 50},
	}

	pack, err := b.Build(context.Background(), tr, recipe)
	if err != nil {
		t.Fatalf("expected optional missing doc to be skipped, got error: %v", err)
	}
	if len(pack.Warnings) != 1 {
		t.Fatalf("expected one warning about skipped doc, got %v", pack.Warnings)
	}
}

func TestBuild_FailsOnMissingRequiredDoc(t *testing.T) {
	tr, _ := openTurn(t)
	b := docpack.NewBuilder(nil)
	recipe := model.Recipe{
		Name: "test_recipe",
		InputDocs: []model.InputDocSpec{
			{Path: "missing.md", PathType: model.PathTypeTurnLocal},
		},
		TokenBudget: model.TokenBudget{Total: 1000, Output: 200, Buffer: 50},
	}

	if _, err := b.Build(context.Background(), tr, recipe); err == nil {
		t.Fatalf("expected missing required doc to fail the build")
	}
}

func TestBuild_CompressesOversizedDoc(t *testing.T) {
	tr, _ := openTurn(t)
	big := strings.Repeat("this is a long sentence about the weather. ", 500)
	if err := tr.WriteDoc("big.md", []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}

	b := docpack.NewBuilder(nil)
	recipe := model.Recipe{
		Name: "test_recipe",
		InputDocs: []model.InputDocSpec{
			{Path: "big.md", PathType: model.PathTypeTurnLocal, MaxTokens: 50},
		},
		TokenBudget: model.TokenBudget{Total: 5000, Output: 200, Buffer: 50},
	}

	pack, err := b.Build(context.Background(), tr, recipe)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !pack.Docs[0].Compressed {
		t.Fatalf("expected oversized doc to be compressed")
	}
	if pack.Docs[0].Tokens > 60 {
		t.Fatalf("expected compressed doc near its 50-token budget, got %d", pack.Docs[0].Tokens)
	}
}

func TestBuild_FailsWhenPromptAloneExceedsBudget(t *testing.T) {
	tr, _ := openTurn(t)
	fragDir := t.TempDir()
	fragPath := filepath.Join(fragDir, "huge.txt")
	if err := os.WriteFile(fragPath, []byte(strings.Repeat("x", 10000)), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	b := docpack.NewBuilder(nil)
	recipe := model.Recipe{
		Name:            "test_recipe",
		PromptFragments: []string{fragPath},
		TokenBudget:     model.TokenBudget{Total: 100, Output: 10, Buffer: 10},
	}

	if _, err := b.Build(context.Background(), tr, recipe); err == nil {
		t.Fatalf("expected oversized prompt fragments to fail the build")
	}
}

func TestEstimateTokens_ApproximatesFourCharsPerToken(t *testing.T) {
	if got := docpack.EstimateTokens("12345678"); got != 2 {
		t.Fatalf("expected 2 tokens for 8 chars, got %d", got)
	}
}
