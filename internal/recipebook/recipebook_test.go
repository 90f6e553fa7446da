package recipebook_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/recipebook"
)

const sampleRecipe = `
name: reflection
prompt_fragments:
  - fragments/system.txt
input_docs:
  - path: context.md
    path_type: turn_local
    optional: true
token_budget:
  total: 4000
  output: 800
llm_params:
  temperature: 0.4
`

func writeRecipeDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "fragments"), 0o755); err != nil {
		t.Fatalf("mkdir fragments: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fragments", "system.txt"), []byte("Be helpful."), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reflection.yaml"), []byte(sampleRecipe), 0o644); err != nil {
		t.Fatalf("write recipe: %v", err)
	}
	return dir
}

func TestParseFile_ResolvesFragmentPathsRelativeToRecipe(t *testing.T) {
	dir := writeRecipeDir(t)
	recipe, err := recipebook.ParseFile(filepath.Join(dir, "reflection.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recipe.Name != "reflection" {
		t.Fatalf("expected name reflection, got %q", recipe.Name)
	}
	want := filepath.Join(dir, "fragments", "system.txt")
	if len(recipe.PromptFragments) != 1 || recipe.PromptFragments[0] != want {
		t.Fatalf("expected resolved fragment path %q, got %v", want, recipe.PromptFragments)
	}
	if recipe.TokenBudget.Total != 4000 || recipe.TokenBudget.Output != 800 {
		t.Fatalf("unexpected token budget: %+v", recipe.TokenBudget)
	}
}

func TestLoadDir_KeyedByName(t *testing.T) {
	dir := writeRecipeDir(t)
	recipes, err := recipebook.LoadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := recipes["reflection"]; !ok {
		t.Fatalf("expected reflection recipe to be loaded, got %v", recipes)
	}
}

func TestMustGet_MissingRecipeErrors(t *testing.T) {
	if _, err := recipebook.MustGet(map[string]model.Recipe{}, "missing"); err == nil {
		t.Fatalf("expected error for missing recipe")
	}
}
