// Package recipebook loads model.Recipe definitions from plain YAML files
// on disk — the prompt-fragment/input-doc/token-budget declarations
// internal/docpack builds a Pack from for one LLM call (spec §3). Unlike
// internal/workflow's bundles, recipe files carry no markdown body: the
// whole file is the YAML struct, so loading is a direct unmarshal.
package recipebook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/orchestrator/internal/model"
)

// ParseFile reads one recipe YAML file and resolves its prompt fragment
// paths relative to the recipe file's own directory, so recipes can be
// moved as a self-contained directory tree.
func ParseFile(path string) (model.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Recipe{}, fmt.Errorf("recipebook: read %s: %w", path, err)
	}

	var recipe model.Recipe
	if err := yaml.Unmarshal(data, &recipe); err != nil {
		return model.Recipe{}, fmt.Errorf("recipebook: parse %s: %w", path, err)
	}
	if recipe.Name == "" {
		recipe.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	dir := filepath.Dir(path)
	for i, frag := range recipe.PromptFragments {
		if !filepath.IsAbs(frag) {
			recipe.PromptFragments[i] = filepath.Join(dir, frag)
		}
	}
	return recipe, nil
}

// LoadDir loads every *.yaml/*.yml file directly under dir, keyed by
// recipe name.
func LoadDir(dir string) (map[string]model.Recipe, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("recipebook: read dir %s: %w", dir, err)
	}

	recipes := make(map[string]model.Recipe, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		recipe, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		recipes[recipe.Name] = recipe
	}
	return recipes, nil
}

// MustGet looks up name in recipes, returning an error that names the
// missing recipe — used at startup where a missing recipe is a fatal
// configuration error.
func MustGet(recipes map[string]model.Recipe, name string) (model.Recipe, error) {
	recipe, ok := recipes[name]
	if !ok {
		return model.Recipe{}, fmt.Errorf("recipebook: recipe %q not found", name)
	}
	return recipe, nil
}
