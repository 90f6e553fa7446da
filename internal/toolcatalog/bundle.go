package toolcatalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/orchestrator/internal/model"
)

// toolSpec is the YAML frontmatter of a tool spec file (spec §6 "Tool spec
// format"): name/entrypoint/inputs/outputs required, mode_required/
// dependencies/version optional.
type toolSpec struct {
	Name         string       `yaml:"name"`
	Entrypoint   string       `yaml:"entrypoint"`
	ModeRequired string       `yaml:"mode_required"`
	Description  string       `yaml:"description"`
	Override     bool         `yaml:"override"`
	Inputs       []ioSpec     `yaml:"inputs"`
	Outputs      []ioSpec     `yaml:"outputs"`
	Dependencies []string     `yaml:"dependencies"`
	Version      string       `yaml:"version"`
}

type ioSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// Registry maps an entrypoint identifier to a compiled handler. Since Go
// cannot dynamically load arbitrary source at runtime the way the original
// Python gateway does, bundle loading resolves against a process-supplied
// registry of known handlers instead of an on-disk module — the Go-idiomatic
// analogue of "load the paired module, find the named callable".
type Registry map[string]Handler

// LoadBundle scans dir for every "*.md" tool spec, parses its YAML
// frontmatter, resolves the entrypoint against known, and registers each
// tool unless it already exists and override is unset.
func LoadBundle(cat *Catalog, dir string, known Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("toolcatalog: read bundle dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := loadOne(cat, path, known); err != nil {
			return fmt.Errorf("toolcatalog: %s: %w", e.Name(), err)
		}
	}
	return nil
}

func loadOne(cat *Catalog, path string, known Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	frontmatter, _ := splitFrontmatter(string(data))
	var spec toolSpec
	if err := yaml.Unmarshal([]byte(frontmatter), &spec); err != nil {
		return fmt.Errorf("parse frontmatter: %w", err)
	}

	if spec.Name == "" || spec.Entrypoint == "" {
		return fmt.Errorf("spec missing required name/entrypoint")
	}
	if len(spec.Inputs) == 0 {
		// not fatal — bundle specs may declare zero-arg tools — and no
		// warning is raised for it.
	}

	handler, ok := known[spec.Entrypoint]
	if !ok {
		return fmt.Errorf("unknown entrypoint %q (no compiled handler registered)", spec.Entrypoint)
	}

	mode := model.ModeRequiredAny
	switch spec.ModeRequired {
	case string(model.ModeRequiredCode):
		mode = model.ModeRequiredCode
	case string(model.ModeRequiredChat):
		mode = model.ModeRequiredChat
	case "", string(model.ModeRequiredAny):
		mode = model.ModeRequiredAny
	}

	return cat.Register(Entry{
		Name:         spec.Name,
		Handler:      handler,
		ModeRequired: mode,
		Description:  spec.Description,
	}, spec.Override)
}

// splitFrontmatter splits a "---\n<yaml>\n---\n<body>" markdown document
// into its frontmatter and body. If the document has no frontmatter
// delimiter, the whole thing is treated as frontmatter-free.
func splitFrontmatter(doc string) (frontmatter, body string) {
	const delim = "---"
	trimmed := strings.TrimLeft(doc, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return "", doc
	}
	rest := strings.TrimPrefix(trimmed, delim)
	idx := strings.Index(rest, "\n"+delim)
	if idx == -1 {
		return "", doc
	}
	frontmatter = strings.TrimPrefix(rest[:idx], "\n")
	body = rest[idx+len(delim)+1:]
	return frontmatter, body
}
